package activity

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/GriffinCanCode/quietrefresh/internal/trace"
)

// Scroll watcher constants
const (
	// LocateBudget bounds one attempt to find the scrollable element under
	// the pointer.
	LocateBudget = 200 * time.Millisecond

	// DefaultOffsetPoll is how often a located target's offset is sampled.
	DefaultOffsetPoll = 50 * time.Millisecond
)

// Target is a scrollable element whose position can be sampled.
type Target interface {
	Offset(ctx context.Context) (float64, error)
}

// Locator finds the scrollable element under a screen point. A nil Target
// with a nil error means the point is not over anything scrollable.
type Locator interface {
	Locate(ctx context.Context, x, y int) (Target, error)
}

// ScrollWatcher turns wheel input into Scroll activity. With a Locator it
// reports real content movement, including inertial scrolling after the
// wheel stops; without one, or when nothing is found in time, each wheel
// message counts as a scroll. Lookups run on the Run goroutine, never on the
// caller of Wheel.
type ScrollWatcher struct {
	locator Locator
	obs     Observer
	budget  time.Duration
	poll    time.Duration
	wheels  chan image.Point

	mu     sync.Mutex
	target Target
	offset float64
}

// NewScrollWatcher reports to obs. locator may be nil.
func NewScrollWatcher(locator Locator, obs Observer) *ScrollWatcher {
	return &ScrollWatcher{
		locator: locator,
		obs:     obs,
		budget:  LocateBudget,
		poll:    DefaultOffsetPoll,
		wheels:  make(chan image.Point, 1),
	}
}

// Wheel handles one raw wheel message at pointer position (x, y). It never
// blocks: the lookup is queued for Run, and a message arriving while one is
// already queued counts as a scroll straight away.
func (w *ScrollWatcher) Wheel(_ context.Context, x, y int) {
	if w.locator == nil {
		w.obs.Scrolled()
		return
	}
	select {
	case w.wheels <- image.Pt(x, y):
	default:
		w.obs.Scrolled()
	}
}

func (w *ScrollWatcher) handleWheel(ctx context.Context, pt image.Point) {
	lctx, cancel := context.WithTimeout(ctx, w.budget)
	defer cancel()
	target, err := w.locator.Locate(lctx, pt.X, pt.Y)
	if err != nil || target == nil {
		if err != nil {
			trace.Logger(ctx).Debug("scroll target lookup failed", "error", err)
		}
		w.drop()
		w.obs.Scrolled()
		return
	}

	off, err := target.Offset(lctx)
	if err != nil {
		w.drop()
		w.obs.Scrolled()
		return
	}

	w.mu.Lock()
	// A fresh target has no baseline, so the wheel message itself counts.
	moved := w.target != target || off != w.offset
	w.target, w.offset = target, off
	w.mu.Unlock()

	if moved {
		w.obs.Scrolled()
	}
}

func (w *ScrollWatcher) drop() {
	w.mu.Lock()
	w.target = nil
	w.mu.Unlock()
}

// Sample checks the tracked target once and reports movement.
func (w *ScrollWatcher) Sample(ctx context.Context) {
	w.mu.Lock()
	target, last := w.target, w.offset
	w.mu.Unlock()
	if target == nil {
		return
	}

	off, err := target.Offset(ctx)
	if err != nil {
		w.drop()
		return
	}
	if off == last {
		return
	}

	w.mu.Lock()
	if w.target == target {
		w.offset = off
	}
	w.mu.Unlock()
	w.obs.Scrolled()
}

// Run resolves queued wheel messages and samples the tracked target until
// ctx is done.
func (w *ScrollWatcher) Run(ctx context.Context) error {
	if w.locator == nil {
		return nil
	}
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Sample(ctx)
		case pt := <-w.wheels:
			w.handleWheel(ctx, pt)
		}
	}
}
