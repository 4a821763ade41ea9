// Package debounce decides when a detected screen change has been followed
// by enough user inactivity to issue the refresh action.
package debounce

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/quietrefresh/internal/activity"
	"github.com/GriffinCanCode/quietrefresh/internal/dispatch"
)

// Engine timing constants
const (
	// MaxTickPeriod caps the evaluation period; shorter quiet periods tick
	// at a quarter of their length.
	MaxTickPeriod = 100 * time.Millisecond

	// FireTimeout bounds a single dispatcher call.
	FireTimeout = 5 * time.Second
)

// State of the engine.
type State int

const (
	Idle State = iota
	AwaitingQuiet
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingQuiet:
		return "awaiting_quiet"
	default:
		return "unknown"
	}
}

// ActivitySource reports the latest user activity.
type ActivitySource interface {
	Latest(exclude ...activity.Channel) time.Time
}

// Settings are read on every tick.
type Settings interface {
	QuietPeriod() time.Duration
	PointerMotion() bool
}

// FireEvent describes one completed episode.
type FireEvent struct {
	ChangedAt    time.Time     // last MarkChanged before firing
	LastActivity time.Time     // latest counted activity
	FiredAt      time.Time     // tick that fired
	QuietPeriod  time.Duration // quiet period in force
	Err          error         // dispatcher error, if any
}

// Status is a point-in-time view of the engine.
type Status struct {
	State     string    `json:"state"`
	ChangedAt time.Time `json:"changed_at,omitzero"`
	Fired     uint64    `json:"fired"`
}

// TickPeriod returns the evaluation period for a quiet period.
func TickPeriod(quiet time.Duration) time.Duration {
	if p := quiet / 4; p > 0 && p < MaxTickPeriod {
		return p
	}
	return MaxTickPeriod
}

// Engine fuses the pending-change flag with activity timestamps. The flag
// is cleared in the critical section that decides to fire, so a change
// episode fires at most once. The dispatcher runs after the lock is
// released.
type Engine struct {
	act      ActivitySource
	settings Settings
	disp     dispatch.Dispatcher
	now      func() time.Time
	onFire   func(FireEvent)

	mu        sync.Mutex
	state     State
	changedAt time.Time

	fired atomic.Uint64
}

// New creates an idle engine.
func New(act ActivitySource, settings Settings, disp dispatch.Dispatcher) *Engine {
	return &Engine{act: act, settings: settings, disp: disp, now: time.Now}
}

// WithClock replaces the time source; it must share the aggregator's clock.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// OnFire registers a callback run after every firing, outside the lock.
func (e *Engine) OnFire(fn func(FireEvent)) *Engine {
	e.onFire = fn
	return e
}

// MarkChanged records a significant change. Marking again while a change
// is pending restarts the quiet wait from now.
func (e *Engine) MarkChanged() {
	e.mu.Lock()
	e.state = AwaitingQuiet
	e.changedAt = e.now()
	e.mu.Unlock()
}

// Tick evaluates the quiet condition once and fires when it holds.
// It reports whether the dispatcher was invoked.
func (e *Engine) Tick(ctx context.Context) bool {
	e.mu.Lock()
	if e.state != AwaitingQuiet {
		e.mu.Unlock()
		return false
	}

	quiet := e.settings.QuietPeriod()
	var exclude []activity.Channel
	if !e.settings.PointerMotion() {
		exclude = append(exclude, activity.PointerMove)
	}
	last := e.act.Latest(exclude...)
	ref := e.changedAt
	if last.After(ref) {
		ref = last
	}
	now := e.now()
	if now.Sub(ref) < quiet {
		e.mu.Unlock()
		return false
	}

	ev := FireEvent{ChangedAt: e.changedAt, LastActivity: last, FiredAt: now, QuietPeriod: quiet}
	e.state = Idle
	e.changedAt = time.Time{}
	e.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, FireTimeout)
	ev.Err = e.disp.Fire(fctx)
	cancel()
	e.fired.Add(1)

	if e.onFire != nil {
		e.onFire(ev)
	}
	return true
}

// Run ticks until ctx is done. The period follows the current quiet period.
func (e *Engine) Run(ctx context.Context) error {
	timer := time.NewTimer(TickPeriod(e.settings.QuietPeriod()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			e.Tick(ctx)
			timer.Reset(TickPeriod(e.settings.QuietPeriod()))
		}
	}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Fired returns how many episodes have fired.
func (e *Engine) Fired() uint64 { return e.fired.Load() }

// Status returns a snapshot for status surfaces.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{State: e.state.String(), ChangedAt: e.changedAt, Fired: e.fired.Load()}
}
