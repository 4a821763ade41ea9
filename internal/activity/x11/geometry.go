package x11

import (
	"image"
	"time"
)

// DefaultSettleDelay is how long a window must keep the same geometry after
// a move or resize before it counts as settled.
const DefaultSettleDelay = 250 * time.Millisecond

// GeometryTracker turns successive geometry samples of the focused window
// into a single "settled" edge per move/resize.
type GeometryTracker struct {
	settle time.Duration

	win       uint32
	rect      image.Rectangle
	known     bool
	moving    bool
	changedAt time.Time
}

// NewGeometryTracker uses settle as the quiet time after the last change.
func NewGeometryTracker(settle time.Duration) *GeometryTracker {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	return &GeometryTracker{settle: settle}
}

// Observe feeds one sample and reports whether the window has just settled.
// A sample for a different window restarts tracking without reporting.
func (t *GeometryTracker) Observe(now time.Time, win uint32, rect image.Rectangle) bool {
	if !t.known || win != t.win {
		t.win, t.rect, t.known, t.moving = win, rect, true, false
		return false
	}
	if rect != t.rect {
		t.rect = rect
		t.moving = true
		t.changedAt = now
		return false
	}
	if t.moving && now.Sub(t.changedAt) >= t.settle {
		t.moving = false
		return true
	}
	return false
}

// Moving reports whether a move/resize is in progress.
func (t *GeometryTracker) Moving() bool { return t.moving }
