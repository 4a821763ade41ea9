package x11

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/stretchr/testify/assert"
)

type recorder struct {
	pointer, button, focus, geometry, scroll, wheel int
	wheelAt                                        image.Point
}

func (r *recorder) PointerMoved()         { r.pointer++ }
func (r *recorder) ButtonOrKey()          { r.button++ }
func (r *recorder) FocusChanged()         { r.focus++ }
func (r *recorder) GeometrySettled()      { r.geometry++ }
func (r *recorder) Scrolled()             { r.scroll++ }
func (r *recorder) Wheel(_ context.Context, x, y int) {
	r.wheel++
	r.wheelAt = image.Pt(x, y)
}

func testPoller(rec *recorder) (*Poller, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	p := newPoller(nil, rec, rec, 50*time.Millisecond)
	p.now = func() time.Time { return now }
	return p, &now
}

func TestPollerFirstSampleIsBaseline(t *testing.T) {
	rec := &recorder{}
	p, _ := testPoller(rec)

	p.apply(context.Background(), sample{x: 10, y: 10, active: 7})

	assert.Equal(t, recorder{}, *rec)
}

func TestPollerPointerAndFocus(t *testing.T) {
	rec := &recorder{}
	p, _ := testPoller(rec)
	ctx := context.Background()

	p.apply(ctx, sample{x: 10, y: 10, active: 7})
	p.apply(ctx, sample{x: 11, y: 10, active: 7})
	p.apply(ctx, sample{x: 11, y: 10, active: 8})
	p.apply(ctx, sample{x: 11, y: 10, active: 8})

	assert.Equal(t, 1, rec.pointer)
	assert.Equal(t, 1, rec.focus)
	assert.Zero(t, rec.button)
}

func TestPollerHeldButtonBumpsEveryPoll(t *testing.T) {
	rec := &recorder{}
	p, _ := testPoller(rec)
	ctx := context.Background()

	p.apply(ctx, sample{})
	for i := 0; i < 5; i++ {
		p.apply(ctx, sample{mask: xproto.KeyButMaskButton1})
	}
	p.apply(ctx, sample{}) // release
	p.apply(ctx, sample{})

	assert.Equal(t, 6, rec.button)
}

func TestPollerHeldKeyBumpsEveryPoll(t *testing.T) {
	rec := &recorder{}
	p, _ := testPoller(rec)
	ctx := context.Background()

	var held sample
	held.keys[5] = 0x10

	p.apply(ctx, sample{})
	p.apply(ctx, held)
	p.apply(ctx, held)
	p.apply(ctx, sample{})

	assert.Equal(t, 3, rec.button)
}

func TestPollerIdleResetBetweenPollsCountsAsInput(t *testing.T) {
	rec := &recorder{}
	p, now := testPoller(rec)
	ctx := context.Background()

	p.apply(ctx, sample{x: 40, y: 30, idle: 4000, idleOK: true})
	*now = now.Add(50 * time.Millisecond)
	// A wheel notch was pressed and released 20ms ago; pointer and keymap
	// state look untouched.
	p.apply(ctx, sample{x: 40, y: 30, idle: 20, idleOK: true})

	assert.Equal(t, 1, rec.wheel)
	assert.Equal(t, image.Pt(40, 30), rec.wheelAt)
	assert.Equal(t, 1, rec.button)
	assert.Zero(t, rec.pointer)
}

func TestPollerIdleCounterGrowingIsQuiet(t *testing.T) {
	rec := &recorder{}
	p, now := testPoller(rec)
	ctx := context.Background()

	p.apply(ctx, sample{idle: 4000, idleOK: true})
	for i := 1; i <= 5; i++ {
		*now = now.Add(50 * time.Millisecond)
		p.apply(ctx, sample{idle: uint32(4000 + 50*i), idleOK: true})
	}

	assert.Equal(t, recorder{}, *rec)
}

func TestPollerIdleResetExplainedByMotion(t *testing.T) {
	rec := &recorder{}
	p, now := testPoller(rec)
	ctx := context.Background()

	p.apply(ctx, sample{x: 1, y: 1, idle: 900, idleOK: true})
	*now = now.Add(50 * time.Millisecond)
	p.apply(ctx, sample{x: 5, y: 1, idle: 3, idleOK: true})

	assert.Equal(t, 1, rec.pointer)
	assert.Zero(t, rec.wheel)
	assert.Zero(t, rec.button)
}

func TestPollerWithoutIdleCounterIgnoresTaps(t *testing.T) {
	rec := &recorder{}
	p, now := testPoller(rec)
	ctx := context.Background()

	p.apply(ctx, sample{})
	*now = now.Add(50 * time.Millisecond)
	p.apply(ctx, sample{idle: 1})

	assert.Zero(t, rec.wheel)
	assert.Zero(t, rec.button)
}

func TestPollerGeometrySettles(t *testing.T) {
	rec := &recorder{}
	p, now := testPoller(rec)
	ctx := context.Background()
	at := func(r image.Rectangle) sample { return sample{active: 3, geom: r, geomOK: true} }

	p.apply(ctx, at(image.Rect(0, 0, 100, 100)))
	*now = now.Add(50 * time.Millisecond)
	p.apply(ctx, at(image.Rect(10, 0, 110, 100)))
	*now = now.Add(100 * time.Millisecond)
	p.apply(ctx, at(image.Rect(10, 0, 110, 100)))
	assert.Zero(t, rec.geometry)

	*now = now.Add(200 * time.Millisecond)
	p.apply(ctx, at(image.Rect(10, 0, 110, 100)))
	assert.Equal(t, 1, rec.geometry)

	*now = now.Add(time.Second)
	p.apply(ctx, at(image.Rect(10, 0, 110, 100)))
	assert.Equal(t, 1, rec.geometry, "settle is reported once")
}

func TestGeometryTrackerWindowSwitchRestarts(t *testing.T) {
	tr := NewGeometryTracker(0)
	t0 := time.Unix(0, 0)

	assert.False(t, tr.Observe(t0, 1, image.Rect(0, 0, 10, 10)))
	assert.False(t, tr.Observe(t0.Add(10*time.Millisecond), 1, image.Rect(5, 0, 15, 10)))
	assert.True(t, tr.Moving())

	assert.False(t, tr.Observe(t0.Add(time.Second), 2, image.Rect(0, 0, 50, 50)))
	assert.False(t, tr.Moving())
	assert.False(t, tr.Observe(t0.Add(2*time.Second), 2, image.Rect(0, 0, 50, 50)))
}
