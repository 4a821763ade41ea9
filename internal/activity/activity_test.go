package activity

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestChannelString(t *testing.T) {
	assert.Equal(t, "pointer_move", PointerMove.String())
	assert.Equal(t, "scroll", Scroll.String())
	assert.Equal(t, "channel(42)", Channel(42).String())
}

func TestAggregatorStartsAtConstruction(t *testing.T) {
	clk := newFakeClock()
	start := clk.Now()
	a := NewWithClock(clk.Now)

	for _, ch := range Channels {
		assert.Equal(t, start, a.Last(ch), ch.String())
	}
	assert.Equal(t, start, a.Latest())
}

func TestAggregatorLatestAcrossChannels(t *testing.T) {
	clk := newFakeClock()
	a := NewWithClock(clk.Now)

	clk.Advance(100 * time.Millisecond)
	a.ButtonOrKey()
	clk.Advance(200 * time.Millisecond)
	a.PointerMoved()
	pointerAt := clk.Now()
	clk.Advance(time.Second)

	assert.Equal(t, pointerAt, a.Latest())
	assert.Equal(t, pointerAt.Add(-200*time.Millisecond), a.Latest(PointerMove))
	assert.Equal(t, pointerAt, a.Last(PointerMove))
}

func TestAggregatorObserverMethods(t *testing.T) {
	clk := newFakeClock()
	a := NewWithClock(clk.Now)
	var obs Observer = a

	calls := map[Channel]func(){
		PointerMove: obs.PointerMoved,
		ButtonKey:   obs.ButtonOrKey,
		Focus:       obs.FocusChanged,
		Geometry:    obs.GeometrySettled,
		Scroll:      obs.Scrolled,
	}
	for ch, bump := range calls {
		clk.Advance(time.Second)
		bump()
		assert.Equal(t, clk.Now(), a.Last(ch), ch.String())
	}
}

func TestAggregatorIgnoresUnknownChannel(t *testing.T) {
	a := New()
	assert.NotPanics(t, func() { a.Bump(Channel(-1)); a.Bump(numChannels) })
}

func TestAggregatorConcurrentBumps(t *testing.T) {
	a := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				a.Bump(Channels[j%len(Channels)])
				_ = a.Latest()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, a.Snapshot(), len(Channels))
}

type countingObserver struct {
	Aggregator
	scrolls atomic.Int32
}

func (c *countingObserver) Scrolled() { c.scrolls.Add(1) }

type fakeTarget struct {
	mu  sync.Mutex
	off float64
	err error
}

func (f *fakeTarget) Offset(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.off, f.err
}

func (f *fakeTarget) set(off float64) {
	f.mu.Lock()
	f.off = off
	f.mu.Unlock()
}

type locatorFunc func(ctx context.Context, x, y int) (Target, error)

func (f locatorFunc) Locate(ctx context.Context, x, y int) (Target, error) { return f(ctx, x, y) }

func TestScrollWatcherWithoutLocatorCountsWheel(t *testing.T) {
	obs := &countingObserver{}
	w := NewScrollWatcher(nil, obs)

	w.Wheel(context.Background(), 10, 10)
	w.Wheel(context.Background(), 10, 10)

	assert.EqualValues(t, 2, obs.scrolls.Load())
	require.NoError(t, w.Run(context.Background()))
}

func TestScrollWatcherTracksOffset(t *testing.T) {
	obs := &countingObserver{}
	target := &fakeTarget{off: 0.25}
	w := NewScrollWatcher(locatorFunc(func(context.Context, int, int) (Target, error) { return target, nil }), obs)
	ctx := context.Background()

	w.handleWheel(ctx, image.Pt(5, 5)) // fresh target
	assert.EqualValues(t, 1, obs.scrolls.Load())

	w.handleWheel(ctx, image.Pt(5, 5)) // wheel at the end of the content, nothing moved
	assert.EqualValues(t, 1, obs.scrolls.Load())

	target.set(0.5) // inertial scroll after the wheel stopped
	w.Sample(ctx)
	assert.EqualValues(t, 2, obs.scrolls.Load())

	w.Sample(ctx)
	assert.EqualValues(t, 2, obs.scrolls.Load())
}

func TestScrollWatcherFallsBackWhenLocateTimesOut(t *testing.T) {
	obs := &countingObserver{}
	w := NewScrollWatcher(locatorFunc(func(ctx context.Context, _, _ int) (Target, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), obs)
	w.budget = 10 * time.Millisecond

	start := time.Now()
	w.handleWheel(context.Background(), image.Pt(0, 0))

	assert.EqualValues(t, 1, obs.scrolls.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestScrollWatcherDropsBrokenTarget(t *testing.T) {
	obs := &countingObserver{}
	target := &fakeTarget{off: 1}
	w := NewScrollWatcher(locatorFunc(func(context.Context, int, int) (Target, error) { return target, nil }), obs)
	ctx := context.Background()

	w.handleWheel(ctx, image.Pt(5, 5))
	target.mu.Lock()
	target.err = errors.New("element gone")
	target.mu.Unlock()

	w.Sample(ctx)
	w.mu.Lock()
	assert.Nil(t, w.target)
	w.mu.Unlock()
	assert.EqualValues(t, 1, obs.scrolls.Load())
}

func TestScrollWatcherWheelDoesNotWaitForLookup(t *testing.T) {
	obs := &countingObserver{}
	release := make(chan struct{})
	var at atomic.Value
	target := &fakeTarget{off: 3}
	w := NewScrollWatcher(locatorFunc(func(ctx context.Context, x, y int) (Target, error) {
		at.Store(image.Pt(x, y))
		select {
		case <-release:
			return target, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), obs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	start := time.Now()
	w.Wheel(ctx, 40, 60)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	// Wait until Run has taken the message and is inside the lookup.
	require.Eventually(t, func() bool { return at.Load() != nil }, time.Second, time.Millisecond)
	assert.Equal(t, image.Pt(40, 60), at.Load())

	w.Wheel(ctx, 40, 61) // queued behind the blocked lookup
	w.Wheel(ctx, 40, 62) // queue full, counted at once
	assert.EqualValues(t, 1, obs.scrolls.Load())

	close(release)
	require.Eventually(t, func() bool { return obs.scrolls.Load() >= 2 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
