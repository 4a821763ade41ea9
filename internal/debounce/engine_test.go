package debounce

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/quietrefresh/internal/activity"
	"github.com/GriffinCanCode/quietrefresh/internal/config"
	"github.com/GriffinCanCode/quietrefresh/internal/dispatch"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(d time.Duration, origin time.Time) {
	c.mu.Lock()
	c.now = origin.Add(d)
	c.mu.Unlock()
}

type settings struct {
	quiet   time.Duration
	pointer bool
}

func (s settings) QuietPeriod() time.Duration { return s.quiet }
func (s settings) PointerMotion() bool        { return s.pointer }

type harness struct {
	clk    *fakeClock
	origin time.Time
	agg    *activity.Aggregator
	eng    *Engine
	fires  atomic.Int32
	events []FireEvent
}

func newHarness(s Settings, fireErr error) *harness {
	origin := time.Unix(1_700_000_000, 0)
	h := &harness{clk: &fakeClock{now: origin}, origin: origin}
	h.agg = activity.NewWithClock(h.clk.Now)
	disp := dispatch.Func(func(context.Context) error {
		h.fires.Add(1)
		return fireErr
	})
	h.eng = New(h.agg, s, disp).WithClock(h.clk.Now).OnFire(func(ev FireEvent) {
		h.events = append(h.events, ev)
	})
	return h
}

func (h *harness) at(ms int) { h.clk.Set(time.Duration(ms)*time.Millisecond, h.origin) }

// runTicks ticks every step ms from `from` to `to` inclusive, calling
// before(t) first at each step, and returns the times that fired.
func (h *harness) runTicks(from, to, step int, before func(t int)) []int {
	var fired []int
	for t := from; t <= to; t += step {
		h.at(t)
		if before != nil {
			before(t)
		}
		if h.eng.Tick(context.Background()) {
			fired = append(fired, t)
		}
	}
	return fired
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "awaiting_quiet", AwaitingQuiet.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestTickPeriod(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, TickPeriod(2*time.Second))
	assert.Equal(t, 50*time.Millisecond, TickPeriod(200*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, TickPeriod(0))
}

func TestIdleEngineNeverFires(t *testing.T) {
	h := newHarness(settings{quiet: 500 * time.Millisecond, pointer: true}, nil)

	fired := h.runTicks(0, 5000, 100, nil)

	assert.Empty(t, fired)
	assert.Equal(t, Idle, h.eng.State())
}

func TestQuietPeriodFiresExactlyOnce(t *testing.T) {
	h := newHarness(settings{quiet: 2000 * time.Millisecond, pointer: true}, nil)
	h.at(0)
	h.eng.MarkChanged()
	assert.Equal(t, AwaitingQuiet, h.eng.State())

	fired := h.runTicks(100, 6000, 100, nil)

	assert.Equal(t, []int{2000}, fired)
	assert.EqualValues(t, 1, h.fires.Load())
	assert.EqualValues(t, 1, h.eng.Fired())
	assert.Equal(t, Idle, h.eng.State())
}

func TestActivityBumpsDelayFiring(t *testing.T) {
	h := newHarness(settings{quiet: 500 * time.Millisecond, pointer: true}, nil)
	h.at(0)
	h.eng.MarkChanged()

	fired := h.runTicks(50, 2000, 50, func(t int) {
		if t == 100 || t == 300 {
			h.agg.PointerMoved()
		}
	})

	require.Len(t, fired, 1)
	assert.GreaterOrEqual(t, fired[0], 800)
	assert.LessOrEqual(t, fired[0], 850, "must fire within one tick of +800")
}

func TestHeldButtonBlocksUntilReleasePlusQuiet(t *testing.T) {
	h := newHarness(settings{quiet: 2000 * time.Millisecond, pointer: true}, nil)
	h.at(0)
	h.eng.MarkChanged()

	fired := h.runTicks(0, 9000, 50, func(t int) {
		if t <= 5000 {
			h.agg.ButtonOrKey()
		}
	})

	require.Len(t, fired, 1)
	assert.GreaterOrEqual(t, fired[0], 7000)
	assert.LessOrEqual(t, fired[0], 7100)
}

func TestChangeDuringWaitRestartsQuiet(t *testing.T) {
	h := newHarness(settings{quiet: 1000 * time.Millisecond, pointer: true}, nil)
	h.at(0)
	h.eng.MarkChanged()

	fired := h.runTicks(100, 4000, 100, func(t int) {
		if t == 600 {
			h.eng.MarkChanged()
		}
	})

	assert.Equal(t, []int{1600}, fired)
	require.Len(t, h.events, 1)
	assert.Equal(t, h.origin.Add(600*time.Millisecond), h.events[0].ChangedAt)
}

func TestPointerMotionExcludedWhenDisabled(t *testing.T) {
	h := newHarness(settings{quiet: 500 * time.Millisecond, pointer: false}, nil)
	h.at(0)
	h.eng.MarkChanged()

	fired := h.runTicks(100, 2000, 100, func(int) { h.agg.PointerMoved() })

	assert.Equal(t, []int{500}, fired)
}

func TestDispatcherErrorStillCompletesEpisode(t *testing.T) {
	h := newHarness(settings{quiet: 300 * time.Millisecond, pointer: true}, errors.New("no display"))
	h.at(0)
	h.eng.MarkChanged()

	fired := h.runTicks(100, 2000, 100, nil)

	assert.Equal(t, []int{300}, fired)
	require.Len(t, h.events, 1)
	assert.Error(t, h.events[0].Err)
	assert.Equal(t, Idle, h.eng.State())
}

func TestNewEpisodeAfterFiring(t *testing.T) {
	h := newHarness(settings{quiet: 300 * time.Millisecond, pointer: true}, nil)
	h.at(0)
	h.eng.MarkChanged()

	fired := h.runTicks(100, 2000, 100, func(t int) {
		if t == 1000 {
			h.eng.MarkChanged()
		}
	})

	assert.Equal(t, []int{300, 1300}, fired)
}

func TestConcurrentMarkAndTickFireOnce(t *testing.T) {
	h := newHarness(settings{quiet: 0, pointer: true}, nil)
	h.eng.MarkChanged()

	var wg sync.WaitGroup
	var fired atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.eng.Tick(context.Background()) {
				fired.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, fired.Load())
	assert.EqualValues(t, 1, h.fires.Load())
}

func TestStatus(t *testing.T) {
	h := newHarness(settings{quiet: time.Second, pointer: true}, nil)
	assert.Equal(t, "idle", h.eng.Status().State)

	h.at(250)
	h.eng.MarkChanged()
	st := h.eng.Status()
	assert.Equal(t, "awaiting_quiet", st.State)
	assert.Equal(t, h.origin.Add(250*time.Millisecond), st.ChangedAt)
}

func TestRunFiresWithLiveSettings(t *testing.T) {
	live := config.NewLive(&config.Config{
		QuietPeriod:    200 * time.Millisecond,
		PointerMotion:  true,
		CaptureEnabled: true,
	})
	var fires atomic.Int32
	eng := New(activity.New(), live, dispatch.Func(func(context.Context) error {
		fires.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	eng.MarkChanged()
	require.Eventually(t, func() bool { return fires.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, fires.Load())
}

func TestSlowDispatcherDoesNotBlockEngine(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	agg := activity.NewWithClock(clk.Now)
	entered := make(chan struct{})
	release := make(chan struct{})
	eng := New(agg, settings{quiet: 0, pointer: true}, dispatch.Func(func(context.Context) error {
		close(entered)
		<-release
		return nil
	})).WithClock(clk.Now)
	eng.MarkChanged()

	fired := make(chan bool, 1)
	go func() { fired <- eng.Tick(context.Background()) }()
	<-entered

	marked := make(chan Status, 1)
	go func() {
		eng.MarkChanged()
		marked <- eng.Status()
	}()

	select {
	case st := <-marked:
		assert.Equal(t, "awaiting_quiet", st.State, "a change during dispatch opens a new episode")
	case <-time.After(time.Second):
		t.Fatal("MarkChanged blocked while the dispatcher was running")
	}

	close(release)
	assert.True(t, <-fired)
	assert.EqualValues(t, 1, eng.Fired())
	assert.Equal(t, AwaitingQuiet, eng.State())
}

func TestTickLeavesFireLoggingToHook(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := newHarness(settings{quiet: 100 * time.Millisecond, pointer: true}, errors.New("no display"))
	h.at(0)
	h.eng.MarkChanged()
	h.at(100)

	require.True(t, h.eng.Tick(context.Background()))
	require.Len(t, h.events, 1)
	assert.Empty(t, buf.String(), "firing is reported once, by the OnFire hook")
}
