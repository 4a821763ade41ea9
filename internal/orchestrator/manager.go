package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/quietrefresh/internal/activity"
	"github.com/GriffinCanCode/quietrefresh/internal/activity/atspi"
	"github.com/GriffinCanCode/quietrefresh/internal/activity/idlemonitor"
	"github.com/GriffinCanCode/quietrefresh/internal/activity/x11"
	"github.com/GriffinCanCode/quietrefresh/internal/config"
	"github.com/GriffinCanCode/quietrefresh/internal/debounce"
	"github.com/GriffinCanCode/quietrefresh/internal/dispatch"
	"github.com/GriffinCanCode/quietrefresh/internal/history"
	"github.com/GriffinCanCode/quietrefresh/internal/metrics"
	"github.com/GriffinCanCode/quietrefresh/internal/orchestrator/events"
	"github.com/GriffinCanCode/quietrefresh/internal/orchestrator/recorder"
	"github.com/GriffinCanCode/quietrefresh/internal/orchestrator/screen"
	screencap "github.com/GriffinCanCode/quietrefresh/internal/screen"
	"github.com/GriffinCanCode/quietrefresh/internal/trace"
)

// Runner is a background loop that stops when its context ends.
type Runner interface {
	Run(ctx context.Context) error
}

// Deps are the replaceable collaborators of a Manager. Zero fields get
// production defaults.
type Deps struct {
	Factory    screencap.Factory
	Dispatcher dispatch.Dispatcher
	History    recorder.Store // nil disables persistence
	Metrics    *metrics.Metrics

	// Locator finds scroll panes under the pointer. When nil, the AT-SPI
	// accessibility bus is tried; a nil Locator from either path means raw
	// wheel input counts as scrolling.
	Locator func() (activity.Locator, error)

	// Observers feed the aggregator. When nil, the X11 poller is tried
	// first, then the Mutter idle monitor.
	Observers func(obs activity.Observer, wheel x11.WheelHandler) []Runner
}

// Manager coordinates all loops.
type Manager struct {
	cfg     *config.Config
	live    *config.Live
	metrics *metrics.Metrics

	activity  *activity.Aggregator
	scroll    *activity.ScrollWatcher
	locator   activity.Locator
	engine    *debounce.Engine
	processor *screen.Processor
	events    *events.Store
	batcher   *recorder.Batcher
	observers []Runner

	dispatcher      dispatch.Dispatcher
	closeDispatcher func() error

	mu       sync.Mutex
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
	started  time.Time
}

// New creates a manager. It fails only when the dispatcher cannot be built.
func New(cfg *config.Config, live *config.Live, deps Deps) (*Manager, error) {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Factory == nil {
		deps.Factory = screencap.NewFactory(cfg.CaptureBackend)
	}

	closeDispatcher := func() error { return nil }
	if deps.Dispatcher == nil {
		d, closeFn, err := dispatch.New(cfg)
		if err != nil {
			return nil, err
		}
		deps.Dispatcher, closeDispatcher = d, closeFn
	}

	m := &Manager{
		cfg:             cfg,
		live:            live,
		metrics:         deps.Metrics,
		activity:        activity.New(),
		events:          events.NewStore(EventMaxEntries, EventBuffer),
		dispatcher:      deps.Dispatcher,
		closeDispatcher: closeDispatcher,
	}
	if deps.History != nil {
		m.batcher = recorder.NewBatcher(deps.History, HistoryBatchMaxSize, HistoryBatchFlushDelay)
	}

	if deps.Locator == nil {
		deps.Locator = defaultLocator
	}
	loc, err := deps.Locator()
	if err != nil {
		trace.Logger(context.Background()).Debug("scroll locator unavailable", "error", err)
		loc = nil
	}
	m.locator = loc
	m.scroll = activity.NewScrollWatcher(loc, m.activity)
	m.engine = debounce.New(m.activity, live, m.dispatcher).OnFire(m.handleFire)
	m.processor = screen.NewProcessor(deps.Factory, live, m.engine, m.events, m.metrics)

	if deps.Observers != nil {
		m.observers = deps.Observers(m.activity, m.scroll)
	} else {
		m.observers = defaultObservers(m.activity, m.scroll, cfg.PollInterval)
	}
	return m, nil
}

// defaultLocator connects to the accessibility bus. Sessions without one
// fall back to counting wheel input.
func defaultLocator() (activity.Locator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), activity.LocateBudget)
	defer cancel()
	l, err := atspi.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// defaultObservers picks the activity sources available in this session.
func defaultObservers(obs activity.Observer, wheel x11.WheelHandler, interval time.Duration) []Runner {
	log := trace.Logger(context.Background())
	xp, err := x11.NewPoller(obs, wheel, interval)
	if err == nil {
		return []Runner{xp}
	}
	log.Debug("x11 activity observer unavailable", "error", err)

	ip, err := idlemonitor.New(obs, interval)
	if err == nil {
		return []Runner{ip}
	}
	log.Debug("idle monitor unavailable", "error", err)
	log.Warn("no activity observers; quiet period counts from the last change only")
	return nil
}

// handleFire records a completed episode.
func (m *Manager) handleFire(ev debounce.FireEvent) {
	m.metrics.Fires.Add(1)
	waited := ev.FiredAt.Sub(ev.ChangedAt)
	out := events.Event{
		Type:     events.TypeFire,
		Time:     ev.FiredAt,
		Percent:  m.processor.Status().LastChange,
		WaitedMs: waited.Milliseconds(),
		Message:  m.cfg.DispatchMode,
	}
	log := trace.Logger(context.Background())
	if ev.Err != nil {
		m.metrics.DispatchErrors.Add(1)
		out.Error = ev.Err.Error()
		log.Warn("refresh dispatch failed", "mode", m.cfg.DispatchMode, "error", ev.Err)
	} else {
		log.Info("refresh fired", "mode", m.cfg.DispatchMode, "waited", waited, "quiet", ev.QuietPeriod)
	}
	m.events.Emit(out)

	if m.batcher != nil {
		m.batcher.Add(&history.FireRecord{
			FiredAt:       ev.FiredAt,
			ChangedAt:     ev.ChangedAt,
			WaitedMs:      waited.Milliseconds(),
			QuietPeriodMs: ev.QuietPeriod.Milliseconds(),
			ChangePercent: out.Percent,
			Dispatcher:    m.cfg.DispatchMode,
			Error:         out.Error,
		})
	}
}

// Start launches the capture loop, the debounce loop and the observers.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.processor.Run(gctx) })
	g.Go(func() error { return m.engine.Run(gctx) })
	g.Go(func() error { return m.scroll.Run(gctx) })
	for _, obs := range m.observers {
		g.Go(func() error {
			// Losing an observer degrades the quiet period but is not fatal.
			if err := obs.Run(gctx); err != nil {
				trace.Logger(gctx).Warn("activity observer stopped", "error", err)
			}
			return nil
		})
	}

	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = time.Now()
	go func() {
		err := g.Wait()
		m.mu.Lock()
		m.runErr = err
		m.mu.Unlock()
		close(m.done)
	}()

	trace.Logger(ctx).Info("quietrefresh started",
		"backend", m.cfg.CaptureBackend, "dispatch", m.cfg.DispatchMode,
		"observers", len(m.observers), "quiet", m.live.QuietPeriod(), "threshold", m.live.Threshold())
	return nil
}

// Stop cancels every loop, waits for an in-flight capture cycle, then
// releases the capture context, flushes history and closes the dispatcher.
func (m *Manager) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}

	m.stopOnce.Do(func() {
		cancel()
		<-done

		log := trace.Logger(context.Background())
		if err := m.processor.Close(); err != nil {
			log.Debug("closing capture source", "error", err)
		}
		if c, ok := m.locator.(io.Closer); ok {
			if err := c.Close(); err != nil {
				log.Debug("closing scroll locator", "error", err)
			}
		}
		if m.batcher != nil {
			m.batcher.Stop()
		}
		if err := m.closeDispatcher(); err != nil {
			log.Debug("closing dispatcher", "error", err)
		}
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runErr
}

// Run starts the manager and blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return m.Stop()
}

// ApplySettings validates and applies a partial settings update and
// announces the result.
func (m *Manager) ApplySettings(ctx context.Context, p config.Patch) (config.Settings, error) {
	if err := m.live.ApplyPatch(p); err != nil {
		return m.live.Snapshot(), err
	}
	s := m.live.Snapshot()
	tc, _ := trace.FromContext(ctx)
	m.events.Emit(events.Event{Type: events.TypeSettings, Message: settingsSummary(s), TraceID: tc.TraceID})
	trace.Logger(ctx).Info("settings updated", "threshold", s.Threshold,
		"interval_ms", s.IntervalMs, "quiet_ms", s.QuietPeriodMs,
		"capture", s.CaptureEnabled, "pointer_motion", s.PointerMotion)
	return s, nil
}

// Status aggregates a view of every component.
type Status struct {
	Capture  screen.Status    `json:"capture"`
	Debounce debounce.Status  `json:"debounce"`
	Activity []activity.Stamp `json:"activity"`
	Settings config.Settings  `json:"settings"`
	Dispatch string           `json:"dispatch"`
	Uptime   string           `json:"uptime"`
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started).Truncate(time.Second)
	}
	return Status{
		Capture:  m.processor.Status(),
		Debounce: m.engine.Status(),
		Activity: m.activity.Snapshot(),
		Settings: m.live.Snapshot(),
		Dispatch: m.cfg.DispatchMode,
		Uptime:   uptime.String(),
	}
}

// Events returns the decision event store.
func (m *Manager) Events() *events.Store { return m.events }

// Metrics returns the metrics in use.
func (m *Manager) Metrics() *metrics.Metrics { return m.metrics }

func settingsSummary(s config.Settings) string {
	return fmt.Sprintf("threshold=%g%% interval=%dms quiet=%dms capture=%v pointer_motion=%v",
		s.Threshold, s.IntervalMs, s.QuietPeriodMs, s.CaptureEnabled, s.PointerMotion)
}
