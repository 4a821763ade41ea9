// Package screen runs capture cycles: acquire a frame, classify it against
// the previous one and flag significant changes for the debounce engine.
package screen

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/quietrefresh/internal/classify"
	apperrors "github.com/GriffinCanCode/quietrefresh/internal/errors"
	"github.com/GriffinCanCode/quietrefresh/internal/metrics"
	"github.com/GriffinCanCode/quietrefresh/internal/orchestrator/events"
	"github.com/GriffinCanCode/quietrefresh/internal/resilience"
	screencap "github.com/GriffinCanCode/quietrefresh/internal/screen"
	"github.com/GriffinCanCode/quietrefresh/internal/syncx"
	"github.com/GriffinCanCode/quietrefresh/internal/trace"
)

// Settings are read at the start of every cycle.
type Settings interface {
	Threshold() float64
	CaptureEnabled() bool
	CaptureInterval() time.Duration
}

// ChangeMarker receives significant changes.
type ChangeMarker interface {
	MarkChanged()
}

// Emitter publishes decision events.
type Emitter interface {
	Emit(ev events.Event) events.Event
}

// Outcome describes one cycle. Skip holds a metrics skip reason and is
// empty when a frame was classified.
type Outcome struct {
	Result classify.Result
	Skip   string
}

// Status is a point-in-time view of the capture subsystem.
type Status struct {
	State      string          `json:"state"`
	Backend    string          `json:"backend,omitempty"`
	Width      int             `json:"width,omitempty"`
	Height     int             `json:"height,omitempty"`
	LastResult classify.Result `json:"last_result"`
	LastCycle  time.Time       `json:"last_cycle,omitzero"`
	LastChange float64         `json:"last_change_percent"`
	Reinits    uint64          `json:"reinits"`
	LastError  string          `json:"last_error,omitempty"`
}

// capture is one live source and the pipeline sized for it. Both are
// replaced together.
type capture struct {
	acq  *screencap.Acquirer
	pipe *classify.Pipeline
}

// Processor owns the capture context and serializes cycles.
type Processor struct {
	factory  screencap.Factory
	settings Settings
	marker   ChangeMarker
	events   Emitter
	metrics  *metrics.Metrics
	reinit   *resilience.Breaker

	current *syncx.Guard[*capture]
	status  *syncx.Guard[Status]
	busy    atomic.Bool
	lost    atomic.Bool
	wg      sync.WaitGroup

	// Touched only inside a cycle.
	stale      int
	staleLimit int
	carry      *classify.Pipeline
}

// NewProcessor creates a processor. The capture context is built lazily on
// the first cycle.
func NewProcessor(factory screencap.Factory, settings Settings, marker ChangeMarker, ev Emitter, m *metrics.Metrics) *Processor {
	return &Processor{
		factory:  factory,
		settings: settings,
		marker:   marker,
		events:   ev,
		metrics:  m,
		reinit:   resilience.New("capture-reinit", resilience.ReinitConfig()),
		current:    syncx.NewGuard[*capture](nil),
		status:     syncx.NewGuard(Status{State: StatusStarting}),
		staleLimit: StaleCycleLimit,
	}
}

// Run starts a cycle every capture interval until ctx is done. A tick that
// arrives while a cycle is still running is skipped. Run returns after the
// in-flight cycle has finished.
func (p *Processor) Run(ctx context.Context) error {
	interval := p.settings.CaptureInterval()
	timer := time.NewTimer(interval)
	defer timer.Stop()
	defer p.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if p.busy.CompareAndSwap(false, true) {
				p.wg.Add(1)
				go func() {
					defer p.wg.Done()
					defer p.busy.Store(false)
					p.cycle(ctx)
				}()
			} else {
				p.metrics.Skipped(metrics.SkipBusy)
			}
			timer.Reset(p.settings.CaptureInterval())
		}
	}
}

// Cycle runs one capture cycle synchronously, or skips it if another is in
// flight.
func (p *Processor) Cycle(ctx context.Context) Outcome {
	if !p.busy.CompareAndSwap(false, true) {
		p.metrics.Skipped(metrics.SkipBusy)
		return Outcome{Skip: metrics.SkipBusy}
	}
	defer p.busy.Store(false)
	return p.cycle(ctx)
}

func (p *Processor) cycle(ctx context.Context) Outcome {
	if !p.settings.CaptureEnabled() {
		p.setState(StatusDisabled, "")
		return p.skip(metrics.SkipDisabled)
	}

	ctx, span := trace.StartSpan(ctx, "capture_cycle")
	defer span.End()
	log := trace.Logger(ctx)

	c, err := p.ensure(ctx)
	if err != nil {
		span.SetAttr("error", err.Error())
		return p.skip(metrics.SkipReinit)
	}

	start := time.Now()
	frame, err := c.acq.Acquire(ctx)
	if err != nil {
		switch {
		case screencap.IsContextLost(err):
			log.Warn("capture context lost", "backend", c.acq.Source().Name(), "error", err)
			p.stale = 0
			p.teardown(ctx, err, false)
			return p.skip(metrics.SkipReinit)
		case ctx.Err() != nil:
			return Outcome{}
		case apperrors.IsCode(err, apperrors.Unavailable):
			log.Debug("no new frame", "error", err)
		default:
			log.Warn("frame acquisition failed", "error", err)
		}
		if p.stale++; p.stale >= p.staleLimit {
			log.Warn("capture stalled, rebuilding context", "backend", c.acq.Source().Name(),
				"cycles", p.stale, "error", err)
			p.stale = 0
			p.teardown(ctx, apperrors.Wrapf(err, apperrors.Unavailable, "no frame for %d cycles", p.staleLimit), true)
			return p.skip(metrics.SkipReinit)
		}
		return p.skip(metrics.SkipUnavailable)
	}
	defer frame.Release()
	p.stale = 0

	res, err := c.pipe.Classify(ctx, frame)
	if err != nil {
		// Only cancellation reaches here; the baseline is untouched.
		log.Debug("classification interrupted", "error", err)
		return Outcome{}
	}
	if res.Skipped {
		return p.skip(metrics.SkipMismatch)
	}

	p.metrics.ObserveCycle(time.Since(start), res.Percent, res.Significant)
	span.SetAttr("percent", res.Percent)
	p.status.Update(func(s Status) Status {
		s.State = StatusAvailable
		s.LastResult = res
		s.LastCycle = time.Now()
		s.LastError = ""
		return s
	})

	if res.Significant {
		p.status.Update(func(s Status) Status { s.LastChange = res.Percent; return s })
		p.marker.MarkChanged()
		tc, _ := trace.FromContext(ctx)
		p.emit(events.Event{
			Type:     events.TypeChange,
			Percent:  res.Percent,
			Distance: res.PerceptualDistance,
			TraceID:  tc.TraceID,
		})
		log.Info("significant change", "percent", res.Percent,
			"threshold", res.Threshold, "phash_distance", res.PerceptualDistance)
	}
	return Outcome{Result: res}
}

// ensure returns the live capture context, building one through the reinit
// breaker when none exists. While the breaker is open no rebuild is tried.
func (p *Processor) ensure(ctx context.Context) (*capture, error) {
	if c := p.current.Load(); c != nil {
		return c, nil
	}

	c, err := resilience.ExecuteWithResult(p.reinit, func() (*capture, error) {
		return p.build()
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrOpen) {
			p.metrics.ReinitFailures.Add(1)
			p.metrics.SetCaptureAvailable(false)
			p.setState(StatusUnavailable, err.Error())
			p.emit(events.Event{Type: events.TypeUnavailable, Error: err.Error()})
			trace.Logger(ctx).Warn("capture unavailable", "error", err)
		}
		return nil, err
	}

	p.current.Store(c)
	p.metrics.SetCaptureAvailable(true)
	b := c.pipe.Bounds()
	p.status.Update(func(s Status) Status {
		s.State = StatusAvailable
		s.Backend = c.acq.Source().Name()
		s.Width, s.Height = b.Dx(), b.Dy()
		s.LastError = ""
		return s
	})
	if p.lost.Swap(false) {
		p.metrics.Reinits.Add(1)
		p.status.Update(func(s Status) Status { s.Reinits++; return s })
		p.emit(events.Event{Type: events.TypeReinit, Message: c.acq.Source().Name()})
		trace.Logger(ctx).Info("capture context rebuilt", "backend", c.acq.Source().Name(),
			"width", b.Dx(), "height", b.Dy())
	}
	return c, nil
}

func (p *Processor) build() (*capture, error) {
	src, err := p.factory()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Unavailable, "open capture source")
	}
	b := src.Bounds()

	// A stalled source is replaced without losing the baseline when the
	// desktop size did not change.
	carry := p.carry
	p.carry = nil
	if carry != nil && carry.Bounds().Size() == b.Size() {
		return &capture{acq: screencap.NewAcquirer(src), pipe: carry}, nil
	}

	pipe, err := classify.NewPipeline(b.Dx(), b.Dy(), p.settings.Threshold)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return &capture{acq: screencap.NewAcquirer(src), pipe: pipe}, nil
}

// teardown drops the source; the next cycle rebuilds it. The pipeline goes
// with it unless keep is set.
func (p *Processor) teardown(ctx context.Context, cause error, keep bool) {
	c := p.current.Swap(nil)
	if c == nil {
		return
	}
	if keep {
		p.carry = c.pipe
	}
	p.lost.Store(true)
	if err := c.acq.Source().Close(); err != nil {
		trace.Logger(ctx).Debug("closing lost capture source", "error", err)
	}
	p.metrics.SetCaptureAvailable(false)
	p.setState(StatusUnavailable, cause.Error())
}

func (p *Processor) skip(reason string) Outcome {
	p.metrics.Skipped(reason)
	return Outcome{Skip: reason}
}

func (p *Processor) setState(state, lastErr string) {
	p.status.Update(func(s Status) Status {
		s.State = state
		s.LastError = lastErr
		return s
	})
}

func (p *Processor) emit(ev events.Event) {
	if p.events != nil {
		p.events.Emit(ev)
	}
}

// Status returns the current capture status.
func (p *Processor) Status() Status {
	return p.status.Load()
}

// Close waits for an in-flight cycle and releases the capture context.
func (p *Processor) Close() error {
	p.wg.Wait()
	c := p.current.Swap(nil)
	if c == nil {
		return nil
	}
	return c.acq.Source().Close()
}
