package screen

import (
	"context"
	"time"

	apperrors "github.com/GriffinCanCode/quietrefresh/internal/errors"
	"github.com/GriffinCanCode/quietrefresh/internal/resilience"
)

// Acquirer hides transient "no new frame" conditions behind a bounded
// number of attempts with a short pause between them.
type Acquirer struct {
	src     Source
	timeout time.Duration
	retry   resilience.RetryConfig
}

// NewAcquirer wraps src with the default frame retry policy.
func NewAcquirer(src Source) *Acquirer {
	return &Acquirer{
		src:     src,
		timeout: AcquireTimeout,
		retry:   resilience.FrameRetryConfig(IsNoNewFrame),
	}
}

// Source returns the wrapped capture context.
func (a *Acquirer) Source() Source { return a.src }

// Acquire returns the next frame. When every attempt found nothing new it
// returns an Unavailable error and the caller should skip the cycle.
// ContextLost and cancellation are returned without retrying.
func (a *Acquirer) Acquire(ctx context.Context) (*Frame, error) {
	var frame *Frame
	err := resilience.Retry(ctx, a.retry, func() error {
		f, err := a.src.AcquireFrame(ctx, a.timeout)
		if err != nil {
			return err
		}
		frame = f
		return nil
	})
	if err == nil {
		return frame, nil
	}
	if IsNoNewFrame(err) {
		return nil, apperrors.Wrap(err, apperrors.Unavailable, "frame acquisition exhausted")
	}
	return nil, err
}
