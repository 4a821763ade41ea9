// Package resilience provides fault tolerance patterns
package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/GriffinCanCode/quietrefresh/internal/errors"
)

// Retry configuration constants
const (
	DefaultMaxRetries   = 3
	DefaultBaseDelay    = 500 * time.Millisecond
	DefaultMaxDelay     = 10 * time.Second
	DefaultJitterFactor = 0.2 // 20% jitter

	// Frame acquisition: 3 attempts total, short fixed pause between them
	FrameMaxRetries = 2
	FrameRetryDelay = 100 * time.Millisecond

	// Remote dispatch: a refresh that lands seconds late is still useful
	DispatchMaxRetries = 2
	DispatchBaseDelay  = 200 * time.Millisecond
	DispatchMaxDelay   = 2 * time.Second
)

// RetryConfig holds retry settings.
type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	Fixed        bool // no exponential growth between attempts
	IsRetryable  func(error) bool
}

// DefaultRetryConfig returns standard retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   DefaultMaxRetries,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
		IsRetryable:  IsRetryableError,
	}
}

// FrameRetryConfig returns the bounded, fixed-pause policy used while
// waiting for the compositor to produce a new frame.
func FrameRetryConfig(isRetryable func(error) bool) RetryConfig {
	return RetryConfig{
		MaxRetries:   FrameMaxRetries,
		BaseDelay:    FrameRetryDelay,
		MaxDelay:     FrameRetryDelay,
		JitterFactor: DefaultJitterFactor,
		Fixed:        true,
		IsRetryable:  isRetryable,
	}
}

// DispatchRetryConfig returns settings for remote refresh calls.
func DispatchRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   DispatchMaxRetries,
		BaseDelay:    DispatchBaseDelay,
		MaxDelay:     DispatchMaxDelay,
		JitterFactor: DefaultJitterFactor,
		IsRetryable:  IsRetryableGRPC,
	}
}

// IsRetryableGRPC checks if a gRPC error is worth retrying.
func IsRetryableGRPC(err error) bool {
	if err == nil {
		return false
	}
	s, ok := status.FromError(err)
	if !ok {
		return true // Non-gRPC error, retry
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return true
	default:
		return false
	}
}

// IsRetryableError prefers the application error code and falls back to
// gRPC status classification for foreign errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if apperrors.CodeOf(err) != apperrors.Unknown {
		return apperrors.IsRetryable(err)
	}
	return IsRetryableGRPC(err)
}

// Retry executes fn with backoff. Returns last error if all retries fail.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}

		if !cfg.IsRetryable(lastErr) || attempt == cfg.MaxRetries {
			return lastErr
		}

		delay := backoffDelay(cfg, attempt)
		slog.Debug("retrying after error", "attempt", attempt+1, "max", cfg.MaxRetries, "delay", delay, "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// backoffDelay calculates the delay before the next attempt, with jitter.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay
	if !cfg.Fixed {
		delay = cfg.BaseDelay << min(attempt, 6) // Cap shift to prevent overflow
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	// Add jitter: delay * (1 ± jitterFactor/2)
	jitter := float64(delay) * cfg.JitterFactor * (rand.Float64() - 0.5)
	return time.Duration(float64(delay) + jitter)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.JitterFactor <= 0 {
		c.JitterFactor = DefaultJitterFactor
	}
	if c.IsRetryable == nil {
		c.IsRetryable = IsRetryableError
	}
	return c
}
