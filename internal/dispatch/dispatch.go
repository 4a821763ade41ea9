// Package dispatch issues the external "refresh" action.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/GriffinCanCode/quietrefresh/internal/config"
	"github.com/GriffinCanCode/quietrefresh/internal/trace"
)

// Dispatcher performs the refresh action. Fire is called at most once per
// qualifying change and should return promptly.
type Dispatcher interface {
	Fire(ctx context.Context) error
}

// Func adapts a function to Dispatcher.
type Func func(ctx context.Context) error

func (f Func) Fire(ctx context.Context) error { return f(ctx) }

// LogDispatcher only logs; useful for dry runs.
type LogDispatcher struct{}

func (LogDispatcher) Fire(ctx context.Context) error {
	trace.Logger(ctx).Info("refresh fired (log only)")
	return nil
}

// Dispatch modes
const (
	ModeKey   = "key"
	ModeClick = "click"
	ModeGRPC  = "grpc"
	ModeLog   = "log"
)

// New builds the dispatcher selected by cfg.DispatchMode. The returned
// close function releases any connection and is never nil.
func New(cfg *config.Config) (Dispatcher, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(cfg.DispatchMode) {
	case ModeKey, "":
		d, err := NewKey(cfg.DispatchKey)
		return d, noop, err
	case ModeClick:
		return NewClick(cfg.DispatchClickX, cfg.DispatchClickY), noop, nil
	case ModeGRPC:
		d, err := NewGRPC(cfg.DispatchAddr, cfg.DispatchMethod)
		if err != nil {
			return nil, noop, err
		}
		return d, d.Close, nil
	case ModeLog:
		return LogDispatcher{}, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown dispatch mode %q", cfg.DispatchMode)
	}
}
