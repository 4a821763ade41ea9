// Package screen acquires desktop frames from the compositor.
package screen

import (
	"context"
	"image"
	"log/slog"
	"os"
	"sync"
	"time"

	apperrors "github.com/GriffinCanCode/quietrefresh/internal/errors"
)

// Frame is one captured desktop image. It stays owned by its Source; the
// consumer must call Release once it is done, on every path.
type Frame struct {
	Image      *image.RGBA
	CapturedAt time.Time

	once    sync.Once
	release func()
}

// NewFrame wraps img; release runs at most once.
func NewFrame(img *image.RGBA, release func()) *Frame {
	return &Frame{Image: img, CapturedAt: time.Now(), release: release}
}

// Release hands the frame buffer back to its source. Safe to call twice.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		if f.release != nil {
			f.release()
		}
	})
}

// Width and Height of the frame in pixels.
func (f *Frame) Width() int  { return f.Image.Rect.Dx() }
func (f *Frame) Height() int { return f.Image.Rect.Dy() }

// Source is a compositor capture context.
//
// AcquireFrame waits up to timeout for the next screen update. It returns
// an error with code FrameUnavailable when nothing new arrived in time and
// ContextLost when the whole context must be rebuilt.
type Source interface {
	Name() string
	Bounds() image.Rectangle
	AcquireFrame(ctx context.Context, timeout time.Duration) (*Frame, error)
	Close() error
}

// Factory builds a fresh Source; used for both startup and rebuilds.
type Factory func() (Source, error)

// errNoNewFrame and errContextLost build the two recoverable failures.
func errNoNewFrame(backend string) error {
	return apperrors.New(apperrors.FrameUnavailable, "no new frame").WithMetadata("backend", backend)
}

func errContextLost(backend string, cause error, msg string) error {
	return apperrors.Wrap(cause, apperrors.ContextLost, msg).WithMetadata("backend", backend)
}

// IsNoNewFrame reports a transient "nothing new yet" failure.
func IsNoNewFrame(err error) bool { return apperrors.IsCode(err, apperrors.FrameUnavailable) }

// IsContextLost reports that the capture context must be rebuilt.
func IsContextLost(err error) bool { return apperrors.IsCode(err, apperrors.ContextLost) }

// NewFactory picks a backend by name. "auto" prefers X11 when a display
// is configured and falls back to the screenshot backend.
func NewFactory(backend string) Factory {
	return func() (Source, error) {
		switch backend {
		case "x11":
			return NewX11Source()
		case "screenshot":
			return NewScreenshotSource()
		default:
			if os.Getenv("DISPLAY") != "" {
				src, err := NewX11Source()
				if err == nil {
					return src, nil
				}
				slog.Warn("x11 capture unavailable, falling back to screenshot", "error", err)
			}
			return NewScreenshotSource()
		}
	}
}
