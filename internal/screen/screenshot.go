package screen

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/kbinani/screenshot"
	xdraw "golang.org/x/image/draw"
)

const screenshotBackend = "screenshot"

// ScreenshotSource polls display 0 through kbinani/screenshot. It has no
// damage notification, so every acquire returns a fresh grab; a failed grab
// is reported as "no new frame" and retried by the Acquirer.
type ScreenshotSource struct {
	bounds image.Rectangle
	grab   func(image.Rectangle) (*image.RGBA, error)
	probe  func() (image.Rectangle, error)

	mu    sync.Mutex
	buf   *image.RGBA
	inUse bool
}

// NewScreenshotSource captures the primary display.
func NewScreenshotSource() (*ScreenshotSource, error) {
	return newScreenshotSource(screenshot.CaptureRect, primaryBounds)
}

func newScreenshotSource(grab func(image.Rectangle) (*image.RGBA, error), probe func() (image.Rectangle, error)) (*ScreenshotSource, error) {
	bounds, err := probe()
	if err != nil {
		return nil, err
	}
	if bounds.Empty() {
		return nil, errors.New("screenshot capture: primary display has empty bounds")
	}
	return &ScreenshotSource{
		bounds: bounds,
		grab:   grab,
		probe:  probe,
		buf:    image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy())),
	}, nil
}

func primaryBounds() (image.Rectangle, error) {
	if screenshot.NumActiveDisplays() == 0 {
		return image.Rectangle{}, errors.New("screenshot capture: no active displays")
	}
	return screenshot.GetDisplayBounds(0), nil
}

func (s *ScreenshotSource) Name() string            { return screenshotBackend }
func (s *ScreenshotSource) Bounds() image.Rectangle { return s.buf.Rect }

// AcquireFrame grabs the display into the reused buffer.
func (s *ScreenshotSource) AcquireFrame(ctx context.Context, _ time.Duration) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds, err := s.probe()
	if err != nil {
		return nil, errContextLost(screenshotBackend, err, "display probe failed")
	}
	if bounds.Dx() != s.bounds.Dx() || bounds.Dy() != s.bounds.Dy() {
		return nil, errContextLost(screenshotBackend, nil,
			fmt.Sprintf("display resized from %dx%d to %dx%d", s.bounds.Dx(), s.bounds.Dy(), bounds.Dx(), bounds.Dy()))
	}

	s.mu.Lock()
	if s.inUse {
		s.mu.Unlock()
		return nil, errNoNewFrame(screenshotBackend)
	}
	s.inUse = true
	s.mu.Unlock()

	img, err := s.grab(s.bounds)
	if err != nil || img == nil {
		s.releaseBuf()
		return nil, errNoNewFrame(screenshotBackend)
	}
	xdraw.Copy(s.buf, image.Point{}, img, img.Bounds(), xdraw.Src, nil)

	return NewFrame(s.buf, s.releaseBuf), nil
}

func (s *ScreenshotSource) releaseBuf() {
	s.mu.Lock()
	s.inUse = false
	s.mu.Unlock()
}

func (s *ScreenshotSource) Close() error { return nil }
