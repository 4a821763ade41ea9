package screen

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/damage"
	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
)

const x11Backend = "x11"

// X11Source reads the root window. The DAMAGE extension tells it when the
// compositor has drawn something since the last read, which gives the same
// "wait for next update" contract as a desktop duplication API.
type X11Source struct {
	conn   *xgb.Conn
	root   xproto.Window
	bounds image.Rectangle
	dmg    damage.Damage

	dirty   atomic.Bool
	notify  chan struct{}
	lost    chan struct{}
	lostErr atomic.Value // error

	mu     sync.Mutex // guards buf handoff
	buf    *image.RGBA
	inUse  bool
	closed atomic.Bool
}

// NewX11Source opens a connection to $DISPLAY and subscribes to root damage.
func NewX11Source() (*X11Source, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("x11 connect: %w", err)
	}

	src, err := newX11Source(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	go src.eventLoop()
	return src, nil
}

func newX11Source(conn *xgb.Conn) (*X11Source, error) {
	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	if setup.ImageByteOrder != xproto.ImageOrderLSBFirst {
		return nil, errors.New("x11 capture: only LSB-first image byte order is supported")
	}
	if bpp := bitsPerPixel(setup, screen.RootDepth); bpp != 32 {
		return nil, fmt.Errorf("x11 capture: root depth %d uses %d bpp, need 32", screen.RootDepth, bpp)
	}

	if err := xfixes.Init(conn); err != nil {
		return nil, fmt.Errorf("x11 xfixes init: %w", err)
	}
	if _, err := xfixes.QueryVersion(conn, 5, 0).Reply(); err != nil {
		return nil, fmt.Errorf("x11 xfixes version: %w", err)
	}
	if err := damage.Init(conn); err != nil {
		return nil, fmt.Errorf("x11 damage init: %w", err)
	}
	if _, err := damage.QueryVersion(conn, 1, 1).Reply(); err != nil {
		return nil, fmt.Errorf("x11 damage version: %w", err)
	}

	dmg, err := damage.NewDamageId(conn)
	if err != nil {
		return nil, fmt.Errorf("x11 damage id: %w", err)
	}
	if err := damage.CreateChecked(conn, dmg, xproto.Drawable(screen.Root), damage.ReportLevelNonEmpty).Check(); err != nil {
		return nil, fmt.Errorf("x11 damage create: %w", err)
	}

	bounds := image.Rect(0, 0, int(screen.WidthInPixels), int(screen.HeightInPixels))
	src := &X11Source{
		conn:   conn,
		root:   screen.Root,
		bounds: bounds,
		dmg:    dmg,
		notify: make(chan struct{}, 1),
		lost:   make(chan struct{}),
		buf:    image.NewRGBA(bounds),
	}
	// Nothing has been read yet, so the first acquire never waits.
	src.dirty.Store(true)
	slog.Info("x11 capture ready", "width", bounds.Dx(), "height", bounds.Dy(), "depth", screen.RootDepth)
	return src, nil
}

func bitsPerPixel(setup *xproto.SetupInfo, depth byte) int {
	for _, f := range setup.PixmapFormats {
		if f.Depth == depth {
			return int(f.BitsPerPixel)
		}
	}
	return 0
}

// eventLoop turns DamageNotify events into the dirty flag.
func (s *X11Source) eventLoop() {
	for {
		ev, xerr := s.conn.WaitForEvent()
		if ev == nil && xerr == nil {
			s.markLost(errors.New("x11 connection closed"))
			return
		}
		if xerr != nil {
			slog.Debug("x11 error event", "error", xerr)
			continue
		}
		if _, ok := ev.(damage.NotifyEvent); ok {
			s.dirty.Store(true)
			select {
			case s.notify <- struct{}{}:
			default:
			}
		}
	}
}

func (s *X11Source) markLost(err error) {
	if s.lostErr.CompareAndSwap(nil, err) {
		close(s.lost)
	}
}

func (s *X11Source) Name() string            { return x11Backend }
func (s *X11Source) Bounds() image.Rectangle { return s.bounds }

// AcquireFrame waits for damage, then reads the whole root window.
func (s *X11Source) AcquireFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
	if s.closed.Load() {
		return nil, errContextLost(x11Backend, nil, "source closed")
	}
	if !s.dirty.Load() {
		timer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-s.lost:
			timer.Stop()
			return nil, errContextLost(x11Backend, s.lostErr.Load().(error), "x11 connection lost")
		case <-timer.C:
			return nil, errNoNewFrame(x11Backend)
		case <-s.notify:
			timer.Stop()
		}
	}

	geom, err := xproto.GetGeometry(s.conn, xproto.Drawable(s.root)).Reply()
	if err != nil {
		return nil, errContextLost(x11Backend, err, "root geometry query failed")
	}
	if int(geom.Width) != s.bounds.Dx() || int(geom.Height) != s.bounds.Dy() {
		return nil, errContextLost(x11Backend, nil,
			fmt.Sprintf("root resized from %dx%d to %dx%d", s.bounds.Dx(), s.bounds.Dy(), geom.Width, geom.Height))
	}

	s.mu.Lock()
	if s.inUse {
		s.mu.Unlock()
		return nil, errNoNewFrame(x11Backend)
	}
	s.inUse = true
	s.mu.Unlock()

	// Clear damage before reading so updates during the read re-arm it.
	s.dirty.Store(false)
	damage.Subtract(s.conn, s.dmg, xfixes.Region(0), xfixes.Region(0))

	reply, err := xproto.GetImage(s.conn, xproto.ImageFormatZPixmap, xproto.Drawable(s.root),
		0, 0, uint16(s.bounds.Dx()), uint16(s.bounds.Dy()), 0xffffffff).Reply()
	if err != nil {
		s.releaseBuf()
		return nil, errContextLost(x11Backend, err, "root image read failed")
	}
	if len(reply.Data) < len(s.buf.Pix) {
		s.releaseBuf()
		return nil, errContextLost(x11Backend, nil, "short root image")
	}
	bgrxToRGBA(s.buf.Pix, reply.Data)

	return NewFrame(s.buf, s.releaseBuf), nil
}

func (s *X11Source) releaseBuf() {
	s.mu.Lock()
	s.inUse = false
	s.mu.Unlock()
}

// Close destroys the damage object and the connection.
func (s *X11Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	damage.Destroy(s.conn, s.dmg)
	s.conn.Close()
	return nil
}

// bgrxToRGBA converts 32bpp little-endian BGRX pixels.
func bgrxToRGBA(dst, src []byte) {
	for i := 0; i+bytesPerPixel <= len(dst); i += bytesPerPixel {
		dst[i+0] = src[i+2]
		dst[i+1] = src[i+1]
		dst[i+2] = src[i+0]
		dst[i+3] = 0xff
	}
}
