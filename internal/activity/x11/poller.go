// Package x11 observes user activity on an X11 session by polling the
// server: pointer position and buttons, the keyboard map, the active window
// and its geometry, and the MIT-SCREEN-SAVER idle counter.
package x11

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/BurntSushi/xgb/screensaver"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/xwindow"

	"github.com/GriffinCanCode/quietrefresh/internal/activity"
)

const buttonMask = xproto.KeyButMaskButton1 | xproto.KeyButMaskButton2 | xproto.KeyButMaskButton3

// WheelHandler receives input that may have been a wheel notch, with the
// pointer position at the time it was seen.
type WheelHandler interface {
	Wheel(ctx context.Context, x, y int)
}

// sample is one poll of the server state.
type sample struct {
	x, y   int16
	mask   uint16
	keys   [32]byte
	active xproto.Window
	geom   image.Rectangle
	geomOK bool
	idle   uint32 // ms since the last input event
	idleOK bool
}

func (s sample) keyHeld() bool {
	for _, b := range s.keys {
		if b != 0 {
			return true
		}
	}
	return false
}

// Poller samples the X server at a fixed interval and reports differences
// to an activity.Observer. Held buttons and keys are reported on every poll
// so they keep blocking the quiet period.
//
// Wheel notches, clicks and key taps are pressed and released between two
// polls and never show up in the pointer or keymap state. The idle counter
// catches them: when it restarted since the last poll and nothing else
// explains it, the input is reported as a button or key and offered to the
// wheel handler.
type Poller struct {
	xu          *xgbutil.XUtil
	obs         activity.Observer
	wheel       WheelHandler
	interval    time.Duration
	geom        *GeometryTracker
	now         func() time.Time
	idleCounter bool

	last   sample
	lastAt time.Time
	primed bool
}

// NewPoller connects to $DISPLAY. wheel may be nil.
func NewPoller(obs activity.Observer, wheel WheelHandler, interval time.Duration) (*Poller, error) {
	xu, err := xgbutil.NewConn()
	if err != nil {
		return nil, fmt.Errorf("x11 activity connect: %w", err)
	}
	p := newPoller(xu, obs, wheel, interval)
	if err := screensaver.Init(xu.Conn()); err != nil {
		slog.Warn("x11 idle counter unavailable; taps between polls are missed", "error", err)
	} else {
		p.idleCounter = true
	}
	return p, nil
}

func newPoller(xu *xgbutil.XUtil, obs activity.Observer, wheel WheelHandler, interval time.Duration) *Poller {
	return &Poller{
		xu:       xu,
		obs:      obs,
		wheel:    wheel,
		interval: interval,
		geom:     NewGeometryTracker(DefaultSettleDelay),
		now:      time.Now,
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.Close()

	slog.Info("x11 activity poller started", "interval", p.interval, "idle_counter", p.idleCounter)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s, err := p.poll()
			if err != nil {
				slog.Debug("x11 activity poll failed", "error", err)
				continue
			}
			p.apply(ctx, s)
		}
	}
}

func (p *Poller) poll() (sample, error) {
	var s sample
	conn := p.xu.Conn()

	ptr, err := xproto.QueryPointer(conn, p.xu.RootWin()).Reply()
	if err != nil {
		return s, fmt.Errorf("query pointer: %w", err)
	}
	s.x, s.y, s.mask = ptr.RootX, ptr.RootY, ptr.Mask

	km, err := xproto.QueryKeymap(conn).Reply()
	if err != nil {
		return s, fmt.Errorf("query keymap: %w", err)
	}
	copy(s.keys[:], km.Keys)

	// Some window managers do not publish _NET_ACTIVE_WINDOW.
	if active, err := ewmh.ActiveWindowGet(p.xu); err == nil {
		s.active = active
	}
	if s.active != 0 {
		if r, err := xwindow.New(p.xu, s.active).DecorGeometry(); err == nil {
			s.geom = image.Rect(r.X(), r.Y(), r.X()+r.Width(), r.Y()+r.Height())
			s.geomOK = true
		}
	}

	if p.idleCounter {
		if info, err := screensaver.QueryInfo(conn, xproto.Drawable(p.xu.RootWin())).Reply(); err == nil {
			s.idle, s.idleOK = info.MsSinceUserInput, true
		}
	}
	return s, nil
}

// apply reports the differences between the previous sample and s.
func (p *Poller) apply(ctx context.Context, s sample) {
	now := p.now()
	prev, prevAt := p.last, p.lastAt
	p.last, p.lastAt = s, now
	if !p.primed {
		p.primed = true
		if s.geomOK {
			p.geom.Observe(now, uint32(s.active), s.geom)
		}
		return
	}

	moved := s.x != prev.x || s.y != prev.y
	pressed := s.mask&buttonMask != 0 || s.mask&buttonMask != prev.mask&buttonMask ||
		s.keyHeld() || s.keys != prev.keys
	if moved {
		p.obs.PointerMoved()
	}
	if pressed {
		p.obs.ButtonOrKey()
	}
	if s.idleOK && !moved && !pressed && time.Duration(s.idle)*time.Millisecond < now.Sub(prevAt) {
		p.obs.ButtonOrKey()
		if p.wheel != nil {
			p.wheel.Wheel(ctx, int(s.x), int(s.y))
		}
	}
	if s.active != prev.active {
		p.obs.FocusChanged()
	}
	if s.geomOK && p.geom.Observe(now, uint32(s.active), s.geom) {
		p.obs.GeometrySettled()
	}
}

// Close drops the X connection.
func (p *Poller) Close() {
	if p.xu != nil {
		p.xu.Conn().Close()
	}
}
