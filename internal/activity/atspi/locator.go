// Package atspi finds the scrollable element under the pointer through the
// AT-SPI2 accessibility bus, so scrolling is reported from real content
// movement rather than raw wheel input.
package atspi

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/GriffinCanCode/quietrefresh/internal/activity"
)

const (
	a11yBusName = "org.a11y.Bus"
	a11yBusPath = dbus.ObjectPath("/org/a11y/bus")
	getAddress  = "org.a11y.Bus.GetAddress"

	ifaceAccessible = "org.a11y.atspi.Accessible"
	ifaceComponent  = "org.a11y.atspi.Component"
	ifaceValue      = "org.a11y.atspi.Value"
	propertiesGet   = "org.freedesktop.DBus.Properties.Get"

	nullPath = dbus.ObjectPath("/org/a11y/atspi/null")

	// AtspiRole values
	roleScrollBar  = 48
	roleScrollPane = 49

	// AtspiStateType values
	stateActive  = 1
	stateShowing = 25

	coordScreen = uint32(0)

	// maxDepth bounds both the descent to the deepest element and the walk
	// back up to its scroll pane.
	maxDepth = 32
)

// ref is an AT-SPI object reference: a bus name and an object path.
type ref struct {
	Name string
	Path dbus.ObjectPath
}

var registryRoot = ref{Name: "org.a11y.atspi.Registry", Path: "/org/a11y/atspi/accessible/root"}

func (r ref) null() bool { return r.Path == "" || r.Path == nullPath }

// object is the part of dbus.BusObject the locator needs.
type object interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call
}

// Locator resolves screen points to scroll panes. Every lookup is bounded by
// the caller's context.
type Locator struct {
	obj  func(r ref) object
	conn *dbus.Conn

	mu   sync.Mutex
	last *Target
}

// Connect asks the session bus for the accessibility bus address and checks
// that the registry answers.
func Connect(ctx context.Context) (*Locator, error) {
	sess, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus: %w", err)
	}
	var addr string
	err = sess.Object(a11yBusName, a11yBusPath).CallWithContext(ctx, getAddress, 0).Store(&addr)
	sess.Close()
	if err != nil {
		return nil, fmt.Errorf("a11y bus address: %w", err)
	}

	conn, err := dbus.Connect(addr)
	if err != nil {
		return nil, fmt.Errorf("a11y bus connect: %w", err)
	}
	l := newLocator(func(r ref) object { return conn.Object(r.Name, r.Path) })
	l.conn = conn
	if _, err := l.children(ctx, registryRoot); err != nil {
		conn.Close()
		return nil, fmt.Errorf("a11y registry: %w", err)
	}
	return l, nil
}

func newLocator(obj func(r ref) object) *Locator {
	return &Locator{obj: obj}
}

// Locate returns the scroll pane under (x, y), or nil when the element
// there is not inside one.
func (l *Locator) Locate(ctx context.Context, x, y int) (activity.Target, error) {
	win, err := l.windowAt(ctx, x, y)
	if err != nil || win.null() {
		return nil, err
	}
	leaf, err := l.deepestAt(ctx, win, x, y)
	if err != nil {
		return nil, err
	}
	pane, err := l.scrollPane(ctx, leaf)
	if err != nil || pane.null() {
		return nil, err
	}

	l.mu.Lock()
	if l.last != nil && l.last.pane == pane {
		t := l.last
		l.mu.Unlock()
		return t, nil
	}
	l.mu.Unlock()

	bars, err := l.scrollBars(ctx, pane)
	if err != nil || len(bars) == 0 {
		return nil, err
	}
	t := &Target{l: l, pane: pane, bars: bars}
	l.mu.Lock()
	l.last = t
	l.mu.Unlock()
	return t, nil
}

// windowAt picks the showing top-level window containing the point,
// preferring the active one. AT-SPI has no stacking order.
func (l *Locator) windowAt(ctx context.Context, x, y int) (ref, error) {
	apps, err := l.children(ctx, registryRoot)
	if err != nil {
		return ref{}, err
	}
	var fallback ref
	for _, app := range apps {
		wins, err := l.children(ctx, app)
		if err != nil {
			if ctx.Err() != nil {
				return ref{}, ctx.Err()
			}
			continue // applications come and go
		}
		for _, win := range wins {
			var inside bool
			if err := l.call(ctx, win, ifaceComponent+".Contains", &inside, int32(x), int32(y), coordScreen); err != nil || !inside {
				continue
			}
			var states []uint32
			if err := l.call(ctx, win, ifaceAccessible+".GetState", &states); err != nil || !hasState(states, stateShowing) {
				continue
			}
			if hasState(states, stateActive) {
				return win, nil
			}
			if fallback.null() {
				fallback = win
			}
		}
	}
	return fallback, ctx.Err()
}

func (l *Locator) deepestAt(ctx context.Context, from ref, x, y int) (ref, error) {
	cur := from
	for range maxDepth {
		var child ref
		if err := l.call(ctx, cur, ifaceComponent+".GetAccessibleAtPoint", &child, int32(x), int32(y), coordScreen); err != nil {
			return ref{}, err
		}
		if child.null() || child == cur {
			break
		}
		cur = child
	}
	return cur, nil
}

func (l *Locator) scrollPane(ctx context.Context, from ref) (ref, error) {
	cur := from
	for range maxDepth {
		var role uint32
		if err := l.call(ctx, cur, ifaceAccessible+".GetRole", &role); err != nil {
			return ref{}, err
		}
		if role == roleScrollPane {
			return cur, nil
		}
		var parent ref
		if err := l.property(ctx, cur, ifaceAccessible, "Parent", &parent); err != nil {
			return ref{}, err
		}
		if parent.null() || parent == cur {
			break
		}
		cur = parent
	}
	return ref{}, nil
}

func (l *Locator) scrollBars(ctx context.Context, pane ref) ([]ref, error) {
	kids, err := l.children(ctx, pane)
	if err != nil {
		return nil, err
	}
	var bars []ref
	for _, k := range kids {
		var role uint32
		if err := l.call(ctx, k, ifaceAccessible+".GetRole", &role); err != nil {
			return nil, err
		}
		if role == roleScrollBar {
			bars = append(bars, k)
		}
	}
	return bars, nil
}

func (l *Locator) children(ctx context.Context, r ref) ([]ref, error) {
	var kids []ref
	err := l.call(ctx, r, ifaceAccessible+".GetChildren", &kids)
	return kids, err
}

func (l *Locator) call(ctx context.Context, r ref, method string, out any, args ...any) error {
	return l.obj(r).CallWithContext(ctx, method, 0, args...).Store(out)
}

func (l *Locator) property(ctx context.Context, r ref, iface, name string, out any) error {
	var v dbus.Variant
	if err := l.call(ctx, r, propertiesGet, &v, iface, name); err != nil {
		return err
	}
	return dbus.Store([]any{v.Value()}, out)
}

// Close drops the accessibility bus connection.
func (l *Locator) Close() error {
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

// forget drops a cached target whose element went away.
func (l *Locator) forget(t *Target) {
	l.mu.Lock()
	if l.last == t {
		l.last = nil
	}
	l.mu.Unlock()
}

func hasState(states []uint32, s int) bool {
	i := s / 32
	return i < len(states) && states[i]&(1<<(s%32)) != 0
}

// Target is one scroll pane. Its offset is the sum of its scroll bar
// values, so movement along either axis changes it.
type Target struct {
	l    *Locator
	pane ref
	bars []ref
}

// Offset reads the current scroll bar positions.
func (t *Target) Offset(ctx context.Context) (float64, error) {
	var sum float64
	for _, b := range t.bars {
		var v float64
		if err := t.l.property(ctx, b, ifaceValue, "CurrentValue", &v); err != nil {
			t.l.forget(t)
			return 0, err
		}
		sum += v
	}
	return sum, nil
}
