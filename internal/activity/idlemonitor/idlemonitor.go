// Package idlemonitor observes user input on GNOME sessions, including
// Wayland where global input polling is not available, through Mutter's
// IdleMonitor D-Bus service.
package idlemonitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/GriffinCanCode/quietrefresh/internal/activity"
)

const (
	busName    = "org.gnome.Mutter.IdleMonitor"
	objectPath = dbus.ObjectPath("/org/gnome/Mutter/IdleMonitor/Core")
	getIdle    = busName + ".GetIdletime"
)

// IdleFunc returns the milliseconds since the last input event.
type IdleFunc func(ctx context.Context) (uint64, error)

// Poller reports input activity whenever the session idle time restarts.
// Mutter does not say which device was used, so all input is reported as
// ButtonOrKey.
type Poller struct {
	idle     IdleFunc
	obs      activity.Observer
	interval time.Duration
	conn     *dbus.Conn

	last   uint64
	primed bool
}

// New connects to the session bus and checks that the service answers.
func New(obs activity.Observer, interval time.Duration) (*Poller, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus: %w", err)
	}
	obj := conn.Object(busName, objectPath)
	idle := func(ctx context.Context) (uint64, error) {
		var ms uint64
		if err := obj.CallWithContext(ctx, getIdle, 0).Store(&ms); err != nil {
			return 0, err
		}
		return ms, nil
	}
	if _, err := idle(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mutter idle monitor: %w", err)
	}

	p := newPoller(idle, obs, interval)
	p.conn = conn
	return p, nil
}

func newPoller(idle IdleFunc, obs activity.Observer, interval time.Duration) *Poller {
	return &Poller{idle: idle, obs: obs, interval: interval}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	if p.conn != nil {
		defer p.conn.Close()
	}

	slog.Info("idle monitor poller started", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	ms, err := p.idle(ctx)
	if err != nil {
		slog.Debug("idle monitor call failed", "error", err)
		return
	}
	reset := p.primed && ms < p.last
	p.last, p.primed = ms, true

	// Input within the last poll interval counts even if the counter was
	// sampled before it could reset.
	if reset || time.Duration(ms)*time.Millisecond < p.interval {
		p.obs.ButtonOrKey()
	}
}
