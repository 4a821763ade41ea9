// Package activity records when the user last interacted with the machine,
// one timestamp per input channel.
package activity

import (
	"fmt"
	"slices"
	"sync/atomic"
	"time"
)

// Channel is a kind of user activity.
type Channel int

const (
	PointerMove Channel = iota
	ButtonKey
	Focus
	Geometry
	Scroll

	numChannels
)

// Channels lists every channel in declaration order.
var Channels = []Channel{PointerMove, ButtonKey, Focus, Geometry, Scroll}

var channelNames = [numChannels]string{"pointer_move", "button_key", "focus", "geometry", "scroll"}

func (c Channel) String() string {
	if c >= 0 && c < numChannels {
		return channelNames[c]
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// Observer receives activity notifications from input hooks and pollers.
// Implementations must be safe to call from any goroutine and must not block.
type Observer interface {
	PointerMoved()
	ButtonOrKey()
	FocusChanged()
	GeometrySettled()
	Scrolled()
}

// Aggregator keeps the latest timestamp of every channel. Each channel has
// a single atomic slot, so readers never see a torn value.
type Aggregator struct {
	epoch  time.Time
	now    func() time.Time
	stamps [numChannels]atomic.Int64 // nanoseconds since epoch
}

// New returns an aggregator on the wall clock with every channel set to now.
func New() *Aggregator { return NewWithClock(time.Now) }

// NewWithClock uses now as the time source. now must be monotonic.
func NewWithClock(now func() time.Time) *Aggregator {
	return &Aggregator{epoch: now(), now: now}
}

// Bump records activity on ch.
func (a *Aggregator) Bump(ch Channel) {
	if ch < 0 || ch >= numChannels {
		return
	}
	a.stamps[ch].Store(int64(a.now().Sub(a.epoch)))
}

func (a *Aggregator) PointerMoved()    { a.Bump(PointerMove) }
func (a *Aggregator) ButtonOrKey()     { a.Bump(ButtonKey) }
func (a *Aggregator) FocusChanged()    { a.Bump(Focus) }
func (a *Aggregator) GeometrySettled() { a.Bump(Geometry) }
func (a *Aggregator) Scrolled()        { a.Bump(Scroll) }

// Last returns the time of the latest activity on ch.
func (a *Aggregator) Last(ch Channel) time.Time {
	return a.epoch.Add(time.Duration(a.stamps[ch].Load()))
}

// Latest returns the most recent activity across all channels except those
// in exclude.
func (a *Aggregator) Latest(exclude ...Channel) time.Time {
	var latest int64
	for ch := range numChannels {
		if slices.Contains(exclude, ch) {
			continue
		}
		latest = max(latest, a.stamps[ch].Load())
	}
	return a.epoch.Add(time.Duration(latest))
}

// Stamp is one channel's last activity.
type Stamp struct {
	Channel string    `json:"channel"`
	At      time.Time `json:"at"`
}

// Snapshot returns every channel's latest activity.
func (a *Aggregator) Snapshot() []Stamp {
	out := make([]Stamp, 0, numChannels)
	for _, ch := range Channels {
		out = append(out, Stamp{Channel: ch.String(), At: a.Last(ch)})
	}
	return out
}
