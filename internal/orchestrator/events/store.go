// Package events keeps recent decision events and fans them out to live
// subscribers such as WebSocket clients.
package events

import (
	"sync"
	"time"
)

// Event types
const (
	TypeChange      = "change"      // significant change detected
	TypeFire        = "fire"        // refresh action issued
	TypeReinit      = "reinit"      // capture context rebuilt
	TypeUnavailable = "unavailable" // capture pipeline unavailable
	TypeSettings    = "settings"    // live settings changed
)

// Event is one decision-relevant occurrence.
type Event struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	Percent  float64   `json:"percent,omitempty"`
	Distance int       `json:"perceptual_distance,omitempty"`
	WaitedMs int64     `json:"waited_ms,omitempty"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	TraceID  string    `json:"trace_id,omitempty"`
	Sequence uint64    `json:"seq"`
}

// Store holds the last maxSize events and the live subscriber set.
type Store struct {
	mu      sync.RWMutex
	entries []Event
	maxSize int
	seq     uint64
	buffer  int
	subs    map[chan Event]struct{}
}

// NewStore creates a store keeping maxEntries events; each subscriber gets
// a channel buffered to eventBuffer.
func NewStore(maxEntries, eventBuffer int) *Store {
	return &Store{
		entries: make([]Event, 0, maxEntries),
		maxSize: maxEntries,
		buffer:  eventBuffer,
		subs:    make(map[chan Event]struct{}),
	}
}

// Emit records ev and offers it to every subscriber without blocking;
// a slow subscriber misses events rather than stalling the caller.
func (s *Store) Emit(ev Event) Event {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	s.mu.Lock()
	s.seq++
	ev.Sequence = s.seq
	s.entries = append(s.entries, ev)
	if len(s.entries) > s.maxSize {
		s.entries = s.entries[len(s.entries)-s.maxSize:]
	}
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
	return ev
}

// Subscribe returns a channel of future events and a function that
// unsubscribes and closes it.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, s.buffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns events newer than d, oldest first.
func (s *Store) Recent(d time.Duration) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-d)
	var out []Event
	for _, e := range s.entries {
		if !e.Time.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns a copy of all retained events.
func (s *Store) Entries() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.entries))
	copy(out, s.entries)
	return out
}

// Subscribers returns the number of live subscribers.
func (s *Store) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
