package events

import (
	"testing"
	"time"
)

func TestStoreEmitKeepsLastEntries(t *testing.T) {
	s := NewStore(5, 10)
	for i := 0; i < 10; i++ {
		s.Emit(Event{Type: TypeChange})
	}

	entries := s.Entries()
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if entries[0].Sequence != 6 || entries[4].Sequence != 10 {
		t.Errorf("kept sequences %d..%d, want 6..10", entries[0].Sequence, entries[4].Sequence)
	}
}

func TestEmitSetsTime(t *testing.T) {
	s := NewStore(5, 1)
	ev := s.Emit(Event{Type: TypeFire})
	if ev.Time.IsZero() {
		t.Error("Emit should stamp the event time")
	}
}

func TestRecent(t *testing.T) {
	s := NewStore(30, 10)
	s.Emit(Event{Type: TypeChange, Time: time.Now().Add(-5 * time.Minute)})
	s.Emit(Event{Type: TypeFire})

	recent := s.Recent(time.Minute)
	if len(recent) != 1 || recent[0].Type != TypeFire {
		t.Errorf("Recent(1m) = %+v, want only the fire event", recent)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	s := NewStore(30, 10)
	ch, cancel := s.Subscribe()
	defer cancel()

	go s.Emit(Event{Type: TypeReinit, Message: "display changed"})

	select {
	case e := <-ch:
		if e.Type != TypeReinit || e.Message != "display changed" {
			t.Errorf("got %+v", e)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestEmitNonBlocking(t *testing.T) {
	s := NewStore(30, 1)
	_, cancel := s.Subscribe()
	defer cancel()

	s.Emit(Event{Type: TypeChange}) // fills the subscriber buffer

	done := make(chan struct{})
	go func() {
		s.Emit(Event{Type: TypeChange})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("Emit blocked on a full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := NewStore(30, 1)
	ch, cancel := s.Subscribe()
	if s.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", s.Subscribers())
	}

	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	if s.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", s.Subscribers())
	}
	s.Emit(Event{Type: TypeFire}) // must not panic on closed channel
}
