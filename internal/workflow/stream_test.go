package workflow

import (
	"fmt"
	"testing"
)

func TestStreamReplaysHistoryInOrder(t *testing.T) {
	s := newStream()
	for i := 0; i < 3; i++ {
		s.publish(Event{Type: EventStatus, Message: fmt.Sprintf("m%d", i)})
	}
	sub := s.Subscribe()
	for i := 0; i < 3; i++ {
		e := <-sub
		if want := fmt.Sprintf("m%d", i); e.Message != want {
			t.Fatalf("replayed[%d] = %q, want %q", i, e.Message, want)
		}
	}
	s.publish(Event{Type: EventStatus, Message: "live"})
	if e := <-sub; e.Message != "live" {
		t.Fatalf("live event = %q, want %q", e.Message, "live")
	}
}

func TestStreamDropsWhenSubscriberStalls(t *testing.T) {
	s := newStream()
	s.Subscribe() // never drained
	for i := 0; i < subscriberBuffer+6; i++ {
		s.publish(Event{Type: EventStatus})
	}
	if got := s.Dropped(); got != 6 {
		t.Fatalf("dropped = %d, want 6", got)
	}
	if got := len(s.Events()); got != subscriberBuffer+6 {
		t.Fatalf("history = %d events, drops must not touch it", got)
	}
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	s := newStream()
	sub := s.Subscribe()
	s.publish(Event{Type: EventStatus})
	s.close()
	s.close()
	s.publish(Event{Type: EventStatus})
	var n int
	for range sub {
		n++
	}
	if n != 1 {
		t.Fatalf("delivered = %d, want 1; publish after close must be a no-op", n)
	}
	if len(s.Events()) != 1 {
		t.Fatalf("history = %d, want 1", len(s.Events()))
	}
}
