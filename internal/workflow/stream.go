package workflow

import (
	"sync"

	"labelhub/internal/logging"
)

const subscriberBuffer = 64

// Stream fans one operation's events out to any number of subscribers.
// Events are kept in order; a late subscriber is caught up from history
// before receiving live events. The stream closes exactly once, when the
// operation reaches a terminal step.
type Stream struct {
	mu      sync.Mutex
	history []Event
	subs    []chan Event
	closed  bool
	dropped int
}

func newStream() *Stream {
	return &Stream{}
}

// Subscribe returns a channel that replays everything emitted so far and
// then delivers live events. The channel is closed when the stream closes.
// A slow consumer that fills its buffer loses events rather than stalling
// the operation.
func (s *Stream) Subscribe() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Event, max(subscriberBuffer, len(s.history)+1))
	for _, e := range s.history {
		ch <- e
	}
	if s.closed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

func (s *Stream) publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.history = append(s.history, e)
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			s.dropped++
		}
	}
}

func (s *Stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	if s.dropped > 0 {
		logging.Warnf("workflow: %d events dropped on slow subscribers", s.dropped)
	}
}

// Events returns the ordered history emitted so far.
func (s *Stream) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.history...)
}

// Dropped reports how many events were lost to slow subscribers.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
