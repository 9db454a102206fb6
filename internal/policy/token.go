package policy

import "sync"

// Token is a one-way cancellation latch shared by reference between an
// operation's owner and everything the operation suspends on. Cancel moves
// it to cancelled exactly once; a token is never reset or reused.
type Token struct {
	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
}

func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

func (t *Token) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cancelled {
		t.cancelled = true
		close(t.done)
	}
}

func (t *Token) Cancelled() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done returns a channel closed when the token is cancelled. A nil token
// returns nil, which never becomes ready in a select.
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}
