package policy

import (
	"context"
	"fmt"
	"time"

	"labelhub/internal/connector"
	"labelhub/internal/logging"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 2 * time.Second
	DefaultCapDelay   = 30 * time.Second
	DefaultSlice      = 500 * time.Millisecond
)

// Policy wraps an operation with bounded retry, linear-capped backoff, and
// cooperative cancellation. The zero value is unusable; start from Default.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	CapDelay      time.Duration
	SliceInterval time.Duration

	// OnRetry, when set, observes each failed attempt: its ordinal, the
	// backoff delay about to be taken, and the error that caused it.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func Default() Policy {
	return Policy{
		MaxRetries:    DefaultMaxRetries,
		BaseDelay:     DefaultBaseDelay,
		CapDelay:      DefaultCapDelay,
		SliceInterval: DefaultSlice,
	}
}

// Delay returns the backoff after the given 1-based attempt:
// min(base*attempt, cap). Linear-capped, not exponential; constrained
// transports suffer under exponential tails.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay * time.Duration(attempt)
	if p.CapDelay > 0 && d > p.CapDelay {
		d = p.CapDelay
	}
	return d
}

// Execute runs op up to MaxRetries times. op must be idempotent. Errors the
// taxonomy marks non-recoverable are returned without further attempts.
// Cancellation, via token or ctx, always surfaces as a distinct cancelled
// error so callers can branch on it, and interrupts a backoff delay within
// one slice.
func (p Policy) Execute(ctx context.Context, token *Token, name string, op func(context.Context) error) error {
	attempts := p.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := cancelCheck(ctx, token, name); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if connector.IsCancelled(err) {
			return connector.WrapCancelled(name)
		}
		if err2 := cancelCheck(ctx, token, name); err2 != nil {
			return err2
		}
		lastErr = err
		if !connector.Retryable(err) {
			return err
		}
		delay := p.Delay(attempt)
		logging.Debugf("%s: attempt %d/%d failed, backing off %s: %v", name, attempt, attempts, delay, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := p.sleep(ctx, token, delay); err != nil {
			return connector.WrapCancelled(name)
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}

func cancelCheck(ctx context.Context, token *Token, name string) error {
	if token.Cancelled() {
		return connector.WrapCancelled(name)
	}
	if err := ctx.Err(); err != nil {
		if err == context.Canceled {
			return connector.WrapCancelled(name)
		}
		return connector.Classify(name, "", err)
	}
	return nil
}

// sleep waits for d in slices, re-checking cancellation between slices.
func (p Policy) sleep(ctx context.Context, token *Token, d time.Duration) error {
	slice := p.SliceInterval
	if slice <= 0 {
		slice = DefaultSlice
	}
	for remaining := d; remaining > 0; remaining -= slice {
		step := remaining
		if step > slice {
			step = slice
		}
		timer := time.NewTimer(step)
		select {
		case <-timer.C:
		case <-token.Done():
			timer.Stop()
			return context.Canceled
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return nil
}
