package retry

import (
	"context"
	"errors"
	"time"
)

// Policy bounds a retry loop: up to MaxAttempts tries with an exponentially
// growing delay between them, starting at InitialDelay and capped at MaxDelay.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// policy is exhausted, in which case the last error is returned. The sleep
// before each retry honors context cancellation.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	delay := p.InitialDelay
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			if next := delay * 2; next <= p.MaxDelay {
				delay = next
			} else {
				delay = p.MaxDelay
			}
		}

		err = op()
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

// Transient reports whether err looks like a temporary network condition
// worth retrying.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
