package crawler

import (
	"context"
	"time"
)

// Default retry settings for page fetches.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

// FixedRetryPolicy retries a bounded number of times with a constant delay.
type FixedRetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// NewFixedRetryPolicy builds a policy, falling back to defaults for
// non-positive attempts and negative delays.
func NewFixedRetryPolicy(maxAttempts int, delay time.Duration) FixedRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if delay < 0 {
		delay = DefaultRetryDelay
	}
	return FixedRetryPolicy{MaxAttempts: maxAttempts, Delay: delay}
}

// ShouldRetry decides whether another attempt follows attempt (1-based).
// Callers stop on their own context; a per-attempt timeout is retryable.
func (p FixedRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	return attempt < p.MaxAttempts
}

// Backoff returns the wait before the next attempt.
func (p FixedRetryPolicy) Backoff(_ int) time.Duration {
	return p.Delay
}

// Pause blocks for delay or until ctx is done, returning ctx.Err() in the
// latter case.
func Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
