package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryWithBackoff retries a function with exponential backoff while the
// returned error is retryable.
type RetryWithBackoff struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
	// Retryable limits retries to matching errors; nil retries every error
	Retryable func(error) bool
}

// DefaultRetryWithBackoff returns default retry configuration.
func DefaultRetryWithBackoff() RetryWithBackoff {
	return RetryWithBackoff{
		MaxAttempts:   5,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Execute runs fn until it succeeds, fails with a non-retryable error,
// attempts run out, or ctx ends.
func (r RetryWithBackoff) Execute(ctx context.Context, fn func() error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := r.InitialDelay
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if r.Retryable != nil && !r.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		sleep := delay
		if r.Jitter && delay > 0 {
			// up to 25% extra
			sleep += time.Duration(rand.Int63n(int64(delay)/4 + 1))
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * r.BackoffFactor)
		if r.MaxDelay > 0 && delay > r.MaxDelay {
			delay = r.MaxDelay
		}
	}

	return lastErr
}
