package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryPolicy is the exponential backoff schedule applied to retryable
// failures.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// BaseInterval is the delay before the first retry.
	BaseInterval time.Duration

	// BackoffFactor multiplies the delay for each further retry.
	BackoffFactor float64

	// MaxInterval caps a single delay. Zero means no cap.
	MaxInterval time.Duration
}

// Backoff returns the delay before retry number attempt (0-based):
// BaseInterval * BackoffFactor^attempt, capped at MaxInterval.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	f := float64(p.BaseInterval) * math.Pow(p.BackoffFactor, float64(attempt))
	if p.MaxInterval > 0 && f > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

// delayFor picks the wait before retry attempt, honoring a longer
// provider-requested Retry-After.
func (p RetryPolicy) delayFor(attempt int, err error) time.Duration {
	d := p.Backoff(attempt)
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > d {
		d = rl.RetryAfter
		if p.MaxInterval > 0 && d > p.MaxInterval {
			d = p.MaxInterval
		}
	}
	return d
}

// retryWithBackoff calls fn until it succeeds, returns an error that
// retryable rejects, or MaxRetries+1 attempts have been made. It returns
// the number of attempts and the last error. onRetry, if set, is called
// before each backoff wait.
func retryWithBackoff(
	ctx context.Context,
	policy RetryPolicy,
	fn func(attempt int) error,
	retryable func(error) bool,
	onRetry func(attempt int, delay time.Duration, err error),
) (int, error) {
	maxAttempts := policy.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err

		if !retryable(err) || attempt == maxAttempts-1 {
			return attempt + 1, lastErr
		}

		delay := policy.delayFor(attempt, err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	return maxAttempts, lastErr
}
