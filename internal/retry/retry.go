// Package retry provides the retry combinator and circuit breaker used by
// every outbound VCS and HTTP call in the system.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Policy configures Do.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// IsRetryable classifies an error. Nil means all errors are retryable.
	IsRetryable func(error) bool
	// Backoff returns the sleep before attempt n (1-based retry count).
	// Nil means ExponentialBackoff(1s, 30s).
	Backoff func(retry int) time.Duration
	// OnRetry is invoked before each sleep with the failed attempt number
	// and its error. Optional.
	OnRetry func(attempt int, err error)
}

// ExponentialBackoff returns base*2^(retry-1) capped at max.
func ExponentialBackoff(base, max time.Duration) func(int) time.Duration {
	return func(retry int) time.Duration {
		d := time.Duration(float64(base) * math.Pow(2, float64(retry-1)))
		if d > max {
			return max
		}
		return d
	}
}

// Do runs op until it succeeds, a non-retryable error occurs, attempts are
// exhausted, or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, op func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = ExponentialBackoff(time.Second, 30*time.Second)
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if p.IsRetryable != nil && !p.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return fmt.Errorf("after %d attempts: %w", p.MaxAttempts, lastErr)
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	var value T
	err := Do(ctx, p, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, err
}
