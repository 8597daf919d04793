package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy bounds exponential backoff for one logical request.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay added at random (0..1)
}

// DefaultRetryPolicy is used for provider calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// ErrRetryBudgetExhausted wraps the last error once every attempt failed.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// Backoff returns the wait before attempt n+1 (n starts at 1).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// Retry runs fn until it succeeds, returns a non-retryable error, the context
// ends or MaxAttempts is reached.
func Retry(ctx context.Context, p RetryPolicy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for n := 1; n <= attempts; n++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return err
		}
		if n == attempts {
			break
		}

		timer := time.NewTimer(p.Backoff(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}
	return errors.Join(ErrRetryBudgetExhausted, err)
}
