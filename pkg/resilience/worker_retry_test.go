package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("503")
var errFatal = errors.New("401")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(4), isTransient, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(4), isTransient, func(context.Context) error {
		calls++
		return errFatal
	})
	if !errors.Is(err, errFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), isTransient, func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, ErrRetryBudgetExhausted) || !errors.Is(err, errTransient) {
		t.Fatalf("expected exhausted budget wrapping transient error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}
	err := Retry(ctx, policy, isTransient, func(context.Context) error { return errTransient })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{40, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.n); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}
