package provider

import (
	"context"
	"errors"
	"net"
	"time"

	"mailflow/core/port/out"
	"mailflow/pkg/logger"
	"mailflow/pkg/resilience"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
)

// DefaultRequestTimeout bounds a single provider HTTP request.
const DefaultRequestTimeout = 30 * time.Second

// CallConfig tunes request execution shared by every adapter.
type CallConfig struct {
	RequestTimeout time.Duration
	Retry          resilience.RetryPolicy
}

// DefaultCallConfig returns the production request settings.
func DefaultCallConfig() CallConfig {
	return CallConfig{
		RequestTimeout: DefaultRequestTimeout,
		Retry:          resilience.DefaultRetryPolicy(),
	}
}

// caller runs provider requests with a per-request timeout, a circuit breaker
// and a bounded retry budget for retryable failures.
type caller struct {
	provider string
	cb       *gobreaker.CircuitBreaker
	config   CallConfig
	// classify maps provider-specific errors; nil means "not recognized".
	classify func(err error, op string) *out.ProviderError
}

func newCaller(provider string, cfg CallConfig, classify func(error, string) *out.ProviderError) *caller {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = resilience.DefaultRetryPolicy()
	}

	settings := gobreaker.Settings{
		Name:        provider + "-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// Client errors say nothing about provider health; they must not open
		// a breaker shared by every account.
		IsSuccessful: func(err error) bool {
			var nce *nonCircuitError
			return err == nil || errors.As(err, &nce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}

	return &caller{
		provider: provider,
		cb:       gobreaker.NewCircuitBreaker(settings),
		config:   cfg,
		classify: classify,
	}
}

// do runs fn until it succeeds, fails permanently or the retry budget is spent.
// The returned error is always an *out.ProviderError (possibly joined).
func (c *caller) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return resilience.Retry(ctx, c.config.Retry, isRetryable, func(ctx context.Context) error {
		attempt++
		reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()

		err := c.executeWithCircuitBreaker(op, func() error { return fn(reqCtx) })
		if err != nil && isRetryable(err) {
			logger.Debug("[%s.%s] attempt %d failed: %v", c.provider, op, attempt, err)
		}
		return err
	})
}

// executeWithCircuitBreaker keeps client errors (auth, not found, bad input)
// from tripping the breaker; server errors and throttling count as failures.
func (c *caller) executeWithCircuitBreaker(op string, fn func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		perr := c.wrapError(fn(), op)
		if perr == nil {
			return nil, nil
		}
		if !perr.Retryable {
			return nil, &nonCircuitError{err: perr}
		}
		return nil, perr
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logger.Warn("[%s.%s] circuit breaker rejected request: state=%s", c.provider, op, c.cb.State().String())
		return out.NewProviderError(c.provider, out.ProviderErrServer, "circuit open", err, true)
	}
	return err
}

// wrapError returns nil for nil and maps everything else to a ProviderError.
func (c *caller) wrapError(err error, op string) *out.ProviderError {
	if err == nil {
		return nil
	}

	var perr *out.ProviderError
	if errors.As(err, &perr) {
		return perr
	}
	if c.classify != nil {
		if perr := c.classify(err, op); perr != nil {
			return perr
		}
	}

	var retrieveErr *oauth2.RetrieveError
	var netErr net.Error
	switch {
	case errors.As(err, &retrieveErr):
		return out.NewProviderError(c.provider, out.ProviderErrAuth, "token rejected", err, false)
	case errors.Is(err, context.Canceled):
		return out.NewProviderError(c.provider, out.ProviderErrNetwork, op+" canceled", err, false)
	case errors.Is(err, context.DeadlineExceeded):
		return out.NewProviderError(c.provider, out.ProviderErrNetwork, op+" timed out", err, true)
	case errors.As(err, &netErr):
		return out.NewProviderError(c.provider, out.ProviderErrNetwork, op+" network error", err, true)
	}
	return out.NewProviderError(c.provider, out.ProviderErrServer, op+" failed", err, true)
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

func isRetryable(err error) bool {
	var perr *out.ProviderError
	return errors.As(err, &perr) && perr.Retryable
}
