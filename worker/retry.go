package worker

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Retry configuration defaults
const (
	defaultMaxRetries  = 3
	defaultInitBackoff = time.Second
	defaultMaxBackoff  = 30 * time.Second
	backoffFactor      = 2.0
)

// RetryConfig bounds retries of provider calls.
type RetryConfig struct {
	MaxRetries  int
	InitBackoff time.Duration
	MaxBackoff  time.Duration
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxRetries <= 0 {
		r.MaxRetries = defaultMaxRetries
	}
	if r.InitBackoff <= 0 {
		r.InitBackoff = defaultInitBackoff
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = defaultMaxBackoff
	}
	return r
}

// do calls fn until it succeeds, fails permanently, or retries run out.
func (r RetryConfig) do(ctx context.Context, provider string, fn func() error) error {
	r = r.withDefaults()
	backoff := r.InitBackoff

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if isBillingError(err) {
			return fmt.Errorf("billing/payment error (fatal): %w", err)
		}
		if !isRetryableError(err) {
			return fmt.Errorf("%s request failed: %w", provider, err)
		}
		if attempt == r.MaxRetries {
			return fmt.Errorf("%s request failed after %d retries: %w", provider, r.MaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > r.MaxBackoff {
			backoff = r.MaxBackoff
		}
	}
}

// isRateLimitError checks if the error is a rate limit error.
func isRateLimitError(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "overloaded")
}

// isServerError checks if the error is a transient server error (5xx).
func isServerError(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout")
}

func isRetryableError(err error) bool {
	return isRateLimitError(err) || isServerError(err)
}

// isBillingError checks if the error is a billing/payment/quota error (fatal, no retry).
func isBillingError(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "credits") ||
		strings.Contains(errStr, "quota exceeded") ||
		strings.Contains(errStr, "402")
}
