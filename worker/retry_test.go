package worker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, InitBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

// --- Unit Tests ---

func TestRetry_Classification(t *testing.T) {
	tests := []struct {
		err       string
		retryable bool
		billing   bool
	}{
		{"429 Too Many Requests", true, false},
		{"anthropic: overloaded", true, false},
		{"503 Service Unavailable", true, false},
		{"402 payment required", false, true},
		{"insufficient credits", false, true},
		{"400 bad request", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.err, func(t *testing.T) {
			err := fmt.Errorf("%s", tt.err)
			if got := isRetryableError(err); got != tt.retryable {
				t.Errorf("isRetryableError() = %v, want %v", got, tt.retryable)
			}
			if got := isBillingError(err); got != tt.billing {
				t.Errorf("isBillingError() = %v, want %v", got, tt.billing)
			}
		})
	}
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := fastRetry().do(context.Background(), "test", func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("502 bad gateway")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0
	err := fastRetry().do(context.Background(), "test", func() error {
		calls++
		return fmt.Errorf("rate limit")
	})
	if err == nil || !strings.Contains(err.Error(), "after 2 retries") {
		t.Errorf("do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_PermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want string
	}{
		{"billing", "402 payment required", "billing"},
		{"client", "invalid model", "test request failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := fastRetry().do(context.Background(), "test", func() error {
				calls++
				return fmt.Errorf("%s", tt.err)
			})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("do() error = %v, want %q", err, tt.want)
			}
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
		})
	}
}

func TestRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := RetryConfig{MaxRetries: 5, InitBackoff: time.Hour}
	err := r.do(ctx, "test", func() error { return fmt.Errorf("503") })
	if err != context.Canceled {
		t.Errorf("do() error = %v, want context.Canceled", err)
	}
}
