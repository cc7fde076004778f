package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicySucceedsEventually(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, Strategy: Fixed})
	attempts := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryPolicyExhausts(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, Strategy: Fixed})
	attempts := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("permanent")
	})
	if err == nil {
		t.Fatalf("expected final error")
	}
	if attempts != 3 {
		t.Fatalf("expected exactly MaxAttempts attempts, got %d", attempts)
	}
}

func TestRetryPolicyHonorsCancellation(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 10, InitialBackoff: 50 * time.Millisecond, MaxBackoff: time.Second, Strategy: Fixed})
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := p.Execute(ctx, func(ctx context.Context) error {
		attempts++
		return errors.New("fail")
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if attempts > 2 {
		t.Fatalf("expected cancellation to stop retries promptly, got %d attempts", attempts)
	}
}

func TestRetryPolicyDoesNotRetryNonRetryable(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		Strategy:       Fixed,
		ShouldRetry:    func(err error) bool { return false },
	})
	attempts := 0
	_ = p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("fail fast")
	})
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for non-retryable error, got %d", attempts)
	}
}

type retryAfterErr struct{ d time.Duration }

func (e retryAfterErr) Error() string          { return "rate limited" }
func (e retryAfterErr) RetryAfter() time.Duration { return e.d }

func TestRetryPolicyHonorsRetryAfterHint(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Second, Strategy: Fixed})
	start := time.Now()
	_ = p.Execute(context.Background(), func(ctx context.Context) error {
		return retryAfterErr{d: 80 * time.Millisecond}
	})
	if time.Since(start) < 80*time.Millisecond {
		t.Fatalf("expected backoff to honor RetryAfter hint")
	}
}

func TestExponentialBackoffCapsAtMax(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 10, InitialBackoff: time.Millisecond, MaxBackoff: 8 * time.Millisecond, Strategy: Exponential})
	for n := 1; n <= 10; n++ {
		if d := p.backoffFor(n); d > 8*time.Millisecond {
			t.Fatalf("backoff %v exceeds max for attempt %d", d, n)
		}
	}
}
