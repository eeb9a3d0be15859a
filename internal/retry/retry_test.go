package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leafpulse/tracker/internal/scraperr"
)

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), Policy{
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return scraperr.New("test", scraperr.CodeRateLimit, scraperr.WithHTTP(429))
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

func TestWithRetryStopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	sentinel := errors.New("validation failed")
	err := WithRetry(context.Background(), Policy{MaxRetries: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt for a non-retryable error, got %d", attempts)
	}
}

func TestWithRetryExhaustsMaxRetries(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return scraperr.New("test", scraperr.CodeRateLimit, scraperr.WithHTTP(503))
	})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("expected MaxRetries+1=3 attempts, got %d", attempts)
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: 50 * time.Millisecond, HalfOpenRequests: 1})

	for i := 0; i < 3; i++ {
		if err := breaker.Allow("k"); err != nil {
			t.Fatalf("expected closed breaker to allow call %d, got %v", i, err)
		}
		breaker.RecordFailure()
	}
	if breaker.State() != StateOpen {
		t.Fatalf("expected breaker to be open after 3 failures, got %s", breaker.State())
	}
	if err := breaker.Allow("k"); err == nil {
		t.Fatalf("expected open breaker to deny immediately")
	}
}

func TestCircuitBreakerHalfOpenProbeThenCloses(t *testing.T) {
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenRequests: 1})
	breaker.RecordFailure()
	if breaker.State() != StateOpen {
		t.Fatalf("expected open after single failure with threshold 1")
	}

	time.Sleep(15 * time.Millisecond)
	if breaker.State() != StateHalfOpen {
		t.Fatalf("expected half-open after reset timeout")
	}
	if err := breaker.Allow("k"); err != nil {
		t.Fatalf("expected half-open probe to be allowed, got %v", err)
	}
	breaker.RecordSuccess()
	if breaker.State() != StateClosed {
		t.Fatalf("expected breaker to close after successful probe")
	}
}

func TestCircuitBreakerHalfOpenRejectsSecondConcurrentProbe(t *testing.T) {
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 5 * time.Millisecond, HalfOpenRequests: 1})
	breaker.RecordFailure()
	time.Sleep(10 * time.Millisecond)

	if err := breaker.Allow("k"); err != nil {
		t.Fatalf("expected first probe to be allowed, got %v", err)
	}
	if err := breaker.Allow("k"); err == nil {
		t.Fatalf("expected second concurrent probe to be rejected")
	}
}
