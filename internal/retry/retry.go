// Package retry provides the shared RetryPolicy and CircuitBreaker primitives
// used by browser acquisition, extraction, and downstream HTTP calls (spec §4.8).
package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/leafpulse/tracker/internal/observability"
	"github.com/leafpulse/tracker/internal/scraperr"
)

// Policy computes delay = min(base*mult^(attempt-1) + jitter, max) and decides
// whether a given error is worth retrying.
type Policy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	RetryableErrors   []string
	OnRetry           func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy matches the orchestrator's browser-acquisition retry shape:
// 3 retries, base 2s, doubling backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         2 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

// WithRetry runs fn, retrying on retryable failures until MaxRetries is
// exhausted. Total attempts = MaxRetries + 1. The delay before retry n is
// base*mult^(n-1) plus jitter in [0, 0.3*delay], capped at MaxDelay.
func WithRetry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	attempts := p.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts || !isRetryable(err, p.RetryableErrors) {
			return lastErr
		}

		delay := backoffDelay(p, attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		observability.Log().Info("retrying after failure",
			observability.Field{Key: "attempt", Value: attempt},
			observability.Field{Key: "delay_ms", Value: delay.Milliseconds()},
			observability.Field{Key: "error", Value: err.Error()},
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func backoffDelay(p Policy, attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	raw := float64(base) * pow(mult, attempt-1)
	jitter := raw * 0.3 * rand.Float64()
	delay := time.Duration(raw + jitter)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func isRetryable(err error, retryableErrors []string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "502") || strings.Contains(msg, "503") {
		return true
	}
	var scraperErr *scraperr.E
	if errors.As(err, &scraperErr) {
		if scraperErr.HTTP == 429 || scraperErr.HTTP == 502 || scraperErr.HTTP == 503 {
			return true
		}
	}
	for _, candidate := range retryableErrors {
		if candidate == "" {
			continue
		}
		if strings.Contains(msg, strings.ToLower(candidate)) {
			return true
		}
	}
	return len(retryableErrors) == 0 && isDefaultRetryableHTTP(err)
}

func isDefaultRetryableHTTP(err error) bool {
	var scraperErr *scraperr.E
	if !errors.As(err, &scraperErr) {
		return false
	}
	return scraperErr.Code == scraperr.CodeTimeout || scraperErr.Code == scraperr.CodeRateLimit
}
