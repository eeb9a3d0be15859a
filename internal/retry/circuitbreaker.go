package retry

import (
	"fmt"
	"sync"
	"time"

	"github.com/leafpulse/tracker/internal/scraperr"
)

// BreakerState enumerates the circuit breaker's three states (spec §4.8).
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig configures a single circuit breaker instance.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenRequests int
}

// DefaultBreakerConfig matches the orchestrator's browser-acquisition breaker
// (failureThreshold=3, resetTimeMs=120_000, halfOpenRequests=1).
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     120 * time.Second,
		HalfOpenRequests: 1,
	}
}

// CircuitBreaker guards a single upstream key against a cascading failure.
// State is process-wide per key (spec §9: "global process-wide state maps to
// an explicit component initialized at startup and passed by reference").
type CircuitBreaker struct {
	cfg BreakerConfig

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	openedAt        time.Time
	halfOpenInUse   int
}

// NewCircuitBreaker constructs a closed breaker with the given config.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// State reports the breaker's current state, resolving an expired open
// window into half-open as a side effect.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked()
	return b.state
}

func (b *CircuitBreaker) transitionLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = StateHalfOpen
		b.halfOpenInUse = 0
	}
}

// Allow reports whether a call may proceed now. In the open state it denies
// immediately with a retry-after error; in half-open it admits at most
// HalfOpenRequests concurrent probes.
func (b *CircuitBreaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked()

	switch b.state {
	case StateOpen:
		retryAfter := b.cfg.ResetTimeout - time.Since(b.openedAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return scraperr.New(key, scraperr.CodeBrowserUnavailable,
			scraperr.WithMessage("circuit breaker open"),
			scraperr.WithRetryAfter(retryAfter.Round(time.Second).String()),
		)
	case StateHalfOpen:
		if b.halfOpenInUse >= b.cfg.HalfOpenRequests {
			return scraperr.New(key, scraperr.CodeBrowserUnavailable,
				scraperr.WithMessage("circuit breaker half-open: probe already in flight"),
			)
		}
		b.halfOpenInUse++
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes the breaker (from half-open) or resets the failure
// counter (from closed).
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFail = 0
	b.halfOpenInUse = 0
}

// RecordFailure increments the failure counter and opens the breaker once the
// threshold is reached, or immediately re-opens from half-open.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.halfOpenInUse = 0
		b.open()
		return
	}
	b.consecutiveFail++
	if b.consecutiveFail >= b.cfg.FailureThreshold {
		b.open()
	}
}

func (b *CircuitBreaker) open() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.consecutiveFail = 0
}

// Registry is a process-wide collection of circuit breakers keyed by logical
// upstream (e.g. "browserbase", "convex", or a per-host key).
type Registry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewRegistry constructs an empty registry; breakers are created lazily per key.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns (creating if necessary) the breaker for key.
func (r *Registry) Get(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = NewCircuitBreaker(r.cfg)
		r.breakers[key] = b
	}
	return b
}

// WithCircuitBreaker runs fn under key's breaker: denies immediately if the
// breaker is open or a half-open probe slot is unavailable, otherwise runs fn
// and records the outcome.
func WithCircuitBreaker(reg *Registry, key string, fn func() error) error {
	breaker := reg.Get(key)
	if err := breaker.Allow(key); err != nil {
		return err
	}
	if err := fn(); err != nil {
		breaker.RecordFailure()
		return fmt.Errorf("circuit %s: %w", key, err)
	}
	breaker.RecordSuccess()
	return nil
}
