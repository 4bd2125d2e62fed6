package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"colloquy/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultFailureThreshold uint32        = 5
	defaultResetTimeout     time.Duration = 60 * time.Second
	defaultHalfOpenRequests uint32        = 1
)

// BreakerState is the externally visible circuit state.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold uint32 `yaml:"failure_threshold"`
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	// HalfOpenRequests bounds the probes admitted while half-open; that many
	// consecutive successes close the circuit again.
	HalfOpenRequests uint32 `yaml:"half_open_requests"`
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = defaultResetTimeout
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = defaultHalfOpenRequests
	}
	return c
}

// Fallback produces a substitute result when the circuit refuses a call.
// It receives the refusal reason (always wrapping domain.ErrCircuitOpen).
type Fallback[T any] func(reason error) (T, error)

// CircuitBreaker guards a single upstream dependency. Instances are never
// shared between dependencies.
type CircuitBreaker[T any] struct {
	name   string
	cfg    BreakerConfig
	logger *slog.Logger

	mu          sync.RWMutex
	breaker     *gobreaker.CircuitBreaker[T]
	lastFailure time.Time
}

// NewCircuitBreaker creates a breaker named after the dependency it guards.
// Zero-valued config fields fall back to defaults.
func NewCircuitBreaker[T any](name string, cfg BreakerConfig, logger *slog.Logger) *CircuitBreaker[T] {
	cb := &CircuitBreaker[T]{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
	cb.breaker = cb.newBreaker()
	return cb
}

func (cb *CircuitBreaker[T]) newBreaker() *gobreaker.CircuitBreaker[T] {
	threshold := cb.cfg.FailureThreshold
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        cb.name,
		MaxRequests: cb.cfg.HalfOpenRequests,
		Interval:    0, // counts only reset on success or state change
		Timeout:     cb.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", toBreakerState(from),
				"to", toBreakerState(to),
			)
		},
		// A caller giving up says nothing about the dependency's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// Name returns the guarded dependency's name.
func (cb *CircuitBreaker[T]) Name() string { return cb.name }

// Execute runs fn through the circuit. When the circuit is open, or the
// half-open probe quota is exhausted, fn is not invoked: fallback is used if
// supplied, otherwise an error wrapping domain.ErrCircuitOpen is returned.
func (cb *CircuitBreaker[T]) Execute(ctx context.Context, fn func(context.Context) (T, error), fallback Fallback[T]) (T, error) {
	cb.mu.RLock()
	br := cb.breaker
	cb.mu.RUnlock()

	result, err := br.Execute(func() (T, error) {
		return fn(ctx)
	})
	if err == nil {
		return result, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		reason := fmt.Errorf("%s: %w (%v)", cb.name, domain.ErrCircuitOpen, err)
		if fallback != nil {
			cb.logger.Debug("circuit refused call, using fallback", "breaker", cb.name, "reason", err)
			return fallback(reason)
		}
		var zero T
		return zero, reason
	}

	cb.mu.Lock()
	cb.lastFailure = time.Now()
	cb.mu.Unlock()
	return result, err
}

// State returns the current circuit state.
func (cb *CircuitBreaker[T]) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return toBreakerState(cb.breaker.State())
}

// Counts returns the current failure/success counters for monitoring.
func (cb *CircuitBreaker[T]) Counts() gobreaker.Counts {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breaker.Counts()
}

// LastFailure returns when the guarded dependency last failed.
func (cb *CircuitBreaker[T]) LastFailure() time.Time {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.lastFailure
}

// Reset forces the circuit closed and clears all counters.
func (cb *CircuitBreaker[T]) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.breaker = cb.newBreaker()
	cb.lastFailure = time.Time{}
	cb.logger.Info("circuit breaker reset", "breaker", cb.name)
}

func toBreakerState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
