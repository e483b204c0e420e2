// Package resilience provides the failure-handling primitives used by the
// agent transport: a consecutive-failure circuit breaker, a fixed-window
// rate limiter, and retry with exponential backoff.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fastapi-guard/guard-agent/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector receives circuit breaker events for monitoring
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier determines which errors count toward the failure threshold
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure errors and ignores caller
// cancellation and local misconfiguration.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if core.IsConfigurationError(err) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs and metrics
	Name string

	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int

	// RecoveryTimeout is how long to wait in open state before probing
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls limits concurrent probe requests in half-open state
	HalfOpenMaxCalls int

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for state change events
	Logger core.Logger

	// Metrics collector for monitoring
	Metrics MetricsCollector
}

// DefaultCircuitBreakerConfig returns the production defaults
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 1,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// Validate checks the configuration for usable values
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery timeout must be positive, got %v", c.RecoveryTimeout)
	}
	if c.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("half-open max calls must be at least 1, got %d", c.HalfOpenMaxCalls)
	}
	return nil
}

// CircuitBreaker trips after a run of consecutive failures and recovers
// through a limited half-open probe. A single success while probing closes
// the circuit; a single failure reopens it.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	halfOpenInFlight    int
	openedAt            time.Time

	totalSuccesses uint64
	totalFailures  uint64
	totalRejected  uint64
}

// NewCircuitBreaker creates a circuit breaker from the given configuration.
// A nil config uses the defaults.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", core.ErrInvalidConfiguration)
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}, nil
}

// Execute runs fn under circuit breaker protection. When the circuit is
// open, or half-open with no probe slots left, it fails fast with
// ErrCircuitBreakerOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	halfOpen, allowed := cb.startExecution()
	if !allowed {
		cb.mu.Lock()
		cb.totalRejected++
		cb.mu.Unlock()
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return fmt.Errorf("circuit breaker %q is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}

	err := fn()
	cb.completeExecution(halfOpen, err)
	return err
}

// startExecution decides whether a call may proceed. It returns whether the
// call runs as a half-open probe and whether it is allowed at all.
func (cb *CircuitBreaker) startExecution() (halfOpen bool, allowed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, true

	case StateOpen:
		if time.Since(cb.openedAt) < cb.config.RecoveryTimeout {
			return false, false
		}
		cb.transitionLocked(StateHalfOpen)
		fallthrough

	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenMaxCalls {
			return false, false
		}
		cb.halfOpenInFlight++
		return true, true

	default:
		return false, false
	}
}

// completeExecution records the call outcome and drives state transitions
func (cb *CircuitBreaker) completeExecution(halfOpen bool, err error) {
	countsAsFailure := err != nil && cb.config.ErrorClassifier(err)

	cb.mu.Lock()
	if halfOpen {
		cb.halfOpenInFlight--
	}

	switch {
	case err == nil:
		cb.totalSuccesses++
		cb.consecutiveFailures = 0
		if cb.state == StateHalfOpen {
			cb.transitionLocked(StateClosed)
		}

	case countsAsFailure:
		cb.totalFailures++
		cb.consecutiveFailures++
		if cb.state == StateHalfOpen {
			cb.transitionLocked(StateOpen)
		} else if cb.state == StateClosed && cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	}
	cb.mu.Unlock()

	if err == nil {
		cb.config.Metrics.RecordSuccess(cb.config.Name)
	} else if countsAsFailure {
		cb.config.Metrics.RecordFailure(cb.config.Name, fmt.Sprintf("%T", err))
	}
}

// transitionLocked changes state. The mutex must be held.
func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.state = newState
	switch newState {
	case StateOpen:
		cb.openedAt = time.Now()
	case StateHalfOpen:
		cb.halfOpenInFlight = 0
	case StateClosed:
		cb.consecutiveFailures = 0
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"name":                 cb.config.Name,
		"from":                 oldState.String(),
		"to":                   newState.String(),
		"consecutive_failures": cb.consecutiveFailures,
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), newState.String())
}

// State returns the current state name
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// An expired open state reads as half-open: the next call will probe.
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.config.RecoveryTimeout {
		return StateHalfOpen.String()
	}
	return cb.state.String()
}

// Stats returns a snapshot of breaker counters for status reporting
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]interface{}{
		"name":                 cb.config.Name,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"total_successes":      cb.totalSuccesses,
		"total_failures":       cb.totalFailures,
		"total_rejected":       cb.totalRejected,
	}
}

// Reset returns the breaker to closed and clears failure tracking
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.halfOpenInFlight = 0

	if oldState != StateClosed {
		cb.config.Logger.Info("Circuit breaker reset", map[string]interface{}{
			"name":           cb.config.Name,
			"previous_state": oldState.String(),
		})
		cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), StateClosed.String())
	}
}
