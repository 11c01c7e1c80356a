package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/crewforge/crewforge/core"
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

// ErrCircuitOpen is returned when the breaker rejects a call outright.
var ErrCircuitOpen = core.NewFrameworkError("resilience.CircuitBreaker", core.KindRateLimit, core.ErrRequestFailed)

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// Name identifies this breaker in logs.
	Name string
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration
	// HalfOpenMaxRequests bounds concurrent probes while half-open.
	HalfOpenMaxRequests int
	// SuccessThreshold consecutive half-open successes close the circuit.
	SuccessThreshold int

	Logger core.Logger
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:                name,
		FailureThreshold:    5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
		SuccessThreshold:    2,
	}
}

// CircuitBreaker protects a downstream dependency from being hammered
// while it is failing. Closed passes everything through; after
// FailureThreshold consecutive failures the circuit opens and rejects
// calls until RecoveryTimeout elapses, then a bounded number of half-open
// probes decide whether to close again.
type CircuitBreaker struct {
	mu sync.Mutex

	name   string
	config CircuitBreakerConfig
	logger core.Logger

	state            CircuitState
	consecutiveFails int
	halfOpenSuccess  int
	halfOpenInFlight int
	openedAt         time.Time
}

// NewCircuitBreaker creates a CircuitBreaker.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/resilience")
	}
	return &CircuitBreaker{
		name:   config.Name,
		config: *config,
		logger: logger,
		state:  StateClosed,
	}
}

// Execute runs fn if the circuit admits the call, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.CanExecute() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// CanExecute reports whether a call may proceed, transitioning the state
// machine as a side effect (open -> half-open after the recovery timeout,
// half-open probe accounting).
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) < cb.config.RecoveryTimeout {
			return false
		}
		cb.transitionLocked(StateHalfOpen)
		cb.halfOpenInFlight = 1
		return true
	default: // StateHalfOpen
		if cb.halfOpenInFlight >= cb.config.HalfOpenMaxRequests {
			return false
		}
		cb.halfOpenInFlight++
		return true
	}
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails = 0
	if cb.state == StateHalfOpen {
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.config.SuccessThreshold {
			cb.transitionLocked(StateClosed)
		}
	}
}

// RecordFailure notes a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++
	switch cb.state {
	case StateHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		cb.transitionLocked(StateOpen)
	case StateClosed:
		if cb.consecutiveFails >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed with counters cleared.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
}

func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	switch newState {
	case StateOpen:
		cb.openedAt = time.Now()
		cb.halfOpenSuccess = 0
	case StateClosed:
		cb.consecutiveFails = 0
		cb.halfOpenSuccess = 0
		cb.halfOpenInFlight = 0
	case StateHalfOpen:
		cb.halfOpenSuccess = 0
	}
	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"circuit_breaker": cb.name,
		"from":            old.String(),
		"to":              newState.String(),
	})
}
