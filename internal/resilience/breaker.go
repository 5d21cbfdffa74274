// Package resilience wraps outbound calls with retry and circuit-breaker
// protection. Every external model call in the pipeline goes through a
// Wrapper keyed by dependency name.
package resilience

import (
	"sync"
	"time"

	"github.com/bidflow/bidflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns a sensible default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for a single dependency.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerRegistry manages per-dependency circuit breakers.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a new registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

// AllowRequest checks whether a request to the given dependency is allowed.
// Returns nil if allowed, or a CIRCUIT_OPEN error if the circuit rejects it.
func (r *BreakerRegistry) AllowRequest(dependency string) error {
	cb := r.getOrCreate(dependency)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		// Check if cooldown has elapsed.
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first trial
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for %q: %d consecutive failures, cooldown remaining",
			dependency, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"dependency":           dependency,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for %q: trial request already in flight", dependency)
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess records a successful call, closing the circuit and
// resetting the failure count.
func (r *BreakerRegistry) RecordSuccess(dependency string) {
	cb := r.getOrCreate(dependency)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed call and returns the new circuit state.
func (r *BreakerRegistry) RecordFailure(dependency string) CircuitState {
	cb := r.getOrCreate(dependency)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		cb.state = CircuitOpen
		return CircuitOpen
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		return CircuitOpen
	}

	return cb.state
}

// GetState returns the current state of the circuit for a dependency.
func (r *BreakerRegistry) GetState(dependency string) CircuitState {
	cb := r.getOrCreate(dependency)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Check for automatic transition from open to half-open.
	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}

	return cb.state
}

// GetStats returns diagnostic information about a circuit breaker.
func (r *BreakerRegistry) GetStats(dependency string) map[string]any {
	cb := r.getOrCreate(dependency)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"dependency":           dependency,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

func (r *BreakerRegistry) getOrCreate(dependency string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[dependency]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[dependency] = cb
	}
	return cb
}
