// Package circuitbreaker guards calls to external dependencies, failing fast
// after repeated failures and re-probing after a cooldown.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/media-vault/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the dependency has recovered
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTrialInFlight is returned when the half-open trial call is already taken
var ErrTrialInFlight = errors.New("half-open trial call already in flight")

// Config configures a circuit breaker
type Config struct {
	Name             string
	FailureThreshold int
	Cooldown         time.Duration
	// IgnoredErrors are matched with errors.Is and treated as successful
	// round trips: the dependency answered, the answer just carried a
	// business condition (rate limiting, a missing resource). They never
	// count toward the failure threshold and they close a half-open circuit.
	IgnoredErrors []error
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern for one dependency.
// Each flaky dependency gets its own instance so one failing service does not
// fail-fast calls to a healthy one.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	cooldown         time.Duration
	ignoredErrors    []error

	mu              sync.Mutex
	state           State
	failures        int
	trialInFlight   bool
	lastFailureTime time.Time
	lastStateChange time.Time

	// clock is overridable for tests
	clock func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	threshold := config.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := config.Cooldown
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}

	return &CircuitBreaker{
		name:             config.Name,
		failureThreshold: threshold,
		cooldown:         cooldown,
		ignoredErrors:    config.IgnoredErrors,
		state:            StateClosed,
		lastStateChange:  time.Now(),
		clock:            time.Now,
	}
}

// Execute executes a function with circuit breaker protection. When the
// circuit is open and the cooldown has not elapsed, the function is never
// attempted.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	cb.afterRequest(err)

	return err
}

// beforeRequest checks if a request can be executed
func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if cb.clock().Sub(cb.lastStateChange) >= cb.cooldown {
			cb.setState(StateHalfOpen)
			cb.trialInFlight = true
			logging.WithFields(map[string]interface{}{
				"circuitBreaker": cb.name,
				"state":          StateHalfOpen,
			}).Info("Circuit breaker transitioning to half-open")
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		// Exactly one trial call is allowed while half-open.
		if cb.trialInFlight {
			return ErrTrialInFlight
		}
		cb.trialInFlight = true
		return nil

	default:
		return nil
	}
}

// afterRequest records the result of a request
func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialInFlight = false

	if err != nil && !cb.isIgnored(err) {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

// isIgnored reports whether the error is a configured business condition
// rather than a dependency failure
func (cb *CircuitBreaker) isIgnored(err error) bool {
	for _, target := range cb.ignoredErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// onSuccess resets the breaker: a success in any state closes the circuit
func (cb *CircuitBreaker) onSuccess() {
	if cb.state != StateClosed {
		logging.WithFields(map[string]interface{}{
			"circuitBreaker": cb.name,
			"state":          StateClosed,
		}).Info("Circuit breaker closed after successful call")
	}
	cb.setState(StateClosed)
	cb.failures = 0
}

// onFailure counts the failure and opens the circuit at the threshold
func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailureTime = cb.clock()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			cb.setState(StateOpen)
			logging.WithFields(map[string]interface{}{
				"circuitBreaker": cb.name,
				"state":          StateOpen,
				"failures":       cb.failures,
			}).Warn("Circuit breaker opened due to consecutive failures")
		}

	case StateHalfOpen:
		// A failed trial reopens the circuit for another cooldown.
		cb.setState(StateOpen)
		logging.WithFields(map[string]interface{}{
			"circuitBreaker": cb.name,
			"state":          StateOpen,
		}).Warn("Circuit breaker reopened after failure in half-open state")
	}
}

func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}
	cb.state = state
	cb.lastStateChange = cb.clock()
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	LastFailureTime time.Time `json:"lastFailureTime"`
	LastStateChange time.Time `json:"lastStateChange"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() *Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return &Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0

	logging.WithField("circuitBreaker", cb.name).Info("Circuit breaker manually reset")
}

// SetClock overrides the time source. Used by tests to step through cooldowns.
func (cb *CircuitBreaker) SetClock(clock func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.clock = clock
}

// Manager holds one circuit breaker per named dependency
type Manager struct {
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
}

// NewManager creates a new circuit breaker manager
func NewManager() *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
	}
}

// GetOrCreate gets an existing circuit breaker or creates a new one
func (m *Manager) GetOrCreate(name string, config *Config) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists := m.breakers[name]; exists {
		return cb
	}

	if config == nil {
		config = DefaultConfig(name)
	}

	cb := NewCircuitBreaker(config)
	m.breakers[name] = cb

	return cb
}

// Get retrieves a circuit breaker by name
func (m *Manager) Get(name string) (*CircuitBreaker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if cb, exists := m.breakers[name]; exists {
		return cb, nil
	}

	return nil, fmt.Errorf("circuit breaker '%s' not found", name)
}

// GetAllStats returns statistics for all circuit breakers
func (m *Manager) GetAllStats() map[string]*Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*Stats)
	for name, cb := range m.breakers {
		result[name] = cb.GetStats()
	}

	return result
}
