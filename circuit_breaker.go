package indexstore

import (
	"context"
	"sync"
	"time"
)

// CircuitState is the breaker state machine position.
type CircuitState int

const (
	// CircuitClosed passes calls through and counts failures.
	CircuitClosed CircuitState = iota
	// CircuitOpen fails calls immediately until the recovery timeout.
	CircuitOpen
	// CircuitHalfOpen allows trial calls after the recovery timeout.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig configures the failure-isolation thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`

	// TripOn scopes which failures count against FailureThreshold. Nil
	// counts every failure. Out-of-scope failures still return to the
	// caller, but count as successes for state accounting: they prove
	// the guarded dependency answered.
	TripOn func(error) bool `json:"-"`
}

// DefaultCircuitBreakerConfig returns thresholds suitable for guarding
// connection acquisition.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
	}
}

// CircuitBreaker isolates a failing dependency. In the closed state
// failures increment a counter; exceeding FailureThreshold opens the
// circuit. While open, calls fail fast until RecoveryTimeout elapses,
// then the breaker moves to half-open and admits trial calls.
// SuccessThreshold consecutive successes close it again; any half-open
// failure reopens it.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{config: config}
}

// State returns the current state, applying the open→half-open
// transition if the recovery timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() CircuitState {
	if cb.state == CircuitOpen && time.Since(cb.openedAt) >= cb.config.RecoveryTimeout {
		cb.state = CircuitHalfOpen
		cb.successes = 0
	}
	return cb.state
}

// Execute runs op under the breaker. While open it returns a retryable
// CIRCUIT_OPEN error carrying the remaining recovery time, without
// invoking op.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	cb.mu.Lock()
	state := cb.stateLocked()
	if state == CircuitOpen {
		remaining := cb.config.RecoveryTimeout - time.Since(cb.openedAt)
		cb.mu.Unlock()
		e := newServiceError(ErrorTypeService, CodeCircuitOpen, "circuit breaker is open")
		e.Retryable = true
		e.RetryAfter = remaining
		return e
	}
	cb.mu.Unlock()

	err := op(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) record(err error) {
	if err != nil && cb.config.TripOn != nil && !cb.config.TripOn(err) {
		err = nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		switch cb.state {
		case CircuitHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.state = CircuitClosed
				cb.failures = 0
				cb.successes = 0
			}
		case CircuitClosed:
			cb.failures = 0
		}
		return
	}

	switch cb.state {
	case CircuitHalfOpen:
		cb.trip()
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.trip()
		}
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = CircuitOpen
	cb.openedAt = time.Now()
	cb.failures = 0
	cb.successes = 0
}

// Reset forces the breaker back to closed. Used after a successful
// manual recovery, e.g. reinitialization.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
}
