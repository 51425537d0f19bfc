package gousage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreaker defines the interface for a circuit breaker.
type CircuitBreaker interface {
	// Execute executes the given function within the circuit breaker.
	Execute(ctx context.Context, fn func() error) error
	// Success records a successful execution.
	Success()
	// Failure records a failed execution.
	Failure(err error)
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// CircuitBreakerConfig configures a DefaultCircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit (default 5)
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before allowing a probe (default 30s)
	ResetTimeout time.Duration
	// IsFailure decides whether an error counts against the breaker.
	// Defaults to every error except context cancellation.
	IsFailure func(err error) bool
	// OnStateChange is called after every transition.
	OnStateChange func(state CircuitBreakerState)
}

// DefaultCircuitBreaker is a consecutive-failure circuit breaker.
type DefaultCircuitBreaker struct {
	mu sync.RWMutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	isFailure     func(err error) bool
	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new circuit breaker, applying defaults to zero fields.
func NewDefaultCircuitBreaker(cfg CircuitBreakerConfig) *DefaultCircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		isFailure:        cfg.IsFailure,
		onStateChange:    cfg.OnStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn unless the circuit is open. While half-open only one
// probe runs at a time; concurrent callers fail fast.
func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.allow() {
		return ErrCircuitOpen
	}

	err := fn()
	switch {
	case err == nil:
		cb.Success()
	case cb.isFailure(err):
		cb.Failure(err)
	default:
		cb.mu.Lock()
		cb.probing = false
		cb.mu.Unlock()
	}
	return err
}

func (cb *DefaultCircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		return false
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		cb.changeState(StateHalfOpen)
	}
	return true
}

func (cb *DefaultCircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	cb.consecutiveFailures = 0
	cb.changeState(StateClosed)
}

func (cb *DefaultCircuitBreaker) Failure(_ error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	wasProbe := cb.probing
	cb.probing = false

	if wasProbe || cb.state == StateHalfOpen ||
		(cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold) {
		cb.openedAt = time.Now()
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// executeValue runs fn through cb and returns its value.
func executeValue[T any](ctx context.Context, cb CircuitBreaker, fn func() (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func() error {
		var e error
		out, e = fn()
		return e
	})
	return out, err
}
