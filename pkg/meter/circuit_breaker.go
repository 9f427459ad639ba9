package meter

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

// CircuitBreaker defines the interface for a circuit breaker.
type CircuitBreaker interface {
	// Execute runs fn unless the breaker is open.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// CircuitBreakerConfig configures DefaultCircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Defaults to 5.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before letting a probe
	// through. Defaults to 30s.
	ResetTimeout time.Duration
	// OnStateChange is called with the breaker lock held; it must not call
	// back into the breaker.
	OnStateChange func(state CircuitBreakerState)
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// DefaultCircuitBreaker is a consecutive-failure circuit breaker. In the
// half-open state exactly one probe call is let through at a time.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	config CircuitBreakerConfig
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *DefaultCircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &DefaultCircuitBreaker{state: StateClosed, config: config}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.config.Clock().Sub(cb.openedAt) >= cb.config.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn and records its result. Calls cancelled by their caller and
// rejected windows neither open nor close the breaker.
func (cb *DefaultCircuitBreaker) Execute(_ context.Context, fn func() error) error {
	if !cb.acquire() {
		return ErrCircuitOpen
	}

	err := fn()
	switch {
	case err == nil:
		cb.onSuccess()
	case errors.Is(err, context.Canceled), errors.Is(err, ErrInvalidWindow):
		cb.release()
	default:
		cb.onFailure()
	}
	return err
}

func (cb *DefaultCircuitBreaker) acquire() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.config.Clock().Sub(cb.openedAt) < cb.config.ResetTimeout {
			return false
		}
		cb.changeState(StateHalfOpen)
		cb.probing = true
		return true
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

func (cb *DefaultCircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

func (cb *DefaultCircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	cb.consecutiveFailures = 0
	cb.changeState(StateClosed)
}

func (cb *DefaultCircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	cb.consecutiveFailures++

	if cb.state == StateHalfOpen ||
		(cb.state == StateClosed && cb.consecutiveFailures >= cb.config.FailureThreshold) {
		cb.openedAt = cb.config.Clock()
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}
	cb.state = newState
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(newState)
	}
}

// CircuitBreakerStore wraps a CounterStore with circuit breaker protection.
type CircuitBreakerStore struct {
	store CounterStore
	cb    CircuitBreaker
}

// NewCircuitBreakerStore creates a store wrapper guarded by cb.
func NewCircuitBreakerStore(store CounterStore, cb CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{store: store, cb: cb}
}

func (s *CircuitBreakerStore) IncrementAndGet(ctx context.Context, subject, window string,
	ttl time.Duration) (Counter, error) {
	var counter Counter
	err := s.cb.Execute(ctx, func() error {
		var e error
		counter, e = s.store.IncrementAndGet(ctx, subject, window, ttl)
		return e
	})
	return counter, err
}

func (s *CircuitBreakerStore) Peek(ctx context.Context, subject, window string) (Counter, bool, error) {
	var (
		counter Counter
		ok      bool
	)
	err := s.cb.Execute(ctx, func() error {
		var e error
		counter, ok, e = s.store.Peek(ctx, subject, window)
		return e
	})
	return counter, ok, err
}
