// Package circuitbreaker guards the remote embedding API. When the managed
// endpoint degrades, the breaker opens so the strategy manager can fall back
// to the local embedder without waiting out timeouts on every request.
package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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

// Errors returned when execution is refused.
var (
	ErrCircuitOpen  = errors.New("circuit breaker is open")
	ErrHalfOpenBusy = errors.New("half-open probe already in flight")
)

// Config holds breaker tuning.
type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// OnStateChange is invoked on every transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the policy used for the remote embedding client.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker is a lock-free three-state breaker.
type CircuitBreaker struct {
	config *Config

	state           int32
	lastFailureTime int64

	consecutiveFailures  int32
	consecutiveSuccesses int32
	halfOpenInFlight     int32

	totalRequests   int64
	totalFailures   int64
	totalRejections int64
}

// New creates a breaker in the closed state.
func New(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &CircuitBreaker{config: config, state: int32(StateClosed)}
}

// Execute runs fn under breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		atomic.AddInt64(&cb.totalRejections, 1)
		return err
	}

	atomic.AddInt64(&cb.totalRequests, 1)
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	switch cb.State() {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.openTimeoutElapsed() {
			cb.transition(StateHalfOpen)
			return cb.admitHalfOpen()
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		return cb.admitHalfOpen()
	default:
		return ErrCircuitOpen
	}
}

// admitHalfOpen allows a single probe request at a time.
func (cb *CircuitBreaker) admitHalfOpen() error {
	if atomic.AddInt32(&cb.halfOpenInFlight, 1) > 1 {
		atomic.AddInt32(&cb.halfOpenInFlight, -1)
		return ErrHalfOpenBusy
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	state := cb.State()
	if state == StateHalfOpen {
		defer atomic.AddInt32(&cb.halfOpenInFlight, -1)
	}

	if err != nil {
		atomic.AddInt64(&cb.totalFailures, 1)
		atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())
		switch state {
		case StateClosed:
			if atomic.AddInt32(&cb.consecutiveFailures, 1) >= int32(cb.config.FailureThreshold) {
				cb.transition(StateOpen)
			}
		case StateHalfOpen:
			cb.transition(StateOpen)
		case StateOpen:
		}
		return
	}

	switch state {
	case StateClosed:
		atomic.StoreInt32(&cb.consecutiveFailures, 0)
	case StateHalfOpen:
		if atomic.AddInt32(&cb.consecutiveSuccesses, 1) >= int32(cb.config.SuccessThreshold) {
			cb.transition(StateClosed)
		}
	case StateOpen:
	}
}

func (cb *CircuitBreaker) openTimeoutElapsed() bool {
	last := atomic.LoadInt64(&cb.lastFailureTime)
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) >= cb.config.Timeout
}

func (cb *CircuitBreaker) transition(newState State) {
	oldState := State(atomic.SwapInt32(&cb.state, int32(newState)))
	if oldState == newState {
		return
	}
	switch newState {
	case StateClosed:
		atomic.StoreInt32(&cb.consecutiveFailures, 0)
		atomic.StoreInt32(&cb.consecutiveSuccesses, 0)
	case StateOpen:
		atomic.StoreInt32(&cb.consecutiveSuccesses, 0)
	case StateHalfOpen:
		atomic.StoreInt32(&cb.consecutiveSuccesses, 0)
		atomic.StoreInt32(&cb.halfOpenInFlight, 0)
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(oldState, newState)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	return State(atomic.LoadInt32(&cb.state))
}

// Stats holds breaker counters.
type Stats struct {
	State           State
	TotalRequests   int64
	TotalFailures   int64
	TotalRejections int64
}

// GetStats returns a snapshot of the counters.
func (cb *CircuitBreaker) GetStats() Stats {
	return Stats{
		State:           cb.State(),
		TotalRequests:   atomic.LoadInt64(&cb.totalRequests),
		TotalFailures:   atomic.LoadInt64(&cb.totalFailures),
		TotalRejections: atomic.LoadInt64(&cb.totalRejections),
	}
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	atomic.StoreInt32(&cb.state, int32(StateClosed))
	atomic.StoreInt32(&cb.consecutiveFailures, 0)
	atomic.StoreInt32(&cb.consecutiveSuccesses, 0)
	atomic.StoreInt32(&cb.halfOpenInFlight, 0)
	atomic.StoreInt64(&cb.lastFailureTime, 0)
}
