// Package circuitbreaker guards the research providers (LLM, graph) so a
// struggling upstream sheds load instead of absorbing every enrichment
// worker's retries at once.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Config struct {
	// MaxRequests caps concurrent probes while half-open.
	MaxRequests uint32
	// Interval resets the failure window while closed; zero keeps counting
	// forever.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold uint32
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold uint32
	Logger           *zap.Logger
}

// CircuitBreaker is a three-state breaker: closed until FailureThreshold
// consecutive failures, then open for Timeout, then half-open admitting up to
// MaxRequests probes until SuccessThreshold successes close it.
type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	epoch  uint64
	window window
	expiry time.Time
}

// window counts outcomes within one state generation. A state change starts a
// fresh window so stale counts never influence the next state.
type window struct {
	requests      uint32
	consecSuccess uint32
	consecFailure uint32
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}

	cb := &CircuitBreaker{name: name, cfg: cfg, logger: cfg.Logger}
	cb.resetWindow(time.Now())
	return cb
}

// Execute runs fn under the breaker. While open it fails fast with
// ErrCircuitOpen so callers fall through to their zero-confidence handling
// instead of waiting on a dead provider.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	epoch, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.settle(epoch, false)
			panic(r)
		}
	}()

	err = fn()
	cb.settle(epoch, err == nil)
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, epoch := cb.advance(now)

	if state == StateOpen {
		return epoch, ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.window.requests >= cb.cfg.MaxRequests {
		return epoch, ErrTooManyRequests
	}

	cb.window.requests++
	return epoch, nil
}

// settle records an outcome, unless the breaker changed state while the call
// was in flight; an outcome from a previous epoch says nothing about the
// current one.
func (cb *CircuitBreaker) settle(epoch uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, current := cb.advance(now)
	if current != epoch {
		return
	}

	if success {
		cb.window.consecSuccess++
		cb.window.consecFailure = 0
		if state == StateHalfOpen && cb.window.consecSuccess >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}

	cb.window.consecFailure++
	cb.window.consecSuccess = 0
	switch state {
	case StateClosed:
		if cb.window.consecFailure >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		// One failed probe is enough evidence the provider is still down.
		cb.transition(StateOpen, now)
	}
}

// advance applies any time-based transition (window expiry, open timeout)
// before reporting the state.
func (cb *CircuitBreaker) advance(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.resetWindow(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.transition(StateHalfOpen, now)
		}
	}
	return cb.state, cb.epoch
}

func (cb *CircuitBreaker) transition(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.resetWindow(now)

	if cb.logger != nil {
		cb.logger.Info("Circuit breaker state changed",
			zap.String("name", cb.name),
			zap.String("from", prev.String()),
			zap.String("to", state.String()),
		)
	}
}

func (cb *CircuitBreaker) resetWindow(now time.Time) {
	cb.epoch++
	cb.window = window{}

	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.expiry = now.Add(cb.cfg.Interval)
		} else {
			cb.expiry = time.Time{}
		}
	case StateOpen:
		cb.expiry = now.Add(cb.cfg.Timeout)
	default:
		cb.expiry = time.Time{}
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.advance(time.Now())
	return state
}
