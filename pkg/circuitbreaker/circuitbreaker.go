// Package circuitbreaker implements the generic Closed/Open/HalfOpen circuit
// breaker reused by the messaging layer and the task-readiness fallback
// poller. It wraps sony/gobreaker's counting engine behind the three named
// states and a Call/CallValue closure API that reports every rejection as
// the single ErrOpen, so callers that need to distinguish "rejected by
// the breaker" from "the call itself failed" (spec's CircuitBreakerOpen
// error kind) can do so without inspecting gobreaker's error values.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State mirrors the three-state machine spec.md §4.12 describes.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config configures one breaker instance. FailureThreshold is the number of
// *consecutive* failures (not a failure rate) that trips Closed -> Open.
// SuccessThreshold is the number of consecutive successes in HalfOpen that
// closes the breaker again; any single HalfOpen failure reopens it.
type Config struct {
	Name             string
	FailureThreshold uint32
	SuccessThreshold uint32
	Timeout          time.Duration
}

// DefaultConfig matches the orchestrator's documented defaults: 5
// consecutive failures to open, 2 consecutive probe successes to close, 30s
// before the first half-open probe is allowed.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker is a named, independently-tripped breaker instance.
type CircuitBreaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker[any]
	mu     sync.RWMutex
	trips  uint64
}

// New builds a breaker from cfg. ReadyToTrip counts consecutive failures
// only (gobreaker.Counts.ConsecutiveFailures), matching spec.md §4.12's
// "opens after exactly failure_threshold consecutive failures" invariant
// rather than gobreaker's default failure-rate heuristic.
func New(cfg Config) *CircuitBreaker {
	c := &CircuitBreaker{name: cfg.Name}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				c.mu.Lock()
				c.trips++
				c.mu.Unlock()
			}
		},
	}
	c.cb = gobreaker.NewCircuitBreaker[any](settings)
	return c
}

// Name returns the breaker's configured name, used as a log/metric label.
func (c *CircuitBreaker) Name() string { return c.name }

// State returns the breaker's current state.
func (c *CircuitBreaker) State() State {
	switch c.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Trips returns the number of times this breaker has transitioned into Open.
func (c *CircuitBreaker) Trips() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trips
}

// ErrOpen is returned by Call (never wrapped) when the breaker rejects the
// call outright; callers translate this into the orchestrator's
// CircuitBreakerOpen error kind.
var ErrOpen = fmt.Errorf("circuit breaker open")

// Call runs fn through the breaker. If the breaker is Open (or HalfOpen with
// its probe slot exhausted), fn never runs and Call returns ErrOpen.
func (c *CircuitBreaker) Call(fn func() error) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return ErrOpen
	}
	return err
}

// CallValue is Call's generic counterpart for operations that return a
// value alongside an error (e.g. a queue receive).
func CallValue[T any](c *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := c.cb.Execute(func() (any, error) {
		return fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return zero, ErrOpen
	}
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}
