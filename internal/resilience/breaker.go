// Package resilience implements the circuit breaker, retry policy,
// connection pool, cache, and task pool primitives consumed by the
// tracker, index server, and peer clients.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when a call is rejected without invoking the
// underlying operation because the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// FailurePredicate decides whether an error returned by the guarded
// operation should count toward tripping the breaker.
type FailurePredicate func(error) bool

// BreakerConfig parameterizes a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int           // N
	ResetTimeout     time.Duration // T
	SuccessThreshold int           // K, successes required in HALF_OPEN, default 1
	IsFailure        FailurePredicate
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	return c
}

// CircuitBreaker guards a callable against a failing dependency. All state
// transitions are serialized under a single mutex so that a CLOSED->OPEN
// trip is never observed as two independent trips by concurrent callers.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	consecutiveOK   int
	tripTime        time.Time
	probeInFlight   bool
}

// NewCircuitBreaker constructs a breaker starting in the CLOSED state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), state: Closed}
}

// State returns the breaker's current state, resolving an expired OPEN
// window to HALF_OPEN as a side-effect-free read (the actual probe
// admission still happens inside Execute).
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

func (b *CircuitBreaker) currentStateLocked() BreakerState {
	if b.state == Open && time.Since(b.tripTime) >= b.cfg.ResetTimeout {
		return HalfOpen
	}
	return b.state
}

// allow decides whether a call may proceed, admitting exactly one probe
// when transitioning from OPEN to HALF_OPEN.
func (b *CircuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	case Open:
		if time.Since(b.tripTime) >= b.cfg.ResetTimeout {
			b.state = HalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	default:
		return false
	}
}

func (b *CircuitBreaker) onResult(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counted := b.cfg.IsFailure(err)

	switch b.state {
	case HalfOpen:
		b.probeInFlight = false
		if counted {
			b.state = Open
			b.tripTime = time.Now()
			b.consecutiveFail = 0
			b.consecutiveOK = 0
			return
		}
		b.consecutiveOK++
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.consecutiveFail = 0
			b.consecutiveOK = 0
		}
	case Closed:
		if !counted {
			b.consecutiveFail = 0
			return
		}
		b.consecutiveFail++
		if b.consecutiveFail >= b.cfg.FailureThreshold {
			b.state = Open
			b.tripTime = time.Now()
			b.consecutiveFail = 0
		}
	case Open:
		// A call slipped through a race between allow() and onResult();
		// treat it the same as a HALF_OPEN probe result.
		b.probeInFlight = false
		if counted {
			b.tripTime = time.Now()
		} else {
			b.consecutiveOK++
			if b.consecutiveOK >= b.cfg.SuccessThreshold {
				b.state = Closed
				b.consecutiveOK = 0
			}
		}
	}
}

// Operation is a guarded unit of work.
type Operation func(ctx context.Context) error

// Execute runs op if the breaker admits the call, translating a rejected
// call into ErrCircuitOpen.
func (b *CircuitBreaker) Execute(ctx context.Context, op Operation) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := op(ctx)
	b.onResult(err)
	return err
}

// ExecuteWithFallback runs op if the breaker admits the call; otherwise, or
// on failure, it returns fallback()'s value instead of propagating an
// error.
func ExecuteWithFallback[T any](ctx context.Context, b *CircuitBreaker, op func(ctx context.Context) (T, error), fallback func() T) T {
	if !b.allow() {
		return fallback()
	}
	v, err := op(ctx)
	b.onResult(err)
	if err != nil {
		return fallback()
	}
	return v
}
