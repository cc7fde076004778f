package resilience

import (
	"context"
	"time"
)

// Recovery composes a circuit breaker and a retry policy under a single
// named strategy, per spec.md §4.1's recovery manager. It has no fallback:
// the error of the last attempt is returned to the caller.
type Recovery struct {
	Name    string
	Breaker *CircuitBreaker
	Retry   *RetryPolicy
}

// Execute runs op through the retry policy, with each individual attempt
// additionally guarded by the circuit breaker.
func (r *Recovery) Execute(ctx context.Context, op Operation) error {
	return r.Retry.Execute(ctx, func(ctx context.Context) error {
		return r.Breaker.Execute(ctx, op)
	})
}

// StrategyRegistry holds the named strategies from spec.md §4.1:
// network / critical / fast / tracker / index-server.
type StrategyRegistry struct {
	strategies map[string]*Recovery
}

// NewStrategyRegistry builds the fixed set of pre-parameterized recovery
// strategies.
func NewStrategyRegistry() *StrategyRegistry {
	mk := func(name string, breaker BreakerConfig, retry RetryConfig) *Recovery {
		return &Recovery{Name: name, Breaker: NewCircuitBreaker(breaker), Retry: NewRetryPolicy(retry)}
	}

	reg := &StrategyRegistry{strategies: make(map[string]*Recovery)}

	reg.strategies["network"] = mk("network",
		BreakerConfig{FailureThreshold: 5, ResetTimeout: 10 * time.Second},
		RetryConfig{MaxAttempts: 4, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second, Strategy: ExponentialJitter})

	reg.strategies["critical"] = mk("critical",
		BreakerConfig{FailureThreshold: 3, ResetTimeout: 30 * time.Second},
		RetryConfig{MaxAttempts: 6, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 15 * time.Second, Strategy: ExponentialJitter})

	reg.strategies["fast"] = mk("fast",
		BreakerConfig{FailureThreshold: 10, ResetTimeout: 2 * time.Second},
		RetryConfig{MaxAttempts: 2, InitialBackoff: 50 * time.Millisecond, MaxBackoff: 200 * time.Millisecond, Strategy: Fixed})

	reg.strategies["tracker"] = mk("tracker",
		BreakerConfig{FailureThreshold: 5, ResetTimeout: 5 * time.Second},
		RetryConfig{MaxAttempts: 3, InitialBackoff: 250 * time.Millisecond, MaxBackoff: 3 * time.Second, Strategy: ExponentialJitter})

	reg.strategies["index-server"] = mk("index-server",
		BreakerConfig{FailureThreshold: 5, ResetTimeout: 5 * time.Second},
		RetryConfig{MaxAttempts: 3, InitialBackoff: 250 * time.Millisecond, MaxBackoff: 3 * time.Second, Strategy: ExponentialJitter})

	return reg
}

// Get returns the named strategy, or nil if unknown.
func (s *StrategyRegistry) Get(name string) *Recovery {
	return s.strategies[name]
}
