package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// BackoffStrategy selects how the delay between attempts grows.
type BackoffStrategy int

const (
	Fixed BackoffStrategy = iota
	Linear
	Exponential
	ExponentialJitter
)

// RetryableError is satisfied by failures that carry a server-suggested
// minimum delay before the next attempt (e.g. a rate-limit hint).
type RetryableError interface {
	error
	RetryAfter() time.Duration
}

// RetryPredicate decides whether a failed attempt should be retried.
type RetryPredicate func(error) bool

// RetryConfig parameterizes a RetryPolicy.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Strategy       BackoffStrategy
	ShouldRetry    RetryPredicate
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = func(error) bool { return true }
	}
	return c
}

// RetryPolicy wraps a callable with bounded, backed-off retries.
type RetryPolicy struct {
	cfg RetryConfig
}

// NewRetryPolicy constructs a RetryPolicy from cfg.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	return &RetryPolicy{cfg: cfg.withDefaults()}
}

// ErrCancelled is returned when ctx is cancelled between attempts.
var ErrCancelled = errors.New("retry: cancelled")

// backoffFor returns the delay to use before attempt number n (1-indexed,
// the delay preceding attempt n+1).
func (p *RetryPolicy) backoffFor(n int) time.Duration {
	var d time.Duration
	switch p.cfg.Strategy {
	case Fixed:
		d = p.cfg.InitialBackoff
	case Linear:
		d = p.cfg.InitialBackoff * time.Duration(n)
	case Exponential, ExponentialJitter:
		d = p.cfg.InitialBackoff
		for i := 1; i < n; i++ {
			d *= 2
			if d >= p.cfg.MaxBackoff {
				d = p.cfg.MaxBackoff
				break
			}
		}
		if p.cfg.Strategy == ExponentialJitter {
			factor := 0.5 + rand.Float64() // uniform in [0.5, 1.5]
			d = time.Duration(float64(d) * factor)
		}
	}
	if d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}
	return d
}

// Execute runs op up to MaxAttempts times, sleeping between attempts
// according to the configured strategy. It honors ctx cancellation
// immediately between attempts (not mid-attempt, which is op's own
// responsibility). If a failure implements RetryableError, the computed
// backoff is widened to at least its RetryAfter() hint.
func (p *RetryPolicy) Execute(ctx context.Context, op Operation) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.cfg.ShouldRetry(lastErr) {
			return lastErr
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}
		d := p.backoffFor(attempt)
		var re RetryableError
		if errors.As(lastErr, &re) {
			if hint := re.RetryAfter(); hint > d {
				d = hint
			}
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ErrCancelled
		case <-timer.C:
		}
	}
	return lastErr
}
