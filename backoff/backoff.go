// Package backoff provides pluggable retry delay strategies for step execution.
// All strategies are safe for concurrent use (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/fluvius-io/fluvius-interim/definition"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// capAt bounds d at limit when limit is positive.
func capAt(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// doubling computes initial * 2^(attempt-1) without overflow concerns for
// realistic attempt counts.
func doubling(initial time.Duration, attempt int) time.Duration {
	return time.Duration(float64(initial) * math.Pow(2, float64(attempt-1)))
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant waits the same interval before every retry.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear grows the delay by Initial with each attempt, up to Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	return capAt(l.Initial*time.Duration(attempt), l.Max)
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay on each attempt, up to Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return capAt(doubling(e.Initial, attempt), e.Max)
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter draws a uniform delay in [0, base) where base is
// the capped exponential delay. Full jitter spreads out retries that would
// otherwise fire together.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := capAt(doubling(e.Initial, attempt), e.Max)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Default and policy mapping
// ──────────────────────────────────────────────────

// DefaultStrategy returns the default backoff used by the engine:
// ExponentialWithJitter with 1s initial and 1m max.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(1*time.Second, 1*time.Minute)
}

// FromPolicy maps a node's declared retry policy to a strategy.
// A nil policy or an unrecognized kind falls back to DefaultStrategy.
func FromPolicy(p *definition.RetryPolicy) Strategy {
	if p == nil {
		return DefaultStrategy()
	}
	delay := time.Duration(p.DelaySeconds) * time.Second
	if delay <= 0 {
		delay = time.Second
	}
	switch p.Policy {
	case definition.RetryFixed:
		return NewConstant(delay)
	case definition.RetryBackoff:
		return NewExponentialWithJitter(delay, 5*time.Minute)
	default:
		return DefaultStrategy()
	}
}
