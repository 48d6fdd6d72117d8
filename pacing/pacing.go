// Package pacing provides pluggable spacing strategies for batch dispatch.
// All strategies are safe for concurrent use (they are stateless).
package pacing

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the pause before dispatching item n of a batch.
type Strategy interface {
	// Delay returns how long to wait before item n (1-indexed).
	// Item 1 is the first job after the batch starts.
	Delay(n int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of position.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant pacing strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Range
// ──────────────────────────────────────────────────

// Range draws a uniformly random delay from [Min, Max] for each item.
// Randomized spacing keeps schedule-driven publication from producing a
// mechanical, evenly spaced call pattern against the marketplace.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// NewRange creates a randomized pacing strategy over [minDelay, maxDelay].
func NewRange(minDelay, maxDelay time.Duration) *Range {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Range{Min: minDelay, Max: maxDelay}
}

// Delay returns a random duration in [Min, Max].
func (r *Range) Delay(_ int) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	span := r.Max - r.Min
	return r.Min + time.Duration(rand.Int64N(int64(span)+1)) //nolint:gosec // spacing jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear increases the delay linearly with the item position.
// Delay = min(Initial * n, Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear pacing strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * n, capped at Max.
func (l *Linear) Delay(n int) time.Duration {
	d := l.Initial * time.Duration(n)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each item.
// Delay = min(Initial * 2^(n-1), Max). Useful for throttle recovery when
// the marketplace starts pushing back mid-batch.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential pacing strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(n-1), capped at Max.
func (e *Exponential) Delay(n int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(n-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the default pacing used by the dispatcher:
// a constant 2s spacing between marketplace calls.
func DefaultStrategy() Strategy {
	return NewConstant(2 * time.Second)
}
