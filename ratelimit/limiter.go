// Package ratelimit gates marketplace calls against external quota windows.
//
// A Limiter guards one external quota with two budgets: a daily window that
// resets at midnight UTC and an hourly window that resets at the top of the
// hour. Reserve consumes one unit from both budgets atomically, or neither.
// Window rollover is lazy: it happens on the next Reserve or Status call
// after the boundary, never via a background timer.
package ratelimit

import (
	"context"
	"time"
)

// Scope names a quota window.
type Scope string

const (
	// ScopeDaily is the midnight-to-midnight UTC window.
	ScopeDaily Scope = "daily"
	// ScopeHourly is the top-of-hour window.
	ScopeHourly Scope = "hourly"
)

// Budget is a point-in-time snapshot of one quota window.
type Budget struct {
	Scope        Scope     `json:"scope"`
	MaxUsage     int64     `json:"max_usage"`
	CurrentUsage int64     `json:"current_usage"`
	WindowStart  time.Time `json:"window_start"`
}

// UsagePercentage returns consumed quota as a percentage of the window.
func (b Budget) UsagePercentage() float64 {
	if b.MaxUsage <= 0 {
		return 0
	}
	return float64(b.CurrentUsage) / float64(b.MaxUsage) * 100
}

// Limiter is the quota gate consulted before every marketplace call.
//
// Reserve must be linearizable under concurrent callers: when multiple
// dispatchers share one external quota, the implementation must keep a
// single source of truth for the counters (see RedisLimiter).
type Limiter interface {
	// Reserve atomically checks both the daily and hourly budgets. Only
	// if both have headroom does it increment both and return true. If
	// either window is exhausted it returns false and consumes nothing.
	Reserve(ctx context.Context) (bool, error)

	// Status returns a snapshot of both budgets after applying any
	// pending window rollover.
	Status(ctx context.Context) ([]Budget, error)
}

// windowStart truncates now to the start of the scope's current window.
func windowStart(scope Scope, now time.Time) time.Time {
	now = now.UTC()
	if scope == ScopeDaily {
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	return now.Truncate(time.Hour)
}
