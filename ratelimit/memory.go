package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window tracks one quota window's counter.
type window struct {
	max   int64
	used  int64
	start time.Time
}

// roll resets the counter if now has crossed the window boundary.
func (w *window) roll(scope Scope, now time.Time) {
	start := windowStart(scope, now)
	if start.After(w.start) {
		w.used = 0
		w.start = start
	}
}

// MemoryLimiter is an in-process Limiter backed by mutex-guarded counters.
// Suitable when a single dispatcher owns the external quota. Safe for
// concurrent use; every Reserve is a single critical section, so the
// both-or-nothing contract holds under any interleaving.
type MemoryLimiter struct {
	mu     sync.Mutex
	daily  window
	hourly window
	now    func() time.Time
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock overrides the limiter's time source. Intended for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) { l.now = now }
}

// NewMemory creates a MemoryLimiter with the given window capacities.
func NewMemory(dailyMax, hourlyMax int64, opts ...MemoryOption) *MemoryLimiter {
	l := &MemoryLimiter{
		daily:  window{max: dailyMax},
		hourly: window{max: hourlyMax},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	now := l.now()
	l.daily.start = windowStart(ScopeDaily, now)
	l.hourly.start = windowStart(ScopeHourly, now)
	return l
}

// Reserve consumes one unit from both windows, or neither.
func (l *MemoryLimiter) Reserve(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.daily.roll(ScopeDaily, now)
	l.hourly.roll(ScopeHourly, now)

	if l.daily.used >= l.daily.max || l.hourly.used >= l.hourly.max {
		return false, nil
	}

	l.daily.used++
	l.hourly.used++
	return true, nil
}

// Status returns a snapshot of both budgets.
func (l *MemoryLimiter) Status(_ context.Context) ([]Budget, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.daily.roll(ScopeDaily, now)
	l.hourly.roll(ScopeHourly, now)

	return []Budget{
		{Scope: ScopeDaily, MaxUsage: l.daily.max, CurrentUsage: l.daily.used, WindowStart: l.daily.start},
		{Scope: ScopeHourly, MaxUsage: l.hourly.max, CurrentUsage: l.hourly.used, WindowStart: l.hourly.start},
	}, nil
}
