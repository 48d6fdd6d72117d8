package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xraph/lister/ratelimit"
)

// fakeClock is a mutable time source for driving window rollover.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func TestReserve_ExhaustsHourlyWindow(t *testing.T) {
	t.Parallel()
	clock := newClock(time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC))
	l := ratelimit.NewMemory(100, 3, ratelimit.WithClock(clock.Now))
	ctx := context.Background()

	for i := range 3 {
		ok, err := l.Reserve(ctx)
		if err != nil {
			t.Fatalf("Reserve #%d: %v", i+1, err)
		}
		if !ok {
			t.Fatalf("Reserve #%d denied before window exhausted", i+1)
		}
	}

	ok, err := l.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if ok {
		t.Fatal("Reserve allowed beyond hourly max")
	}
}

func TestReserve_DenialConsumesNothing(t *testing.T) {
	t.Parallel()
	clock := newClock(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC))

	// Hourly budget of zero: every reserve is denied, and the daily
	// counter must stay untouched.
	l := ratelimit.NewMemory(10, 0, ratelimit.WithClock(clock.Now))
	ctx := context.Background()

	ok, err := l.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if ok {
		t.Fatal("Reserve allowed with empty hourly budget")
	}

	budgets, err := l.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for _, b := range budgets {
		if b.CurrentUsage != 0 {
			t.Errorf("%s usage = %d after denied reserve, want 0", b.Scope, b.CurrentUsage)
		}
	}
}

func TestReserve_HourlyRollover(t *testing.T) {
	t.Parallel()
	clock := newClock(time.Date(2026, 3, 10, 14, 59, 0, 0, time.UTC))
	l := ratelimit.NewMemory(100, 2, ratelimit.WithClock(clock.Now))
	ctx := context.Background()

	for range 2 {
		if ok, _ := l.Reserve(ctx); !ok {
			t.Fatal("Reserve denied before window exhausted")
		}
	}
	if ok, _ := l.Reserve(ctx); ok {
		t.Fatal("Reserve allowed beyond hourly max")
	}

	// Cross the top of the hour: hourly counter resets, daily carries over.
	clock.Advance(2 * time.Minute)

	ok, err := l.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve after rollover: %v", err)
	}
	if !ok {
		t.Fatal("Reserve denied after hourly rollover")
	}

	budgets, _ := l.Status(ctx)
	for _, b := range budgets {
		switch b.Scope {
		case ratelimit.ScopeHourly:
			if b.CurrentUsage != 1 {
				t.Errorf("hourly usage = %d after rollover, want 1", b.CurrentUsage)
			}
			if !b.WindowStart.Equal(time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)) {
				t.Errorf("hourly window start = %v, want 15:00", b.WindowStart)
			}
		case ratelimit.ScopeDaily:
			if b.CurrentUsage != 3 {
				t.Errorf("daily usage = %d, want 3 (carried across the hour)", b.CurrentUsage)
			}
		}
	}
}

func TestReserve_DailyRollover(t *testing.T) {
	t.Parallel()
	clock := newClock(time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC))
	l := ratelimit.NewMemory(1, 100, ratelimit.WithClock(clock.Now))
	ctx := context.Background()

	if ok, _ := l.Reserve(ctx); !ok {
		t.Fatal("first Reserve denied")
	}
	if ok, _ := l.Reserve(ctx); ok {
		t.Fatal("Reserve allowed beyond daily max")
	}

	clock.Advance(2 * time.Minute) // past midnight

	if ok, _ := l.Reserve(ctx); !ok {
		t.Fatal("Reserve denied after daily rollover")
	}
}

func TestReserve_Concurrent(t *testing.T) {
	t.Parallel()
	clock := newClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	const max = 50
	l := ratelimit.NewMemory(max, max, ratelimit.WithClock(clock.Now))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Reserve(ctx)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != max {
		t.Fatalf("granted %d reservations, want exactly %d", granted, max)
	}
}

func TestUsagePercentage(t *testing.T) {
	t.Parallel()
	b := ratelimit.Budget{Scope: ratelimit.ScopeDaily, MaxUsage: 200, CurrentUsage: 50}
	if got := b.UsagePercentage(); got != 25 {
		t.Errorf("UsagePercentage() = %v, want 25", got)
	}

	empty := ratelimit.Budget{Scope: ratelimit.ScopeHourly}
	if got := empty.UsagePercentage(); got != 0 {
		t.Errorf("UsagePercentage() on zero max = %v, want 0", got)
	}
}
