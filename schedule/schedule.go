// Package schedule defines recurring publication triggers and the loop
// that fires them.
//
// A schedule periodically promotes queued catalog entries into the
// dispatch pipeline. The trigger-time arithmetic lives in NextExecution,
// a pure function, so it can be tested without a store or a clock.
package schedule

import (
	"fmt"
	"time"

	"github.com/xraph/lister"
	"github.com/xraph/lister/id"
)

// Frequency names a recurrence rule.
type Frequency string

const (
	// FrequencyDaily fires once per day at (Hour, Minute).
	FrequencyDaily Frequency = "daily"
	// FrequencyWeekly fires on each weekday in DaysOfWeek at (Hour, Minute).
	FrequencyWeekly Frequency = "weekly"
	// FrequencyMonthly fires on DayOfMonth each month at (Hour, Minute).
	FrequencyMonthly Frequency = "monthly"
	// FrequencyCron fires per a cron Expression ("*/5 * * * *", "@every 30m").
	FrequencyCron Frequency = "cron"
)

// Schedule is a recurring trigger definition.
type Schedule struct {
	lister.Entity

	ID        id.ScheduleID `json:"id"`
	Name      string        `json:"name"`
	Frequency Frequency     `json:"frequency"`

	// Hour and Minute give the UTC wall-clock firing time for the
	// daily/weekly/monthly frequencies.
	Hour   int `json:"hour"`
	Minute int `json:"minute"`

	// DaysOfWeek lists the target weekdays for the weekly frequency.
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`

	// DayOfMonth is the target day for the monthly frequency. When the
	// target month is shorter, the firing clamps to its last day.
	DayOfMonth int `json:"day_of_month,omitempty"`

	// Expression is the cron expression for the cron frequency.
	Expression string `json:"expression,omitempty"`

	// NextExecutionAt is the next firing time. Recomputed from the
	// actual fire time immediately after each firing, never from the
	// stale target, so delayed firings cannot accumulate drift.
	NextExecutionAt *time.Time `json:"next_execution_at,omitempty"`

	// ItemMin and ItemMax bound how many queued entries one firing
	// promotes into the pipeline; the count is drawn uniformly.
	ItemMin int `json:"item_min"`
	ItemMax int `json:"item_max"`

	// IntervalMin and IntervalMax bound the randomized pause between
	// items dispatched by this schedule's firing.
	IntervalMin time.Duration `json:"interval_min"`
	IntervalMax time.Duration `json:"interval_max"`

	Active      bool       `json:"active"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// Validate checks the recurrence definition for internal consistency.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule: name is required")
	}
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("schedule %q: hour %d out of range", s.Name, s.Hour)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("schedule %q: minute %d out of range", s.Name, s.Minute)
	}

	switch s.Frequency {
	case FrequencyDaily:
	case FrequencyWeekly:
		if len(s.DaysOfWeek) == 0 {
			return fmt.Errorf("schedule %q: weekly frequency needs at least one weekday", s.Name)
		}
	case FrequencyMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return fmt.Errorf("schedule %q: day of month %d out of range", s.Name, s.DayOfMonth)
		}
	case FrequencyCron:
		if _, err := ParseExpression(s.Expression); err != nil {
			return fmt.Errorf("schedule %q: %w", s.Name, err)
		}
	default:
		return fmt.Errorf("schedule %q: unknown frequency %q", s.Name, s.Frequency)
	}

	if s.ItemMin < 0 || s.ItemMax < s.ItemMin {
		return fmt.Errorf("schedule %q: invalid item range [%d, %d]", s.Name, s.ItemMin, s.ItemMax)
	}
	if s.IntervalMin < 0 || s.IntervalMax < s.IntervalMin {
		return fmt.Errorf("schedule %q: invalid interval range [%v, %v]", s.Name, s.IntervalMin, s.IntervalMax)
	}
	return nil
}
