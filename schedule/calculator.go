package schedule

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseExpression parses a cron expression for the cron frequency.
func ParseExpression(expr string) (cronlib.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("schedule: empty cron expression")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule: parse cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextExecution computes the schedule's next firing time strictly after now.
//
// Callers must pass the actual fire time as now when recomputing after a
// firing — never the previously stored target — so a firing that ran late
// does not drag every subsequent firing later with it.
//
//   - Daily: the soonest future timestamp with wall-clock (Hour, Minute).
//   - Weekly: the soonest target weekday strictly after now's weekday,
//     wrapping to the earliest target next week when none remain.
//   - Monthly: DayOfMonth in the following month, clamped to that month's
//     last day when it is shorter (day 31 in April fires on the 30th).
//   - Cron: whatever the parsed expression says.
//
// All arithmetic is in UTC.
func NextExecution(now time.Time, s *Schedule) (time.Time, error) {
	now = now.UTC()

	switch s.Frequency {
	case FrequencyDaily:
		return nextDaily(now, s.Hour, s.Minute), nil
	case FrequencyWeekly:
		if len(s.DaysOfWeek) == 0 {
			return time.Time{}, fmt.Errorf("schedule %q: weekly frequency needs at least one weekday", s.Name)
		}
		return nextWeekly(now, s.DaysOfWeek, s.Hour, s.Minute), nil
	case FrequencyMonthly:
		return nextMonthly(now, s.DayOfMonth, s.Hour, s.Minute), nil
	case FrequencyCron:
		sched, err := ParseExpression(s.Expression)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(now), nil
	default:
		return time.Time{}, fmt.Errorf("schedule %q: unknown frequency %q", s.Name, s.Frequency)
	}
}

func nextDaily(now time.Time, hour, minute int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func nextWeekly(now time.Time, targets []time.Weekday, hour, minute int) time.Time {
	today := now.Weekday()

	// Soonest target weekday strictly after today, this week.
	bestAhead := 8
	for _, d := range targets {
		ahead := int(d) - int(today)
		if ahead > 0 && ahead < bestAhead {
			bestAhead = ahead
		}
	}

	if bestAhead == 8 {
		// None remain this week; wrap to the earliest target next week.
		earliest := targets[0]
		for _, d := range targets[1:] {
			if d < earliest {
				earliest = d
			}
		}
		bestAhead = 7 - int(today) + int(earliest)
	}

	candidate := now.AddDate(0, 0, bestAhead)
	return time.Date(candidate.Year(), candidate.Month(), candidate.Day(), hour, minute, 0, 0, time.UTC)
}

func nextMonthly(now time.Time, dayOfMonth, hour, minute int) time.Time {
	// First of the following month, then clamp the target day to that
	// month's length.
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	day := dayOfMonth
	if last := daysInMonth(first); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, minute, 0, 0, time.UTC)
}

// daysInMonth returns the number of days in t's month.
func daysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).
		AddDate(0, 1, -1).Day()
}
