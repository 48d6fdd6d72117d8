package schedule

import (
	"context"
	"time"

	"github.com/xraph/lister/id"
)

// Store defines the persistence contract for recurring schedules.
type Store interface {
	// CreateSchedule persists a new schedule. Returns an error if the
	// name already exists.
	CreateSchedule(ctx context.Context, s *Schedule) error

	// GetSchedule retrieves a schedule by ID.
	GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*Schedule, error)

	// UpdateSchedule persists changes to an existing schedule.
	UpdateSchedule(ctx context.Context, s *Schedule) error

	// DeleteSchedule removes a schedule by ID.
	DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error

	// ListSchedules returns all schedules.
	ListSchedules(ctx context.Context) ([]*Schedule, error)

	// AcquireScheduleLock attempts to acquire an advisory lock on a
	// schedule so only one scheduler instance fires it. Returns true if
	// the lock was acquired. The lock expires after ttl.
	AcquireScheduleLock(ctx context.Context, scheduleID id.ScheduleID, owner id.WorkerID, ttl time.Duration) (bool, error)

	// ReleaseScheduleLock releases the advisory lock on a schedule.
	ReleaseScheduleLock(ctx context.Context, scheduleID id.ScheduleID, owner id.WorkerID) error

	// MarkScheduleFired records the firing time and the recomputed next
	// execution time in one update.
	MarkScheduleFired(ctx context.Context, scheduleID id.ScheduleID, firedAt, next time.Time) error
}
