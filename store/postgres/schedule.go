package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/lister"
	"github.com/xraph/lister/id"
	"github.com/xraph/lister/schedule"
)

// CreateSchedule persists a new schedule.
func (s *Store) CreateSchedule(ctx context.Context, sc *schedule.Schedule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lister_schedules (
			id, name, frequency, hour, minute, days_of_week, day_of_month,
			expression, next_execution_at, item_min, item_max,
			interval_min_ns, interval_max_ns, active, last_run_at,
			locked_by, locked_until, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		sc.ID.String(), sc.Name, sc.Frequency, sc.Hour, sc.Minute,
		weekdaysToInts(sc.DaysOfWeek), sc.DayOfMonth,
		sc.Expression, sc.NextExecutionAt, sc.ItemMin, sc.ItemMax,
		int64(sc.IntervalMin), int64(sc.IntervalMax), sc.Active, sc.LastRunAt,
		sc.LockedBy, sc.LockedUntil, sc.CreatedAt, sc.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return lister.ErrDuplicateSchedule
		}
		return fmt.Errorf("lister/postgres: create schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*schedule.Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM lister_schedules WHERE id = $1`,
		scheduleID.String(),
	)
	sc, err := scanSchedule(row)
	if err != nil {
		return nil, notFoundOr(err, lister.ErrScheduleNotFound, "get schedule")
	}
	return sc, nil
}

// UpdateSchedule persists changes to an existing schedule.
func (s *Store) UpdateSchedule(ctx context.Context, sc *schedule.Schedule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE lister_schedules SET
			name = $2, frequency = $3, hour = $4, minute = $5,
			days_of_week = $6, day_of_month = $7, expression = $8,
			next_execution_at = $9, item_min = $10, item_max = $11,
			interval_min_ns = $12, interval_max_ns = $13, active = $14,
			last_run_at = $15, updated_at = NOW()
		WHERE id = $1`,
		sc.ID.String(), sc.Name, sc.Frequency, sc.Hour, sc.Minute,
		weekdaysToInts(sc.DaysOfWeek), sc.DayOfMonth, sc.Expression,
		sc.NextExecutionAt, sc.ItemMin, sc.ItemMax,
		int64(sc.IntervalMin), int64(sc.IntervalMax), sc.Active,
		sc.LastRunAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return lister.ErrDuplicateSchedule
		}
		return fmt.Errorf("lister/postgres: update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lister.ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule by ID.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM lister_schedules WHERE id = $1`, scheduleID.String())
	if err != nil {
		return fmt.Errorf("lister/postgres: delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lister.ErrScheduleNotFound
	}
	return nil
}

// ListSchedules returns all schedules ordered by creation time.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM lister_schedules ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("lister/postgres: list schedules: %w", err)
	}
	defer rows.Close()

	var out []*schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("lister/postgres: list schedules: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// AcquireScheduleLock grabs the firing lock on a schedule. The conditional
// UPDATE admits three winners: an unlocked row, an expired lock, or the
// current owner renewing.
func (s *Store) AcquireScheduleLock(ctx context.Context, scheduleID id.ScheduleID, owner id.WorkerID, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE lister_schedules
		SET locked_by = $2, locked_until = NOW() + $3::interval, updated_at = NOW()
		WHERE id = $1
		  AND (locked_until IS NULL OR locked_until <= NOW() OR locked_by = $2)`,
		scheduleID.String(), owner.String(),
		fmt.Sprintf("%f seconds", ttl.Seconds()),
	)
	if err != nil {
		return false, fmt.Errorf("lister/postgres: acquire schedule lock: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM lister_schedules WHERE id = $1)`,
		scheduleID.String(),
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("lister/postgres: acquire schedule lock: %w", err)
	}
	if !exists {
		return false, lister.ErrScheduleNotFound
	}
	return false, nil
}

// ReleaseScheduleLock releases the firing lock if owner still holds it.
func (s *Store) ReleaseScheduleLock(ctx context.Context, scheduleID id.ScheduleID, owner id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE lister_schedules
		SET locked_by = '', locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2`,
		scheduleID.String(), owner.String(),
	)
	if err != nil {
		return fmt.Errorf("lister/postgres: release schedule lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM lister_schedules WHERE id = $1)`,
			scheduleID.String(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("lister/postgres: release schedule lock: %w", err)
		}
		if !exists {
			return lister.ErrScheduleNotFound
		}
		// Lock moved on to another owner; nothing to release.
	}
	return nil
}

// MarkScheduleFired records the firing time and the recomputed next
// execution time in one update.
func (s *Store) MarkScheduleFired(ctx context.Context, scheduleID id.ScheduleID, firedAt, next time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE lister_schedules
		SET last_run_at = $2, next_execution_at = $3, updated_at = NOW()
		WHERE id = $1`,
		scheduleID.String(), firedAt, next,
	)
	if err != nil {
		return fmt.Errorf("lister/postgres: mark schedule fired: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lister.ErrScheduleNotFound
	}
	return nil
}
