package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/lister"
	"github.com/xraph/lister/id"
	"github.com/xraph/lister/job"
)

// EnqueueJob persists a new job.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lister_jobs (
			id, payload, state, priority, max_retries, retry_count,
			last_error, external_id, submitter, upload_id,
			scheduled_at, claimed_at, completed_at, timeout_ns,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		j.ID.String(), j.Payload, j.State, j.Priority, j.MaxRetries, j.RetryCount,
		j.LastError, j.ExternalID, j.Submitter, uploadIDString(j.UploadID),
		j.ScheduledAt, j.ClaimedAt, j.CompletedAt, int64(j.Timeout),
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return lister.ErrJobAlreadyExists
		}
		return fmt.Errorf("lister/postgres: enqueue job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM lister_jobs WHERE id = $1`,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, notFoundOr(err, lister.ErrJobNotFound, "get job")
	}
	return j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE lister_jobs SET
			payload = $2, state = $3, priority = $4, max_retries = $5,
			retry_count = $6, last_error = $7, external_id = $8,
			submitter = $9, upload_id = $10, scheduled_at = $11,
			claimed_at = $12, completed_at = $13, timeout_ns = $14,
			updated_at = NOW()
		WHERE id = $1`,
		j.ID.String(), j.Payload, j.State, j.Priority, j.MaxRetries,
		j.RetryCount, j.LastError, j.ExternalID,
		j.Submitter, uploadIDString(j.UploadID), j.ScheduledAt,
		j.ClaimedAt, j.CompletedAt, int64(j.Timeout),
	)
	if err != nil {
		return fmt.Errorf("lister/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lister.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM lister_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return fmt.Errorf("lister/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lister.ErrJobNotFound
	}
	return nil
}

// PromoteDueJobs moves scheduled jobs whose trigger time has passed into
// pending state.
func (s *Store) PromoteDueJobs(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE lister_jobs
		SET state = $1, updated_at = NOW()
		WHERE state = $2 AND scheduled_at IS NOT NULL AND scheduled_at <= $3`,
		job.StatePending, job.StateScheduled, now,
	)
	if err != nil {
		return 0, fmt.Errorf("lister/postgres: promote due jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimJob atomically transitions a pending job to processing. The WHERE
// clause on state is the compare-and-swap: the loser of a race sees zero
// rows and gets lister.ErrAlreadyClaimed.
func (s *Store) ClaimJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE lister_jobs
		SET state = $1, claimed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND state = $3
		RETURNING `+jobColumns,
		job.StateProcessing, jobID.String(), job.StatePending,
	)
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("lister/postgres: claim job: %w", err)
	}

	// Zero rows: distinguish a lost race from a missing job.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM lister_jobs WHERE id = $1)`,
		jobID.String(),
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lister/postgres: claim job: %w", err)
	}
	if !exists {
		return nil, lister.ErrJobNotFound
	}
	return nil, lister.ErrAlreadyClaimed
}

// CompleteJob transitions a processing job to listed and records the
// marketplace listing ID.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, externalID string) error {
	if externalID == "" {
		return lister.ErrMissingExternalID
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE lister_jobs
		SET state = $1, external_id = $2, last_error = '',
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND state = $4`,
		job.StateListed, externalID, jobID.String(), job.StateProcessing,
	)
	if err != nil {
		return fmt.Errorf("lister/postgres: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.disambiguate(ctx, jobID)
	}
	return nil
}

// RequeueJob returns a processing job to pending after a failed attempt.
// The retry_count guard keeps the budget invariant inside the database.
func (s *Store) RequeueJob(ctx context.Context, jobID id.JobID, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE lister_jobs
		SET state = $1, retry_count = retry_count + 1, last_error = $2,
		    claimed_at = NULL, updated_at = NOW()
		WHERE id = $3 AND state = $4 AND retry_count < max_retries`,
		job.StatePending, lastError, jobID.String(), job.StateProcessing,
	)
	if err != nil {
		return fmt.Errorf("lister/postgres: requeue job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State == job.StateProcessing && j.RetryCount >= j.MaxRetries {
		return lister.ErrRetriesExhausted
	}
	return lister.ErrInvalidState
}

// FailJob transitions a processing job to failed.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE lister_jobs
		SET state = $1, last_error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND state = $4`,
		job.StateFailed, lastError, jobID.String(), job.StateProcessing,
	)
	if err != nil {
		return fmt.Errorf("lister/postgres: fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.disambiguate(ctx, jobID)
	}
	return nil
}

// RequeueFailedJob returns a terminally failed job to pending with a
// fresh retry budget.
func (s *Store) RequeueFailedJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE lister_jobs
		SET state = $1, retry_count = 0, last_error = '',
		    claimed_at = NULL, completed_at = NULL, updated_at = NOW()
		WHERE id = $2 AND state = $3`,
		job.StatePending, jobID.String(), job.StateFailed,
	)
	if err != nil {
		return fmt.Errorf("lister/postgres: requeue failed job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.disambiguate(ctx, jobID)
	}
	return nil
}

// CancelJob withdraws a pending or scheduled job.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE lister_jobs
		SET state = $1, completed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND state IN ($3, $4)`,
		job.StateCancelled, jobID.String(), job.StatePending, job.StateScheduled,
	)
	if err != nil {
		return fmt.Errorf("lister/postgres: cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM lister_jobs WHERE id = $1)`,
			jobID.String(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("lister/postgres: cancel job: %w", err)
		}
		if !exists {
			return lister.ErrJobNotFound
		}
		return lister.ErrInvalidState
	}
	return nil
}

// ListJobs returns jobs matching the options plus the total count before
// pagination.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, int64, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if opts.State != "" {
		args = append(args, opts.State)
		where += fmt.Sprintf(" AND state = $%d", len(args))
	}
	if opts.Search != "" {
		args = append(args, "%"+opts.Search+"%")
		where += fmt.Sprintf(" AND convert_from(payload, 'UTF8') ILIKE $%d", len(args))
	}

	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM lister_jobs`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("lister/postgres: count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM lister_jobs` + where +
		` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("lister/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("lister/postgres: list jobs: %w", err)
	}
	return jobs, total, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM lister_jobs`
	args := []any{}
	if opts.State != "" {
		query += ` WHERE state = $1`
		args = append(args, opts.State)
	}
	var total int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("lister/postgres: count jobs: %w", err)
	}
	return total, nil
}

// DueJobIDs returns pending jobs eligible for dispatch in priority order.
// SKIP LOCKED keeps concurrent pollers from queueing on rows another
// dispatcher is already examining.
func (s *Store) DueJobIDs(ctx context.Context, now time.Time, limit int) ([]id.JobID, error) {
	query := `
		SELECT id FROM lister_jobs
		WHERE state = $1 AND (scheduled_at IS NULL OR scheduled_at <= $2)
		ORDER BY priority DESC, created_at ASC`
	args := []any{job.StatePending, now}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	query += ` FOR UPDATE SKIP LOCKED`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lister/postgres: due job ids: %w", err)
	}
	defer rows.Close()

	var ids []id.JobID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("lister/postgres: due job ids: %w", err)
		}
		jobID, err := id.ParseJobID(raw)
		if err != nil {
			return nil, fmt.Errorf("lister/postgres: parse job id %q: %w", raw, err)
		}
		ids = append(ids, jobID)
	}
	return ids, rows.Err()
}

// ReapStaleClaims returns processing jobs claimed longer ago than the
// threshold to pending, without consuming a retry.
func (s *Store) ReapStaleClaims(ctx context.Context, threshold time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE lister_jobs
		SET state = $1, claimed_at = NULL, updated_at = NOW()
		WHERE state = $2 AND claimed_at IS NOT NULL AND claimed_at < NOW() - $3::interval`,
		job.StatePending, job.StateProcessing,
		fmt.Sprintf("%f seconds", threshold.Seconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("lister/postgres: reap stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// disambiguate resolves a zero-row conditional update into the right
// sentinel: the job is missing, or it exists in the wrong state.
func (s *Store) disambiguate(ctx context.Context, jobID id.JobID) error {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return lister.ErrInvalidState
}
