package job

import (
	"context"
	"time"

	"github.com/xraph/lister/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// State filters by job state. Empty means all states.
	State State
	// Search filters by a substring match against the raw payload.
	// Empty means no payload filter.
	Search string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// State filters by job state. Empty means all states.
	State State
}

// Store defines the persistence contract for publication jobs.
//
// ClaimJob is the single mutual-exclusion primitive in the pipeline: it
// must be a compare-and-swap on state so that two concurrent dispatchers
// claiming the same job cannot both win. Every other mutation is performed
// only by the job's current owner.
type Store interface {
	// EnqueueJob persists a new job in pending (or scheduled) state.
	EnqueueJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// PromoteDueJobs moves scheduled jobs whose trigger time has passed
	// into pending state. Returns the number promoted.
	PromoteDueJobs(ctx context.Context, now time.Time) (int, error)

	// ClaimJob atomically transitions a pending job to processing and
	// returns it. If the job is not pending (already claimed or terminal)
	// it returns lister.ErrAlreadyClaimed and changes nothing.
	ClaimJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// CompleteJob transitions a processing job to listed and records the
	// marketplace listing ID. Terminal.
	CompleteJob(ctx context.Context, jobID id.JobID, externalID string) error

	// RequeueJob returns a processing job to pending after a failed
	// attempt, incrementing RetryCount and recording lastError.
	RequeueJob(ctx context.Context, jobID id.JobID, lastError string) error

	// FailJob transitions a processing job to failed with its retries
	// exhausted. Terminal.
	FailJob(ctx context.Context, jobID id.JobID, lastError string) error

	// RequeueFailedJob returns a terminally failed job to pending with a
	// fresh retry budget. Valid only from StateFailed.
	RequeueFailedJob(ctx context.Context, jobID id.JobID) error

	// CancelJob withdraws a pending or scheduled job. Returns
	// lister.ErrInvalidState for any other state.
	CancelJob(ctx context.Context, jobID id.JobID) error

	// ListJobs returns jobs matching the options plus the total count
	// before pagination.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, int64, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// DueJobIDs returns up to limit pending jobs eligible for dispatch,
	// ordered by priority (descending) then creation time (ascending).
	DueJobIDs(ctx context.Context, now time.Time, limit int) ([]id.JobID, error)

	// ReapStaleClaims returns processing jobs claimed longer ago than the
	// threshold to pending, without consuming a retry. Returns the number
	// reaped.
	ReapStaleClaims(ctx context.Context, threshold time.Duration) (int, error)
}
