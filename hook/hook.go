// Package hook defines the extension system for the publication engine.
// Extensions are notified of lifecycle events (job enqueued, listed,
// failed, batch completed, etc.) and can react to them — logging,
// metrics, tracing, etc.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/xraph/lister/id"
	"github.com/xraph/lister/ingest"
	"github.com/xraph/lister/job"
	"github.com/xraph/lister/schedule"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is successfully enqueued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobClaimed is called when the dispatcher claims a job for processing.
type JobClaimed interface {
	OnJobClaimed(ctx context.Context, j *job.Job) error
}

// JobListed is called after a job is published and reaches the listed
// state.
type JobListed interface {
	OnJobListed(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobRequeued is called when a publish attempt fails but the job keeps
// retry budget and returns to pending.
type JobRequeued interface {
	OnJobRequeued(ctx context.Context, j *job.Job, attempt int, cause error) error
}

// JobFailed is called when a job fails terminally (no more retries).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// ──────────────────────────────────────────────────
// Batch and schedule hooks
// ──────────────────────────────────────────────────

// BatchCompleted is called after a dispatch round finishes.
type BatchCompleted interface {
	OnBatchCompleted(ctx context.Context, batchID id.BatchID, processed, succeeded, failed, deferred int) error
}

// ScheduleFired is called when a recurring schedule fires and promotes
// jobs into the pipeline.
type ScheduleFired interface {
	OnScheduleFired(ctx context.Context, s *schedule.Schedule, promoted int) error
}

// UploadCompleted is called when CSV validation seals an upload.
type UploadCompleted interface {
	OnUploadCompleted(ctx context.Context, u *ingest.Upload) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
