package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/lister/id"
	"github.com/xraph/lister/ingest"
	"github.com/xraph/lister/job"
	"github.com/xraph/lister/schedule"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type jobEnqueuedEntry struct {
	name string
	hook JobEnqueued
}

type jobClaimedEntry struct {
	name string
	hook JobClaimed
}

type jobListedEntry struct {
	name string
	hook JobListed
}

type jobRequeuedEntry struct {
	name string
	hook JobRequeued
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type batchCompletedEntry struct {
	name string
	hook BatchCompleted
}

type scheduleFiredEntry struct {
	name string
	hook ScheduleFired
}

type uploadCompletedEntry struct {
	name string
	hook UploadCompleted
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	jobEnqueued     []jobEnqueuedEntry
	jobClaimed      []jobClaimedEntry
	jobListed       []jobListedEntry
	jobRequeued     []jobRequeuedEntry
	jobFailed       []jobFailedEntry
	batchCompleted  []batchCompletedEntry
	scheduleFired   []scheduleFiredEntry
	uploadCompleted []uploadCompletedEntry
	shutdown        []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobEnqueued); ok {
		r.jobEnqueued = append(r.jobEnqueued, jobEnqueuedEntry{name, h})
	}
	if h, ok := e.(JobClaimed); ok {
		r.jobClaimed = append(r.jobClaimed, jobClaimedEntry{name, h})
	}
	if h, ok := e.(JobListed); ok {
		r.jobListed = append(r.jobListed, jobListedEntry{name, h})
	}
	if h, ok := e.(JobRequeued); ok {
		r.jobRequeued = append(r.jobRequeued, jobRequeuedEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(BatchCompleted); ok {
		r.batchCompleted = append(r.batchCompleted, batchCompletedEntry{name, h})
	}
	if h, ok := e.(ScheduleFired); ok {
		r.scheduleFired = append(r.scheduleFired, scheduleFiredEntry{name, h})
	}
	if h, ok := e.(UploadCompleted); ok {
		r.uploadCompleted = append(r.uploadCompleted, uploadCompletedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobEnqueued notifies all extensions that implement JobEnqueued.
func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	for _, e := range r.jobEnqueued {
		if err := e.hook.OnJobEnqueued(ctx, j); err != nil {
			r.logHookError("OnJobEnqueued", e.name, err)
		}
	}
}

// EmitJobClaimed notifies all extensions that implement JobClaimed.
func (r *Registry) EmitJobClaimed(ctx context.Context, j *job.Job) {
	for _, e := range r.jobClaimed {
		if err := e.hook.OnJobClaimed(ctx, j); err != nil {
			r.logHookError("OnJobClaimed", e.name, err)
		}
	}
}

// EmitJobListed notifies all extensions that implement JobListed.
func (r *Registry) EmitJobListed(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobListed {
		if err := e.hook.OnJobListed(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobListed", e.name, err)
		}
	}
}

// EmitJobRequeued notifies all extensions that implement JobRequeued.
func (r *Registry) EmitJobRequeued(ctx context.Context, j *job.Job, attempt int, cause error) {
	for _, e := range r.jobRequeued {
		if err := e.hook.OnJobRequeued(ctx, j, attempt, cause); err != nil {
			r.logHookError("OnJobRequeued", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Batch and schedule emitters
// ──────────────────────────────────────────────────

// EmitBatchCompleted notifies all extensions that implement BatchCompleted.
func (r *Registry) EmitBatchCompleted(ctx context.Context, batchID id.BatchID, processed, succeeded, failed, deferred int) {
	for _, e := range r.batchCompleted {
		if err := e.hook.OnBatchCompleted(ctx, batchID, processed, succeeded, failed, deferred); err != nil {
			r.logHookError("OnBatchCompleted", e.name, err)
		}
	}
}

// EmitScheduleFired notifies all extensions that implement ScheduleFired.
func (r *Registry) EmitScheduleFired(ctx context.Context, s *schedule.Schedule, promoted int) {
	for _, e := range r.scheduleFired {
		if err := e.hook.OnScheduleFired(ctx, s, promoted); err != nil {
			r.logHookError("OnScheduleFired", e.name, err)
		}
	}
}

// EmitUploadCompleted notifies all extensions that implement UploadCompleted.
func (r *Registry) EmitUploadCompleted(ctx context.Context, u *ingest.Upload) {
	for _, e := range r.uploadCompleted {
		if err := e.hook.OnUploadCompleted(ctx, u); err != nil {
			r.logHookError("OnUploadCompleted", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
