package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/lister"
	"github.com/xraph/lister/dispatcher"
	"github.com/xraph/lister/hook"
	"github.com/xraph/lister/id"
	"github.com/xraph/lister/ingest"
	"github.com/xraph/lister/job"
	"github.com/xraph/lister/marketplace"
	mw "github.com/xraph/lister/middleware"
	"github.com/xraph/lister/notify"
	"github.com/xraph/lister/pacing"
	"github.com/xraph/lister/ratelimit"
	"github.com/xraph/lister/schedule"
	"github.com/xraph/lister/scope"
)

// Engine wraps a Publisher with typed subsystem access.
// Use Build() to create one from a Publisher.
type Engine struct {
	p         *lister.Publisher
	hooks     *hook.Registry
	jobStore  job.Store
	schedules schedule.Store
	uploads   ingest.Store
	limiter   ratelimit.Limiter
	adapter   marketplace.Adapter
	notifier  notify.Notifier
	validator *ingest.Validator
	d         *dispatcher.Dispatcher
	runner    *dispatcher.Runner
	scheduler *schedule.Scheduler
	mws       []mw.Middleware
	logger    *slog.Logger

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers a lifecycle hook extension with the engine.
func WithExtension(e hook.Extension) Option {
	return func(eng *Engine) {
		eng.hooks.Register(e)
	}
}

// WithMiddleware adds middleware around the marketplace call.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithNotifier sets the downstream notifier invoked after each batch.
// Defaults to a log-only notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(eng *Engine) {
		eng.notifier = n
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from a Publisher, a rate limiter guarding the
// marketplace quota, and the marketplace adapter. The Publisher's store
// must implement the job, schedule, and ingest store interfaces.
func Build(p *lister.Publisher, limiter ratelimit.Limiter, adapter marketplace.Adapter, opts ...Option) (*Engine, error) {
	logger := p.Logger()
	st := p.Store()

	if st == nil {
		return nil, lister.ErrNoStore
	}

	js, ok := st.(job.Store)
	if !ok {
		return nil, fmt.Errorf("lister: store does not implement job.Store")
	}
	ss, ok := st.(schedule.Store)
	if !ok {
		return nil, fmt.Errorf("lister: store does not implement schedule.Store")
	}
	is, ok := st.(ingest.Store)
	if !ok {
		return nil, fmt.Errorf("lister: store does not implement ingest.Store")
	}

	eng := &Engine{
		p:         p,
		hooks:     hook.NewRegistry(logger),
		jobStore:  js,
		schedules: ss,
		uploads:   is,
		limiter:   limiter,
		adapter:   adapter,
		notifier:  notify.NewLogNotifier(logger),
		logger:    logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/xraph/lister"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/xraph/lister"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default stack: recover → tracing → metrics → logging → timeout.
	allMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	allMws = append(allMws, eng.mws...)

	config := p.Config()
	eng.d = dispatcher.NewDispatcher(js, limiter, adapter,
		dispatcher.WithNotifier(eng.notifier),
		dispatcher.WithHooks(eng.hooks),
		dispatcher.WithMiddleware(allMws...),
		dispatcher.WithLogger(logger),
		dispatcher.WithConfig(config),
	)
	eng.runner = dispatcher.NewRunner(eng.d, config, logger)
	eng.validator = ingest.NewValidator(is, ingest.WithLogger(logger))
	eng.scheduler = schedule.NewScheduler(ss, eng.fireSchedule,
		schedule.WithLogger(logger),
		schedule.WithPollInterval(config.PollInterval),
	)

	// Wire back into the Publisher.
	p.SetRunner(eng.runner)
	p.SetHooks(eng.hooks)

	return eng, nil
}

// Start begins background processing: the dispatch runner and the
// schedule loop.
func (eng *Engine) Start(ctx context.Context) error {
	eng.scheduler.Start(ctx)
	return eng.p.Start(ctx)
}

// Stop gracefully shuts down the engine.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.scheduler.Stop()
	return eng.p.Stop(ctx)
}

// Hooks returns the hook registry.
func (eng *Engine) Hooks() *hook.Registry { return eng.hooks }

// Dispatcher returns the underlying batch dispatcher.
func (eng *Engine) Dispatcher() *dispatcher.Dispatcher { return eng.d }

// Scheduler returns the schedule loop.
func (eng *Engine) Scheduler() *schedule.Scheduler { return eng.scheduler }

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

// CreateJob enqueues a publication job for the given listing payload.
// The submitter is taken from the context scope unless overridden by
// job.WithSubmitter.
func (eng *Engine) CreateJob(ctx context.Context, payload []byte, opts ...job.Option) (*job.Job, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("lister: job payload is not valid JSON")
	}

	jobOpts := job.DefaultOptions()
	jobOpts.MaxRetries = eng.p.Config().DefaultMaxRetries
	for _, opt := range opts {
		opt(&jobOpts)
	}

	submitter := jobOpts.Submitter
	if submitter == "" {
		submitter = scope.Capture(ctx)
	}

	j := &job.Job{
		Entity:     lister.NewEntity(),
		ID:         id.NewJobID(),
		Payload:    payload,
		State:      job.StatePending,
		Priority:   jobOpts.Priority,
		MaxRetries: jobOpts.MaxRetries,
		Submitter:  submitter,
		Timeout:    jobOpts.Timeout,
	}
	if !jobOpts.ScheduledAt.IsZero() {
		at := jobOpts.ScheduledAt.UTC()
		j.ScheduledAt = &at
		if at.After(time.Now().UTC()) {
			j.State = job.StateScheduled
		}
	}

	if err := eng.jobStore.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}
	eng.hooks.EmitJobEnqueued(ctx, j)
	return j, nil
}

// GetJob retrieves a job by ID.
func (eng *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.jobStore.GetJob(ctx, jobID)
}

// ListJobs returns jobs matching the options plus the total count before
// pagination.
func (eng *Engine) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, int64, error) {
	return eng.jobStore.ListJobs(ctx, opts)
}

// JobCounts returns the number of jobs in each lifecycle state.
func (eng *Engine) JobCounts(ctx context.Context) (map[job.State]int64, error) {
	states := []job.State{
		job.StateScheduled, job.StatePending, job.StateProcessing,
		job.StateListed, job.StateFailed, job.StateCancelled,
	}
	counts := make(map[job.State]int64, len(states))
	for _, state := range states {
		n, err := eng.jobStore.CountJobs(ctx, job.CountOpts{State: state})
		if err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, nil
}

// CancelJob withdraws a pending or scheduled job.
func (eng *Engine) CancelJob(ctx context.Context, jobID id.JobID) error {
	return eng.jobStore.CancelJob(ctx, jobID)
}

// RequeueFailedJob returns a terminally failed job to pending with a
// fresh retry budget.
func (eng *Engine) RequeueFailedJob(ctx context.Context, jobID id.JobID) error {
	return eng.jobStore.RequeueFailedJob(ctx, jobID)
}

// ──────────────────────────────────────────────────
// Batches
// ──────────────────────────────────────────────────

// StartBatch dispatches the given jobs as one batch and returns the
// report. In test mode the marketplace is replaced by a scripted mock so
// the full pipeline runs without external calls.
func (eng *Engine) StartBatch(ctx context.Context, jobIDs []id.JobID, testMode bool) (*dispatcher.Report, error) {
	opts := dispatcher.Options{}
	if testMode {
		opts.Adapter = marketplace.NewMockAdapter()
	}
	return eng.d.Dispatch(ctx, id.NewBatchID(), jobIDs, opts)
}

// StartBatchAsync begins dispatching in the background and returns the
// batch ID immediately. Track completion with BatchProgress.
func (eng *Engine) StartBatchAsync(ctx context.Context, jobIDs []id.JobID, testMode bool) id.BatchID {
	batchID := id.NewBatchID()
	opts := dispatcher.Options{}
	if testMode {
		opts.Adapter = marketplace.NewMockAdapter()
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		if _, err := eng.d.Dispatch(bg, batchID, jobIDs, opts); err != nil {
			eng.logger.Error("background batch failed",
				slog.String("batch_id", batchID.String()),
				slog.String("error", err.Error()),
			)
		}
	}()
	return batchID
}

// BatchProgress reports live progress for a batch.
func (eng *Engine) BatchProgress(batchID id.BatchID) (dispatcher.Progress, bool) {
	return eng.d.BatchProgress(batchID)
}

// RateLimitStatus reports the current usage of each quota window.
func (eng *Engine) RateLimitStatus(ctx context.Context) ([]ratelimit.Budget, error) {
	return eng.limiter.Status(ctx)
}

// ──────────────────────────────────────────────────
// CSV ingestion
// ──────────────────────────────────────────────────

// UploadCSV stores and validates a CSV file for the submitter on the
// context. A byte-identical re-upload by the same submitter returns the
// prior upload with duplicate set, without re-validating.
func (eng *Engine) UploadCSV(ctx context.Context, filename string, content []byte) (u *ingest.Upload, duplicate bool, err error) {
	submitter := scope.Capture(ctx)

	u, duplicate, err = eng.validator.Ingest(ctx, submitter, filename, content)
	if err != nil || duplicate {
		return u, duplicate, err
	}
	return eng.processUpload(ctx, u.ID)
}

// ResumeUpload re-runs validation for an interrupted upload, continuing
// from the first row not yet persisted.
func (eng *Engine) ResumeUpload(ctx context.Context, uploadID id.UploadID) (*ingest.Upload, error) {
	u, _, err := eng.processUpload(ctx, uploadID)
	return u, err
}

func (eng *Engine) processUpload(ctx context.Context, uploadID id.UploadID) (*ingest.Upload, bool, error) {
	u, err := eng.validator.Process(ctx, uploadID)
	if u != nil && u.Status.Terminal() {
		eng.hooks.EmitUploadCompleted(ctx, u)
	}
	return u, false, err
}

// GetUploadStatus retrieves an upload with its validation counters.
func (eng *Engine) GetUploadStatus(ctx context.Context, uploadID id.UploadID) (*ingest.Upload, error) {
	return eng.uploads.GetUpload(ctx, uploadID)
}

// ListUploadRows returns an upload's per-row validation results.
func (eng *Engine) ListUploadRows(ctx context.Context, uploadID id.UploadID, validOnly bool) ([]*ingest.Row, error) {
	return eng.uploads.ListRows(ctx, uploadID, validOnly)
}

// rowPayload is the listing payload built from a validated CSV row.
type rowPayload struct {
	Title     string   `json:"title"`
	Price     float64  `json:"price"`
	Quantity  int      `json:"quantity"`
	ImageURLs []string `json:"image_urls,omitempty"`
}

// CreateJobsFromUpload enqueues one publication job per valid row of a
// completed upload. Job creation is an explicit step after validation,
// never a side effect of it.
func (eng *Engine) CreateJobsFromUpload(ctx context.Context, uploadID id.UploadID, opts ...job.Option) ([]*job.Job, error) {
	u, err := eng.uploads.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if u.Status != ingest.StatusCompleted {
		return nil, fmt.Errorf("%w: upload %s is %s", lister.ErrInvalidState, u.ID, u.Status)
	}

	rows, err := eng.uploads.ListRows(ctx, uploadID, true)
	if err != nil {
		return nil, err
	}

	jobOpts := job.DefaultOptions()
	jobOpts.MaxRetries = eng.p.Config().DefaultMaxRetries
	for _, opt := range opts {
		opt(&jobOpts)
	}

	jobs := make([]*job.Job, 0, len(rows))
	for _, r := range rows {
		payload, err := json.Marshal(rowPayload{
			Title:     r.Title,
			Price:     r.Price,
			Quantity:  r.Quantity,
			ImageURLs: r.ImageURLs,
		})
		if err != nil {
			return jobs, fmt.Errorf("lister: marshal row %d payload: %w", r.RowNumber, err)
		}

		j := &job.Job{
			Entity:     lister.NewEntity(),
			ID:         id.NewJobID(),
			Payload:    payload,
			State:      job.StatePending,
			Priority:   jobOpts.Priority,
			MaxRetries: jobOpts.MaxRetries,
			Submitter:  u.Submitter,
			UploadID:   u.ID,
			Timeout:    jobOpts.Timeout,
		}
		if err := eng.jobStore.EnqueueJob(ctx, j); err != nil {
			return jobs, err
		}
		eng.hooks.EmitJobEnqueued(ctx, j)
		jobs = append(jobs, j)
	}

	eng.logger.Info("jobs created from upload",
		slog.String("upload_id", u.ID.String()),
		slog.Int("count", len(jobs)),
	)
	return jobs, nil
}

// ──────────────────────────────────────────────────
// Schedules
// ──────────────────────────────────────────────────

// CreateSchedule validates and persists a recurring schedule, computing
// its first execution time.
func (eng *Engine) CreateSchedule(ctx context.Context, sc *schedule.Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if sc.ID.IsNil() {
		sc.ID = id.NewScheduleID()
	}
	sc.Entity = lister.NewEntity()

	next, err := schedule.NextExecution(time.Now().UTC(), sc)
	if err != nil {
		return err
	}
	sc.NextExecutionAt = &next

	if err := eng.schedules.CreateSchedule(ctx, sc); err != nil {
		return err
	}
	eng.logger.Info("schedule created",
		slog.String("schedule_id", sc.ID.String()),
		slog.String("name", sc.Name),
		slog.Time("next_execution_at", next),
	)
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (eng *Engine) GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*schedule.Schedule, error) {
	return eng.schedules.GetSchedule(ctx, scheduleID)
}

// UpdateSchedule validates and persists changes to a schedule. The next
// execution time is recomputed because the recurrence may have changed.
func (eng *Engine) UpdateSchedule(ctx context.Context, sc *schedule.Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	next, err := schedule.NextExecution(time.Now().UTC(), sc)
	if err != nil {
		return err
	}
	sc.NextExecutionAt = &next
	return eng.schedules.UpdateSchedule(ctx, sc)
}

// DeleteSchedule removes a schedule.
func (eng *Engine) DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error {
	return eng.schedules.DeleteSchedule(ctx, scheduleID)
}

// ListSchedules returns all schedules.
func (eng *Engine) ListSchedules(ctx context.Context) ([]*schedule.Schedule, error) {
	return eng.schedules.ListSchedules(ctx)
}

// ExecuteScheduleNow fires a schedule immediately, outside its
// recurrence, and returns the dispatch report. The stored next execution
// time is left untouched.
func (eng *Engine) ExecuteScheduleNow(ctx context.Context, scheduleID id.ScheduleID) (*dispatcher.Report, error) {
	sc, err := eng.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	return eng.dispatchForSchedule(ctx, sc)
}

// fireSchedule is the Scheduler's FireFunc: one recurring firing.
func (eng *Engine) fireSchedule(ctx context.Context, sc *schedule.Schedule, firedAt time.Time) error {
	if _, err := eng.jobStore.PromoteDueJobs(ctx, firedAt); err != nil {
		return err
	}
	_, err := eng.dispatchForSchedule(ctx, sc)
	return err
}

// dispatchForSchedule promotes a bounded random number of due jobs and
// dispatches them with the schedule's randomized item spacing.
func (eng *Engine) dispatchForSchedule(ctx context.Context, sc *schedule.Schedule) (*dispatcher.Report, error) {
	count := sc.ItemMax
	if sc.ItemMax > sc.ItemMin {
		count = sc.ItemMin + rand.IntN(sc.ItemMax-sc.ItemMin+1)
	}
	if count <= 0 {
		eng.hooks.EmitScheduleFired(ctx, sc, 0)
		return &dispatcher.Report{BatchID: id.NewBatchID()}, nil
	}

	jobIDs, err := eng.jobStore.DueJobIDs(ctx, time.Now().UTC(), count)
	if err != nil {
		return nil, err
	}
	eng.hooks.EmitScheduleFired(ctx, sc, len(jobIDs))
	if len(jobIDs) == 0 {
		return &dispatcher.Report{BatchID: id.NewBatchID()}, nil
	}

	return eng.d.Dispatch(ctx, id.NewBatchID(), jobIDs, dispatcher.Options{
		Pacing: pacing.NewRange(sc.IntervalMin, sc.IntervalMax),
	})
}
