// Package dispatcher processes pending publication jobs in paced
// batches: reserve quota, claim, publish through the marketplace
// adapter, and route each outcome through the retry policy.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/lister"
	"github.com/xraph/lister/hook"
	"github.com/xraph/lister/id"
	"github.com/xraph/lister/job"
	"github.com/xraph/lister/marketplace"
	"github.com/xraph/lister/middleware"
	"github.com/xraph/lister/notify"
	"github.com/xraph/lister/pacing"
	"github.com/xraph/lister/ratelimit"
	"github.com/xraph/lister/retry"
)

// JobError records one failed publish attempt inside a dispatch round.
type JobError struct {
	JobID   id.JobID `json:"job_id"`
	Message string   `json:"message"`
}

// Report summarizes one dispatch round.
//
// ProcessedCount counts every job the round examined, so
// Success + Error + Deferred + Skipped == Processed. Deferred jobs were
// denied by the rate limiter and stay pending without consuming a retry;
// skipped jobs were claimed by a concurrent dispatcher.
type Report struct {
	BatchID        id.BatchID `json:"batch_id"`
	TotalCount     int        `json:"total_count"`
	ProcessedCount int        `json:"processed_count"`
	SuccessCount   int        `json:"success_count"`
	ErrorCount     int        `json:"error_count"`
	DeferredCount  int        `json:"deferred_count"`
	SkippedCount   int        `json:"skipped_count"`
	Errors         []JobError `json:"errors,omitempty"`
}

// Progress is a point-in-time view of a running dispatch round, suitable
// for external polling.
type Progress struct {
	BatchID   id.BatchID `json:"batch_id"`
	Total     int64      `json:"total"`
	Processed int64      `json:"processed"`
	Succeeded int64      `json:"succeeded"`
	Failed    int64      `json:"failed"`
	Deferred  int64      `json:"deferred"`
	Done      bool       `json:"done"`
}

// Percent returns completion as 0–100.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Processed) / float64(p.Total) * 100
}

// progressState backs Progress with atomic counters so the dispatch loop
// never blocks a poller.
type progressState struct {
	total     int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	deferred  atomic.Int64
	done      atomic.Bool
}

// Options configures a single dispatch round.
type Options struct {
	// Adapter overrides the dispatcher's marketplace adapter for this
	// round. Used for dry runs against the offline mock.
	Adapter marketplace.Adapter

	// Pacing adds an extra randomized pause between items on top of the
	// base item delay. Schedules with an interval range use this.
	Pacing pacing.Strategy

	// BatchSize overrides the configured batch size when positive.
	BatchSize int
}

// Dispatcher drains pending jobs through the marketplace.
type Dispatcher struct {
	store    job.Store
	limiter  ratelimit.Limiter
	adapter  marketplace.Adapter
	notifier notify.Notifier
	hooks    *hook.Registry
	chain    middleware.Middleware
	logger   *slog.Logger
	config   lister.Config

	// pacer spaces marketplace calls by the configured item delay.
	pacer *rate.Limiter
	now   func() time.Time

	progress sync.Map // id.BatchID → *progressState
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithNotifier sets the downstream notifier informed of published jobs.
func WithNotifier(n notify.Notifier) DispatcherOption {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithHooks sets the lifecycle hook registry.
func WithHooks(h *hook.Registry) DispatcherOption {
	return func(d *Dispatcher) { d.hooks = h }
}

// WithMiddleware wraps every publish call with the given middleware,
// outermost first.
func WithMiddleware(mws ...middleware.Middleware) DispatcherOption {
	return func(d *Dispatcher) { d.chain = middleware.Chain(mws...) }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithConfig replaces the dispatcher's configuration.
func WithConfig(cfg lister.Config) DispatcherOption {
	return func(d *Dispatcher) { d.config = cfg }
}

// WithClock overrides the dispatcher's time source. Intended for tests.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher over the given store, limiter and
// adapter.
func NewDispatcher(store job.Store, limiter ratelimit.Limiter, adapter marketplace.Adapter, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		limiter: limiter,
		adapter: adapter,
		logger:  slog.Default(),
		config:  lister.DefaultConfig(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.notifier == nil {
		d.notifier = notify.NewLogNotifier(d.logger)
	}
	if d.hooks == nil {
		d.hooks = hook.NewRegistry(d.logger)
	}
	if d.chain == nil {
		d.chain = middleware.Chain(middleware.Recover(d.logger))
	}
	if d.config.ItemDelay > 0 {
		d.pacer = rate.NewLimiter(rate.Every(d.config.ItemDelay), 1)
	}
	return d
}

// BatchProgress returns the live progress of a dispatch round, or false
// if the batch is unknown.
func (d *Dispatcher) BatchProgress(batchID id.BatchID) (Progress, bool) {
	v, ok := d.progress.Load(batchID)
	if !ok {
		return Progress{}, false
	}
	st := v.(*progressState)
	return Progress{
		BatchID:   batchID,
		Total:     st.total,
		Processed: st.processed.Load(),
		Succeeded: st.succeeded.Load(),
		Failed:    st.failed.Load(),
		Deferred:  st.deferred.Load(),
		Done:      st.done.Load(),
	}, true
}

// Dispatch processes the given jobs in fixed-size batches.
//
// Per job: reserve rate-limit quota (denial defers the job without
// consuming a retry), claim it (losing a concurrent claim skips it),
// publish through the middleware chain, and complete or requeue/fail per
// the retry policy. A single job's failure never aborts the round.
func (d *Dispatcher) Dispatch(ctx context.Context, batchID id.BatchID, jobIDs []id.JobID, opts Options) (*Report, error) {
	adapter := d.adapter
	if opts.Adapter != nil {
		adapter = opts.Adapter
	}
	batchSize := d.config.BatchSize
	if opts.BatchSize > 0 {
		batchSize = opts.BatchSize
	}
	if batchSize <= 0 {
		batchSize = len(jobIDs)
	}

	st := &progressState{total: int64(len(jobIDs))}
	d.progress.Store(batchID, st)
	defer st.done.Store(true)

	report := &Report{BatchID: batchID, TotalCount: len(jobIDs)}

	for start := 0; start < len(jobIDs); start += batchSize {
		end := min(start+batchSize, len(jobIDs))

		var listed []notify.Listing
		for i, jobID := range jobIDs[start:end] {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if err := d.paceItem(ctx, opts.Pacing, i); err != nil {
				return report, err
			}
			d.dispatchOne(ctx, adapter, jobID, st, report, &listed)
		}

		if len(listed) > 0 {
			// Best effort: a notifier failure never rolls back listed jobs.
			if err := d.notifier.NotifyListed(ctx, listed); err != nil {
				d.logger.Warn("downstream notify failed",
					slog.String("batch_id", batchID.String()),
					slog.Int("listings", len(listed)),
					slog.String("error", err.Error()),
				)
			}
		}

		if end < len(jobIDs) && d.config.BatchDelay > 0 {
			if err := sleepCtx(ctx, d.config.BatchDelay); err != nil {
				return report, err
			}
		}
	}

	d.hooks.EmitBatchCompleted(ctx, batchID,
		report.ProcessedCount, report.SuccessCount, report.ErrorCount, report.DeferredCount)

	d.logger.Info("dispatch round finished",
		slog.String("batch_id", batchID.String()),
		slog.Int("total", report.TotalCount),
		slog.Int("succeeded", report.SuccessCount),
		slog.Int("failed", report.ErrorCount),
		slog.Int("deferred", report.DeferredCount),
		slog.Int("skipped", report.SkippedCount),
	)
	return report, nil
}

func (d *Dispatcher) dispatchOne(
	ctx context.Context,
	adapter marketplace.Adapter,
	jobID id.JobID,
	st *progressState,
	report *Report,
	listed *[]notify.Listing,
) {
	defer func() {
		report.ProcessedCount++
		st.processed.Add(1)
	}()

	ok, err := d.limiter.Reserve(ctx)
	if err != nil {
		report.ErrorCount++
		st.failed.Add(1)
		report.Errors = append(report.Errors, JobError{JobID: jobID, Message: "rate limiter: " + err.Error()})
		return
	}
	if !ok {
		// Quota exhausted: the job stays pending for the next round and
		// its retry budget is untouched.
		report.DeferredCount++
		st.deferred.Add(1)
		return
	}

	j, err := d.store.ClaimJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, lister.ErrAlreadyClaimed) {
			report.SkippedCount++
			return
		}
		report.ErrorCount++
		st.failed.Add(1)
		report.Errors = append(report.Errors, JobError{JobID: jobID, Message: "claim: " + err.Error()})
		return
	}
	d.hooks.EmitJobClaimed(ctx, j)

	var result marketplace.CreateResult
	start := d.now()
	err = d.chain(ctx, j, func(ctx context.Context) error {
		res, _, callErr := adapter.CreateListing(ctx, j.Payload)
		if callErr != nil {
			return callErr
		}
		if !res.Success {
			return fmt.Errorf("marketplace rejected listing: %s", strings.Join(res.Errors, "; "))
		}
		if res.ExternalID == "" {
			// A listed job must carry the marketplace's identifier; a
			// success without one is treated as a failed attempt.
			return errors.New("marketplace returned no external listing id")
		}
		result = res
		return nil
	})
	elapsed := d.now().Sub(start)

	if err == nil {
		if cerr := d.store.CompleteJob(ctx, j.ID, result.ExternalID); cerr != nil {
			report.ErrorCount++
			st.failed.Add(1)
			report.Errors = append(report.Errors, JobError{JobID: j.ID, Message: "complete: " + cerr.Error()})
			return
		}
		report.SuccessCount++
		st.succeeded.Add(1)
		j.ExternalID = result.ExternalID
		d.hooks.EmitJobListed(ctx, j, elapsed)
		*listed = append(*listed, notify.Listing{
			JobID:      j.ID,
			ExternalID: result.ExternalID,
			ListedAt:   d.now().UTC(),
		})
		return
	}

	outcome := retry.Decide(j.RetryCount, j.MaxRetries, err)
	report.ErrorCount++
	st.failed.Add(1)
	report.Errors = append(report.Errors, JobError{JobID: j.ID, Message: err.Error()})

	if outcome.Requeue {
		if rerr := d.store.RequeueJob(ctx, j.ID, outcome.LastError); rerr != nil {
			d.logger.Error("requeue failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", rerr.Error()),
			)
			return
		}
		d.hooks.EmitJobRequeued(ctx, j, j.RetryCount+1, err)
		return
	}

	if ferr := d.store.FailJob(ctx, j.ID, outcome.LastError); ferr != nil {
		d.logger.Error("fail transition failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", ferr.Error()),
		)
		return
	}
	d.hooks.EmitJobFailed(ctx, j, err)
}

// paceItem waits out the base item delay plus any strategy jitter before
// the next marketplace call. The first item of a round is not delayed by
// the strategy.
func (d *Dispatcher) paceItem(ctx context.Context, strategy pacing.Strategy, i int) error {
	if d.pacer != nil {
		if err := d.pacer.Wait(ctx); err != nil {
			return err
		}
	}
	if strategy != nil && i > 0 {
		if err := sleepCtx(ctx, strategy.Delay(i)); err != nil {
			return err
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
