package hook_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/lister/hook"
	"github.com/xraph/lister/id"
	"github.com/xraph/lister/job"
)

// listedOnly implements only the JobListed hook.
type listedOnly struct {
	listed int
}

func (e *listedOnly) Name() string { return "listed-only" }

func (e *listedOnly) OnJobListed(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.listed++
	return nil
}

// everything implements several hooks and can be told to fail.
type everything struct {
	enqueued, listed, failed, batches, shutdowns int
	fail                                         bool
}

func (e *everything) Name() string { return "everything" }

func (e *everything) OnJobEnqueued(context.Context, *job.Job) error {
	e.enqueued++
	if e.fail {
		return errors.New("boom")
	}
	return nil
}

func (e *everything) OnJobListed(context.Context, *job.Job, time.Duration) error {
	e.listed++
	return nil
}

func (e *everything) OnJobFailed(context.Context, *job.Job, error) error {
	e.failed++
	return nil
}

func (e *everything) OnBatchCompleted(_ context.Context, _ id.BatchID, _, _, _, _ int) error {
	e.batches++
	return nil
}

func (e *everything) OnShutdown(context.Context) error {
	e.shutdowns++
	return nil
}

func TestRegistry_EmitsOnlyImplementedHooks(t *testing.T) {
	t.Parallel()

	r := hook.NewRegistry(slog.Default())
	narrow := &listedOnly{}
	wide := &everything{}
	r.Register(narrow)
	r.Register(wide)

	ctx := context.Background()
	j := &job.Job{ID: id.NewJobID()}

	r.EmitJobEnqueued(ctx, j)
	r.EmitJobListed(ctx, j, time.Millisecond)
	r.EmitJobFailed(ctx, j, errors.New("gone"))
	r.EmitBatchCompleted(ctx, id.NewBatchID(), 4, 3, 1, 0)
	r.EmitShutdown(ctx)

	if narrow.listed != 1 {
		t.Errorf("narrow.listed = %d, want 1", narrow.listed)
	}
	if wide.enqueued != 1 || wide.listed != 1 || wide.failed != 1 || wide.batches != 1 || wide.shutdowns != 1 {
		t.Errorf("wide counts = %+v, want one of each", *wide)
	}
	if got := len(r.Extensions()); got != 2 {
		t.Errorf("Extensions() returned %d, want 2", got)
	}
}

func TestRegistry_HookErrorsAreSwallowed(t *testing.T) {
	t.Parallel()

	r := hook.NewRegistry(slog.Default())
	first := &everything{fail: true}
	second := &everything{}
	r.Register(first)
	r.Register(second)

	// A failing hook must not stop later extensions from being notified.
	r.EmitJobEnqueued(context.Background(), &job.Job{ID: id.NewJobID()})

	if first.enqueued != 1 {
		t.Errorf("first.enqueued = %d, want 1", first.enqueued)
	}
	if second.enqueued != 1 {
		t.Errorf("second.enqueued = %d, want 1 (failing hook blocked the chain)", second.enqueued)
	}
}
