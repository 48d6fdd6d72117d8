package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/xraph/lister"
	"github.com/xraph/lister/engine"
	"github.com/xraph/lister/id"
	"github.com/xraph/lister/ingest"
	"github.com/xraph/lister/job"
	"github.com/xraph/lister/marketplace"
	"github.com/xraph/lister/ratelimit"
	"github.com/xraph/lister/schedule"
	"github.com/xraph/lister/scope"
	"github.com/xraph/lister/store/memory"
)

// buildEngine wires an engine over an in-memory store with no pacing
// delays and an effectively unlimited quota.
func buildEngine(t *testing.T, adapter marketplace.Adapter, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()

	cfg := lister.DefaultConfig()
	cfg.ItemDelay = 0
	cfg.BatchDelay = 0

	s := memory.New()
	p, err := lister.New(
		lister.WithStore(s),
		lister.WithConfig(cfg),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	eng, err := engine.Build(p, ratelimit.NewMemory(1_000_000, 1_000_000), adapter, opts...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return eng, s
}

// ──────────────────────────────────────────────────
// Job creation
// ──────────────────────────────────────────────────

func TestCreateJob_CapturesSubmitterScope(t *testing.T) {
	t.Parallel()
	eng, _ := buildEngine(t, marketplace.NewMockAdapter())
	ctx := scope.WithSubmitter(context.Background(), "alice")

	j, err := eng.CreateJob(ctx, []byte(`{"title":"widget"}`))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if j.Submitter != "alice" {
		t.Errorf("submitter = %q, want alice", j.Submitter)
	}
	if j.State != job.StatePending {
		t.Errorf("state = %s, want pending", j.State)
	}
	if j.MaxRetries != lister.DefaultConfig().DefaultMaxRetries {
		t.Errorf("max retries = %d, want config default", j.MaxRetries)
	}
}

func TestCreateJob_RejectsInvalidJSON(t *testing.T) {
	t.Parallel()
	eng, _ := buildEngine(t, marketplace.NewMockAdapter())

	if _, err := eng.CreateJob(context.Background(), []byte(`{broken`)); err == nil {
		t.Fatal("expected error for invalid JSON payload")
	}
}

func TestCreateJob_FutureTriggerSchedulesInsteadOfPending(t *testing.T) {
	t.Parallel()
	eng, s := buildEngine(t, marketplace.NewMockAdapter())
	ctx := context.Background()

	at := time.Now().UTC().Add(time.Hour)
	j, err := eng.CreateJob(ctx, []byte(`{"title":"later"}`), job.WithScheduledAt(at))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if j.State != job.StateScheduled {
		t.Fatalf("state = %s, want scheduled", j.State)
	}

	// Not eligible for dispatch yet.
	ids, err := s.DueJobIDs(ctx, time.Now().UTC(), 0)
	if err != nil {
		t.Fatalf("DueJobIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("future job appeared in due set")
	}
}

// ──────────────────────────────────────────────────
// Batches
// ──────────────────────────────────────────────────

func TestStartBatch_TestModeNeverTouchesRealAdapter(t *testing.T) {
	t.Parallel()

	tripwire := marketplace.NewMockAdapter()
	tripwire.CreateFunc = func(int, []byte) (marketplace.CreateResult, error) {
		return marketplace.CreateResult{}, errors.New("real adapter called in test mode")
	}
	eng, _ := buildEngine(t, tripwire)
	ctx := context.Background()

	var jobIDs []id.JobID
	for i := range 3 {
		j, err := eng.CreateJob(ctx, fmt.Appendf(nil, `{"title":"item %d"}`, i))
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		jobIDs = append(jobIDs, j.ID)
	}

	report, err := eng.StartBatch(ctx, jobIDs, true)
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	if report.SuccessCount != 3 || report.ErrorCount != 0 {
		t.Fatalf("report = %+v, want 3 clean successes", report)
	}
	if tripwire.CreateCalls() != 0 {
		t.Errorf("real adapter saw %d calls in test mode", tripwire.CreateCalls())
	}

	counts, err := eng.JobCounts(ctx)
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts[job.StateListed] != 3 {
		t.Errorf("listed count = %d, want 3", counts[job.StateListed])
	}
}

func TestRequeueFailedJob_RunsAgainThroughBatch(t *testing.T) {
	t.Parallel()

	// Fails once, then succeeds.
	calls := 0
	m := marketplace.NewMockAdapter()
	m.CreateFunc = func(_ int, _ []byte) (marketplace.CreateResult, error) {
		calls++
		if calls == 1 {
			return marketplace.CreateResult{}, errors.New("marketplace down")
		}
		return marketplace.CreateResult{Success: true, ExternalID: "ext-retry"}, nil
	}

	eng, s := buildEngine(t, m)
	ctx := context.Background()

	j, err := eng.CreateJob(ctx, []byte(`{"title":"second chance"}`), job.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Zero retry budget: first attempt fails terminally.
	if _, err := eng.StartBatch(ctx, []id.JobID{j.ID}, false); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}

	// Manual requeue gives it a fresh budget and a second batch lists it.
	if err := eng.RequeueFailedJob(ctx, j.ID); err != nil {
		t.Fatalf("RequeueFailedJob: %v", err)
	}
	if _, err := eng.StartBatch(ctx, []id.JobID{j.ID}, false); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	got, _ = s.GetJob(ctx, j.ID)
	if got.State != job.StateListed || got.ExternalID != "ext-retry" {
		t.Fatalf("after requeue: %+v, want listed with ext-retry", got)
	}
}

// ──────────────────────────────────────────────────
// CSV ingestion
// ──────────────────────────────────────────────────

const testCSV = "title,price,quantity\n" +
	"red bike,120.00,1\n" +
	",9.99,2\n" + // missing title
	"desk lamp,15.50,4\n"

func TestUploadCSV_ValidatesAndCreatesJobsExplicitly(t *testing.T) {
	t.Parallel()
	eng, _ := buildEngine(t, marketplace.NewMockAdapter())
	ctx := scope.WithSubmitter(context.Background(), "alice")

	u, duplicate, err := eng.UploadCSV(ctx, "catalog.csv", []byte(testCSV))
	if err != nil {
		t.Fatalf("UploadCSV: %v", err)
	}
	if duplicate {
		t.Fatal("first upload reported as duplicate")
	}
	if u.Status != ingest.StatusCompleted {
		t.Fatalf("status = %s, want completed", u.Status)
	}
	if u.TotalRows != 3 || u.ValidRows != 2 || u.ErrorRows != 1 {
		t.Fatalf("counters = %d/%d/%d, want 3/2/1", u.TotalRows, u.ValidRows, u.ErrorRows)
	}

	// Validation alone creates no jobs.
	counts, _ := eng.JobCounts(ctx)
	if counts[job.StatePending] != 0 {
		t.Fatalf("%d jobs exist before the explicit create step", counts[job.StatePending])
	}

	jobs, err := eng.CreateJobsFromUpload(ctx, u.ID)
	if err != nil {
		t.Fatalf("CreateJobsFromUpload: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("created %d jobs, want 2 (valid rows only)", len(jobs))
	}
	for _, j := range jobs {
		if j.Submitter != "alice" {
			t.Errorf("job submitter = %q, want alice", j.Submitter)
		}
		if j.UploadID != u.ID {
			t.Errorf("job not attributed to upload")
		}
		if !strings.Contains(string(j.Payload), "title") {
			t.Errorf("payload %s missing title field", j.Payload)
		}
	}
}

func TestUploadCSV_DuplicateReturnsPriorUpload(t *testing.T) {
	t.Parallel()
	eng, _ := buildEngine(t, marketplace.NewMockAdapter())
	alice := scope.WithSubmitter(context.Background(), "alice")
	bob := scope.WithSubmitter(context.Background(), "bob")

	first, _, err := eng.UploadCSV(alice, "catalog.csv", []byte(testCSV))
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}

	again, duplicate, err := eng.UploadCSV(alice, "renamed.csv", []byte(testCSV))
	if err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	if !duplicate || again.ID != first.ID {
		t.Fatalf("re-upload = (%s, dup=%v), want prior upload %s", again.ID, duplicate, first.ID)
	}

	// Same bytes from a different submitter are a fresh upload.
	other, duplicate, err := eng.UploadCSV(bob, "catalog.csv", []byte(testCSV))
	if err != nil {
		t.Fatalf("bob upload: %v", err)
	}
	if duplicate || other.ID == first.ID {
		t.Fatal("cross-submitter upload treated as duplicate")
	}
}

func TestCreateJobsFromUpload_RejectsUnfinishedUpload(t *testing.T) {
	t.Parallel()
	eng, s := buildEngine(t, marketplace.NewMockAdapter())
	ctx := context.Background()

	u := &ingest.Upload{
		Entity:      lister.NewEntity(),
		ID:          id.NewUploadID(),
		Submitter:   "alice",
		ContentHash: "deadbeef",
		Status:      ingest.StatusProcessing,
		Content:     []byte(testCSV),
	}
	if err := s.CreateUpload(ctx, u); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}

	if _, err := eng.CreateJobsFromUpload(ctx, u.ID); !errors.Is(err, lister.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Schedules
// ──────────────────────────────────────────────────

func TestCreateSchedule_ComputesFirstExecution(t *testing.T) {
	t.Parallel()
	eng, _ := buildEngine(t, marketplace.NewMockAdapter())
	ctx := context.Background()

	sc := &schedule.Schedule{
		Name:        "evening-drop",
		Frequency:   schedule.FrequencyDaily,
		Hour:        20,
		ItemMin:     2,
		ItemMax:     5,
		IntervalMin: time.Second,
		IntervalMax: 2 * time.Second,
		Active:      true,
	}
	if err := eng.CreateSchedule(ctx, sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if sc.ID.IsNil() {
		t.Error("schedule not assigned an ID")
	}
	if sc.NextExecutionAt == nil || !sc.NextExecutionAt.After(time.Now().UTC()) {
		t.Errorf("next execution %v not strictly in the future", sc.NextExecutionAt)
	}

	bad := &schedule.Schedule{Name: "bad", Frequency: schedule.FrequencyWeekly}
	if err := eng.CreateSchedule(ctx, bad); err == nil {
		t.Error("weekly schedule without weekdays accepted")
	}
}

func TestExecuteScheduleNow_DispatchesWithinItemBounds(t *testing.T) {
	t.Parallel()
	eng, s := buildEngine(t, marketplace.NewMockAdapter())
	ctx := context.Background()

	for i := range 6 {
		if _, err := eng.CreateJob(ctx, fmt.Appendf(nil, `{"title":"item %d"}`, i)); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	sc := &schedule.Schedule{
		Name:      "manual-fire",
		Frequency: schedule.FrequencyDaily,
		Hour:      3,
		ItemMin:   2,
		ItemMax:   4,
		Active:    true,
	}
	if err := eng.CreateSchedule(ctx, sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	report, err := eng.ExecuteScheduleNow(ctx, sc.ID)
	if err != nil {
		t.Fatalf("ExecuteScheduleNow: %v", err)
	}
	if report.SuccessCount < 2 || report.SuccessCount > 4 {
		t.Fatalf("dispatched %d jobs, want within [2, 4]", report.SuccessCount)
	}

	listed, _ := s.CountJobs(ctx, job.CountOpts{State: job.StateListed})
	if listed != int64(report.SuccessCount) {
		t.Errorf("listed count %d does not match report %d", listed, report.SuccessCount)
	}
}

func TestExecuteScheduleNow_UnknownSchedule(t *testing.T) {
	t.Parallel()
	eng, _ := buildEngine(t, marketplace.NewMockAdapter())

	if _, err := eng.ExecuteScheduleNow(context.Background(), id.NewScheduleID()); !errors.Is(err, lister.ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound, got: %v", err)
	}
}
