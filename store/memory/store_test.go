package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/lister"
	"github.com/xraph/lister/id"
	"github.com/xraph/lister/ingest"
	"github.com/xraph/lister/job"
	"github.com/xraph/lister/schedule"
	"github.com/xraph/lister/store"
	"github.com/xraph/lister/store/memory"
)

var _ store.Store = (*memory.Store)(nil)

func newJob(state job.State) *job.Job {
	return &job.Job{
		Entity:     lister.NewEntity(),
		ID:         id.NewJobID(),
		Payload:    []byte(`{"title":"Widget"}`),
		State:      state,
		MaxRetries: 3,
	}
}

// ──────────────────────────────────────────────────
// Job state machine
// ──────────────────────────────────────────────────

func TestClaimJob_CompareAndSwap(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	j := newJob(job.StatePending)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	claimed, err := s.ClaimJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if claimed.State != job.StateProcessing {
		t.Errorf("claimed state = %s, want processing", claimed.State)
	}
	if claimed.ClaimedAt == nil {
		t.Error("ClaimedAt not set on claim")
	}

	if _, err := s.ClaimJob(ctx, j.ID); !errors.Is(err, lister.ErrAlreadyClaimed) {
		t.Fatalf("second claim: err = %v, want ErrAlreadyClaimed", err)
	}
}

func TestClaimJob_ConcurrentExactlyOneWinner(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	j := newJob(job.StatePending)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ClaimJob(ctx, j.ID); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, lister.ErrAlreadyClaimed) {
				t.Errorf("ClaimJob: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("%d concurrent claims won, want exactly 1", winners)
	}
}

func TestCompleteJob_SetsExternalIDOnlyWhenListed(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	j := newJob(job.StatePending)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	// Completing before claiming violates the state machine.
	if err := s.CompleteJob(ctx, j.ID, "ext-1"); !errors.Is(err, lister.ErrInvalidState) {
		t.Fatalf("complete from pending: err = %v, want ErrInvalidState", err)
	}

	if _, err := s.ClaimJob(ctx, j.ID); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	// A listed job must carry the marketplace identifier.
	if err := s.CompleteJob(ctx, j.ID, ""); !errors.Is(err, lister.ErrMissingExternalID) {
		t.Fatalf("complete without external ID: err = %v, want ErrMissingExternalID", err)
	}
	if got, _ := s.GetJob(ctx, j.ID); got.State != job.StateProcessing {
		t.Fatalf("state after refused completion = %s, want processing", got.State)
	}

	if err := s.CompleteJob(ctx, j.ID, "ext-1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateListed {
		t.Errorf("state = %s, want listed", got.State)
	}
	if got.ExternalID != "ext-1" {
		t.Errorf("external ID = %q, want ext-1", got.ExternalID)
	}
}

func TestRequeueJob_BoundsRetryCount(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	j := newJob(job.StatePending)
	j.MaxRetries = 2
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := s.ClaimJob(ctx, j.ID); err != nil {
			t.Fatalf("claim #%d: %v", attempt, err)
		}
		if err := s.RequeueJob(ctx, j.ID, "marketplace timeout"); err != nil {
			t.Fatalf("requeue #%d: %v", attempt, err)
		}
		got, _ := s.GetJob(ctx, j.ID)
		if got.RetryCount != attempt {
			t.Fatalf("retry count = %d after requeue #%d", got.RetryCount, attempt)
		}
		if got.RetryCount > got.MaxRetries {
			t.Fatalf("retry count %d exceeds max %d", got.RetryCount, got.MaxRetries)
		}
	}

	// Budget exhausted: a further requeue must be refused.
	if _, err := s.ClaimJob(ctx, j.ID); err != nil {
		t.Fatalf("final claim: %v", err)
	}
	if err := s.RequeueJob(ctx, j.ID, "again"); !errors.Is(err, lister.ErrRetriesExhausted) {
		t.Fatalf("requeue past budget: err = %v, want ErrRetriesExhausted", err)
	}
}

func TestFailAndRequeueFailedJob(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	j := newJob(job.StatePending)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimJob(ctx, j.ID); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if err := s.FailJob(ctx, j.ID, "gone (retries exhausted)"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.ExternalID != "" {
		t.Errorf("failed job has external ID %q", got.ExternalID)
	}

	if err := s.RequeueFailedJob(ctx, j.ID); err != nil {
		t.Fatalf("RequeueFailedJob: %v", err)
	}
	got, _ = s.GetJob(ctx, j.ID)
	if got.State != job.StatePending {
		t.Errorf("state after requeue = %s, want pending", got.State)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry count after requeue = %d, want 0", got.RetryCount)
	}

	// Only failed jobs can be replayed.
	if err := s.RequeueFailedJob(ctx, j.ID); !errors.Is(err, lister.ErrInvalidState) {
		t.Fatalf("replay of pending job: err = %v, want ErrInvalidState", err)
	}
}

func TestCancelJob_OnlyBeforeDispatch(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	pending := newJob(job.StatePending)
	future := time.Now().Add(time.Hour)
	scheduled := newJob(job.StateScheduled)
	scheduled.ScheduledAt = &future
	for _, j := range []*job.Job{pending, scheduled} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	if err := s.CancelJob(ctx, pending.ID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if err := s.CancelJob(ctx, scheduled.ID); err != nil {
		t.Fatalf("cancel scheduled: %v", err)
	}

	claimed := newJob(job.StatePending)
	if err := s.EnqueueJob(ctx, claimed); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimJob(ctx, claimed.ID); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if err := s.CancelJob(ctx, claimed.ID); !errors.Is(err, lister.ErrInvalidState) {
		t.Fatalf("cancel processing: err = %v, want ErrInvalidState", err)
	}
}

func TestPromoteDueJobs(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := newJob(job.StateScheduled)
	due.ScheduledAt = &past
	notDue := newJob(job.StateScheduled)
	notDue.ScheduledAt = &future
	for _, j := range []*job.Job{due, notDue} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	promoted, err := s.PromoteDueJobs(ctx, now)
	if err != nil {
		t.Fatalf("PromoteDueJobs: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("promoted %d jobs, want 1", promoted)
	}

	got, _ := s.GetJob(ctx, due.ID)
	if got.State != job.StatePending {
		t.Errorf("due job state = %s, want pending", got.State)
	}
	got, _ = s.GetJob(ctx, notDue.ID)
	if got.State != job.StateScheduled {
		t.Errorf("future job state = %s, want scheduled", got.State)
	}
}

func TestReapStaleClaims(t *testing.T) {
	t.Parallel()

	current := time.Now().UTC()
	clock := func() time.Time { return current }
	s := memory.New(memory.WithClock(clock))
	ctx := context.Background()

	j := newJob(job.StatePending)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimJob(ctx, j.ID); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	// Claim is fresh: nothing to reap.
	if reaped, _ := s.ReapStaleClaims(ctx, 5*time.Minute); reaped != 0 {
		t.Fatalf("reaped %d fresh claims, want 0", reaped)
	}

	current = current.Add(10 * time.Minute)
	reaped, err := s.ReapStaleClaims(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReapStaleClaims: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped %d claims, want 1", reaped)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StatePending {
		t.Errorf("reaped job state = %s, want pending", got.State)
	}
	if got.RetryCount != 0 {
		t.Errorf("reaping consumed a retry: count = %d", got.RetryCount)
	}
}

func TestDueJobIDs_PriorityOrder(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	low := newJob(job.StatePending)
	low.Priority = 1
	high := newJob(job.StatePending)
	high.Priority = 10
	high.CreatedAt = low.CreatedAt.Add(time.Second)
	for _, j := range []*job.Job{low, high} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	ids, err := s.DueJobIDs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("DueJobIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d due jobs, want 2", len(ids))
	}
	if ids[0] != high.ID {
		t.Errorf("first due job = %s, want the high-priority one", ids[0])
	}
}

func TestListJobs_FilterAndPaginate(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	base := time.Now().UTC()
	for i := range 5 {
		j := newJob(job.StatePending)
		j.Payload = []byte(fmt.Sprintf(`{"title":"item %d"}`, i))
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}
	failedJob := newJob(job.StatePending)
	if err := s.EnqueueJob(ctx, failedJob); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimJob(ctx, failedJob.ID); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if err := s.FailJob(ctx, failedJob.ID, "x"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	jobs, total, err := s.ListJobs(ctx, job.ListOpts{State: job.StatePending, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5 pending", total)
	}
	if len(jobs) != 2 {
		t.Errorf("page size = %d, want 2", len(jobs))
	}

	jobs, total, err = s.ListJobs(ctx, job.ListOpts{Search: "item 3"})
	if err != nil {
		t.Fatalf("ListJobs search: %v", err)
	}
	if total != 1 || len(jobs) != 1 {
		t.Errorf("search matched %d/%d, want 1/1", len(jobs), total)
	}
}

// ──────────────────────────────────────────────────
// Schedule locks
// ──────────────────────────────────────────────────

func TestScheduleLock_SingleOwner(t *testing.T) {
	t.Parallel()

	current := time.Now().UTC()
	clock := func() time.Time { return current }
	s := memory.New(memory.WithClock(clock))
	ctx := context.Background()

	sc := &schedule.Schedule{
		Entity:    lister.NewEntity(),
		ID:        id.NewScheduleID(),
		Name:      "nightly",
		Frequency: schedule.FrequencyDaily,
		Hour:      2,
		Active:    true,
	}
	if err := s.CreateSchedule(ctx, sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	a, b := id.NewWorkerID(), id.NewWorkerID()

	ok, err := s.AcquireScheduleLock(ctx, sc.ID, a, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = s.AcquireScheduleLock(ctx, sc.ID, b, time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("lock granted to a second owner while held")
	}

	// Re-entrant for the same owner.
	if ok, _ := s.AcquireScheduleLock(ctx, sc.ID, a, time.Minute); !ok {
		t.Fatal("holder could not refresh its own lock")
	}

	if err := s.ReleaseScheduleLock(ctx, sc.ID, a); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := s.AcquireScheduleLock(ctx, sc.ID, b, time.Minute); !ok {
		t.Fatal("lock not acquirable after release")
	}

	// Expired locks are free for the taking.
	current = current.Add(2 * time.Minute)
	if ok, _ := s.AcquireScheduleLock(ctx, sc.ID, a, time.Minute); !ok {
		t.Fatal("expired lock not reacquirable by another owner")
	}
}

// ──────────────────────────────────────────────────
// Upload rows
// ──────────────────────────────────────────────────

func TestCreateRows_IgnoresAlreadyPersistedRowNumbers(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	u := &ingest.Upload{
		Entity:      lister.NewEntity(),
		ID:          id.NewUploadID(),
		Submitter:   "seller-1",
		ContentHash: "abc123",
		Status:      ingest.StatusProcessing,
	}
	if err := s.CreateUpload(ctx, u); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}

	mkRow := func(n int) *ingest.Row {
		return &ingest.Row{
			ID: id.NewRowID(), UploadID: u.ID, RowNumber: n,
			RawFields: []string{"Widget", "1.00", "1"}, IsValid: true,
		}
	}

	if err := s.CreateRows(ctx, []*ingest.Row{mkRow(1), mkRow(2)}); err != nil {
		t.Fatalf("CreateRows: %v", err)
	}

	// A resumed run re-submits row 2 along with new rows; the overlap
	// must not duplicate.
	if err := s.CreateRows(ctx, []*ingest.Row{mkRow(2), mkRow(3)}); err != nil {
		t.Fatalf("CreateRows resume: %v", err)
	}

	count, err := s.CountRows(ctx, u.ID)
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}
	if count != 3 {
		t.Fatalf("row count = %d, want 3", count)
	}

	seen := map[int]int{}
	rows, err := s.ListRows(ctx, u.ID, false)
	if err != nil {
		t.Fatalf("ListRows: %v", err)
	}
	for _, r := range rows {
		seen[r.RowNumber]++
	}
	for n := 1; n <= 3; n++ {
		if seen[n] != 1 {
			t.Errorf("row %d persisted %d times, want 1", n, seen[n])
		}
	}
}

func TestCreateSchedule_DuplicateName(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	mk := func() *schedule.Schedule {
		return &schedule.Schedule{
			Entity:    lister.NewEntity(),
			ID:        id.NewScheduleID(),
			Name:      "nightly",
			Frequency: schedule.FrequencyDaily,
		}
	}
	if err := s.CreateSchedule(ctx, mk()); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if err := s.CreateSchedule(ctx, mk()); !errors.Is(err, lister.ErrDuplicateSchedule) {
		t.Fatalf("duplicate name: err = %v, want ErrDuplicateSchedule", err)
	}
}
