// Package memory provides an in-memory Store implementation.
// It is safe for concurrent use and intended for development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xraph/lister"
	"github.com/xraph/lister/id"
	"github.com/xraph/lister/ingest"
	"github.com/xraph/lister/job"
	"github.com/xraph/lister/schedule"
)

// Store keeps all records in process memory, guarded by a single mutex.
// Claim and lock operations are compare-and-swap under that mutex, which
// makes them linearizable within the process.
type Store struct {
	mu     sync.RWMutex
	closed bool
	now    func() time.Time

	jobs      map[id.JobID]*job.Job
	schedules map[id.ScheduleID]*schedule.Schedule
	uploads   map[id.UploadID]*ingest.Upload
	rows      map[id.UploadID][]*ingest.Row
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		now:       time.Now,
		jobs:      make(map[id.JobID]*job.Job),
		schedules: make(map[id.ScheduleID]*schedule.Schedule),
		uploads:   make(map[id.UploadID]*ingest.Upload),
		rows:      make(map[id.UploadID][]*ingest.Row),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return lister.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Data is retained for inspection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return lister.ErrStoreClosed
	}
	return nil
}

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

func copyJob(j *job.Job) *job.Job {
	cp := *j
	return &cp
}

func (s *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, exists := s.jobs[j.ID]; exists {
		return lister.ErrJobAlreadyExists
	}
	s.jobs[j.ID] = copyJob(j)
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, lister.ErrJobNotFound
	}
	return copyJob(j), nil
}

func (s *Store) UpdateJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.jobs[j.ID]; !ok {
		return lister.ErrJobNotFound
	}
	cp := copyJob(j)
	cp.UpdatedAt = s.now().UTC()
	s.jobs[j.ID] = cp
	return nil
}

func (s *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.jobs[jobID]; !ok {
		return lister.ErrJobNotFound
	}
	delete(s.jobs, jobID)
	return nil
}

func (s *Store) PromoteDueJobs(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	promoted := 0
	for _, j := range s.jobs {
		if j.State == job.StateScheduled && j.ScheduledAt != nil && !j.ScheduledAt.After(now) {
			j.State = job.StatePending
			j.UpdatedAt = s.now().UTC()
			promoted++
		}
	}
	return promoted, nil
}

// ClaimJob is the compare-and-swap at the heart of dispatch: exactly one
// concurrent caller wins a pending job.
func (s *Store) ClaimJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, lister.ErrJobNotFound
	}
	if j.State != job.StatePending {
		return nil, lister.ErrAlreadyClaimed
	}
	now := s.now().UTC()
	j.State = job.StateProcessing
	j.ClaimedAt = &now
	j.UpdatedAt = now
	return copyJob(j), nil
}

func (s *Store) CompleteJob(_ context.Context, jobID id.JobID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return lister.ErrJobNotFound
	}
	if j.State != job.StateProcessing {
		return lister.ErrInvalidState
	}
	if externalID == "" {
		return lister.ErrMissingExternalID
	}
	now := s.now().UTC()
	j.State = job.StateListed
	j.ExternalID = externalID
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *Store) RequeueJob(_ context.Context, jobID id.JobID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return lister.ErrJobNotFound
	}
	if j.State != job.StateProcessing {
		return lister.ErrInvalidState
	}
	if j.RetryCount >= j.MaxRetries {
		return lister.ErrRetriesExhausted
	}
	j.State = job.StatePending
	j.RetryCount++
	j.LastError = lastError
	j.ClaimedAt = nil
	j.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) FailJob(_ context.Context, jobID id.JobID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return lister.ErrJobNotFound
	}
	if j.State != job.StateProcessing {
		return lister.ErrInvalidState
	}
	now := s.now().UTC()
	j.State = job.StateFailed
	j.LastError = lastError
	j.ClaimedAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *Store) RequeueFailedJob(_ context.Context, jobID id.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return lister.ErrJobNotFound
	}
	if j.State != job.StateFailed {
		return lister.ErrInvalidState
	}
	j.State = job.StatePending
	j.RetryCount = 0
	j.CompletedAt = nil
	j.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) CancelJob(_ context.Context, jobID id.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return lister.ErrJobNotFound
	}
	if j.State != job.StatePending && j.State != job.StateScheduled {
		return lister.ErrInvalidState
	}
	j.State = job.StateCancelled
	j.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, 0, err
	}

	var matched []*job.Job
	for _, j := range s.jobs {
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Search != "" && !strings.Contains(string(j.Payload), opts.Search) {
			continue
		}
		matched = append(matched, copyJob(j))
	}
	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.Before(matched[k].CreatedAt)
	})

	total := int64(len(matched))
	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}
	return matched, total, nil
}

func (s *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	for _, j := range s.jobs {
		if opts.State == "" || j.State == opts.State {
			n++
		}
	}
	return n, nil
}

func (s *Store) DueJobIDs(_ context.Context, now time.Time, limit int) ([]id.JobID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var due []*job.Job
	for _, j := range s.jobs {
		if j.Due(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].Priority != due[k].Priority {
			return due[i].Priority > due[k].Priority
		}
		return due[i].CreatedAt.Before(due[k].CreatedAt)
	})

	if limit > 0 && limit < len(due) {
		due = due[:limit]
	}
	ids := make([]id.JobID, len(due))
	for i, j := range due {
		ids[i] = j.ID
	}
	return ids, nil
}

func (s *Store) ReapStaleClaims(_ context.Context, threshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-threshold)
	reaped := 0
	for _, j := range s.jobs {
		if j.State == job.StateProcessing && j.ClaimedAt != nil && j.ClaimedAt.Before(cutoff) {
			// The claim owner went away; return the job without
			// consuming a retry.
			j.State = job.StatePending
			j.ClaimedAt = nil
			j.UpdatedAt = s.now().UTC()
			reaped++
		}
	}
	return reaped, nil
}

// ──────────────────────────────────────────────────
// Schedule store
// ──────────────────────────────────────────────────

func copySchedule(sc *schedule.Schedule) *schedule.Schedule {
	cp := *sc
	cp.DaysOfWeek = append([]time.Weekday(nil), sc.DaysOfWeek...)
	return &cp
}

func (s *Store) CreateSchedule(_ context.Context, sc *schedule.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, existing := range s.schedules {
		if existing.Name == sc.Name {
			return lister.ErrDuplicateSchedule
		}
	}
	s.schedules[sc.ID] = copySchedule(sc)
	return nil
}

func (s *Store) GetSchedule(_ context.Context, scheduleID id.ScheduleID) (*schedule.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	sc, ok := s.schedules[scheduleID]
	if !ok {
		return nil, lister.ErrScheduleNotFound
	}
	return copySchedule(sc), nil
}

func (s *Store) UpdateSchedule(_ context.Context, sc *schedule.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.schedules[sc.ID]; !ok {
		return lister.ErrScheduleNotFound
	}
	cp := copySchedule(sc)
	cp.UpdatedAt = s.now().UTC()
	s.schedules[sc.ID] = cp
	return nil
}

func (s *Store) DeleteSchedule(_ context.Context, scheduleID id.ScheduleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.schedules[scheduleID]; !ok {
		return lister.ErrScheduleNotFound
	}
	delete(s.schedules, scheduleID)
	return nil
}

func (s *Store) ListSchedules(_ context.Context) ([]*schedule.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]*schedule.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, copySchedule(sc))
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

func (s *Store) AcquireScheduleLock(_ context.Context, scheduleID id.ScheduleID, owner id.WorkerID, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	sc, ok := s.schedules[scheduleID]
	if !ok {
		return false, lister.ErrScheduleNotFound
	}
	now := s.now().UTC()
	if sc.LockedUntil != nil && sc.LockedUntil.After(now) && sc.LockedBy != owner.String() {
		return false, nil
	}
	until := now.Add(ttl)
	sc.LockedBy = owner.String()
	sc.LockedUntil = &until
	return true, nil
}

func (s *Store) ReleaseScheduleLock(_ context.Context, scheduleID id.ScheduleID, owner id.WorkerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	sc, ok := s.schedules[scheduleID]
	if !ok {
		return lister.ErrScheduleNotFound
	}
	if sc.LockedBy == owner.String() {
		sc.LockedBy = ""
		sc.LockedUntil = nil
	}
	return nil
}

func (s *Store) MarkScheduleFired(_ context.Context, scheduleID id.ScheduleID, firedAt, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	sc, ok := s.schedules[scheduleID]
	if !ok {
		return lister.ErrScheduleNotFound
	}
	fired := firedAt.UTC()
	nextAt := next.UTC()
	sc.LastRunAt = &fired
	sc.NextExecutionAt = &nextAt
	sc.UpdatedAt = s.now().UTC()
	return nil
}

// ──────────────────────────────────────────────────
// Ingest store
// ──────────────────────────────────────────────────

func copyUpload(u *ingest.Upload) *ingest.Upload {
	cp := *u
	return &cp
}

func copyRow(r *ingest.Row) *ingest.Row {
	cp := *r
	cp.RawFields = append([]string(nil), r.RawFields...)
	cp.Errors = append([]string(nil), r.Errors...)
	cp.Warnings = append([]string(nil), r.Warnings...)
	cp.ImageURLs = append([]string(nil), r.ImageURLs...)
	return &cp
}

func (s *Store) CreateUpload(_ context.Context, u *ingest.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.uploads[u.ID] = copyUpload(u)
	return nil
}

func (s *Store) GetUpload(_ context.Context, uploadID id.UploadID) (*ingest.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	u, ok := s.uploads[uploadID]
	if !ok {
		return nil, lister.ErrUploadNotFound
	}
	return copyUpload(u), nil
}

func (s *Store) GetUploadByHash(_ context.Context, submitter, contentHash string) (*ingest.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	for _, u := range s.uploads {
		if u.Submitter == submitter && u.ContentHash == contentHash {
			return copyUpload(u), nil
		}
	}
	return nil, lister.ErrUploadNotFound
}

func (s *Store) UpdateUpload(_ context.Context, u *ingest.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.uploads[u.ID]; !ok {
		return lister.ErrUploadNotFound
	}
	s.uploads[u.ID] = copyUpload(u)
	return nil
}

func (s *Store) CreateRows(_ context.Context, rows []*ingest.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, r := range rows {
		if hasRowNumber(s.rows[r.UploadID], r.RowNumber) {
			continue
		}
		s.rows[r.UploadID] = append(s.rows[r.UploadID], copyRow(r))
	}
	return nil
}

// hasRowNumber reports whether a row with the given number was already
// persisted for the upload. Resumed validation runs re-submit rows they
// overlap with; duplicates are dropped, matching the unique
// (upload_id, row_number) constraint of the Postgres store.
func hasRowNumber(rows []*ingest.Row, n int) bool {
	for _, r := range rows {
		if r.RowNumber == n {
			return true
		}
	}
	return false
}

func (s *Store) ListRows(_ context.Context, uploadID id.UploadID, validOnly bool) ([]*ingest.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*ingest.Row
	for _, r := range s.rows[uploadID] {
		if validOnly && !r.IsValid {
			continue
		}
		out = append(out, copyRow(r))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RowNumber < out[k].RowNumber })
	return out, nil
}

func (s *Store) CountRows(_ context.Context, uploadID id.UploadID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return len(s.rows[uploadID]), nil
}
