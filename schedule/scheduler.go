package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/lister/id"
)

// FireFunc is invoked for each schedule whose firing time has arrived.
// The scheduler holds the schedule's advisory lock while it runs.
type FireFunc func(ctx context.Context, s *Schedule, firedAt time.Time) error

// Scheduler polls the store for due schedules and fires them.
//
// Every firing is guarded by a per-schedule advisory lock so that when
// several scheduler instances share one store, exactly one of them fires
// each due schedule.
type Scheduler struct {
	store    Store
	fire     FireFunc
	logger   *slog.Logger
	workerID id.WorkerID

	interval time.Duration
	lockTTL  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithPollInterval sets how often the scheduler checks for due schedules.
func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithLockTTL sets how long a firing lock is held before it expires.
func WithLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock overrides the scheduler's time source. Intended for tests.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler that calls fire for each due schedule.
func NewScheduler(store Store, fire FireFunc, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		fire:     fire,
		logger:   slog.Default(),
		workerID: id.NewWorkerID(),
		interval: 30 * time.Second,
		lockTTL:  5 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the polling loop. It is a no-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("scheduler started",
		slog.String("worker_id", s.workerID.String()),
		slog.Duration("poll_interval", s.interval),
	)
}

// Stop halts the polling loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped", slog.String("worker_id", s.workerID.String()))
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every active schedule whose NextExecutionAt has passed.
func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.logger.Error("scheduler: list schedules", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, sched := range schedules {
		if !sched.Active || sched.NextExecutionAt == nil || sched.NextExecutionAt.After(now) {
			continue
		}
		s.fireOne(ctx, sched, now)
	}
}

func (s *Scheduler) fireOne(ctx context.Context, sched *Schedule, firedAt time.Time) {
	acquired, err := s.store.AcquireScheduleLock(ctx, sched.ID, s.workerID, s.lockTTL)
	if err != nil {
		s.logger.Error("scheduler: acquire lock",
			slog.String("schedule_id", sched.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !acquired {
		// Another instance is firing this schedule.
		return
	}
	defer func() {
		if err := s.store.ReleaseScheduleLock(ctx, sched.ID, s.workerID); err != nil {
			s.logger.Warn("scheduler: release lock",
				slog.String("schedule_id", sched.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}()

	if err := s.fire(ctx, sched, firedAt); err != nil {
		s.logger.Error("scheduler: fire",
			slog.String("schedule_id", sched.ID.String()),
			slog.String("schedule", sched.Name),
			slog.String("error", err.Error()),
		)
		// Fall through: the next execution is still recomputed so a
		// persistently failing schedule cannot busy-loop every tick.
	}

	// Recompute from the actual fire time so late firings do not shift
	// every later one.
	next, err := NextExecution(firedAt, sched)
	if err != nil {
		s.logger.Error("scheduler: compute next execution",
			slog.String("schedule_id", sched.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := s.store.MarkScheduleFired(ctx, sched.ID, firedAt, next); err != nil {
		s.logger.Error("scheduler: mark fired",
			slog.String("schedule_id", sched.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("schedule fired",
		slog.String("schedule_id", sched.ID.String()),
		slog.String("schedule", sched.Name),
		slog.Time("next_execution_at", next),
	)
}
