package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/lister"
	"github.com/xraph/lister/id"
)

// Runner drives dispatch off the request path: on every poll interval it
// promotes due scheduled jobs, reaps stale claims, and runs a dispatch
// round over whatever is pending. The pacing sleeps therefore never
// block an interactive caller.
type Runner struct {
	dispatcher *Dispatcher
	config     lister.Config
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRunner creates a Runner over the given dispatcher.
func NewRunner(d *Dispatcher, cfg lister.Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		dispatcher: d,
		config:     cfg,
		logger:     logger,
	}
}

// Start launches the background loop. It returns immediately and is a
// no-op if already running.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.Info("dispatch runner started",
		slog.Duration("poll_interval", r.config.PollInterval),
		slog.Int("batch_size", r.config.BatchSize),
	)
	return nil
}

// Stop halts the loop, waiting up to the context deadline for an
// in-flight round to finish.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("dispatch runner stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher: shutdown timed out: %w", ctx.Err())
	}
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	now := r.dispatcher.now()

	if promoted, err := r.dispatcher.store.PromoteDueJobs(ctx, now); err != nil {
		r.logger.Error("promote due jobs", slog.String("error", err.Error()))
	} else if promoted > 0 {
		r.logger.Info("promoted due jobs", slog.Int("count", promoted))
	}

	if r.config.StaleClaimThreshold > 0 {
		if reaped, err := r.dispatcher.store.ReapStaleClaims(ctx, r.config.StaleClaimThreshold); err != nil {
			r.logger.Error("reap stale claims", slog.String("error", err.Error()))
		} else if reaped > 0 {
			r.logger.Warn("reaped stale claims", slog.Int("count", reaped))
		}
	}

	jobIDs, err := r.dispatcher.store.DueJobIDs(ctx, now, r.config.BatchSize)
	if err != nil {
		r.logger.Error("list due jobs", slog.String("error", err.Error()))
		return
	}
	if len(jobIDs) == 0 {
		return
	}

	if _, err := r.dispatcher.Dispatch(ctx, id.NewBatchID(), jobIDs, Options{}); err != nil {
		r.logger.Error("background dispatch round", slog.String("error", err.Error()))
	}
}
