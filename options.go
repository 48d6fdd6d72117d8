package lister

import (
	"context"
	"log/slog"
)

// Option configures a Publisher.
type Option func(*Publisher) error

// Storer is the minimal store interface held by the Publisher.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// runnerLoop is an internal interface for the background dispatch loop.
type runnerLoop interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// hookEmitter is an internal interface for hook lifecycle events.
type hookEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Publisher is the central handle for publication processing: the job
// queue, batch dispatch, recurring schedules, and CSV ingestion.
//
// Create one with New() and functional options. The Publisher holds
// references to subsystem components via internal interfaces to avoid
// import cycles. Use engine.Build to wire everything together.
type Publisher struct {
	config Config
	logger *slog.Logger
	store  Storer
	hooks  hookEmitter
	runner runnerLoop

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Publisher with the given options.
func New(opts ...Option) (*Publisher, error) {
	p := &Publisher{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Logger returns the publisher's logger.
func (p *Publisher) Logger() *slog.Logger { return p.logger }

// Store returns the publisher's store.
func (p *Publisher) Store() Storer { return p.store }

// Config returns a copy of the publisher's configuration.
func (p *Publisher) Config() Config { return p.config }

// SetRunner sets the background dispatch loop (called by the engine).
func (p *Publisher) SetRunner(r runnerLoop) { p.runner = r }

// SetHooks sets the hook emitter (called by the engine).
func (p *Publisher) SetHooks(h hookEmitter) { p.hooks = h }

// Start begins background dispatch processing.
func (p *Publisher) Start(ctx context.Context) error {
	if p.runner == nil {
		return ErrNoStore
	}
	if err := p.runner.Start(ctx); err != nil {
		return err
	}
	p.started = true
	return nil
}

// Stop gracefully shuts down the publisher.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.runner != nil && p.started {
		if err := p.runner.Stop(ctx); err != nil {
			p.logger.Error("runner stop error", "error", err)
		}
	}
	if p.hooks != nil {
		p.hooks.EmitShutdown(ctx)
	}
	if p.store != nil {
		return p.store.Close()
	}
	return nil
}

// WithBatchSize sets the number of jobs dispatched per batch.
func WithBatchSize(n int) Option {
	return func(p *Publisher) error {
		p.config.BatchSize = n
		return nil
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(p *Publisher) error {
		p.config = cfg
		return nil
	}
}

// WithLogger sets the structured logger for the publisher.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) error {
		p.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the publisher.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(p *Publisher) error {
		p.store = s
		return nil
	}
}
