// Package store defines the composite persistence interface for the
// publication engine. Backends implement the per-subsystem store
// interfaces (jobs, schedules, uploads) plus lifecycle management.
package store

import (
	"context"

	"github.com/xraph/lister/ingest"
	"github.com/xraph/lister/job"
	"github.com/xraph/lister/schedule"
)

// Store is the full persistence contract. A backend implements every
// subsystem store so the engine can run on a single connection pool.
type Store interface {
	job.Store
	schedule.Store
	ingest.Store

	// Migrate creates or upgrades the backing schema.
	Migrate(ctx context.Context) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
