package lister

import "time"

// Config holds configuration for the Publisher.
type Config struct {
	// BatchSize is the number of jobs dispatched per batch.
	BatchSize int

	// ItemDelay is the pause between jobs within a batch. It paces calls
	// against the external marketplace API.
	ItemDelay time.Duration

	// BatchDelay is the pause between consecutive batches.
	BatchDelay time.Duration

	// PollInterval is how often the background runner looks for due jobs.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// StaleClaimThreshold is how long a job may sit in processing before
	// it is considered abandoned and returned to pending.
	StaleClaimThreshold time.Duration

	// DefaultMaxRetries is applied to jobs created without an explicit
	// retry budget.
	DefaultMaxRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:           25,
		ItemDelay:           2 * time.Second,
		BatchDelay:          30 * time.Second,
		PollInterval:        5 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		StaleClaimThreshold: 5 * time.Minute,
		DefaultMaxRetries:   3,
	}
}
