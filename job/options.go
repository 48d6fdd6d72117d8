package job

import (
	"time"
)

// Options holds per-job settings applied at enqueue time.
type Options struct {
	MaxRetries  int
	Priority    int
	ScheduledAt time.Time
	Submitter   string
	Timeout     time.Duration
}

// DefaultOptions returns the options applied to jobs created without
// explicit overrides.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
	}
}

// Option mutates Options.
type Option func(*Options)

// WithMaxRetries sets the retry budget for the job.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// WithPriority sets the job's dispatch priority. Higher runs first.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithScheduledAt defers the job until the given time. The job is created
// in StateScheduled and promoted to pending once the time passes.
func WithScheduledAt(t time.Time) Option {
	return func(o *Options) { o.ScheduledAt = t }
}

// WithSubmitter records the identity that created the job.
func WithSubmitter(s string) Option {
	return func(o *Options) { o.Submitter = s }
}

// WithTimeout sets a per-job deadline for the marketplace call.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}
