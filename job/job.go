package job

import (
	"time"

	"github.com/xraph/lister"
	"github.com/xraph/lister/id"
)

// State represents the lifecycle state of a publication job.
//
// Transitions: Scheduled → Pending → Processing → {Listed | Pending | Failed}.
// Listed and Failed are terminal; Processing → Pending is a retry requeue.
// Cancelled is reachable only from Scheduled or Pending.
type State string

const (
	// StateScheduled means the job has a future trigger time and is not
	// yet eligible for dispatch.
	StateScheduled State = "scheduled"
	// StatePending means the job is waiting to be claimed by a dispatcher.
	StatePending State = "pending"
	// StateProcessing means a dispatcher has claimed the job and is
	// calling the marketplace.
	StateProcessing State = "processing"
	// StateListed means the marketplace accepted the listing. Terminal.
	StateListed State = "listed"
	// StateFailed means the job exhausted its retries. Terminal.
	StateFailed State = "failed"
	// StateCancelled means the job was withdrawn before dispatch. Terminal.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	return s == StateListed || s == StateFailed || s == StateCancelled
}

// Job represents one catalog entry queued for publication.
//
// Invariants maintained by the store: RetryCount never exceeds MaxRetries,
// and ExternalID is non-empty exactly when State is StateListed.
type Job struct {
	lister.Entity

	ID          id.JobID     `json:"id"`
	Payload     []byte       `json:"payload"`
	State       State        `json:"state"`
	Priority    int          `json:"priority"`
	MaxRetries  int          `json:"max_retries"`
	RetryCount  int          `json:"retry_count"`
	LastError   string       `json:"last_error,omitempty"`
	ExternalID  string       `json:"external_id,omitempty"`
	Submitter   string       `json:"submitter,omitempty"`
	UploadID    id.UploadID  `json:"upload_id,omitempty"`
	ScheduledAt *time.Time   `json:"scheduled_at,omitempty"`
	ClaimedAt   *time.Time   `json:"claimed_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// Due reports whether the job is eligible for dispatch at the given time:
// pending, with no trigger time or a trigger time that has passed.
func (j *Job) Due(now time.Time) bool {
	if j.State != StatePending {
		return false
	}
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}
