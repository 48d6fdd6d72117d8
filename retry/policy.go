// Package retry decides the fate of a failed publication attempt: requeue
// for another round, or terminal failure once the retry budget is spent.
//
// The policy is a pure function. It computes no delay of its own; pacing
// between attempts comes entirely from the dispatcher's item and batch
// delays and from the job waiting for the next dispatch round.
package retry

// ExhaustedSuffix is appended to a job's lastError when its retry budget
// is spent, so the terminal cause is distinguishable from a transient one.
const ExhaustedSuffix = " (retries exhausted)"

// Outcome is the policy's verdict for one failed attempt.
type Outcome struct {
	// Requeue is true when the job should return to pending with
	// RetryCount incremented.
	Requeue bool

	// LastError is the message to record on the job. For terminal
	// failures it carries the exhausted marker.
	LastError string
}

// Decide returns the outcome for a job that failed with cause after
// retryCount prior requeues out of a budget of maxRetries.
func Decide(retryCount, maxRetries int, cause error) Outcome {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if retryCount < maxRetries {
		return Outcome{Requeue: true, LastError: msg}
	}

	return Outcome{Requeue: false, LastError: msg + ExhaustedSuffix}
}
