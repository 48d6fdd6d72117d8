// Package notify informs downstream systems about freshly published
// listings. Notification is fire-and-forget relative to job state: a
// failed delivery is logged and never rolls a job back.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/lister/id"
)

// Listing describes one job that reached the listed state.
type Listing struct {
	JobID      id.JobID  `json:"job_id"`
	ExternalID string    `json:"external_id"`
	ListedAt   time.Time `json:"listed_at"`
}

// Notifier receives the listings a dispatch round published.
type Notifier interface {
	NotifyListed(ctx context.Context, listings []Listing) error
}

// LogNotifier writes notifications to the log. It is the default when no
// downstream endpoint is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier on the given logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyListed(_ context.Context, listings []Listing) error {
	for _, l := range listings {
		n.logger.Info("listing published",
			slog.String("job_id", l.JobID.String()),
			slog.String("external_id", l.ExternalID),
		)
	}
	return nil
}
