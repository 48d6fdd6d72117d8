package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/lister/job"
)

// Logging returns middleware that logs publish start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("publish started",
			slog.String("job_id", j.ID.String()),
			slog.String("submitter", j.Submitter),
			slog.Int("retry_count", j.RetryCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("publish failed",
				slog.String("job_id", j.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("publish completed",
				slog.String("job_id", j.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
