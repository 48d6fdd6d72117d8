package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/lister/id"
	"github.com/xraph/lister/ingest"
	"github.com/xraph/lister/job"
	"github.com/xraph/lister/schedule"
)

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const jobColumns = `
	id, payload, state, priority, max_retries, retry_count,
	last_error, external_id, submitter, upload_id,
	scheduled_at, claimed_at, completed_at, timeout_ns,
	created_at, updated_at`

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j         job.Job
		rawID     string
		rawUpload string
		timeoutNs int64
	)
	err := row.Scan(
		&rawID, &j.Payload, &j.State, &j.Priority, &j.MaxRetries, &j.RetryCount,
		&j.LastError, &j.ExternalID, &j.Submitter, &rawUpload,
		&j.ScheduledAt, &j.ClaimedAt, &j.CompletedAt, &timeoutNs,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.ID, err = id.ParseJobID(rawID)
	if err != nil {
		return nil, fmt.Errorf("lister/postgres: parse job id %q: %w", rawID, err)
	}
	if rawUpload != "" {
		j.UploadID, err = id.ParseUploadID(rawUpload)
		if err != nil {
			return nil, fmt.Errorf("lister/postgres: parse upload id %q: %w", rawUpload, err)
		}
	}
	j.Timeout = time.Duration(timeoutNs)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// uploadIDString renders a possibly-nil upload reference for storage.
func uploadIDString(uploadID id.UploadID) string {
	if uploadID.IsNil() {
		return ""
	}
	return uploadID.String()
}

const scheduleColumns = `
	id, name, frequency, hour, minute, days_of_week, day_of_month,
	expression, next_execution_at, item_min, item_max,
	interval_min_ns, interval_max_ns, active, last_run_at,
	locked_by, locked_until, created_at, updated_at`

func scanSchedule(row rowScanner) (*schedule.Schedule, error) {
	var (
		sc          schedule.Schedule
		rawID       string
		days        []int32
		intervalMin int64
		intervalMax int64
	)
	err := row.Scan(
		&rawID, &sc.Name, &sc.Frequency, &sc.Hour, &sc.Minute, &days, &sc.DayOfMonth,
		&sc.Expression, &sc.NextExecutionAt, &sc.ItemMin, &sc.ItemMax,
		&intervalMin, &intervalMax, &sc.Active, &sc.LastRunAt,
		&sc.LockedBy, &sc.LockedUntil, &sc.CreatedAt, &sc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sc.ID, err = id.ParseScheduleID(rawID)
	if err != nil {
		return nil, fmt.Errorf("lister/postgres: parse schedule id %q: %w", rawID, err)
	}
	sc.DaysOfWeek = make([]time.Weekday, len(days))
	for i, d := range days {
		sc.DaysOfWeek[i] = time.Weekday(d)
	}
	sc.IntervalMin = time.Duration(intervalMin)
	sc.IntervalMax = time.Duration(intervalMax)
	return &sc, nil
}

func weekdaysToInts(days []time.Weekday) []int32 {
	out := make([]int32, len(days))
	for i, d := range days {
		out[i] = int32(d)
	}
	return out
}

const uploadColumns = `
	id, submitter, filename, content_hash, status,
	total_rows, valid_rows, error_rows, failure_reason, content,
	completed_at, created_at, updated_at`

func scanUpload(row rowScanner) (*ingest.Upload, error) {
	var (
		u     ingest.Upload
		rawID string
	)
	err := row.Scan(
		&rawID, &u.Submitter, &u.Filename, &u.ContentHash, &u.Status,
		&u.TotalRows, &u.ValidRows, &u.ErrorRows, &u.FailureReason, &u.Content,
		&u.CompletedAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	u.ID, err = id.ParseUploadID(rawID)
	if err != nil {
		return nil, fmt.Errorf("lister/postgres: parse upload id %q: %w", rawID, err)
	}
	return &u, nil
}

const uploadRowColumns = `
	id, upload_id, row_number, raw_fields, title, price, quantity,
	image_urls, is_valid, errors, warnings, created_at`

func scanUploadRow(row rowScanner) (*ingest.Row, error) {
	var (
		r         ingest.Row
		rawID     string
		rawUpload string
	)
	err := row.Scan(
		&rawID, &rawUpload, &r.RowNumber, &r.RawFields, &r.Title, &r.Price, &r.Quantity,
		&r.ImageURLs, &r.IsValid, &r.Errors, &r.Warnings, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ID, err = id.ParseRowID(rawID)
	if err != nil {
		return nil, fmt.Errorf("lister/postgres: parse row id %q: %w", rawID, err)
	}
	r.UploadID, err = id.ParseUploadID(rawUpload)
	if err != nil {
		return nil, fmt.Errorf("lister/postgres: parse upload id %q: %w", rawUpload, err)
	}
	return &r, nil
}

// notFoundOr maps a no-rows error to the given sentinel.
func notFoundOr(err error, sentinel error, op string) error {
	if isNoRows(err) {
		return sentinel
	}
	return fmt.Errorf("lister/postgres: %s: %w", op, err)
}
