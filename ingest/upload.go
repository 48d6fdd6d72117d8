// Package ingest handles bulk CSV intake: upload records, per-row
// validation results, and the streaming validator that produces them.
package ingest

import (
	"time"

	"github.com/xraph/lister"
	"github.com/xraph/lister/id"
)

// Status tracks an upload through validation.
type Status string

const (
	// StatusUploaded means the file is stored but not yet validated.
	StatusUploaded Status = "uploaded"
	// StatusProcessing means validation is running. Processing is the
	// visible lock: no second validator run starts while it is set.
	StatusProcessing Status = "processing"
	// StatusCompleted means every row was examined. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed means a structural error rejected the whole file.
	// Terminal.
	StatusFailed Status = "failed"
)

// Terminal reports whether the upload can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Upload is one bulk CSV submission.
type Upload struct {
	lister.Entity

	ID          id.UploadID `json:"id"`
	Submitter   string      `json:"submitter"`
	Filename    string      `json:"filename,omitempty"`
	ContentHash string      `json:"content_hash"`
	Status      Status      `json:"status"`

	TotalRows int `json:"total_rows"`
	ValidRows int `json:"valid_rows"`
	ErrorRows int `json:"error_rows"`

	// FailureReason is set when a structural error fails the upload.
	FailureReason string `json:"failure_reason,omitempty"`

	// Content is the raw file, kept so validation can resume by row
	// index after an interruption. Not exposed over the API.
	Content []byte `json:"-"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Row is the validation record for one data row. Rows are written once
// and never mutated afterward.
type Row struct {
	ID        id.RowID    `json:"id"`
	UploadID  id.UploadID `json:"upload_id"`
	RowNumber int         `json:"row_number"`
	RawFields []string    `json:"raw_fields"`

	// Parsed fields, populated when the row is valid.
	Title     string   `json:"title,omitempty"`
	Price     float64  `json:"price,omitempty"`
	Quantity  int      `json:"quantity,omitempty"`
	ImageURLs []string `json:"image_urls,omitempty"`

	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
