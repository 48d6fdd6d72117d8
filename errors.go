package lister

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("lister: no store configured")
	ErrStoreClosed     = errors.New("lister: store closed")
	ErrMigrationFailed = errors.New("lister: migration failed")

	// Not found errors.
	ErrJobNotFound      = errors.New("lister: job not found")
	ErrScheduleNotFound = errors.New("lister: schedule not found")
	ErrUploadNotFound   = errors.New("lister: csv upload not found")

	// Conflict errors.
	ErrJobAlreadyExists  = errors.New("lister: job already exists")
	ErrAlreadyClaimed    = errors.New("lister: job already claimed")
	ErrDuplicateSchedule = errors.New("lister: duplicate schedule name")

	// State errors.
	ErrInvalidState      = errors.New("lister: invalid state transition")
	ErrMissingExternalID = errors.New("lister: listed job requires an external id")
	ErrUploadSealed      = errors.New("lister: csv upload already finalized")
	ErrMissingColumns    = errors.New("lister: csv missing required columns")
	ErrRetriesExhausted  = errors.New("lister: max retries exceeded")
)
