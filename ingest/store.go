package ingest

import (
	"context"

	"github.com/xraph/lister/id"
)

// Store defines the persistence contract for uploads and their rows.
type Store interface {
	// CreateUpload persists a new upload record.
	CreateUpload(ctx context.Context, u *Upload) error

	// GetUpload retrieves an upload by ID.
	GetUpload(ctx context.Context, uploadID id.UploadID) (*Upload, error)

	// GetUploadByHash retrieves the submitter's upload with the given
	// content hash, or lister.ErrUploadNotFound.
	GetUploadByHash(ctx context.Context, submitter, contentHash string) (*Upload, error)

	// UpdateUpload persists changes to an upload record.
	UpdateUpload(ctx context.Context, u *Upload) error

	// CreateRows persists a batch of row results.
	CreateRows(ctx context.Context, rows []*Row) error

	// ListRows returns an upload's rows in row-number order. When
	// validOnly is set, only rows with IsValid true are returned.
	ListRows(ctx context.Context, uploadID id.UploadID, validOnly bool) ([]*Row, error)

	// CountRows returns how many rows have been persisted for an
	// upload. Validation uses this as its resume cursor.
	CountRows(ctx context.Context, uploadID id.UploadID) (int, error)
}
