package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/lister"
	"github.com/xraph/lister/id"
	"github.com/xraph/lister/ingest"
)

// CreateUpload persists a new upload record.
func (s *Store) CreateUpload(ctx context.Context, u *ingest.Upload) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lister_uploads (
			id, submitter, filename, content_hash, status,
			total_rows, valid_rows, error_rows, failure_reason, content,
			completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		u.ID.String(), u.Submitter, u.Filename, u.ContentHash, u.Status,
		u.TotalRows, u.ValidRows, u.ErrorRows, u.FailureReason, u.Content,
		u.CompletedAt, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("lister/postgres: create upload: %w", err)
	}
	return nil
}

// GetUpload retrieves an upload by ID.
func (s *Store) GetUpload(ctx context.Context, uploadID id.UploadID) (*ingest.Upload, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+uploadColumns+` FROM lister_uploads WHERE id = $1`,
		uploadID.String(),
	)
	u, err := scanUpload(row)
	if err != nil {
		return nil, notFoundOr(err, lister.ErrUploadNotFound, "get upload")
	}
	return u, nil
}

// GetUploadByHash retrieves the submitter's upload with the given content
// hash.
func (s *Store) GetUploadByHash(ctx context.Context, submitter, contentHash string) (*ingest.Upload, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+uploadColumns+` FROM lister_uploads
		 WHERE submitter = $1 AND content_hash = $2`,
		submitter, contentHash,
	)
	u, err := scanUpload(row)
	if err != nil {
		return nil, notFoundOr(err, lister.ErrUploadNotFound, "get upload by hash")
	}
	return u, nil
}

// UpdateUpload persists changes to an upload record.
func (s *Store) UpdateUpload(ctx context.Context, u *ingest.Upload) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE lister_uploads SET
			status = $2, total_rows = $3, valid_rows = $4, error_rows = $5,
			failure_reason = $6, completed_at = $7, updated_at = NOW()
		WHERE id = $1`,
		u.ID.String(), u.Status, u.TotalRows, u.ValidRows, u.ErrorRows,
		u.FailureReason, u.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("lister/postgres: update upload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lister.ErrUploadNotFound
	}
	return nil
}

// CreateRows persists a batch of row results in one round trip. The
// conflict clause makes a resumed validation pass idempotent: a row number
// already persisted for the upload is left untouched.
func (s *Store) CreateRows(ctx context.Context, rows []*ingest.Row) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO lister_upload_rows (
				id, upload_id, row_number, raw_fields, title, price, quantity,
				image_urls, is_valid, errors, warnings, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (upload_id, row_number) DO NOTHING`,
			r.ID.String(), r.UploadID.String(), r.RowNumber, r.RawFields,
			r.Title, r.Price, r.Quantity,
			r.ImageURLs, r.IsValid, r.Errors, r.Warnings, r.CreatedAt,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("lister/postgres: create rows: %w", err)
		}
	}
	return nil
}

// ListRows returns an upload's rows in row-number order.
func (s *Store) ListRows(ctx context.Context, uploadID id.UploadID, validOnly bool) ([]*ingest.Row, error) {
	query := `SELECT ` + uploadRowColumns + ` FROM lister_upload_rows WHERE upload_id = $1`
	if validOnly {
		query += ` AND is_valid`
	}
	query += ` ORDER BY row_number ASC`

	rows, err := s.pool.Query(ctx, query, uploadID.String())
	if err != nil {
		return nil, fmt.Errorf("lister/postgres: list rows: %w", err)
	}
	defer rows.Close()

	var out []*ingest.Row
	for rows.Next() {
		r, err := scanUploadRow(rows)
		if err != nil {
			return nil, fmt.Errorf("lister/postgres: list rows: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRows returns how many rows have been persisted for an upload.
func (s *Store) CountRows(ctx context.Context, uploadID id.UploadID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM lister_upload_rows WHERE upload_id = $1`,
		uploadID.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("lister/postgres: count rows: %w", err)
	}
	return n, nil
}
