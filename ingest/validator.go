package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/lister"
	"github.com/xraph/lister/id"
)

// Column names the validator recognizes. Header matching is
// case-insensitive and ignores surrounding whitespace.
const (
	ColumnTitle       = "title"
	ColumnPrice       = "price"
	ColumnQuantity    = "quantity"
	ColumnDescription = "description"
	ColumnImageURLs   = "image_urls"
)

// requiredColumns must all be present in the header or the whole upload
// fails as a structural error.
var requiredColumns = []string{ColumnTitle, ColumnPrice, ColumnQuantity}

const (
	// maxTitleLength is advisory: longer titles warn but stay valid.
	maxTitleLength = 80

	// Plausibility ceilings. Values beyond these parse fine but warn.
	maxPlausiblePrice    = 1_000_000
	maxPlausibleQuantity = 10_000

	// urlListSeparator splits multi-value URL cells.
	urlListSeparator = "|"

	// defaultRowFlushSize is how many row results accumulate before a
	// store write. Keeping it bounded lets validation of a large file
	// be interrupted and resumed from the persisted row count.
	defaultRowFlushSize = 100
)

// Validator turns raw CSV content into an Upload with per-row results.
type Validator struct {
	store  Store
	logger *slog.Logger

	flushSize int
	now       func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithLogger sets the validator's logger.
func WithLogger(logger *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = logger }
}

// WithFlushSize sets how many rows buffer before a store write.
func WithFlushSize(n int) ValidatorOption {
	return func(v *Validator) {
		if n > 0 {
			v.flushSize = n
		}
	}
}

// WithClock overrides the validator's time source. Intended for tests.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a Validator backed by the given store.
func NewValidator(store Store, opts ...ValidatorOption) *Validator {
	v := &Validator{
		store:     store,
		logger:    slog.Default(),
		flushSize: defaultRowFlushSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Ingest records a new upload, deduplicating by content hash per
// submitter. A repeat of content the submitter already uploaded returns
// the prior upload with duplicate=true; it is not an error.
func (v *Validator) Ingest(ctx context.Context, submitter, filename string, content []byte) (u *Upload, duplicate bool, err error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	prior, err := v.store.GetUploadByHash(ctx, submitter, hash)
	if err == nil {
		return prior, true, nil
	}
	if !errors.Is(err, lister.ErrUploadNotFound) {
		return nil, false, fmt.Errorf("ingest: look up upload by hash: %w", err)
	}

	u = &Upload{
		Entity:      lister.NewEntity(),
		ID:          id.NewUploadID(),
		Submitter:   submitter,
		Filename:    filename,
		ContentHash: hash,
		Status:      StatusUploaded,
		Content:     content,
	}
	if err := v.store.CreateUpload(ctx, u); err != nil {
		return nil, false, fmt.Errorf("ingest: create upload: %w", err)
	}
	return u, false, nil
}

// Process validates an upload's rows and seals the record.
//
// A missing required column is structural: the upload moves straight to
// failed and no rows are written. Per-row problems never abort the run;
// each row is persisted with its errors and warnings. Rows already
// persisted by an interrupted earlier run are skipped, so Process can be
// called again to resume.
func (v *Validator) Process(ctx context.Context, uploadID id.UploadID) (*Upload, error) {
	u, err := v.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if u.Status.Terminal() {
		return nil, fmt.Errorf("%w: upload %s is %s", lister.ErrUploadSealed, u.ID, u.Status)
	}

	u.Status = StatusProcessing
	u.UpdatedAt = v.now().UTC()
	if err := v.store.UpdateUpload(ctx, u); err != nil {
		return nil, fmt.Errorf("ingest: mark processing: %w", err)
	}

	reader := csv.NewReader(bytes.NewReader(u.Content))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		reason := fmt.Sprintf("unreadable header: %v", err)
		u, ferr := v.failUpload(ctx, u, reason)
		if ferr != nil {
			return nil, ferr
		}
		return u, fmt.Errorf("ingest: %s", reason)
	}
	cols, missing := indexColumns(header)
	if len(missing) > 0 {
		u, ferr := v.failUpload(ctx, u, "missing required columns: "+strings.Join(missing, ", "))
		if ferr != nil {
			return nil, ferr
		}
		return u, fmt.Errorf("%w: %s", lister.ErrMissingColumns, strings.Join(missing, ", "))
	}

	// Resume cursor: rows written by an interrupted run stay written.
	persisted, err := v.store.CountRows(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("ingest: count rows: %w", err)
	}

	var (
		pending              []*Row
		rowNumber            int
		total, valid, failed int
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := v.store.CreateRows(ctx, pending); err != nil {
			return fmt.Errorf("ingest: persist rows: %w", err)
		}
		pending = pending[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			// Leave the upload in processing; a later call resumes.
			if ferr := flush(); ferr != nil {
				return nil, ferr
			}
			return nil, err
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			reason := fmt.Sprintf("unreadable row %d: %v", rowNumber+1, err)
			u, ferr := v.failUpload(ctx, u, reason)
			if ferr != nil {
				return nil, ferr
			}
			return u, fmt.Errorf("ingest: %s", reason)
		}
		rowNumber++

		row := validateRow(record, cols)
		row.ID = id.NewRowID()
		row.UploadID = u.ID
		row.RowNumber = rowNumber
		row.CreatedAt = v.now().UTC()

		total++
		if row.IsValid {
			valid++
		} else {
			failed++
		}

		if rowNumber <= persisted {
			continue
		}
		pending = append(pending, row)
		if len(pending) >= v.flushSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	now := v.now().UTC()
	u.Status = StatusCompleted
	u.TotalRows = total
	u.ValidRows = valid
	u.ErrorRows = failed
	u.CompletedAt = &now
	u.UpdatedAt = now
	if err := v.store.UpdateUpload(ctx, u); err != nil {
		return nil, fmt.Errorf("ingest: complete upload: %w", err)
	}

	v.logger.Info("upload validated",
		slog.String("upload_id", u.ID.String()),
		slog.Int("total_rows", total),
		slog.Int("valid_rows", valid),
		slog.Int("error_rows", failed),
	)
	return u, nil
}

func (v *Validator) failUpload(ctx context.Context, u *Upload, reason string) (*Upload, error) {
	now := v.now().UTC()
	u.Status = StatusFailed
	u.FailureReason = reason
	u.CompletedAt = &now
	u.UpdatedAt = now
	if err := v.store.UpdateUpload(ctx, u); err != nil {
		return nil, fmt.Errorf("ingest: fail upload: %w", err)
	}
	v.logger.Warn("upload rejected",
		slog.String("upload_id", u.ID.String()),
		slog.String("reason", reason),
	)
	return u, nil
}

// indexColumns maps recognized column names to their position and
// reports which required columns are absent.
func indexColumns(header []string) (map[string]int, []string) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	var missing []string
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	return cols, missing
}

func fieldAt(record []string, cols map[string]int, name string) (string, bool) {
	idx, ok := cols[name]
	if !ok || idx >= len(record) {
		return "", false
	}
	return strings.TrimSpace(record[idx]), true
}

// validateRow applies the field rules to one data record. The returned
// row always carries the raw fields; errors make it invalid, warnings
// do not.
func validateRow(record []string, cols map[string]int) *Row {
	row := &Row{RawFields: record}

	title, _ := fieldAt(record, cols, ColumnTitle)
	if title == "" {
		row.Errors = append(row.Errors, "title is required")
	} else {
		row.Title = title
		if len(title) > maxTitleLength {
			row.Warnings = append(row.Warnings,
				fmt.Sprintf("title exceeds %d characters and may be truncated", maxTitleLength))
		}
	}

	if raw, _ := fieldAt(record, cols, ColumnPrice); raw == "" {
		row.Errors = append(row.Errors, "price is required")
	} else if price, err := strconv.ParseFloat(raw, 64); err != nil {
		row.Errors = append(row.Errors, fmt.Sprintf("price %q is not a number", raw))
	} else if price <= 0 {
		row.Errors = append(row.Errors, fmt.Sprintf("price must be positive, got %v", price))
	} else {
		row.Price = price
		if price > maxPlausiblePrice {
			row.Warnings = append(row.Warnings, fmt.Sprintf("price %v looks implausibly large", price))
		}
	}

	if raw, _ := fieldAt(record, cols, ColumnQuantity); raw == "" {
		row.Errors = append(row.Errors, "quantity is required")
	} else if qty, err := strconv.Atoi(raw); err != nil {
		row.Errors = append(row.Errors, fmt.Sprintf("quantity %q is not an integer", raw))
	} else if qty <= 0 {
		row.Errors = append(row.Errors, fmt.Sprintf("quantity must be positive, got %d", qty))
	} else {
		row.Quantity = qty
		if qty > maxPlausibleQuantity {
			row.Warnings = append(row.Warnings, fmt.Sprintf("quantity %d looks implausibly large", qty))
		}
	}

	if raw, ok := fieldAt(record, cols, ColumnImageURLs); ok && raw != "" {
		for _, entry := range strings.Split(raw, urlListSeparator) {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			parsed, err := url.Parse(entry)
			if err != nil || parsed.Scheme == "" || parsed.Host == "" {
				row.Warnings = append(row.Warnings, fmt.Sprintf("image URL %q is malformed", entry))
				continue
			}
			row.ImageURLs = append(row.ImageURLs, entry)
		}
	}

	row.IsValid = len(row.Errors) == 0
	return row
}
