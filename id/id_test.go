package id_test

import (
	"strings"
	"testing"

	"github.com/xraph/lister/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"JobID", id.NewJobID, "job_"},
		{"ScheduleID", id.NewScheduleID, "sched_"},
		{"UploadID", id.NewUploadID, "upl_"},
		{"RowID", id.NewRowID, "row_"},
		{"BatchID", id.NewBatchID, "batch_"},
		{"WorkerID", id.NewWorkerID, "wkr_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	i := id.New(id.PrefixJob)
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != id.PrefixJob {
		t.Errorf("expected prefix %q, got %q", id.PrefixJob, i.Prefix())
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"JobID", id.NewJobID, id.ParseJobID},
		{"ScheduleID", id.NewScheduleID, id.ParseScheduleID},
		{"UploadID", id.NewUploadID, id.ParseUploadID},
		{"RowID", id.NewRowID, id.ParseRowID},
		{"BatchID", id.NewBatchID, id.ParseBatchID},
		{"WorkerID", id.NewWorkerID, id.ParseWorkerID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"ParseJobID rejects sched_", id.NewScheduleID().String(), id.ParseJobID},
		{"ParseScheduleID rejects upl_", id.NewUploadID().String(), id.ParseScheduleID},
		{"ParseUploadID rejects row_", id.NewRowID().String(), id.ParseUploadID},
		{"ParseRowID rejects batch_", id.NewBatchID().String(), id.ParseRowID},
		{"ParseBatchID rejects wkr_", id.NewWorkerID().String(), id.ParseBatchID},
		{"ParseWorkerID rejects job_", id.NewJobID().String(), id.ParseWorkerID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.parseFn(tt.input)
			if err == nil {
				t.Errorf("expected error for cross-type parse of %q, got nil", tt.input)
			}
		})
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Fatal("zero value should be nil")
	}
	if i.String() != "" {
		t.Errorf("nil ID String() = %q, want empty", i.String())
	}

	v, err := i.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if v != nil {
		t.Errorf("nil ID Value() = %v, want nil", v)
	}
}

func TestScanRoundTrip(t *testing.T) {
	original := id.NewJobID()

	var scanned id.ID
	if err := scanned.Scan(original.String()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if scanned.String() != original.String() {
		t.Errorf("scan round-trip mismatch: %q != %q", scanned.String(), original.String())
	}

	var fromNil id.ID
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if !fromNil.IsNil() {
		t.Error("Scan(nil) should produce the nil ID")
	}
}
