package retry_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/xraph/lister/retry"
)

func TestDecide_RequeuesWhileBudgetRemains(t *testing.T) {
	cause := errors.New("marketplace timeout")

	tests := []struct {
		name        string
		retryCount  int
		maxRetries  int
		wantRequeue bool
	}{
		{"first failure", 0, 3, true},
		{"mid budget", 2, 3, true},
		{"last allowed retry", 2, 3, true},
		{"budget spent", 3, 3, false},
		{"zero budget", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := retry.Decide(tt.retryCount, tt.maxRetries, cause)
			if out.Requeue != tt.wantRequeue {
				t.Errorf("Requeue = %v, want %v", out.Requeue, tt.wantRequeue)
			}
		})
	}
}

func TestDecide_RecordsCause(t *testing.T) {
	out := retry.Decide(0, 3, errors.New("listing rejected"))
	if out.LastError != "listing rejected" {
		t.Errorf("LastError = %q, want %q", out.LastError, "listing rejected")
	}
	if strings.Contains(out.LastError, retry.ExhaustedSuffix) {
		t.Error("requeue outcome must not carry the exhausted marker")
	}
}

func TestDecide_MarksExhausted(t *testing.T) {
	out := retry.Decide(3, 3, errors.New("listing rejected"))
	if out.Requeue {
		t.Fatal("expected terminal failure")
	}
	want := "listing rejected" + retry.ExhaustedSuffix
	if out.LastError != want {
		t.Errorf("LastError = %q, want %q", out.LastError, want)
	}
}

func TestDecide_NilCause(t *testing.T) {
	out := retry.Decide(5, 3, nil)
	if out.Requeue {
		t.Fatal("expected terminal failure")
	}
	if !strings.HasSuffix(out.LastError, retry.ExhaustedSuffix) {
		t.Errorf("LastError = %q, want exhausted marker suffix", out.LastError)
	}
}
