package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xraph/lister"
	"github.com/xraph/lister/api"
	"github.com/xraph/lister/engine"
	"github.com/xraph/lister/marketplace"
	"github.com/xraph/lister/ratelimit"
	"github.com/xraph/lister/store/memory"
)

// newTestServer builds the full stack over an in-memory store with no
// pacing delays.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := lister.DefaultConfig()
	cfg.ItemDelay = 0
	cfg.BatchDelay = 0

	p, err := lister.New(
		lister.WithStore(memory.New()),
		lister.WithConfig(cfg),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng, err := engine.Build(p, ratelimit.NewMemory(1_000_000, 1_000_000), marketplace.NewMockAdapter())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	srv := httptest.NewServer(api.New(eng, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

// doJSON issues a request with an optional JSON body and the submitter
// header set, and decodes the response envelope's data into out.
func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Submitter", "alice")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Data != nil {
			if err := json.Unmarshal(env.Data, out); err != nil {
				t.Fatalf("decode data: %v", err)
			}
		}
	}
	return resp
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

func TestAPI_CreateAndGetJob(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	var created struct {
		ID        string `json:"id"`
		State     string `json:"state"`
		Submitter string `json:"submitter"`
	}
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs",
		map[string]any{"payload": map[string]any{"title": "widget"}, "priority": 3},
		&created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	if created.State != "pending" {
		t.Errorf("state = %q, want pending", created.State)
	}
	if created.Submitter != "alice" {
		t.Errorf("submitter = %q, want alice (from header)", created.Submitter)
	}

	var fetched struct {
		ID string `json:"id"`
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/jobs/"+created.ID, nil, &fetched)
	if resp.StatusCode != http.StatusOK || fetched.ID != created.ID {
		t.Fatalf("get = %d/%s, want 200/%s", resp.StatusCode, fetched.ID, created.ID)
	}
}

func TestAPI_CreateJobRejectsMissingPayload(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{"priority": 1}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAPI_GetJobErrors(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/v1/jobs/not-an-id", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed ID status = %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/jobs/job_00000000000000000000000000", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown ID status = %d, want 404", resp.StatusCode)
	}
}

func TestAPI_CancelTransitions(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	var created struct {
		ID string `json:"id"`
	}
	doJSON(t, http.MethodPost, srv.URL+"/v1/jobs",
		map[string]any{"payload": map[string]any{"title": "withdraw me"}}, &created)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs/"+created.ID+"/cancel", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel status = %d, want 204", resp.StatusCode)
	}

	// Cancelling a cancelled job is an invalid transition.
	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/jobs/"+created.ID+"/cancel", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double cancel status = %d, want 409", resp.StatusCode)
	}
}

// ──────────────────────────────────────────────────
// Batches
// ──────────────────────────────────────────────────

func TestAPI_StartBatchAndProgress(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	var jobIDs []string
	for i := range 3 {
		var created struct {
			ID string `json:"id"`
		}
		doJSON(t, http.MethodPost, srv.URL+"/v1/jobs",
			map[string]any{"payload": map[string]any{"title": fmt.Sprintf("item %d", i)}}, &created)
		jobIDs = append(jobIDs, created.ID)
	}

	var report struct {
		BatchID      string `json:"batch_id"`
		SuccessCount int    `json:"success_count"`
		ErrorCount   int    `json:"error_count"`
	}
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/batches",
		map[string]any{"job_ids": jobIDs, "test_mode": true}, &report)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("batch status = %d, want 200", resp.StatusCode)
	}
	if report.SuccessCount != 3 || report.ErrorCount != 0 {
		t.Fatalf("report = %+v, want 3 successes", report)
	}

	var progress struct {
		Done      bool `json:"done"`
		Processed int  `json:"processed"`
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/batches/"+report.BatchID+"/progress", nil, &progress)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("progress status = %d, want 200", resp.StatusCode)
	}
	if !progress.Done || progress.Processed != 3 {
		t.Fatalf("progress = %+v, want done with 3 processed", progress)
	}

	var counts map[string]int64
	doJSON(t, http.MethodGet, srv.URL+"/v1/jobs/counts", nil, &counts)
	if counts["listed"] != 3 {
		t.Errorf("listed count = %d, want 3", counts["listed"])
	}
}

func TestAPI_RateLimitStatus(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	var budgets []struct {
		Scope string `json:"scope"`
	}
	resp := doJSON(t, http.MethodGet, srv.URL+"/v1/ratelimit", nil, &budgets)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(budgets) != 2 {
		t.Fatalf("got %d budgets, want daily and hourly", len(budgets))
	}
}

// ──────────────────────────────────────────────────
// Uploads
// ──────────────────────────────────────────────────

func uploadCSV(t *testing.T, srv *httptest.Server, csv string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/uploads?filename=catalog.csv",
		strings.NewReader(csv))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Submitter", "alice")
	req.Header.Set("Content-Type", "text/csv")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Data != nil {
			if err := json.Unmarshal(env.Data, out); err != nil {
				t.Fatalf("decode data: %v", err)
			}
		}
	}
	return resp
}

func TestAPI_UploadValidateCreateJobs(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	csv := "title,price,quantity\nred bike,120.00,1\n,9.99,2\ndesk lamp,15.50,4\n"

	var upload struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		TotalRows int    `json:"total_rows"`
		ValidRows int    `json:"valid_rows"`
		ErrorRows int    `json:"error_rows"`
	}
	resp := uploadCSV(t, srv, csv, &upload)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201", resp.StatusCode)
	}
	if upload.Status != "completed" || upload.ValidRows != 2 || upload.ErrorRows != 1 {
		t.Fatalf("upload = %+v, want completed with 2 valid / 1 error", upload)
	}

	// Re-upload of the same bytes returns the prior upload.
	var dup struct {
		ID string `json:"id"`
	}
	resp = uploadCSV(t, srv, csv, &dup)
	if resp.StatusCode != http.StatusOK || dup.ID != upload.ID {
		t.Fatalf("duplicate = %d/%s, want 200 with prior upload %s", resp.StatusCode, dup.ID, upload.ID)
	}

	var jobs []struct {
		UploadID string `json:"upload_id"`
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/uploads/"+upload.ID+"/jobs", nil, &jobs)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create jobs status = %d, want 201", resp.StatusCode)
	}
	if len(jobs) != 2 {
		t.Fatalf("created %d jobs, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.UploadID != upload.ID {
			t.Errorf("job upload attribution = %q, want %s", j.UploadID, upload.ID)
		}
	}

	var rows []struct {
		IsValid bool `json:"is_valid"`
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/uploads/"+upload.ID+"/rows?valid=true", nil, &rows)
	if resp.StatusCode != http.StatusOK || len(rows) != 2 {
		t.Fatalf("valid rows = %d/%d, want 200 with 2 rows", resp.StatusCode, len(rows))
	}
}

func TestAPI_UploadStructuralFailure(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	var upload struct {
		Status        string `json:"status"`
		FailureReason string `json:"failure_reason"`
	}
	resp := uploadCSV(t, srv, "title,description\nred bike,nice\n", &upload)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if upload.Status != "failed" {
		t.Fatalf("upload status = %q, want failed", upload.Status)
	}
	if !strings.Contains(upload.FailureReason, "price") || !strings.Contains(upload.FailureReason, "quantity") {
		t.Errorf("failure reason %q does not name the missing columns", upload.FailureReason)
	}
}

// ──────────────────────────────────────────────────
// Schedules
// ──────────────────────────────────────────────────

func TestAPI_ScheduleLifecycle(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	body := map[string]any{
		"name":         "evening-drop",
		"frequency":    "daily",
		"hour":         20,
		"minute":       0,
		"item_min":     1,
		"item_max":     3,
		"interval_min": 0,
		"interval_max": 0,
		"active":       true,
	}

	var created struct {
		ID            string  `json:"id"`
		NextExecution *string `json:"next_execution_at"`
	}
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/schedules", body, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	if created.NextExecution == nil {
		t.Fatal("created schedule has no next execution time")
	}

	// Duplicate name conflicts.
	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/schedules", body, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}

	// Invalid definition is a bad request.
	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/schedules",
		map[string]any{"name": "bad", "frequency": "weekly"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid status = %d, want 400", resp.StatusCode)
	}

	// Fire it now against some pending jobs.
	for i := range 2 {
		doJSON(t, http.MethodPost, srv.URL+"/v1/jobs",
			map[string]any{"payload": map[string]any{"title": fmt.Sprintf("item %d", i)}}, nil)
	}
	var report struct {
		SuccessCount int `json:"success_count"`
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/schedules/"+created.ID+"/execute", nil, &report)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute status = %d, want 200", resp.StatusCode)
	}
	if report.SuccessCount < 1 || report.SuccessCount > 3 {
		t.Fatalf("dispatched %d, want within item bounds [1, 3]", report.SuccessCount)
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/v1/schedules/"+created.ID, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/schedules/"+created.ID, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted status = %d, want 404", resp.StatusCode)
	}
}
