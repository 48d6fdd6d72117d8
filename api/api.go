// Package api exposes the publication engine over HTTP: job and batch
// management, CSV uploads, schedules, quota status, and a WebSocket
// stream of live batch progress.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/lister/engine"
	"github.com/xraph/lister/id"
	"github.com/xraph/lister/job"
	"github.com/xraph/lister/schedule"
	"github.com/xraph/lister/scope"
)

// maxUploadBytes bounds the accepted CSV body.
const maxUploadBytes = 32 << 20

// API wires all HTTP handlers for the publication engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// New creates an API from an Engine.
func New(eng *engine.Engine, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{eng: eng, logger: logger}
}

// Handler returns the fully assembled router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(a.recovery)
	r.Use(submitterScope)

	r.Get("/v1/health", a.health)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", a.createJob)
		r.Get("/", a.listJobs)
		r.Get("/counts", a.jobCounts)
		r.Get("/{jobID}", a.getJob)
		r.Post("/{jobID}/cancel", a.cancelJob)
		r.Post("/{jobID}/requeue", a.requeueJob)
	})

	r.Route("/v1/batches", func(r chi.Router) {
		r.Post("/", a.startBatch)
		r.Get("/{batchID}/progress", a.batchProgress)
		r.Get("/{batchID}/stream", a.streamBatchProgress)
	})

	r.Route("/v1/uploads", func(r chi.Router) {
		r.Post("/", a.uploadCSV)
		r.Get("/{uploadID}", a.getUpload)
		r.Get("/{uploadID}/rows", a.listUploadRows)
		r.Post("/{uploadID}/resume", a.resumeUpload)
		r.Post("/{uploadID}/jobs", a.createJobsFromUpload)
	})

	r.Route("/v1/schedules", func(r chi.Router) {
		r.Post("/", a.createSchedule)
		r.Get("/", a.listSchedules)
		r.Get("/{scheduleID}", a.getSchedule)
		r.Put("/{scheduleID}", a.updateSchedule)
		r.Delete("/{scheduleID}", a.deleteSchedule)
		r.Post("/{scheduleID}/execute", a.executeSchedule)
	})

	r.Get("/v1/ratelimit", a.rateLimitStatus)

	return r
}

// recovery converts handler panics into 500 responses.
func (a *API) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				a.logger.Error("handler panic",
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
				)
				respondError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// submitterScope carries the X-Submitter header on the request context
// for job attribution and per-submitter upload dedup.
func submitterScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if submitter := r.Header.Get("X-Submitter"); submitter != "" {
			r = r.WithContext(scope.WithSubmitter(r.Context(), submitter))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

type createJobRequest struct {
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxRetries  *int            `json:"max_retries,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	TimeoutMs   int64           `json:"timeout_ms,omitempty"`
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("decode body: %v", err))
		return
	}
	if len(req.Payload) == 0 {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "payload is required")
		return
	}

	opts := []job.Option{job.WithPriority(req.Priority)}
	if req.MaxRetries != nil {
		opts = append(opts, job.WithMaxRetries(*req.MaxRetries))
	}
	if req.ScheduledAt != nil {
		opts = append(opts, job.WithScheduledAt(*req.ScheduledAt))
	}
	if req.TimeoutMs > 0 {
		opts = append(opts, job.WithTimeout(time.Duration(req.TimeoutMs)*time.Millisecond))
	}

	j, err := a.eng.CreateJob(r.Context(), req.Payload, opts...)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondData(w, http.StatusCreated, j)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := job.ListOpts{
		State:  job.State(q.Get("state")),
		Search: q.Get("search"),
		Limit:  intQuery(q.Get("limit"), 50),
		Offset: intQuery(q.Get("offset"), 0),
	}

	jobs, total, err := a.eng.ListJobs(r.Context(), opts)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	respondCollection(w, jobs, total)
}

func (a *API) jobCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := a.eng.JobCounts(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondData(w, http.StatusOK, counts)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid job ID: %v", err))
		return
	}
	j, err := a.eng.GetJob(r.Context(), jobID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondData(w, http.StatusOK, j)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid job ID: %v", err))
		return
	}
	if err := a.eng.CancelJob(r.Context(), jobID); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) requeueJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid job ID: %v", err))
		return
	}
	if err := a.eng.RequeueFailedJob(r.Context(), jobID); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ──────────────────────────────────────────────────
// Batches
// ──────────────────────────────────────────────────

type startBatchRequest struct {
	JobIDs   []string `json:"job_ids"`
	TestMode bool     `json:"test_mode"`
	Async    bool     `json:"async"`
}

func (a *API) startBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("decode body: %v", err))
		return
	}
	if len(req.JobIDs) == 0 {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "job_ids is required")
		return
	}

	jobIDs := make([]id.JobID, 0, len(req.JobIDs))
	for _, raw := range req.JobIDs {
		jobID, err := id.ParseJobID(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid job ID %q: %v", raw, err))
			return
		}
		jobIDs = append(jobIDs, jobID)
	}

	if req.Async {
		batchID := a.eng.StartBatchAsync(r.Context(), jobIDs, req.TestMode)
		respondData(w, http.StatusAccepted, map[string]string{"batch_id": batchID.String()})
		return
	}

	report, err := a.eng.StartBatch(r.Context(), jobIDs, req.TestMode)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondData(w, http.StatusOK, report)
}

func (a *API) batchProgress(w http.ResponseWriter, r *http.Request) {
	batchID, err := id.ParseBatchID(chi.URLParam(r, "batchID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid batch ID: %v", err))
		return
	}
	p, ok := a.eng.BatchProgress(batchID)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "unknown batch")
		return
	}
	respondData(w, http.StatusOK, p)
}

func (a *API) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	budgets, err := a.eng.RateLimitStatus(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondData(w, http.StatusOK, budgets)
}

// ──────────────────────────────────────────────────
// Uploads
// ──────────────────────────────────────────────────

func (a *API) uploadCSV(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	content, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("read body: %v", err))
		return
	}
	if len(content) == 0 {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "empty upload")
		return
	}
	if len(content) > maxUploadBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "upload exceeds size limit")
		return
	}

	u, duplicate, err := a.eng.UploadCSV(r.Context(), filename, content)
	if err != nil {
		// A structurally rejected file still yields a persisted, failed
		// upload the client can inspect.
		if u != nil {
			respondData(w, http.StatusUnprocessableEntity, u)
			return
		}
		respondStoreError(w, err)
		return
	}
	if duplicate {
		respondData(w, http.StatusOK, u)
		return
	}
	respondData(w, http.StatusCreated, u)
}

func (a *API) getUpload(w http.ResponseWriter, r *http.Request) {
	uploadID, err := id.ParseUploadID(chi.URLParam(r, "uploadID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid upload ID: %v", err))
		return
	}
	u, err := a.eng.GetUploadStatus(r.Context(), uploadID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondData(w, http.StatusOK, u)
}

func (a *API) listUploadRows(w http.ResponseWriter, r *http.Request) {
	uploadID, err := id.ParseUploadID(chi.URLParam(r, "uploadID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid upload ID: %v", err))
		return
	}
	validOnly := r.URL.Query().Get("valid") == "true"

	rows, err := a.eng.ListUploadRows(r.Context(), uploadID, validOnly)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondCollection(w, rows, int64(len(rows)))
}

func (a *API) resumeUpload(w http.ResponseWriter, r *http.Request) {
	uploadID, err := id.ParseUploadID(chi.URLParam(r, "uploadID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid upload ID: %v", err))
		return
	}
	u, err := a.eng.ResumeUpload(r.Context(), uploadID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondData(w, http.StatusOK, u)
}

func (a *API) createJobsFromUpload(w http.ResponseWriter, r *http.Request) {
	uploadID, err := id.ParseUploadID(chi.URLParam(r, "uploadID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid upload ID: %v", err))
		return
	}
	jobs, err := a.eng.CreateJobsFromUpload(r.Context(), uploadID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondData(w, http.StatusCreated, jobs)
}

// ──────────────────────────────────────────────────
// Schedules
// ──────────────────────────────────────────────────

func (a *API) createSchedule(w http.ResponseWriter, r *http.Request) {
	var sc schedule.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("decode body: %v", err))
		return
	}
	if err := a.eng.CreateSchedule(r.Context(), &sc); err != nil {
		if vErr := sc.Validate(); vErr != nil {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", vErr.Error())
			return
		}
		respondStoreError(w, err)
		return
	}
	respondData(w, http.StatusCreated, sc)
}

func (a *API) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := a.eng.ListSchedules(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if schedules == nil {
		schedules = []*schedule.Schedule{}
	}
	respondCollection(w, schedules, int64(len(schedules)))
}

func (a *API) getSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID, err := id.ParseScheduleID(chi.URLParam(r, "scheduleID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid schedule ID: %v", err))
		return
	}
	sc, err := a.eng.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondData(w, http.StatusOK, sc)
}

func (a *API) updateSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID, err := id.ParseScheduleID(chi.URLParam(r, "scheduleID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid schedule ID: %v", err))
		return
	}

	sc, err := a.eng.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(sc); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("decode body: %v", err))
		return
	}
	sc.ID = scheduleID

	if err := a.eng.UpdateSchedule(r.Context(), sc); err != nil {
		if vErr := sc.Validate(); vErr != nil {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", vErr.Error())
			return
		}
		respondStoreError(w, err)
		return
	}
	respondData(w, http.StatusOK, sc)
}

func (a *API) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID, err := id.ParseScheduleID(chi.URLParam(r, "scheduleID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid schedule ID: %v", err))
		return
	}
	if err := a.eng.DeleteSchedule(r.Context(), scheduleID); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) executeSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID, err := id.ParseScheduleID(chi.URLParam(r, "scheduleID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid schedule ID: %v", err))
		return
	}
	report, err := a.eng.ExecuteScheduleNow(r.Context(), scheduleID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondData(w, http.StatusOK, report)
}

func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
