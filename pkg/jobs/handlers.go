package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/agent-trust/pkg/authz"
	"github.com/kubeflow/agent-trust/pkg/tenancy"
)

// GetJobHandler handles GET /api/jobs/v1alpha1/jobs/{jobId}
func GetJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		if jobID == "" {
			writeError(w, http.StatusBadRequest, "missing job ID")
			return
		}

		job, err := store.Get(r.Context(), jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get job: %v", err))
			return
		}
		if job == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %q not found", jobID))
			return
		}

		writeJSON(w, http.StatusOK, jobToResponse(job))
	}
}

// ListJobsHandler handles GET /api/jobs/v1alpha1/jobs
// Query params: tenant, kind, state, requestedBy, pageSize, pageToken
func ListJobsHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := JobListFilter{
			Tenant:      q.Get("tenant"),
			Kind:        JobKind(q.Get("kind")),
			State:       JobState(q.Get("state")),
			RequestedBy: q.Get("requestedBy"),
		}
		if filter.Kind != "" && !filter.Kind.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", filter.Kind))
			return
		}

		pageSize := 20
		if ps := q.Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}

		records, nextToken, total, err := store.List(r.Context(), filter, pageSize, q.Get("pageToken"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list jobs: %v", err))
			return
		}

		jobs := make([]jobResponse, len(records))
		for i := range records {
			jobs[i] = jobToResponse(&records[i])
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":          jobs,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

type enqueueRequest struct {
	Kind JobKind `json:"kind"`
}

// EnqueueJobHandler handles POST /api/jobs/v1alpha1/jobs with body
// {"kind": "trust|discovery|audit|healing"}. It answers 202 with the job.
func EnqueueJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if !req.Kind.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", req.Kind))
			return
		}

		job, dedup, err := store.EnqueueRun(r.Context(), tenancy.NamespaceFromContext(r.Context()), req.Kind, callerName(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to enqueue job: %v", err))
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"job":          jobToResponse(job),
			"deduplicated": dedup,
		})
	}
}

// CancelJobHandler handles POST /api/jobs/v1alpha1/jobs/{jobId}:cancel
func CancelJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		if jobID == "" {
			writeError(w, http.StatusBadRequest, "missing job ID")
			return
		}

		err := store.Cancel(r.Context(), jobID, callerName(r))
		switch {
		case errors.Is(err, ErrJobNotFound):
			writeError(w, http.StatusNotFound, err.Error())
			return
		case errors.Is(err, ErrNotCancelable):
			writeError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to cancel job: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"status": "canceled",
			"jobId":  jobID,
		})
	}
}

func callerName(r *http.Request) string {
	if id, ok := authz.IdentityFromContext(r.Context()); ok && id.User != "" {
		return id.User
	}
	return "anonymous"
}

// jobResponse is the API response for a run job.
type jobResponse struct {
	ID           string `json:"id"`
	Tenant       string `json:"tenant"`
	Kind         string `json:"kind"`
	RequestedBy  string `json:"requestedBy"`
	RequestedAt  string `json:"requestedAt"`
	State        string `json:"state"`
	Message      string `json:"message,omitempty"`
	StartedAt    string `json:"startedAt,omitempty"`
	FinishedAt   string `json:"finishedAt,omitempty"`
	AttemptCount int    `json:"attemptCount"`
	LastError    string `json:"lastError,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
}

func jobToResponse(job *RunJob) jobResponse {
	resp := jobResponse{
		ID:           job.ID,
		Tenant:       job.Tenant,
		Kind:         string(job.Kind),
		RequestedBy:  job.RequestedBy,
		RequestedAt:  job.RequestedAt.UTC().Format(time.RFC3339),
		State:        string(job.State),
		Message:      job.Message,
		AttemptCount: job.AttemptCount,
		LastError:    job.LastError,
		DurationMs:   job.DurationMs,
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.UTC().Format(time.RFC3339)
	}
	if job.FinishedAt != nil {
		resp.FinishedAt = job.FinishedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
