package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/agent-trust/pkg/authz"
)

func setupRouter(t *testing.T) (*JobStore, http.Handler) {
	t.Helper()
	store, _ := setupStore(t)
	r := chi.NewRouter()
	r.Use(authz.IdentityMiddleware(nil))
	r.Mount("/api/jobs/v1alpha1", Router(store, &authz.RoleAuthorizer{}))
	return store, r
}

func do(h http.Handler, method, path, body string, operator bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-Remote-User", "alice")
	if operator {
		req.Header.Set("X-User-Role", "operator")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGetJobHandler_Found(t *testing.T) {
	store, r := setupRouter(t)
	job := enqueue(t, store, "default", KindTrust)

	w := do(r, http.MethodGet, "/api/jobs/v1alpha1/jobs/"+job.ID, "", false)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp jobResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, job.ID, resp.ID)
	assert.Equal(t, "queued", resp.State)
	assert.Equal(t, "trust", resp.Kind)
	assert.Equal(t, "default", resp.Tenant)
	assert.Equal(t, "test-user", resp.RequestedBy)
	assert.Equal(t, start.Format(time.RFC3339), resp.RequestedAt)
	assert.Empty(t, resp.StartedAt)
}

func TestGetJobHandler_NotFound(t *testing.T) {
	_, r := setupRouter(t)

	w := do(r, http.MethodGet, "/api/jobs/v1alpha1/jobs/nonexistent", "", false)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobsHandler_Pagination(t *testing.T) {
	store, r := setupRouter(t)
	for _, tenant := range []string{"t1", "t2", "t3"} {
		enqueue(t, store, tenant, KindTrust)
	}

	w := do(r, http.MethodGet, "/api/jobs/v1alpha1/jobs?pageSize=2", "", false)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Len(t, resp["jobs"].([]any), 2)
	assert.NotEmpty(t, resp["nextPageToken"])
	assert.Equal(t, float64(3), resp["totalSize"])
}

func TestListJobsHandler_Filters(t *testing.T) {
	store, r := setupRouter(t)
	enqueue(t, store, "default", KindTrust)
	enqueue(t, store, "default", KindAudit)
	enqueue(t, store, "team-b", KindAudit)

	tests := []struct {
		query string
		want  float64
	}{
		{"kind=audit", 2},
		{"tenant=default", 2},
		{"tenant=team-b&kind=audit", 1},
		{"state=queued", 3},
		{"state=failed", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := do(r, http.MethodGet, "/api/jobs/v1alpha1/jobs?"+tt.query, "", false)
			require.Equal(t, http.StatusOK, w.Code)
			var resp map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.want, resp["totalSize"])
		})
	}

	w := do(r, http.MethodGet, "/api/jobs/v1alpha1/jobs?kind=bogus", "", false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEnqueueJobHandler(t *testing.T) {
	store, r := setupRouter(t)

	w := do(r, http.MethodPost, "/api/jobs/v1alpha1/jobs", `{"kind":"discovery"}`, true)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Job          jobResponse `json:"job"`
		Deduplicated bool        `json:"deduplicated"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Deduplicated)
	assert.Equal(t, "discovery", resp.Job.Kind)
	assert.Equal(t, "alice", resp.Job.RequestedBy)

	got, err := store.Get(context.Background(), resp.Job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	w = do(r, http.MethodPost, "/api/jobs/v1alpha1/jobs", `{"kind":"discovery"}`, true)
	require.Equal(t, http.StatusAccepted, w.Code)
	var again struct {
		Job          jobResponse `json:"job"`
		Deduplicated bool        `json:"deduplicated"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&again))
	assert.True(t, again.Deduplicated)
	assert.Equal(t, resp.Job.ID, again.Job.ID)
}

func TestEnqueueJobHandler_Rejects(t *testing.T) {
	_, r := setupRouter(t)

	tests := []struct {
		name     string
		body     string
		operator bool
		want     int
	}{
		{"viewer", `{"kind":"trust"}`, false, http.StatusForbidden},
		{"bad json", `{`, true, http.StatusBadRequest},
		{"unknown kind", `{"kind":"refresh"}`, true, http.StatusBadRequest},
		{"missing kind", `{}`, true, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/api/jobs/v1alpha1/jobs", tt.body, tt.operator)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCancelJobHandler_QueuedJob(t *testing.T) {
	store, r := setupRouter(t)
	job := enqueue(t, store, "default", KindHealing)

	w := do(r, http.MethodPost, "/api/jobs/v1alpha1/jobs/"+job.ID+":cancel", "", true)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "canceled", resp["status"])

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateCanceled, got.State)
	assert.Equal(t, "Canceled by alice", got.Message)
}

func TestCancelJobHandler_Errors(t *testing.T) {
	store, r := setupRouter(t)
	job := enqueue(t, store, "default", KindHealing)
	_, err := store.Claim(context.Background(), 3)
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/api/jobs/v1alpha1/jobs/"+job.ID+":cancel", "", true)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/api/jobs/v1alpha1/jobs/nonexistent:cancel", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/api/jobs/v1alpha1/jobs/"+job.ID+":cancel", "", false)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
