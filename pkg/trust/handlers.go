package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/agent-trust/pkg/authz"
	"github.com/kubeflow/agent-trust/pkg/tenancy"
)

// RefreshQueue enqueues out-of-cycle refreshes. Enqueueing is idempotent
// per tenant while a refresh is pending.
type RefreshQueue interface {
	EnqueueRefresh(ctx context.Context, tenant, requestedBy string) (jobID string, deduplicated bool, err error)
}

type kpiResponse struct {
	KPIs
	Stale      bool `json:"stale"`
	Refreshing bool `json:"refreshing"`
}

// GetKPIsHandler handles GET /trust. It always serves the last good KPIs
// once they exist and 503 before the first refresh.
func GetKPIsHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kpis, ok, refreshing := engine.Current()
		if !ok {
			w.Header().Set("Retry-After", "30")
			writeError(w, http.StatusServiceUnavailable, "trust KPIs have not been computed yet")
			return
		}
		writeJSON(w, http.StatusOK, kpiResponse{
			KPIs:       kpis,
			Stale:      engine.IsStale(kpis.ComputedAt),
			Refreshing: refreshing,
		})
	}
}

// RefreshHandler handles POST /trust/refresh and answers 202 with the job
// that will run the refresh.
func RefreshHandler(queue RefreshQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestedBy := "anonymous"
		if id, ok := authz.IdentityFromContext(r.Context()); ok && id.User != "" {
			requestedBy = id.User
		}
		tenant := tenancy.NamespaceFromContext(r.Context())
		jobID, dedup, err := queue.EnqueueRefresh(r.Context(), tenant, requestedBy)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to enqueue refresh: %v", err))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"jobId":        jobID,
			"status":       "queued",
			"deduplicated": dedup,
		})
	}
}

// HistoryHandler handles GET /trust/agents/{agentId}/history.
// Query params: limit (default 50)
func HistoryHandler(store *SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if l := r.URL.Query().Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		subject := chi.URLParam(r, "agentId")
		items, err := store.History(r.Context(), subject, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load history: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subjectId": subject,
			"items":     items,
			"size":      len(items),
		})
	}
}

// Router creates a chi.Router for the trust API. Reads require trust:get,
// refreshes require trust:execute.
func Router(engine *Engine, store *SnapshotStore, queue RefreshQueue, authorizer authz.Authorizer) chi.Router {
	r := chi.NewRouter()
	guard := func(verb string, h http.HandlerFunc) http.HandlerFunc {
		if authorizer == nil {
			return h
		}
		return authz.RequirePermission(authorizer, authz.ResourceTrust, verb)(h).ServeHTTP
	}

	r.Get("/", guard(authz.VerbGet, GetKPIsHandler(engine)))
	r.Get("/agents/{agentId}/history", guard(authz.VerbList, HistoryHandler(store)))
	if queue != nil {
		r.Post("/refresh", guard(authz.VerbExecute, RefreshHandler(queue)))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
