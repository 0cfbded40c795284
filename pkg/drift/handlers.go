package drift

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/agent-trust/pkg/authz"
)

// ReportSource yields a fresh or cached sync report.
type ReportSource interface {
	LastReport() *SyncReport
}

// ListGapsHandler handles GET /gaps.
// Query params: since (RFC3339, default 24h ago), source, type, limit
func ListGapsHandler(store *GapStore, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := GapFilter{
			Since:    now().Add(-24 * time.Hour),
			SourceID: q.Get("source"),
			GapType:  GapType(q.Get("type")),
			Limit:    100,
		}
		if s := q.Get("since"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
				return
			}
			filter.Since = t
		}
		if l := q.Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			filter.Limit = n
		}

		gaps, err := store.ListSince(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list gaps: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": gaps,
			"size":  len(gaps),
		})
	}
}

// ReportHandler handles GET /report. It serves the last fleet sync report,
// or 503 before the first pass.
func ReportHandler(src ReportSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := src.LastReport()
		if report == nil {
			writeError(w, http.StatusServiceUnavailable, "no sync report has been computed yet")
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// Router creates a chi.Router for the sync API.
func Router(store *GapStore, src ReportSource, authorizer authz.Authorizer) chi.Router {
	r := chi.NewRouter()
	now := func() time.Time { return time.Now().UTC() }
	guard := func(verb string, h http.HandlerFunc) http.HandlerFunc {
		if authorizer == nil {
			return h
		}
		return authz.RequirePermission(authorizer, authz.ResourceSync, verb)(h).ServeHTTP
	}

	r.Get("/gaps", guard(authz.VerbList, ListGapsHandler(store, now)))
	r.Get("/report", guard(authz.VerbGet, ReportHandler(src)))
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
