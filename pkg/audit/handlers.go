package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// SummarySource exposes the newest audit summary.
type SummarySource interface {
	LastSummary() *Summary
}

// Runner performs an audit on demand.
type Runner interface {
	PerformAudit(ctx context.Context) (*Summary, error)
}

// SummaryHandler handles GET /api/audit/v1alpha1/summary
func SummaryHandler(src SummarySource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum := src.LastSummary()
		if sum == nil {
			writeError(w, http.StatusNotFound, "no audit has completed yet")
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

// ReportHandler handles GET /api/audit/v1alpha1/report
// Query params: format (markdown or json, default markdown)
func ReportHandler(src SummarySource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")
		if format == "" {
			format = "markdown"
		}
		if format != "markdown" && format != "json" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", format))
			return
		}
		sum := src.LastSummary()
		if sum == nil {
			writeError(w, http.StatusNotFound, "no audit has completed yet")
			return
		}
		if format == "json" {
			b, err := sum.ToJSON()
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(b)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sum.ToMarkdown()))
	}
}

// RunHandler handles POST /api/audit/v1alpha1/audits
func RunHandler(runner Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := runner.PerformAudit(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("audit failed: %v", err))
			return
		}
		writeJSON(w, http.StatusCreated, sum)
	}
}

// ListEntriesHandler handles GET /api/audit/v1alpha1/entries
// Query params: kind, category, auditId, since (RFC 3339), limit (default 100)
func ListEntriesHandler(store *EntryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := EntryFilter{
			Kind:     q.Get("kind"),
			Category: q.Get("category"),
			AuditID:  q.Get("auditId"),
			Limit:    100,
		}
		if l := q.Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			filter.Limit = n
		}
		if s := q.Get("since"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
				return
			}
			filter.Since = t
		}

		records, err := store.List(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list audit entries: %v", err))
			return
		}
		entries := make([]Entry, len(records))
		for i, rec := range records {
			entries[i] = rec.Entry()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entries": entries,
			"size":    len(entries),
		})
	}
}

// GetEntryHandler handles GET /api/audit/v1alpha1/entries/{entryId}
func GetEntryHandler(store *EntryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID := chi.URLParam(r, "entryId")
		rec, err := store.Get(r.Context(), entryID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get audit entry: %v", err))
			return
		}
		if rec == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("audit entry %q not found", entryID))
			return
		}
		writeJSON(w, http.StatusOK, rec.Entry())
	}
}

// VerifyHandler handles GET /api/audit/v1alpha1/trail/verify. A broken
// trail is reported in the body with 200; only an unreadable file is an
// error.
func VerifyHandler(trail *TrailWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := trail.Verify()
		resp := map[string]any{"valid": err == nil, "entries": n}
		var te *TrailError
		switch {
		case err == nil:
		case errors.As(err, &te):
			resp["line"] = te.Line
			resp["error"] = te.Err.Error()
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
