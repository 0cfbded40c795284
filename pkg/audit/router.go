package audit

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/agent-trust/pkg/authz"
)

// Router creates a chi.Router for the audit API. Reads require audit:get or
// audit:list, running an audit requires audit:execute. reportCache, when
// non-nil, wraps the report export.
func Router(engine *Engine, store *EntryStore, trail *TrailWriter, authorizer authz.Authorizer,
	reportCache func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	guard := func(verb string, h http.Handler) http.HandlerFunc {
		if authorizer == nil {
			return h.ServeHTTP
		}
		return authz.RequirePermission(authorizer, authz.ResourceAudit, verb)(h).ServeHTTP
	}

	var report http.Handler = ReportHandler(engine)
	if reportCache != nil {
		report = reportCache(report)
	}

	r.Get("/summary", guard(authz.VerbGet, SummaryHandler(engine)))
	r.Get("/report", guard(authz.VerbGet, report))
	r.Post("/audits", guard(authz.VerbExecute, RunHandler(engine)))
	if store != nil {
		r.Get("/entries", guard(authz.VerbList, ListEntriesHandler(store)))
		r.Get("/entries/{entryId}", guard(authz.VerbGet, GetEntryHandler(store)))
	}
	if trail != nil {
		r.Get("/trail/verify", guard(authz.VerbGet, VerifyHandler(trail)))
	}
	return r
}
