package discovery

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/agent-trust/pkg/authz"
)

// SummaryHandler returns the last discovery summary, or 404 before the
// first scan.
func SummaryHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum := svc.LastSummary()
		w.Header().Set("Content-Type", "application/json")
		if sum == nil {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "no discovery scan has completed yet"})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(sum)
	}
}

// Router creates a chi.Router for the discovery API.
func Router(svc *Service, authorizer authz.Authorizer) chi.Router {
	r := chi.NewRouter()
	h := http.Handler(SummaryHandler(svc))
	if authorizer != nil {
		h = authz.RequirePermission(authorizer, authz.ResourceAgents, authz.VerbGet)(h)
	}
	r.Method(http.MethodGet, "/summary", h)
	return r
}
