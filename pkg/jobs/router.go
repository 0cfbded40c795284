package jobs

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/agent-trust/pkg/authz"
)

// Router creates a chi.Router for the job API. When authorizer is non-nil,
// reads require jobs:list or jobs:get and mutations require jobs:create.
func Router(store *JobStore, authorizer authz.Authorizer) chi.Router {
	r := chi.NewRouter()
	guard := func(verb string, h http.HandlerFunc) http.HandlerFunc {
		if authorizer == nil {
			return h
		}
		return authz.RequirePermission(authorizer, authz.ResourceJobs, verb)(h).ServeHTTP
	}

	r.Get("/jobs", guard(authz.VerbList, ListJobsHandler(store)))
	r.Post("/jobs", guard(authz.VerbCreate, EnqueueJobHandler(store)))
	r.Get("/jobs/{jobId}", guard(authz.VerbGet, GetJobHandler(store)))
	r.Post("/jobs/{jobId}:cancel", guard(authz.VerbCreate, CancelJobHandler(store)))
	return r
}
