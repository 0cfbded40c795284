package registry

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/agent-trust/pkg/authz"
)

// Router creates a chi.Router for the agents API. health may be nil, in which
// case the health endpoint is not mounted. When authorizer is non-nil,
// endpoints require agents:list, agents:get and agents:update permissions.
func Router(store *AgentStore, health HealthProvider, authorizer authz.Authorizer) chi.Router {
	r := chi.NewRouter()

	now := func() time.Time { return time.Now().UTC() }
	guard := func(verb string, h http.HandlerFunc) http.HandlerFunc {
		if authorizer == nil {
			return h
		}
		return authz.RequirePermission(authorizer, authz.ResourceAgents, verb)(h).ServeHTTP
	}

	r.Get("/agents", guard(authz.VerbList, ListAgentsHandler(store)))
	r.Get("/agents/{agentId}", guard(authz.VerbGet, GetAgentHandler(store)))
	if health != nil {
		r.Get("/agents/{agentId}/health", guard(authz.VerbGet, AgentHealthHandler(store, health)))
	}
	r.Post("/agents/{agentId}:promote", guard(authz.VerbUpdate, TransitionHandler(store, StatusActive, now)))
	r.Post("/agents/{agentId}:suspend", guard(authz.VerbUpdate, TransitionHandler(store, StatusSuspended, now)))
	r.Post("/agents/{agentId}:retire", guard(authz.VerbUpdate, TransitionHandler(store, StatusRetired, now)))

	return r
}
