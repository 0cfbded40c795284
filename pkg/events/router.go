package events

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/agent-trust/pkg/authz"
)

// WebhookRouter mounts POST /webhooks/{source}. Webhooks authenticate by
// signature, not by caller identity.
func WebhookRouter(ingestor *Ingestor, limiter *SourceLimiter, settings func() WebhookSettings) chi.Router {
	r := chi.NewRouter()
	r.Post("/{source}", WebhookHandler(ingestor, limiter, settings))
	return r
}

// Router creates a chi.Router for the events query API.
func Router(store *EventStore, authorizer authz.Authorizer) chi.Router {
	r := chi.NewRouter()
	h := http.Handler(ListEventsHandler(store))
	if authorizer != nil {
		h = authz.RequirePermission(authorizer, authz.ResourceEvents, authz.VerbList)(h)
	}
	r.Method(http.MethodGet, "/events", h)
	return r
}
