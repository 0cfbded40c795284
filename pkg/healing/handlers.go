package healing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/agent-trust/pkg/authz"
	"github.com/kubeflow/agent-trust/pkg/config"
	"github.com/kubeflow/agent-trust/pkg/registry"
	"github.com/kubeflow/agent-trust/pkg/tenancy"
)

// AgentResolver finds an agent by internal or external ID.
type AgentResolver interface {
	Resolve(ctx context.Context, tenant, ref string) (*registry.Agent, error)
}

func parseLimit(r *http.Request, def int) (int, error) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return def, nil
	}
	n, err := strconv.Atoi(l)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}

// ListActionsHandler handles GET /actions.
// Query params: agent, status, limit
func ListActionsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseLimit(r, 100)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		q := r.URL.Query()
		items, err := store.ListActions(r.Context(), ActionFilter{
			AgentID: q.Get("agent"),
			Status:  q.Get("status"),
			Limit:   limit,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list actions: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "size": len(items)})
	}
}

// ListIncidentsHandler handles GET /incidents.
// Query params: agent, status, limit
func ListIncidentsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseLimit(r, 100)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		q := r.URL.Query()
		items, err := store.ListIncidents(r.Context(), IncidentFilter{
			AgentID: q.Get("agent"),
			Status:  q.Get("status"),
			Limit:   limit,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list incidents: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "size": len(items)})
	}
}

// QuarantineHandler handles POST /agents/{agentId}:quarantine. The optional
// body carries "reason" and "durationSeconds" (default from policy).
func QuarantineHandler(agents AgentResolver, q *Quarantiner, cfg func() config.HealingConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := resolveAgent(w, r, agents)
		if !ok {
			return
		}
		var body struct {
			Reason          string `json:"reason"`
			DurationSeconds int64  `json:"durationSeconds"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}
		if body.DurationSeconds < 0 {
			writeError(w, http.StatusBadRequest, "durationSeconds must be positive")
			return
		}
		d := cfg().QuarantineDuration
		if body.DurationSeconds > 0 {
			d = time.Duration(body.DurationSeconds) * time.Second
		}
		if body.Reason == "" {
			body.Reason = "manual quarantine"
			if id, ok := authz.IdentityFromContext(r.Context()); ok {
				body.Reason += " by " + id.User
			}
		}

		rec, err := q.Quarantine(r.Context(), agent.ID, body.Reason, d)
		if err != nil {
			var te *registry.TransitionError
			if errors.As(err, &te) {
				writeJSON(w, http.StatusConflict, te)
				return
			}
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to quarantine agent: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// ReleaseHandler handles POST /agents/{agentId}:release.
func ReleaseHandler(agents AgentResolver, q *Quarantiner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := resolveAgent(w, r, agents)
		if !ok {
			return
		}
		if err := q.Release(r.Context(), agent.ID, "manual release"); err != nil {
			if errors.Is(err, ErrNotQuarantined) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to release agent: %v", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// SummaryHandler handles GET /summary with the newest cycle summary.
func SummaryHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum := engine.LastSummary()
		if sum == nil {
			writeError(w, http.StatusNotFound, "no healing cycle has completed yet")
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

// Router creates a chi.Router for the healing API.
func Router(engine *Engine, store *Store, agents AgentResolver, q *Quarantiner, cfg func() config.HealingConfig, authorizer authz.Authorizer) chi.Router {
	r := chi.NewRouter()
	guard := func(verb string, h http.HandlerFunc) http.HandlerFunc {
		if authorizer == nil {
			return h
		}
		return authz.RequirePermission(authorizer, authz.ResourceHealing, verb)(h).ServeHTTP
	}

	r.Get("/actions", guard(authz.VerbList, ListActionsHandler(store)))
	r.Get("/incidents", guard(authz.VerbList, ListIncidentsHandler(store)))
	r.Get("/summary", guard(authz.VerbGet, SummaryHandler(engine)))
	r.Post("/agents/{agentId}:quarantine", guard(authz.VerbUpdate, QuarantineHandler(agents, q, cfg)))
	r.Post("/agents/{agentId}:release", guard(authz.VerbUpdate, ReleaseHandler(agents, q)))
	return r
}

func resolveAgent(w http.ResponseWriter, r *http.Request, agents AgentResolver) (*registry.Agent, bool) {
	ref := chi.URLParam(r, "agentId")
	agent, err := agents.Resolve(r.Context(), tenancy.NamespaceFromContext(r.Context()), ref)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get agent: %v", err))
		return nil, false
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("agent %q not found", ref))
		return nil, false
	}
	return agent, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
