package registry

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
	"github.com/kubeflow/agent-trust/pkg/tenancy"
)

// HealthMetrics is the per-agent health view served by the agents API.
type HealthMetrics struct {
	AgentID     string    `json:"agentId"`
	HealthScore int       `json:"healthScore"`
	Status      string    `json:"status"`
	Uptime      float64   `json:"uptime"`
	LastChecked time.Time `json:"lastChecked"`
}

// HealthProvider computes the health view of an agent.
type HealthProvider interface {
	AgentHealth(ctx context.Context, agent *Agent) (*HealthMetrics, error)
}

// ListAgentsHandler handles GET /agents.
// Query params: status, type, capability, region, limit
func ListAgentsHandler(store *AgentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := AgentFilter{
			Tenant:     tenancy.NamespaceFromContext(r.Context()),
			Status:     AgentStatus(q.Get("status")),
			Type:       q.Get("type"),
			Capability: q.Get("capability"),
			Region:     q.Get("region"),
		}
		if l := q.Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			filter.Limit = n
		}

		agents, err := store.List(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list agents: %v", err))
			return
		}
		items := make([]agentResponse, len(agents))
		for i := range agents {
			items[i] = agentToResponse(&agents[i])
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"agents": items,
			"size":   len(items),
		})
	}
}

// GetAgentHandler handles GET /agents/{agentId}.
func GetAgentHandler(store *AgentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := loadAgent(w, r, store)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, agentToResponse(agent))
	}
}

// AgentHealthHandler handles GET /agents/{agentId}/health.
func AgentHealthHandler(store *AgentStore, provider HealthProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := loadAgent(w, r, store)
		if !ok {
			return
		}
		health, err := provider.AgentHealth(r.Context(), agent)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to compute health: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, health)
	}
}

// TransitionHandler handles POST /agents/{agentId}:promote and :retire style
// status changes. The optional JSON body carries a "reason".
func TransitionHandler(store *AgentStore, to AgentStatus, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := loadAgent(w, r, store)
		if !ok {
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}
		if body.Reason == "" {
			actor := "anonymous"
			if id, ok := authz.IdentityFromContext(r.Context()); ok {
				actor = id.User
			}
			body.Reason = fmt.Sprintf("%s by %s", to, actor)
		}

		from, err := store.SetStatus(r.Context(), agent.ID, to, body.Reason, now())
		if err != nil {
			var te *TransitionError
			switch {
			case errors.As(err, &te):
				writeJSON(w, http.StatusConflict, te)
			case errors.Is(err, ErrStatusConflict):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to change status: %v", err))
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"agentId": agent.ID,
			"from":    string(from),
			"to":      string(to),
		})
	}
}

func loadAgent(w http.ResponseWriter, r *http.Request, store *AgentStore) (*Agent, bool) {
	id := chi.URLParam(r, "agentId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing agent ID")
		return nil, false
	}
	agent, err := store.Resolve(r.Context(), tenancy.NamespaceFromContext(r.Context()), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get agent: %v", err))
		return nil, false
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("agent %q not found", id))
		return nil, false
	}
	return agent, true
}

type agentResponse struct {
	ID               string         `json:"id"`
	Tenant           string         `json:"tenant"`
	ExternalID       string         `json:"externalId"`
	Name             string         `json:"name"`
	Type             string         `json:"type,omitempty"`
	Vendor           string         `json:"vendor,omitempty"`
	Model            string         `json:"model,omitempty"`
	Status           string         `json:"status"`
	StatusReason     string         `json:"statusReason,omitempty"`
	TrustLevel       float64        `json:"trustLevel"`
	Capabilities     []string       `json:"capabilities,omitempty"`
	Region           string         `json:"region,omitempty"`
	Source           string         `json:"source,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	LastDiscoveredAt string         `json:"lastDiscoveredAt,omitempty"`
	LastHeartbeatAt  string         `json:"lastHeartbeatAt,omitempty"`
}

func agentToResponse(a *Agent) agentResponse {
	resp := agentResponse{
		ID:           a.ID,
		Tenant:       a.Tenant,
		ExternalID:   a.ExternalID,
		Name:         a.Name,
		Type:         a.Type,
		Vendor:       a.Vendor,
		Model:        a.Model,
		Status:       string(a.Status),
		StatusReason: a.StatusReason,
		TrustLevel:   a.TrustLevel,
		Capabilities: a.Capabilities,
		Region:       a.Region,
		Source:       a.Source,
		Metadata:     a.Metadata,
	}
	if a.LastDiscoveredAt != nil {
		resp.LastDiscoveredAt = a.LastDiscoveredAt.Format(time.RFC3339)
	}
	if a.LastHeartbeatAt != nil {
		resp.LastHeartbeatAt = a.LastHeartbeatAt.Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
