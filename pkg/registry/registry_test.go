package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kubeflow/agent-trust/pkg/authz"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, NewAgentStore(db).AutoMigrate())
	return db
}

func TestLifecycleTransitions(t *testing.T) {
	m := NewLifecycleMachine()
	tests := []struct {
		from, to AgentStatus
		code     string
	}{
		{StatusQuarantined, StatusActive, ""},
		{StatusActive, StatusQuarantined, ""},
		{StatusActive, StatusSuspended, ""},
		{StatusSuspended, StatusRetired, ""},
		{StatusActive, StatusActive, ""},
		{StatusRetired, StatusActive, "AGENT_RETIRED"},
		{StatusRetired, StatusQuarantined, "AGENT_RETIRED"},
		{AgentStatus("unknown"), StatusActive, "AGENT_INVALID_TRANSITION"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			err := m.ValidateTransition(tt.from, tt.to)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.code, te.Code)
		})
	}

	assert.ElementsMatch(t,
		[]AgentStatus{StatusQuarantined, StatusSuspended, StatusRetired},
		m.AllowedTransitions(StatusActive))
	assert.Empty(t, m.AllowedTransitions(StatusRetired))
}

func TestJSONColumns(t *testing.T) {
	var s JSONStringSlice
	require.NoError(t, s.Scan(`["a","b"]`))
	assert.True(t, s.Contains("b"))
	assert.False(t, s.Contains("c"))
	require.NoError(t, s.Scan(nil))
	assert.Nil(t, s)
	assert.Error(t, s.Scan(42))

	v, err := JSONStringSlice(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	var m JSONAny
	require.NoError(t, m.Scan([]byte(`{"owner":"finance"}`)))
	assert.Equal(t, "finance", m["owner"])
}

func TestUpsertDiscoveredKeepsReviewedStatus(t *testing.T) {
	store := NewAgentStore(setupTestDB(t))
	ctx := context.Background()

	agent, created, err := store.UpsertDiscovered(ctx, &Agent{ExternalID: "invoice-bot", Name: "Invoice bot", Source: "k8s"}, now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StatusQuarantined, agent.Status)
	assert.Equal(t, "default", agent.Tenant)

	_, err = store.SetStatus(ctx, agent.ID, StatusActive, "reviewed", now)
	require.NoError(t, err)
	require.NoError(t, store.SetTrustLevel(ctx, agent.ID, 0.8))

	later := now.Add(time.Hour)
	again, created, err := store.UpsertDiscovered(ctx, &Agent{ExternalID: "invoice-bot", Name: "Invoice bot", Source: "git"}, later)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, agent.ID, again.ID)
	assert.Equal(t, StatusActive, again.Status)
	assert.InDelta(t, 0.8, again.TrustLevel, 1e-9)
	assert.Equal(t, "git", again.Source)
	require.NotNil(t, again.LastDiscoveredAt)
	assert.True(t, again.LastDiscoveredAt.Equal(later))

	_, _, err = store.UpsertDiscovered(ctx, &Agent{Name: "no id"}, now)
	assert.Error(t, err)
}

func TestResolveAndList(t *testing.T) {
	store := NewAgentStore(setupTestDB(t))
	ctx := context.Background()

	for _, a := range []*Agent{
		{ExternalID: "a", Name: "alpha", Status: StatusActive, Region: "eu", Type: "llm", Capabilities: JSONStringSlice{"summarize", "email"}},
		{ExternalID: "b", Name: "bravo", Status: StatusActive, Region: "us", Type: "rpa", Capabilities: JSONStringSlice{"billing"}},
		{ExternalID: "c", Name: "charlie", Region: "eu", Type: "llm"},
		{ExternalID: "a", Tenant: "team-b", Name: "alpha-b", Status: StatusActive},
	} {
		require.NoError(t, store.Create(ctx, a))
	}

	byExt, err := store.Resolve(ctx, "", "a")
	require.NoError(t, err)
	require.NotNil(t, byExt)
	assert.Equal(t, "alpha", byExt.Name)

	byID, err := store.Resolve(ctx, "team-b", byExt.ID)
	require.NoError(t, err)
	assert.Equal(t, byExt.ID, byID.ID)

	missing, err := store.Resolve(ctx, "", "zulu")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := store.List(ctx, AgentFilter{Tenant: "default"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, StatusQuarantined, all[2].Status)

	eu, err := store.List(ctx, AgentFilter{Tenant: "default", Region: "eu", Status: StatusActive})
	require.NoError(t, err)
	require.Len(t, eu, 1)

	withCap, err := store.List(ctx, AgentFilter{Capability: "billing"})
	require.NoError(t, err)
	require.Len(t, withCap, 1)
	assert.Equal(t, "bravo", withCap[0].Name)

	limited, err := store.List(ctx, AgentFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[StatusActive])
	assert.Equal(t, 1, counts[StatusQuarantined])
}

func TestSetStatus(t *testing.T) {
	store := NewAgentStore(setupTestDB(t))
	ctx := context.Background()
	agent := &Agent{ExternalID: "x", Name: "x"}
	require.NoError(t, store.Create(ctx, agent))

	from, err := store.SetStatus(ctx, agent.ID, StatusActive, "approved", now)
	require.NoError(t, err)
	assert.Equal(t, StatusQuarantined, from)

	require.NoError(t, store.Retire(ctx, agent.ID, "decommissioned", now.Add(time.Minute)))
	got, err := store.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetired, got.Status)
	assert.Equal(t, "decommissioned", got.StatusReason)
	require.NotNil(t, got.RetiredAt)

	_, err = store.SetStatus(ctx, agent.ID, StatusActive, "oops", now)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "AGENT_RETIRED", te.Code)

	_, err = store.SetStatus(ctx, "missing", StatusActive, "", now)
	assert.Error(t, err)
}

func TestTrustLevelAndTimestamps(t *testing.T) {
	store := NewAgentStore(setupTestDB(t))
	ctx := context.Background()
	agent := &Agent{ExternalID: "x", Name: "x", Status: StatusActive}
	require.NoError(t, store.Create(ctx, agent))

	require.NoError(t, store.SetTrustLevel(ctx, agent.ID, 1.7))
	require.NoError(t, store.TouchHeartbeat(ctx, agent.ID, now))
	require.NoError(t, store.TouchHeartbeat(ctx, agent.ID, now.Add(-time.Hour)))
	require.NoError(t, store.TouchActivity(ctx, agent.ID, now))
	require.NoError(t, store.SetAssignedWork(ctx, agent.ID, -3))

	got, err := store.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.TrustLevel, 1e-9)
	require.NotNil(t, got.LastHeartbeatAt)
	assert.True(t, got.LastHeartbeatAt.Equal(now), "older heartbeat must not move it backwards")
	require.NotNil(t, got.LastActivityAt)
	assert.Equal(t, 0, got.AssignedWork)

	require.NoError(t, store.SetTrustLevel(ctx, agent.ID, -0.5))
	got, err = store.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Zero(t, got.TrustLevel)
}

func TestWorkflowStore(t *testing.T) {
	db := setupTestDB(t)
	store := NewWorkflowStore(db)
	ctx := context.Background()

	wf, err := store.Ensure(ctx, "", "nightly-close", "")
	require.NoError(t, err)
	assert.Equal(t, "nightly-close", wf.Name)
	assert.Equal(t, "default", wf.Tenant)

	same, err := store.Ensure(ctx, "default", "nightly-close", "other name")
	require.NoError(t, err)
	assert.Equal(t, wf.ID, same.ID)

	require.NoError(t, store.RecordEvent(ctx, wf.ID, "agent-1", now))
	require.NoError(t, store.RecordEvent(ctx, wf.ID, "agent-1", now.Add(-time.Hour)))
	require.NoError(t, store.RecordEvent(ctx, wf.ID, "agent-2", now.Add(-2*time.Hour)))

	got, err := store.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ExecutionCount)
	require.NotNil(t, got.LastEventAt)
	assert.True(t, got.LastEventAt.Equal(now))
	assert.Equal(t, JSONStringSlice{"agent-1", "agent-2"}, got.AgentIDs)

	forAgent, err := store.ListForAgent(ctx, "agent-2")
	require.NoError(t, err)
	require.Len(t, forAgent, 1)

	_, err = store.Ensure(ctx, "team-b", "weekly", "")
	require.NoError(t, err)
	listed, err := store.List(ctx, "default")
	require.NoError(t, err)
	assert.Len(t, listed, 1)
	listed, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

type stubHealth struct{}

func (stubHealth) AgentHealth(_ context.Context, a *Agent) (*HealthMetrics, error) {
	return &HealthMetrics{AgentID: a.ID, HealthScore: 88, Status: "healthy", Uptime: 99.5, LastChecked: now}, nil
}

func newTestRouter(t *testing.T) (http.Handler, *AgentStore) {
	t.Helper()
	store := NewAgentStore(setupTestDB(t))
	authorizer, err := authz.NewAuthorizer("header", nil)
	require.NoError(t, err)
	return authz.IdentityMiddleware(nil)(Router(store, stubHealth{}, authorizer)), store
}

func serve(h http.Handler, method, path, role string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Remote-User", "alice")
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAgentHandlers(t *testing.T) {
	h, store := newTestRouter(t)
	ctx := context.Background()
	agent := &Agent{ExternalID: "invoice-bot", Name: "Invoice bot", Capabilities: JSONStringSlice{"billing"}}
	require.NoError(t, store.Create(ctx, agent))

	rec := serve(h, http.MethodGet, "/agents?capability=billing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Agents []agentResponse `json:"agents"`
		Size   int             `json:"size"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Size)
	assert.Equal(t, "quarantined", list.Agents[0].Status)

	rec = serve(h, http.MethodGet, "/agents?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodGet, "/agents/invoice-bot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), agent.ID)

	rec = serve(h, http.MethodGet, "/agents/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, http.MethodGet, "/agents/"+agent.ID+"/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthScore":88`)
}

func TestTransitionHandlers(t *testing.T) {
	h, store := newTestRouter(t)
	ctx := context.Background()
	agent := &Agent{ExternalID: "invoice-bot", Name: "Invoice bot"}
	require.NoError(t, store.Create(ctx, agent))

	rec := serve(h, http.MethodPost, "/agents/invoice-bot:promote", "viewer")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(h, http.MethodPost, "/agents/invoice-bot:promote", "operator")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "quarantined", res["from"])
	assert.Equal(t, "active", res["to"])

	got, err := store.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "active by alice", got.StatusReason)

	req := httptest.NewRequest(http.MethodPost, "/agents/invoice-bot:retire", strings.NewReader(`{"reason":"replaced"}`))
	req.Header.Set("X-User-Role", "operator")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodPost, "/agents/invoice-bot:promote", "operator")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "AGENT_RETIRED")
}
