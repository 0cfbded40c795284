package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/kubeflow/agent-trust/pkg/config"
	"github.com/kubeflow/agent-trust/pkg/drift"
	"github.com/kubeflow/agent-trust/pkg/events"
	"github.com/kubeflow/agent-trust/pkg/registry"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func defaultWeights() config.Weights {
	return config.Default().Trust.Weights
}

func TestScoreReferenceInputs(t *testing.T) {
	b := Score(Inputs{UptimePct: 99.9, PolicyAdherencePct: 100, SyncFreshnessPct: 95.5, RiskExposurePct: 2.1}, defaultWeights())
	assert.InDelta(t, 98.53, b.Score, 0.01)
	assert.InDelta(t, 29.97, b.Uptime, 1e-9)
	assert.InDelta(t, 30.0, b.Policy, 1e-9)
	assert.InDelta(t, 23.875, b.Sync, 1e-9)
	assert.InDelta(t, 14.685, b.Risk, 1e-9)

	again := Score(Inputs{UptimePct: 99.9, PolicyAdherencePct: 100, SyncFreshnessPct: 95.5, RiskExposurePct: 2.1}, defaultWeights())
	assert.Equal(t, b, again)
}

func TestScoreClampsInputsAndResult(t *testing.T) {
	b := Score(Inputs{UptimePct: 150, PolicyAdherencePct: -20, SyncFreshnessPct: 100, RiskExposurePct: 300}, defaultWeights())
	assert.Equal(t, 100.0, b.Inputs.UptimePct)
	assert.Equal(t, 0.0, b.Inputs.PolicyAdherencePct)
	assert.Equal(t, 100.0, b.Inputs.RiskExposurePct)
	assert.InDelta(t, 55.0, b.Score, 1e-9)

	for _, v := range []float64{-1000, -1, 0, 33.3, 100, 1e6} {
		s := Score(Inputs{UptimePct: v, PolicyAdherencePct: v, SyncFreshnessPct: v, RiskExposurePct: -v}, defaultWeights()).Score
		assert.GreaterOrEqual(t, s, 0.0, "input %v", v)
		assert.LessOrEqual(t, s, 100.0, "input %v", v)
	}
}

func TestRiskAvoided(t *testing.T) {
	assert.InDelta(t, 50000*(0.9-0.7)*10, RiskAvoided(90, 50000, 0.7, 10), 1e-6)
	assert.Equal(t, 0.0, RiskAvoided(50, 50000, 0.7, 10), "below baseline is floored")
	assert.Equal(t, 0.0, RiskAvoided(90, 50000, 0.7, 0))
}

type fakeRisks map[string][]string

func (f fakeRisks) OpenIncidentSeverities(_ context.Context, agentID string) ([]string, error) {
	return f[agentID], nil
}

type fixture struct {
	db        *gorm.DB
	agents    *registry.AgentStore
	workflows *registry.WorkflowStore
	telemetry *events.TelemetryStore
	snapshots *SnapshotStore
	clock     *testingclock.FakeClock
	cfg       config.Config
	risks     fakeRisks
	engine    *Engine
}

func newFixture(t *testing.T) *fixture {
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

	f := &fixture{
		db:        db,
		agents:    registry.NewAgentStore(db),
		workflows: registry.NewWorkflowStore(db),
		telemetry: events.NewTelemetryStore(db),
		snapshots: NewSnapshotStore(db),
		clock:     testingclock.NewFakeClock(now),
		cfg:       *config.Default(),
		risks:     fakeRisks{},
	}
	require.NoError(t, f.agents.AutoMigrate())
	require.NoError(t, events.NewEventStore(db).AutoMigrate())
	require.NoError(t, drift.NewGapStore(db).AutoMigrate())
	require.NoError(t, f.snapshots.AutoMigrate())

	analyzer := drift.NewAnalyzer(events.NewEventStore(db), f.workflows, drift.NewGapStore(db),
		func() config.SyncConfig { return f.cfg.Sync }, f.clock, nil)
	f.engine = NewEngine(f.agents, f.workflows, f.telemetry, f.risks, analyzer, f.snapshots,
		func() config.TrustConfig { return f.cfg.Trust }, f.clock, nil)
	return f
}

func (f *fixture) activeAgent(t *testing.T, name string) *registry.Agent {
	t.Helper()
	a := &registry.Agent{ExternalID: name, Name: name, Status: registry.StatusActive}
	require.NoError(t, f.agents.Create(context.Background(), a))
	return a
}

func (f *fixture) samples(t *testing.T, agentID string, n int, uptime float64) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, f.telemetry.Record(context.Background(), &events.TelemetrySample{
			AgentID:        agentID,
			ObservedAt:     now.Add(-time.Duration(i) * time.Minute),
			UptimePct:      uptime,
			SuccessRatePct: 99,
			PolicyChecks:   1,
			PolicyPassed:   1,
		}))
	}
}

func TestRefreshScoresFleet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	healthy := f.activeAgent(t, "healthy")
	f.samples(t, healthy.ID, 10, 99.9)
	wf, err := f.workflows.Ensure(ctx, "default", "wf-a", "wf-a")
	require.NoError(t, err)
	require.NoError(t, f.workflows.RecordEvent(ctx, wf.ID, healthy.ID, now))

	silent := f.activeAgent(t, "silent")
	f.risks[silent.ID] = []string{"critical"}

	// Quarantined agents are not scored.
	require.NoError(t, f.agents.Create(ctx, &registry.Agent{ExternalID: "new", Name: "new"}))

	kpis, err := f.engine.Refresh(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, kpis.ActiveAgents)
	assert.Equal(t, 2, kpis.AgentsScored)
	assert.Equal(t, 1, kpis.LowConfidenceAgents)
	assert.InDelta(t, 100.0, kpis.SyncFreshnessPct, 1e-6)
	assert.InDelta(t, 0.0, kpis.DriftRatePct, 1e-6)
	assert.InDelta(t, 50.0, kpis.ComplianceSLAPct, 1e-6)
	assert.InDelta(t, 81.985, kpis.TrustScore, 0.01)
	assert.InDelta(t, 11985, kpis.RiskAvoidedUSD, 5)
	assert.Equal(t, now, kpis.ComputedAt)

	h, err := f.snapshots.Latest(ctx, healthy.ID)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.InDelta(t, 99.97, h.Score, 0.01)
	assert.False(t, h.LowConfidence)
	assert.EqualValues(t, 10, h.SampleCount)

	s, err := f.snapshots.Latest(ctx, silent.ID)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.InDelta(t, 64.0, s.Score, 0.01)
	assert.True(t, s.LowConfidence)
	assert.InDelta(t, 40.0, s.RiskExposurePct, 1e-6)

	stored, err := f.agents.Get(ctx, healthy.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.9997, stored.TrustLevel, 1e-4)

	f.clock.Step(time.Minute)
	_, err = f.engine.Refresh(ctx)
	require.NoError(t, err)
	hist, err := f.snapshots.History(ctx, FleetSubject, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 2, "snapshots are appended, never overwritten")
	assert.True(t, hist[0].ComputedAt.After(hist[1].ComputedAt))
}

func TestRefreshEmptyFleet(t *testing.T) {
	f := newFixture(t)
	kpis, err := f.engine.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, kpis.ActiveAgents)
	assert.Equal(t, 100.0, kpis.TrustScore)
	assert.Equal(t, 0.0, kpis.RiskAvoidedUSD)

	fleet, err := f.snapshots.Latest(context.Background(), FleetSubject)
	require.NoError(t, err)
	assert.True(t, fleet.LowConfidence)
}

func TestRefreshRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t)
	f.engine.refreshing.Store(true)
	_, err := f.engine.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshInProgress)

	_, _, refreshing := f.engine.Current()
	assert.True(t, refreshing)
}

func TestLoadSeedsLastGood(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.snapshots.Append(ctx, &Snapshot{SubjectID: FleetSubject, Score: 77, ActiveAgents: 3, ComputedAt: now.Add(-time.Hour)}))

	_, ok, _ := f.engine.Current()
	require.False(t, ok)
	require.NoError(t, f.engine.Load(ctx))
	kpis, ok, _ := f.engine.Current()
	require.True(t, ok)
	assert.Equal(t, 77.0, kpis.TrustScore)
	assert.Equal(t, 3, kpis.ActiveAgents)
}

func TestGetKPIsHandler(t *testing.T) {
	f := newFixture(t)
	h := GetKPIsHandler(f.engine)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trust", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err := f.engine.Refresh(context.Background())
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trust", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body kpiResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Stale)
	assert.False(t, body.Refreshing)

	f.clock.Step(f.cfg.Trust.StaleAfter + time.Second)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trust", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.Stale, "old KPIs are still served, flagged stale")
}

type fakeQueue struct {
	tenant, user string
	calls        int
}

func (q *fakeQueue) EnqueueRefresh(_ context.Context, tenant, requestedBy string) (string, bool, error) {
	q.calls++
	q.tenant, q.user = tenant, requestedBy
	return "job-1", q.calls > 1, nil
}

func TestRefreshHandlerEnqueues(t *testing.T) {
	q := &fakeQueue{}
	h := RefreshHandler(q)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/trust/refresh", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"jobId":"job-1"`)
	assert.Contains(t, rec.Body.String(), `"deduplicated":false`)
	assert.Equal(t, "anonymous", q.user)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/trust/refresh", nil))
	assert.Contains(t, rec.Body.String(), `"deduplicated":true`)
}

func TestAgentHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.activeAgent(t, "a")

	h, err := f.engine.AgentHealth(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "unknown", h.Status)

	require.NoError(t, f.snapshots.Append(ctx, &Snapshot{SubjectID: a.ID, Score: 91.6, UptimePct: 99, ComputedAt: now}))
	h, err = f.engine.AgentHealth(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 92, h.HealthScore)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 99.0, h.Uptime)

	a.Status = registry.StatusQuarantined
	h, err = f.engine.AgentHealth(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "quarantined", h.Status)
}
