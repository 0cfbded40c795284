package drift

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
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
	"github.com/kubeflow/agent-trust/pkg/events"
	"github.com/kubeflow/agent-trust/pkg/registry"
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

	require.NoError(t, events.NewEventStore(db).AutoMigrate())
	require.NoError(t, registry.NewAgentStore(db).AutoMigrate())
	require.NoError(t, NewGapStore(db).AutoMigrate())
	return db
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		StalenessThreshold:     time.Hour,
		Window:                 24 * time.Hour,
		MissingRecordsCritical: 100,
		WebhookDriftRaisePct:   20,
		WebhookDriftHighPct:    50,
		GapTTL:                 7 * 24 * time.Hour,
		ExpectedRates:          map[string]float64{},
	}
}

type fixture struct {
	db        *gorm.DB
	events    *events.EventStore
	workflows *registry.WorkflowStore
	gaps      *GapStore
	clock     *testingclock.FakeClock
	cfg       config.SyncConfig
	analyzer  *Analyzer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	f := &fixture{
		db:        db,
		events:    events.NewEventStore(db),
		workflows: registry.NewWorkflowStore(db),
		gaps:      NewGapStore(db),
		clock:     testingclock.NewFakeClock(now),
		cfg:       testSyncConfig(),
	}
	f.analyzer = NewAnalyzer(f.events, f.workflows, f.gaps, func() config.SyncConfig { return f.cfg }, f.clock, nil)
	return f
}

func (f *fixture) event(t *testing.T, source, record, corr string, occurred, received time.Time) {
	t.Helper()
	_, _, err := f.events.Insert(context.Background(), &events.Event{
		Tenant:         "default",
		Environment:    "production",
		IdempotencyKey: uuid.NewString(),
		CorrelationID:  corr,
		Source:         source,
		Kind:           "record",
		RecordID:       record,
		OccurredAt:     occurred,
		ReceivedAt:     received,
	})
	require.NoError(t, err)
}

func (f *fixture) countGaps(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&SyncGap{}).Count(&n).Error)
	return n
}

func gapsByType(gaps []SyncGap) map[GapType]SyncGap {
	out := make(map[GapType]SyncGap, len(gaps))
	for _, g := range gaps {
		out[g.GapType] = g
	}
	return out
}

func TestFreshnessScore(t *testing.T) {
	threshold := time.Hour

	assert.Equal(t, 100.0, FreshnessScore(0, threshold))
	assert.InDelta(t, 50.0, FreshnessScore(0.5, threshold), 1e-9)
	assert.Equal(t, 0.0, FreshnessScore(1, threshold))
	assert.Equal(t, 0.0, FreshnessScore(5, threshold))
	assert.Equal(t, 100.0, FreshnessScore(-1, threshold), "clock skew clamps to 100")
	assert.Equal(t, 0.0, FreshnessScore(Hours(math.Inf(1)), threshold))

	prev := FreshnessScore(0, threshold)
	for lag := 0.05; lag < 1; lag += 0.05 {
		cur := FreshnessScore(Hours(lag), threshold)
		assert.Less(t, cur, prev, "lag %.2f", lag)
		assert.GreaterOrEqual(t, cur, 0.0)
		assert.LessOrEqual(t, cur, 100.0)
		prev = cur
	}
}

func TestStalenessSeverity(t *testing.T) {
	threshold := time.Hour
	assert.False(t, IsStale(1, threshold))
	assert.True(t, IsStale(1.01, threshold))
	assert.Equal(t, SeverityMedium, StalenessSeverity(1.5, threshold))
	assert.Equal(t, SeverityMedium, StalenessSeverity(2, threshold))
	assert.Equal(t, SeverityHigh, StalenessSeverity(2.5, threshold))
	assert.Equal(t, SeverityHigh, StalenessSeverity(Hours(math.Inf(1)), threshold))
}

func TestWebhookDriftPct(t *testing.T) {
	assert.Equal(t, 0.0, WebhookDriftPct(10, 0))
	assert.InDelta(t, 25.0, WebhookDriftPct(75, 100), 1e-9)
	assert.InDelta(t, 25.0, WebhookDriftPct(125, 100), 1e-9)
}

func TestHoursJSON(t *testing.T) {
	b, err := json.Marshal(Hours(math.Inf(1)))
	require.NoError(t, err)
	assert.Equal(t, `"Infinity"`, string(b))

	b, err = json.Marshal(Hours(1.23456))
	require.NoError(t, err)
	assert.Equal(t, `1.235`, string(b))

	var h Hours
	require.NoError(t, json.Unmarshal([]byte(`"Infinity"`), &h))
	assert.True(t, h.IsInf())
}

func TestAnalyzeDetectsAllGapTypes(t *testing.T) {
	f := newFixture(t)
	f.cfg.ExpectedRates["warehouse"] = 10
	ctx := context.Background()

	for _, rec := range []string{"r1", "r2", "r3"} {
		f.event(t, "crm", rec, "", now.Add(-10*time.Minute), now.Add(-10*time.Minute))
	}
	f.event(t, "warehouse", "r1", "c1", now.Add(-3*time.Hour), now.Add(-3*time.Hour))
	// Arrives later but occurred earlier than the previous event of c1.
	f.event(t, "warehouse", "", "c1", now.Add(-4*time.Hour), now.Add(-170*time.Minute))

	gaps, err := f.analyzer.Analyze(ctx, "crm", "warehouse")
	require.NoError(t, err)
	require.Len(t, gaps, 4)

	byType := gapsByType(gaps)

	missing := byType[GapMissingRecords]
	assert.Equal(t, SeverityMedium, missing.Severity)
	assert.Equal(t, "crm", missing.SourceID)
	assert.Equal(t, "warehouse", missing.TargetID)
	assert.EqualValues(t, 2, missing.Details["missing_count"])

	stale := byType[GapStaleData]
	assert.Equal(t, SeverityHigh, stale.Severity, "3h lag exceeds twice the 1h threshold")
	assert.Equal(t, "warehouse", stale.SourceID)

	assert.Equal(t, SeverityMedium, byType[GapOrderingIssue].Severity)
	assert.EqualValues(t, 1, byType[GapOrderingIssue].Details["out_of_order"])

	assert.Equal(t, SeverityHigh, byType[GapWebhookDrift].Severity)

	assert.EqualValues(t, 4, f.countGaps(t))
}

func TestAnalyzeIsIdempotentWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.event(t, "crm", "r1", "", now.Add(-5*time.Minute), now.Add(-5*time.Minute))

	first, err := f.analyzer.Analyze(ctx, "crm", "warehouse")
	require.NoError(t, err)
	require.NotEmpty(t, first)
	n := f.countGaps(t)

	f.clock.Step(10 * time.Minute)
	second, err := f.analyzer.Analyze(ctx, "crm", "warehouse")
	require.NoError(t, err)
	assert.Len(t, second, len(first))
	assert.Equal(t, n, f.countGaps(t))
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestAnalyzeMissingRecordsCritical(t *testing.T) {
	f := newFixture(t)
	f.cfg.MissingRecordsCritical = 1
	for _, rec := range []string{"r1", "r2"} {
		f.event(t, "crm", rec, "", now.Add(-time.Minute), now.Add(-time.Minute))
	}
	f.event(t, "warehouse", "other", "", now.Add(-time.Minute), now.Add(-time.Minute))

	gaps, err := f.analyzer.Analyze(context.Background(), "crm", "warehouse")
	require.NoError(t, err)
	byType := gapsByType(gaps)
	assert.Equal(t, SeverityCritical, byType[GapMissingRecords].Severity)
	_, stale := byType[GapStaleData]
	assert.False(t, stale)
}

func TestFleetSyncNeverDeliveredWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fresh, err := f.workflows.Ensure(ctx, "default", "wf-a", "wf-a")
	require.NoError(t, err)
	require.NoError(t, f.workflows.RecordEvent(ctx, fresh.ID, "", now.Add(-30*time.Minute)))
	silent, err := f.workflows.Ensure(ctx, "default", "wf-b", "wf-b")
	require.NoError(t, err)

	report, err := f.analyzer.FleetSync(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.TotalSources)
	assert.InDelta(t, 25.0, report.SyncFreshnessPct, 1e-6)
	assert.InDelta(t, 50.0, report.DriftRatePct, 1e-6)

	require.Len(t, report.StaleWorkflows, 1)
	sw := report.StaleWorkflows[0]
	assert.Equal(t, "wf-b", sw.SourceID)
	assert.Equal(t, silent.ID, sw.WorkflowID)
	assert.True(t, sw.StalenessHours.IsInf())
	assert.Nil(t, sw.LastEventAt)
	assert.Equal(t, SeverityHigh, sw.Severity)
	assert.Equal(t, 0.0, sw.FreshnessScore)

	b, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"stalenessHours":"Infinity"`)

	score, ok := report.FreshnessFor([]string{fresh.ID})
	require.True(t, ok)
	assert.InDelta(t, 50.0, score, 1e-6)
	_, ok = report.FreshnessFor([]string{"unknown"})
	assert.False(t, ok)

	assert.Same(t, report, f.analyzer.LastReport())
}

func TestFleetSyncEmpty(t *testing.T) {
	f := newFixture(t)
	report, err := f.analyzer.FleetSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100.0, report.SyncFreshnessPct)
	assert.Equal(t, 0.0, report.DriftRatePct)
	assert.Empty(t, report.StaleWorkflows)
}

func TestFleetSyncIncludesPairs(t *testing.T) {
	f := newFixture(t)
	f.cfg.Pairs = []config.SourcePair{{Source: "crm", Target: "warehouse"}}
	f.event(t, "crm", "r1", "", now, now)
	f.event(t, "warehouse", "r1", "", now, now)

	report, err := f.analyzer.FleetSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalSources)
	assert.Equal(t, 100.0, report.SyncFreshnessPct)
	assert.Equal(t, 0.0, report.DriftRatePct)
	assert.Empty(t, report.Errors)
}

type unreadableSource struct {
	*events.EventStore
	source string
}

func (u unreadableSource) LastEventAt(ctx context.Context, source string) (*time.Time, error) {
	if source == u.source {
		return nil, errors.New("connection reset")
	}
	return u.EventStore.LastEventAt(ctx, source)
}

func TestFleetSyncLeavesUnreadableSourceOutOfTotals(t *testing.T) {
	f := newFixture(t)
	f.cfg.Pairs = []config.SourcePair{
		{Source: "crm", Target: "warehouse"},
		{Source: "erp", Target: "warehouse"},
	}
	f.event(t, "crm", "r1", "", now, now)
	f.event(t, "erp", "r1", "", now, now)
	f.event(t, "warehouse", "r1", "", now, now)
	analyzer := NewAnalyzer(unreadableSource{EventStore: f.events, source: "crm"}, f.workflows, f.gaps,
		func() config.SyncConfig { return f.cfg }, f.clock, nil)

	report, err := analyzer.FleetSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalSources)
	require.Len(t, report.Sources, report.TotalSources)
	for _, s := range report.Sources {
		assert.NotEqual(t, "crm", s.SourceID)
	}
	assert.Equal(t, 100.0, report.SyncFreshnessPct)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "crm")
}

func TestPurgeWorkerPurgeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.gaps.Create(ctx, &SyncGap{GapType: GapStaleData, Severity: SeverityHigh, SourceID: "old", DetectedAt: now.Add(-8 * 24 * time.Hour)}))
	require.NoError(t, f.gaps.Create(ctx, &SyncGap{GapType: GapStaleData, Severity: SeverityHigh, SourceID: "new", DetectedAt: now.Add(-time.Hour)}))

	w := NewPurgeWorker(f.gaps, func() config.SyncConfig { return f.cfg }, time.Hour, f.clock, nil)
	assert.EqualValues(t, 1, w.PurgeOnce(ctx))

	set, err := f.gaps.SourcesWithGapsSince(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, set.Contains("new"))
	assert.False(t, set.Contains("old"))
}

func TestPurgeWorkerRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	w := NewPurgeWorker(f.gaps, func() config.SyncConfig { return f.cfg }, time.Hour, f.clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("purge worker did not stop after cancellation")
	}
}

type staticReport struct{ r *SyncReport }

func (s staticReport) LastReport() *SyncReport { return s.r }

func TestReportHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	ReportHandler(staticReport{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	ReportHandler(staticReport{r: &SyncReport{SyncFreshnessPct: 80}}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"syncFreshnessPct":80`)
}

func TestListGapsHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.gaps.Create(ctx, &SyncGap{GapType: GapStaleData, Severity: SeverityHigh, SourceID: "a", DetectedAt: now.Add(-time.Hour)}))
	require.NoError(t, f.gaps.Create(ctx, &SyncGap{GapType: GapOrderingIssue, Severity: SeverityMedium, SourceID: "b", DetectedAt: now.Add(-time.Hour)}))

	h := ListGapsHandler(f.gaps, func() time.Time { return now })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gaps?type=ordering_issue", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []SyncGap `json:"items"`
		Size  int       `json:"size"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, 1, body.Size)
	assert.Equal(t, "b", body.Items[0].SourceID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gaps?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
