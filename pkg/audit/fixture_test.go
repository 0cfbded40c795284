package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/kubeflow/agent-trust/pkg/config"
	"github.com/kubeflow/agent-trust/pkg/drift"
	"github.com/kubeflow/agent-trust/pkg/notify"
	"github.com/kubeflow/agent-trust/pkg/registry"
	"github.com/kubeflow/agent-trust/pkg/trust"
)

var (
	now     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testKey = []byte("0123456789abcdef0123456789abcdef")
)

// compliantConfig passes every configuration-only control.
func compliantConfig() config.Config {
	cfg := *config.Default()
	cfg.Auth.Mode = "jwt"
	cfg.Auth.PublicKeyPath = "/etc/trust/jwt.pem"
	cfg.Webhook.Secret = "webhook-secret"
	cfg.Audit.SigningKey = string(testKey)
	return cfg
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) Notify(ctx context.Context, msg notify.Message) error {
	return m.Called(ctx, msg).Error(0)
}

type staticKPIs struct {
	kpis trust.KPIs
	ok   bool
}

func (s staticKPIs) Current() (trust.KPIs, bool, bool) { return s.kpis, s.ok, false }

type staticSync struct{ report *drift.SyncReport }

func (s staticSync) LastReport() *drift.SyncReport { return s.report }

type staticIncidents map[string][]string

func (s staticIncidents) OpenIncidentSeverities(_ context.Context, agentID string) ([]string, error) {
	return s[agentID], nil
}

type fixture struct {
	db     *gorm.DB
	agents *registry.AgentStore
	store  *EntryStore
	trail  *TrailWriter
	ledger *Ledger
	clock  *testingclock.FakeClock
	cfg    config.Config
}

func newDB(t *testing.T) *gorm.DB {
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
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newDB(t)
	f := &fixture{
		db:     db,
		agents: registry.NewAgentStore(db),
		store:  NewEntryStore(db),
		trail:  NewTrailWriter(filepath.Join(t.TempDir(), "trail.jsonl"), testKey),
		clock:  testingclock.NewFakeClock(now),
		cfg:    compliantConfig(),
	}
	f.store.newBackOff = func() backoff.BackOff { return &backoff.StopBackOff{} }
	require.NoError(t, f.agents.AutoMigrate())
	require.NoError(t, f.store.AutoMigrate())
	f.ledger = NewLedger(f.trail, f.store, f.clock, nil)
	return f
}

func (f *fixture) engine(kpis KPISource, sync SyncSource, incidents IncidentSource, n notify.Notifier) *Engine {
	return NewEngine(f.agents, kpis, sync, incidents, f.ledger, n,
		func() config.Config { return f.cfg }, f.clock, nil)
}

func (f *fixture) addAgent(t *testing.T, name string, mutate func(a *registry.Agent)) *registry.Agent {
	t.Helper()
	a := &registry.Agent{ExternalID: name, Name: name, Status: registry.StatusActive, TrustLevel: 0.9}
	if mutate != nil {
		mutate(a)
	}
	require.NoError(t, f.agents.Create(context.Background(), a))
	return a
}

func healthyKPIs() staticKPIs {
	return staticKPIs{ok: true, kpis: trust.KPIs{
		TrustScore:       88,
		RiskAvoidedUSD:   12345.67,
		SyncFreshnessPct: 97,
		DriftRatePct:     2,
		ComplianceSLAPct: 100,
		UptimePct:        99.9,
		ActiveAgents:     1,
		AgentsScored:     1,
		ComputedAt:       now.Add(-time.Minute),
	}}
}

func healthySync() staticSync {
	return staticSync{report: &drift.SyncReport{GeneratedAt: now, SyncFreshnessPct: 97, DriftRatePct: 2}}
}
