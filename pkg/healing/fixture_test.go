package healing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/kubeflow/agent-trust/pkg/config"
	"github.com/kubeflow/agent-trust/pkg/events"
	"github.com/kubeflow/agent-trust/pkg/notify"
	"github.com/kubeflow/agent-trust/pkg/registry"
)

type fixture struct {
	db          *gorm.DB
	agents      *registry.AgentStore
	telemetry   *events.TelemetryStore
	store       *Store
	clock       *testingclock.FakeClock
	quarantiner *Quarantiner
	cfg         config.HealingConfig
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
		telemetry: events.NewTelemetryStore(db),
		store:     NewStore(db),
		clock:     testingclock.NewFakeClock(now),
		cfg:       config.Default().Healing,
	}
	require.NoError(t, f.agents.AutoMigrate())
	require.NoError(t, events.NewEventStore(db).AutoMigrate())
	require.NoError(t, f.store.AutoMigrate())
	f.quarantiner = NewQuarantiner(f.agents, f.store, f.clock, nil)
	t.Cleanup(f.quarantiner.Stop)
	return f
}

func (f *fixture) engine(r Remediator, n notify.Notifier) *Engine {
	return NewEngine(f.agents, f.telemetry, f.store, f.quarantiner, r, n,
		func() config.HealingConfig { return f.cfg }, f.clock, nil)
}

func (f *fixture) addAgent(t *testing.T, name string, mutate func(a *registry.Agent)) *registry.Agent {
	t.Helper()
	a := &registry.Agent{ExternalID: name, Name: name, Status: registry.StatusActive}
	if mutate != nil {
		mutate(a)
	}
	require.NoError(t, f.agents.Create(context.Background(), a))
	return a
}

func (f *fixture) addSample(t *testing.T, agentID string, at time.Time, mutate func(s *events.TelemetrySample)) {
	t.Helper()
	s := healthySample()
	s.AgentID = agentID
	s.ObservedAt = at
	if mutate != nil {
		mutate(s)
	}
	require.NoError(t, f.telemetry.Record(context.Background(), s))
}

func (f *fixture) status(t *testing.T, agentID string) registry.AgentStatus {
	t.Helper()
	a, err := f.agents.Get(context.Background(), agentID)
	require.NoError(t, err)
	require.NotNil(t, a)
	return a.Status
}
