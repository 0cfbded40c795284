package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/kubeflow/agent-trust/pkg/config"
	"github.com/kubeflow/agent-trust/pkg/drift"
	"github.com/kubeflow/agent-trust/pkg/events"
	"github.com/kubeflow/agent-trust/pkg/registry"
)

// ErrRefreshInProgress is returned by Refresh when another refresh runs.
var ErrRefreshInProgress = errors.New("trust refresh already in progress")

// AgentSource lists agents and records their trust level.
type AgentSource interface {
	List(ctx context.Context, filter registry.AgentFilter) ([]registry.Agent, error)
	SetTrustLevel(ctx context.Context, id string, level float64) error
}

// WorkflowSource lists the workflows an agent participates in.
type WorkflowSource interface {
	ListForAgent(ctx context.Context, agentID string) ([]registry.Workflow, error)
}

// TelemetryReader reads an agent's telemetry.
type TelemetryReader interface {
	Window(ctx context.Context, agentID string, since, until time.Time) ([]events.TelemetrySample, error)
	CountSince(ctx context.Context, agentID string, since time.Time) (int64, error)
}

// RiskSource reports the severities of an agent's open incidents.
type RiskSource interface {
	OpenIncidentSeverities(ctx context.Context, agentID string) ([]string, error)
}

// FleetSyncer produces the sync report the scores are based on.
type FleetSyncer interface {
	FleetSync(ctx context.Context) (*drift.SyncReport, error)
}

// Risk exposure contributed by one open incident, by severity, and by one
// stale workflow of the agent.
var incidentRisk = map[string]float64{
	"low":      5,
	"medium":   10,
	"high":     25,
	"critical": 40,
}

const staleWorkflowRisk = 10

// Engine computes per-agent and fleet trust scores and keeps the last good
// fleet KPIs in memory.
type Engine struct {
	agents    AgentSource
	workflows WorkflowSource
	telemetry TelemetryReader
	risks     RiskSource
	sync      FleetSyncer
	snapshots *SnapshotStore
	cfg       func() config.TrustConfig
	clock     clock.PassiveClock
	logger    *slog.Logger

	refreshing atomic.Bool
	mu         sync.RWMutex
	last       *KPIs
}

// NewEngine creates an Engine. risks may be nil, in which case only stale
// workflows contribute to risk exposure.
func NewEngine(agents AgentSource, workflows WorkflowSource, telemetry TelemetryReader, risks RiskSource,
	syncer FleetSyncer, snapshots *SnapshotStore, cfg func() config.TrustConfig, clk clock.PassiveClock, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		agents:    agents,
		workflows: workflows,
		telemetry: telemetry,
		risks:     risks,
		sync:      syncer,
		snapshots: snapshots,
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
	}
}

// Load seeds the last good KPIs from the newest persisted fleet snapshot so
// a restarted process serves indicators before its first refresh.
func (e *Engine) Load(ctx context.Context) error {
	snap, err := e.snapshots.Latest(ctx, FleetSubject)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	k := kpisFromSnapshot(snap, snap.ActiveAgents, 0)
	e.mu.Lock()
	if e.last == nil {
		e.last = &k
	}
	e.mu.Unlock()
	return nil
}

// Current returns the last good fleet KPIs and whether a refresh is running.
// ok is false before the first refresh.
func (e *Engine) Current() (kpis KPIs, ok, refreshing bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return KPIs{}, false, e.refreshing.Load()
	}
	return *e.last, true, e.refreshing.Load()
}

// IsStale reports whether KPIs computed at computedAt are older than the
// configured staleness bound.
func (e *Engine) IsStale(computedAt time.Time) bool {
	return e.clock.Since(computedAt) > e.cfg().StaleAfter
}

// ComputeTrustScore scores one agent against report and appends its
// snapshot. The agent's trust level is updated as a side effect.
func (e *Engine) ComputeTrustScore(ctx context.Context, agent *registry.Agent, report *drift.SyncReport) (*Snapshot, error) {
	cfg := e.cfg()
	now := e.clock.Now().UTC()
	since := now.Add(-cfg.Window)

	samples, err := e.telemetry.Window(ctx, agent.ID, since, now)
	if err != nil {
		return nil, err
	}
	count, err := e.telemetry.CountSince(ctx, agent.ID, since)
	if err != nil {
		return nil, err
	}
	wfs, err := e.workflows.ListForAgent(ctx, agent.ID)
	if err != nil {
		return nil, err
	}

	in := Inputs{
		UptimePct:          uptimePct(samples, agent.LastHeartbeatAt, since),
		PolicyAdherencePct: policyAdherencePct(samples),
		SyncFreshnessPct:   syncFreshnessPct(report, wfs),
	}
	risk, err := e.riskExposurePct(ctx, agent.ID, report, wfs)
	if err != nil {
		return nil, err
	}
	in.RiskExposurePct = risk

	b := Score(in, cfg.Weights)
	snap := &Snapshot{
		SubjectID:          agent.ID,
		Score:              round2(b.Score),
		UptimePct:          round2(b.Inputs.UptimePct),
		PolicyAdherencePct: round2(b.Inputs.PolicyAdherencePct),
		SyncFreshnessPct:   round2(b.Inputs.SyncFreshnessPct),
		RiskExposurePct:    round2(b.Inputs.RiskExposurePct),
		SampleCount:        count,
		LowConfidence:      count < int64(cfg.MinSamples),
		ComputedAt:         now,
	}
	if err := e.snapshots.Append(ctx, snap); err != nil {
		return nil, err
	}
	if err := e.agents.SetTrustLevel(ctx, agent.ID, b.Score/100); err != nil {
		e.logger.Warn("failed to store agent trust level", "agentID", agent.ID, "error", err)
	}
	return snap, nil
}

// Refresh runs one fleet sync, scores every active agent on a bounded pool
// and appends the fleet snapshot. A failing agent is logged and skipped.
// Cancellation stops scheduling further agents; agents already being scored
// finish.
func (e *Engine) Refresh(ctx context.Context) (*KPIs, error) {
	if !e.refreshing.CompareAndSwap(false, true) {
		return nil, ErrRefreshInProgress
	}
	defer e.refreshing.Store(false)

	cfg := e.cfg()
	report, err := e.sync.FleetSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("fleet sync: %w", err)
	}
	agents, err := e.agents.List(ctx, registry.AgentFilter{Status: registry.StatusActive})
	if err != nil {
		return nil, err
	}

	results := make([]*Snapshot, len(agents))
	g := new(errgroup.Group)
	g.SetLimit(max(cfg.Workers, 1))
	for i := range agents {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			snap, err := e.ComputeTrustScore(context.WithoutCancel(ctx), &agents[i], report)
			if err != nil {
				e.logger.Error("trust score failed", "agentID", agents[i].ID, "error", err)
				return nil
			}
			results[i] = snap
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fleet := e.fleetSnapshot(cfg, report, len(agents), results)
	if err := e.snapshots.Append(ctx, fleet); err != nil {
		return nil, err
	}

	scored, low := 0, 0
	for _, s := range results {
		if s == nil {
			continue
		}
		scored++
		if s.LowConfidence {
			low++
		}
	}
	k := kpisFromSnapshot(fleet, scored, low)
	e.mu.Lock()
	e.last = &k
	e.mu.Unlock()

	e.logger.Info("trust refresh completed", "trustScore", k.TrustScore,
		"activeAgents", k.ActiveAgents, "scored", scored, "lowConfidence", low)
	return &k, nil
}

// fleetSnapshot averages the agent inputs and scores the mean. An empty
// fleet counts as fully available and compliant with a low-confidence flag.
func (e *Engine) fleetSnapshot(cfg config.TrustConfig, report *drift.SyncReport, active int, results []*Snapshot) *Snapshot {
	in := Inputs{UptimePct: 100, PolicyAdherencePct: 100, SyncFreshnessPct: report.SyncFreshnessPct}
	compliance := 100.0
	var samples int64
	n := 0
	var uptime, policy, risk float64
	meeting := 0
	for _, s := range results {
		if s == nil {
			continue
		}
		n++
		uptime += s.UptimePct
		policy += s.PolicyAdherencePct
		risk += s.RiskExposurePct
		samples += s.SampleCount
		if s.UptimePct >= cfg.SLATargetPct {
			meeting++
		}
	}
	if n > 0 {
		in.UptimePct = uptime / float64(n)
		in.PolicyAdherencePct = policy / float64(n)
		in.RiskExposurePct = risk / float64(n)
		compliance = float64(meeting) / float64(n) * 100
	}

	b := Score(in, cfg.Weights)
	return &Snapshot{
		SubjectID:          FleetSubject,
		Score:              round2(b.Score),
		UptimePct:          round2(b.Inputs.UptimePct),
		PolicyAdherencePct: round2(b.Inputs.PolicyAdherencePct),
		SyncFreshnessPct:   round2(report.SyncFreshnessPct),
		RiskExposurePct:    round2(b.Inputs.RiskExposurePct),
		SampleCount:        samples,
		LowConfidence:      n == 0 || samples < int64(cfg.MinSamples*n),
		DriftRatePct:       round2(report.DriftRatePct),
		RiskAvoidedUSD:     round2(RiskAvoided(b.Score, cfg.BaselineIncidentCost, cfg.BaselineTrust, active)),
		ComplianceSLAPct:   round2(compliance),
		ActiveAgents:       active,
		ComputedAt:         e.clock.Now().UTC(),
	}
}

func (e *Engine) riskExposurePct(ctx context.Context, agentID string, report *drift.SyncReport, wfs []registry.Workflow) (float64, error) {
	var risk float64
	if e.risks != nil {
		sevs, err := e.risks.OpenIncidentSeverities(ctx, agentID)
		if err != nil {
			return 0, err
		}
		for _, s := range sevs {
			risk += incidentRisk[s]
		}
	}
	if report != nil {
		stale := make(map[string]bool, len(report.StaleWorkflows))
		for _, sw := range report.StaleWorkflows {
			stale[sw.WorkflowID] = true
		}
		for _, wf := range wfs {
			if stale[wf.ID] {
				risk += staleWorkflowRisk
			}
		}
	}
	return math.Min(risk, 100), nil
}

// AgentHealth implements registry.HealthProvider from the agent's newest
// snapshot.
func (e *Engine) AgentHealth(ctx context.Context, agent *registry.Agent) (*registry.HealthMetrics, error) {
	snap, err := e.snapshots.Latest(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	h := &registry.HealthMetrics{AgentID: agent.ID, LastChecked: e.clock.Now().UTC()}
	if snap != nil {
		h.HealthScore = int(math.Round(snap.Score))
		h.Uptime = snap.UptimePct
		h.LastChecked = snap.ComputedAt
	}
	h.Status = healthStatus(agent.Status, snap)
	return h, nil
}

func healthStatus(status registry.AgentStatus, snap *Snapshot) string {
	switch {
	case status != registry.StatusActive:
		return string(status)
	case snap == nil:
		return "unknown"
	case snap.Score >= 80:
		return "healthy"
	case snap.Score >= 50:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// uptimePct is the mean reported uptime. Without metric samples an agent
// that sent a heartbeat inside the window counts as up.
func uptimePct(samples []events.TelemetrySample, lastHeartbeat *time.Time, since time.Time) float64 {
	if len(samples) == 0 {
		if lastHeartbeat != nil && !lastHeartbeat.Before(since) {
			return 100
		}
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.UptimePct
	}
	return sum / float64(len(samples))
}

// policyAdherencePct is passed/checks over the window, 100 without checks.
func policyAdherencePct(samples []events.TelemetrySample) float64 {
	checks, passed := 0, 0
	for _, s := range samples {
		checks += s.PolicyChecks
		passed += s.PolicyPassed
	}
	if checks == 0 {
		return 100
	}
	return float64(passed) / float64(checks) * 100
}

// syncFreshnessPct uses the agent's workflows and falls back to the fleet
// mean for agents without workflows.
func syncFreshnessPct(report *drift.SyncReport, wfs []registry.Workflow) float64 {
	if report == nil {
		return 0
	}
	ids := make([]string, len(wfs))
	for i, wf := range wfs {
		ids[i] = wf.ID
	}
	if score, ok := report.FreshnessFor(ids); ok {
		return score
	}
	return report.SyncFreshnessPct
}
