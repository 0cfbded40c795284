package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/kubeflow/agent-trust/pkg/config"
	"github.com/kubeflow/agent-trust/pkg/drift"
	"github.com/kubeflow/agent-trust/pkg/notify"
	"github.com/kubeflow/agent-trust/pkg/registry"
	"github.com/kubeflow/agent-trust/pkg/trust"
)

// AgentLister lists agents.
type AgentLister interface {
	List(ctx context.Context, filter registry.AgentFilter) ([]registry.Agent, error)
}

// KPISource exposes the newest cached KPIs.
type KPISource interface {
	Current() (kpis trust.KPIs, ok, refreshing bool)
}

// SyncSource exposes the newest fleet sync report.
type SyncSource interface {
	LastReport() *drift.SyncReport
}

// IncidentSource returns the severities of an agent's open incidents.
type IncidentSource interface {
	OpenIncidentSeverities(ctx context.Context, agentID string) ([]string, error)
}

const topViolationLimit = 5

// Engine runs the compliance battery and writes violations to the ledger.
type Engine struct {
	agents    AgentLister
	kpis      KPISource
	sync      SyncSource
	incidents IncidentSource
	ledger    *Ledger
	notifier  notify.Notifier
	checks    []Check
	cfg       func() config.Config
	clock     clock.PassiveClock
	logger    *slog.Logger

	mu       sync.RWMutex
	last     *Summary
	onReport []func(*Summary)
}

// NewEngine creates an Engine running DefaultChecks. kpis, sync, incidents
// and notifier may be nil.
func NewEngine(agents AgentLister, kpis KPISource, sync SyncSource, incidents IncidentSource,
	ledger *Ledger, notifier notify.Notifier, cfg func() config.Config, clk clock.PassiveClock, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		agents:    agents,
		kpis:      kpis,
		sync:      sync,
		incidents: incidents,
		ledger:    ledger,
		notifier:  notifier,
		checks:    DefaultChecks(),
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
	}
}

// OnReport registers fn to run after every completed audit.
func (e *Engine) OnReport(fn func(*Summary)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onReport = append(e.onReport, fn)
}

// LastSummary returns the newest audit summary, or nil before the first run.
func (e *Engine) LastSummary() *Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// PerformAudit evaluates the battery against the current state of the
// fleet. Trail and escalation failures are recorded in the summary and do
// not fail the audit.
func (e *Engine) PerformAudit(ctx context.Context) (*Summary, error) {
	cfg := e.cfg()
	now := e.clock.Now().UTC()

	agents, err := e.agents.List(ctx, registry.AgentFilter{})
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	sum := &Summary{ID: uuid.NewString(), GeneratedAt: now}
	in := Input{Config: cfg, Now: now, Agents: agents, OpenIncidents: map[string][]string{}}
	if e.kpis != nil {
		if k, ok, _ := e.kpis.Current(); ok {
			in.KPIs = &k
		}
	}
	if e.sync != nil {
		in.Sync = e.sync.LastReport()
	}
	if e.incidents != nil {
		for _, a := range agents {
			if a.Status == registry.StatusRetired {
				continue
			}
			sevs, err := e.incidents.OpenIncidentSeverities(ctx, a.ID)
			if err != nil {
				sum.Errors = append(sum.Errors, err.Error())
				continue
			}
			if len(sevs) > 0 {
				in.OpenIncidents[a.ID] = sevs
			}
		}
	}

	sum.Checks = Evaluate(e.checks, in)
	sum.TotalControls = len(sum.Checks)
	for _, r := range sum.Checks {
		switch r.Status {
		case StatusPass:
			sum.Passed++
		case StatusFail:
			sum.Failed++
		case StatusWarning:
			sum.Warnings++
		case StatusNotApplicable:
			sum.NotApplicable++
		}
	}
	sum.OverallScore = OverallScore(sum.Checks)
	sum.TopViolations = topViolations(sum.Checks, topViolationLimit)
	sum.Recommendations = recommendations(sum.TopViolations)
	sum.Agents = agentCompliance(in)
	sum.KPIs = kpiView(in.KPIs, agents)

	e.record(ctx, sum)
	e.escalate(ctx, sum)

	e.logger.Info("audit completed", "auditID", sum.ID, "score", sum.OverallScore,
		"failed", sum.Failed, "warnings", sum.Warnings, "entries", sum.EntriesWritten)

	e.mu.Lock()
	e.last = sum
	hooks := append([]func(*Summary){}, e.onReport...)
	e.mu.Unlock()
	for _, fn := range hooks {
		fn(sum)
	}
	return sum, nil
}

func (e *Engine) record(ctx context.Context, sum *Summary) {
	if e.ledger == nil {
		return
	}
	var entries []Entry
	for _, r := range sum.Checks {
		if r.Status != StatusFail {
			continue
		}
		entries = append(entries, Entry{
			Kind:     KindViolation,
			AuditID:  sum.ID,
			CheckID:  r.ID,
			Category: r.Category,
			Severity: r.Severity,
			Actor:    "system",
			Message:  r.Message,
			Details: map[string]any{
				"check":          r.Name,
				"recommendation": r.Recommendation,
			},
			RecordedAt: sum.GeneratedAt,
		})
	}
	if len(entries) == 0 {
		return
	}
	written, err := e.ledger.Record(ctx, entries...)
	if err != nil {
		e.logger.Warn("audit trail write failed", "auditID", sum.ID, "error", err)
		sum.Errors = append(sum.Errors, err.Error())
		return
	}
	sum.EntriesWritten = len(written)
}

// escalate sends one message listing every failed security, access or
// crypto check.
func (e *Engine) escalate(ctx context.Context, sum *Summary) {
	if e.notifier == nil {
		return
	}
	var failed []CheckResult
	for _, r := range sum.Checks {
		if r.Status == StatusFail && r.Category.Escalates() {
			failed = append(failed, r)
		}
	}
	if len(failed) == 0 {
		return
	}
	sort.SliceStable(failed, func(i, j int) bool {
		return severityRank[failed[i].Severity] > severityRank[failed[j].Severity]
	})
	ids := make([]string, len(failed))
	for i, r := range failed {
		ids[i] = r.ID
	}
	err := e.notifier.Notify(ctx, notify.Message{
		Kind:     "audit",
		Severity: failed[0].Severity,
		Subject:  fmt.Sprintf("%d critical compliance control(s) failing", len(failed)),
		Summary:  failed[0].Message,
		Details: map[string]any{
			"auditId":      sum.ID,
			"checks":       ids,
			"overallScore": sum.OverallScore,
		},
		OccurredAt: sum.GeneratedAt,
	})
	if err != nil {
		e.logger.Warn("audit escalation failed", "auditID", sum.ID, "error", err)
		sum.Errors = append(sum.Errors, "escalation: "+err.Error())
		return
	}
	sum.Escalated = true
}

func recommendations(violations []CheckResult) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, r := range violations {
		rec := strings.TrimSpace(r.Recommendation)
		if rec == "" || seen[rec] {
			continue
		}
		seen[rec] = true
		out = append(out, rec)
	}
	return out
}

func kpiView(k *trust.KPIs, agents []registry.Agent) KPIView {
	if k == nil {
		active := 0
		for _, a := range agents {
			if a.Status == registry.StatusActive {
				active++
			}
		}
		return KPIView{ActiveAgents: active}
	}
	at := k.ComputedAt
	return KPIView{
		TrustScore:       k.TrustScore,
		RiskAvoidedUSD:   k.RiskAvoidedUSD,
		SyncFreshnessPct: k.SyncFreshnessPct,
		DriftRatePct:     k.DriftRatePct,
		ComplianceSLAPct: k.ComplianceSLAPct,
		ActiveAgents:     k.ActiveAgents,
		ComputedAt:       &at,
	}
}
