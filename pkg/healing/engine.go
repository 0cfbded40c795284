package healing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/kubeflow/agent-trust/pkg/config"
	"github.com/kubeflow/agent-trust/pkg/events"
	"github.com/kubeflow/agent-trust/pkg/notify"
	"github.com/kubeflow/agent-trust/pkg/registry"
)

// AgentLister lists agents.
type AgentLister interface {
	List(ctx context.Context, filter registry.AgentFilter) ([]registry.Agent, error)
}

// LatestTelemetry returns an agent's newest metric sample.
type LatestTelemetry interface {
	Latest(ctx context.Context, agentID string) (*events.TelemetrySample, error)
}

// CycleSummary reports one healing cycle.
type CycleSummary struct {
	StartedAt         time.Time `json:"startedAt"`
	FinishedAt        time.Time `json:"finishedAt"`
	AgentsChecked     int       `json:"agentsChecked"`
	IssuesDetected    int       `json:"issuesDetected"`
	IncidentsOpened   int       `json:"incidentsOpened"`
	IncidentsResolved int       `json:"incidentsResolved"`
	ActionsSucceeded  int       `json:"actionsSucceeded"`
	ActionsFailed     int       `json:"actionsFailed"`
	Escalations       int       `json:"escalations"`
	Aborted           bool      `json:"aborted"`
	Errors            []string  `json:"errors,omitempty"`
}

// Engine runs healing cycles over the active agents.
type Engine struct {
	agents      AgentLister
	telemetry   LatestTelemetry
	store       *Store
	quarantiner *Quarantiner
	remediator  Remediator
	notifier    notify.Notifier
	cfg         func() config.HealingConfig
	clock       clock.PassiveClock
	logger      *slog.Logger

	mu   sync.RWMutex
	last *CycleSummary
}

// NewEngine creates an Engine. notifier may be nil.
func NewEngine(agents AgentLister, telemetry LatestTelemetry, store *Store, quarantiner *Quarantiner,
	remediator Remediator, notifier notify.Notifier, cfg func() config.HealingConfig, clk clock.PassiveClock, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if remediator == nil {
		remediator = &LogRemediator{Logger: logger}
	}
	return &Engine{
		agents:      agents,
		telemetry:   telemetry,
		store:       store,
		quarantiner: quarantiner,
		remediator:  remediator,
		notifier:    notifier,
		cfg:         cfg,
		clock:       clk,
		logger:      logger,
	}
}

// LastSummary returns the summary of the newest completed cycle, or nil.
func (e *Engine) LastSummary() *CycleSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// RunCycle checks every active agent on a bounded pool. Cancellation stops
// scheduling further agents but lets agents in progress finish, so an
// action is never cut off halfway. Per-agent failures are recorded in the
// summary and never abort the cycle.
func (e *Engine) RunCycle(ctx context.Context) CycleSummary {
	cfg := e.cfg()
	sum := &CycleSummary{StartedAt: e.clock.Now().UTC()}
	var mu sync.Mutex
	record := func(fn func(s *CycleSummary)) {
		mu.Lock()
		fn(sum)
		mu.Unlock()
	}

	agents, err := e.agents.List(ctx, registry.AgentFilter{Status: registry.StatusActive})
	if err != nil {
		sum.Errors = append(sum.Errors, fmt.Sprintf("list agents: %v", err))
		sum.Aborted = ctx.Err() != nil
		sum.FinishedAt = e.clock.Now().UTC()
		e.finish(sum)
		return *sum
	}

	g := new(errgroup.Group)
	g.SetLimit(max(cfg.Workers, 1))
	for i := range agents {
		if ctx.Err() != nil {
			record(func(s *CycleSummary) { s.Aborted = true })
			break
		}
		g.Go(func() error {
			e.healAgent(context.WithoutCancel(ctx), &agents[i], cfg, record)
			return nil
		})
	}
	_ = g.Wait()

	sum.FinishedAt = e.clock.Now().UTC()
	e.finish(sum)
	return *sum
}

func (e *Engine) finish(sum *CycleSummary) {
	e.mu.Lock()
	e.last = sum
	e.mu.Unlock()
	e.logger.Info("healing cycle completed",
		"agents", sum.AgentsChecked,
		"issues", sum.IssuesDetected,
		"incidentsOpened", sum.IncidentsOpened,
		"incidentsResolved", sum.IncidentsResolved,
		"actionsSucceeded", sum.ActionsSucceeded,
		"actionsFailed", sum.ActionsFailed,
		"aborted", sum.Aborted)
}

func (e *Engine) healAgent(ctx context.Context, agent *registry.Agent, cfg config.HealingConfig, record func(func(*CycleSummary))) {
	now := e.clock.Now().UTC()
	fail := func(err error) {
		e.logger.Error("healing check failed", "agentID", agent.ID, "error", err)
		record(func(s *CycleSummary) { s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", agent.ID, err)) })
	}

	latest, err := e.telemetry.Latest(ctx, agent.ID)
	if err != nil {
		fail(err)
		return
	}
	base, err := e.store.Baseline(ctx, agent.ID)
	if err != nil {
		fail(err)
		return
	}

	issues := Detect(now, StateOf(agent, latest), base, cfg)
	types := make([]IssueType, len(issues))
	drifted := false
	for i, is := range issues {
		types[i] = is.Type
		drifted = drifted || is.Type == IssueDrifted
	}
	resolved, err := e.store.ResolveMissing(ctx, agent.ID, types, now)
	if err != nil {
		fail(err)
	}
	record(func(s *CycleSummary) {
		s.AgentsChecked++
		s.IssuesDetected += len(issues)
		s.IncidentsResolved += int(resolved)
	})

	// Each sample is folded into the baseline once; drifted samples are not
	// folded so the baseline keeps describing normal behaviour.
	if latest != nil && !drifted && (base == nil || latest.ObservedAt.After(base.UpdatedAt)) {
		next := NextBaseline(base, agent.ID, latest, cfg.BaselineAlpha, latest.ObservedAt)
		if err := e.store.SaveBaseline(ctx, next); err != nil {
			fail(err)
		}
	}

	for _, issue := range issues {
		inc, created, err := e.store.OpenIncident(ctx, agent.ID, issue, now)
		if err != nil {
			fail(err)
			continue
		}
		if !created {
			continue
		}
		record(func(s *CycleSummary) { s.IncidentsOpened++ })
		e.logger.Warn("agent issue detected", "agentID", agent.ID, "issue", issue.Type,
			"severity", issue.Severity, "action", issue.Action, "reason", issue.Reason)

		if issue.Type == IssueUnresponsive {
			e.escalate(ctx, agent, issue, now, record)
		}
		if !cfg.AutoHeal {
			continue
		}
		action := e.execute(ctx, agent, issue, inc, cfg)
		if err := e.store.RecordAction(ctx, action); err != nil {
			fail(err)
		}
		record(func(s *CycleSummary) {
			if action.Status == ActionSuccess {
				s.ActionsSucceeded++
			} else {
				s.ActionsFailed++
			}
		})
	}
}

// execute runs one action. Failures are captured on the returned action.
func (e *Engine) execute(ctx context.Context, agent *registry.Agent, issue Issue, inc *Incident, cfg config.HealingConfig) *HealingAction {
	action := &HealingAction{
		AgentID:    agent.ID,
		IncidentID: inc.ID,
		Action:     issue.Action,
		StartedAt:  e.clock.Now().UTC(),
	}
	var err error
	switch issue.Action {
	case ActionQuarantine:
		_, err = e.quarantiner.Quarantine(ctx, agent.ID, issue.Reason, cfg.QuarantineDuration)
	case ActionRestart:
		err = e.remediator.Restart(ctx, agent)
	case ActionScaleDown:
		err = e.remediator.ScaleDown(ctx, agent)
	case ActionInvestigate:
		err = e.remediator.Investigate(ctx, agent, issue)
	case ActionRecalibrate:
		err = e.store.DeleteBaseline(ctx, agent.ID)
	default:
		err = fmt.Errorf("unknown action %q", issue.Action)
	}
	action.FinishedAt = e.clock.Now().UTC()
	action.Status = ActionSuccess
	if err != nil {
		action.Status = ActionFailed
		action.Error = err.Error()
		e.logger.Error("healing action failed", "agentID", agent.ID, "action", issue.Action, "error", err)
	} else {
		e.logger.Info("healing action succeeded", "agentID", agent.ID, "action", issue.Action)
	}
	return action
}

func (e *Engine) escalate(ctx context.Context, agent *registry.Agent, issue Issue, now time.Time, record func(func(*CycleSummary))) {
	if e.notifier == nil {
		return
	}
	err := e.notifier.Notify(ctx, notify.Message{
		Kind:       "healing",
		Severity:   string(issue.Severity),
		Subject:    fmt.Sprintf("agent %s is %s", agent.Name, issue.Type),
		AgentID:    agent.ID,
		Summary:    issue.Reason,
		Details:    issue.Details,
		OccurredAt: now,
	})
	if err != nil {
		e.logger.Warn("escalation failed", "agentID", agent.ID, "error", err)
		return
	}
	record(func(s *CycleSummary) { s.Escalations++ })
}
