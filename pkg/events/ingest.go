package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"k8s.io/utils/clock"

	"github.com/kubeflow/agent-trust/pkg/registry"
)

// Delivery is one event as received from an adapter, before validation.
type Delivery struct {
	Tenant         string
	Environment    string
	Source         string
	IdempotencyKey string
	CorrelationID  string
	Body           []byte
}

// Body is the normalized event document.
type Body struct {
	Source     string          `json:"source" validate:"omitempty,max=255"`
	WorkflowID string          `json:"workflow_id" validate:"required_without=AgentID,max=255"`
	AgentID    string          `json:"agent_id" validate:"max=255"`
	RecordID   string          `json:"record_id" validate:"max=255"`
	Kind       string          `json:"kind" validate:"required,max=64"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt *time.Time      `json:"occurred_at" validate:"required"`
}

// Metrics is the payload of telemetry events.
type Metrics struct {
	LatencyMs      float64 `json:"latency_ms" validate:"gte=0"`
	SuccessRatePct float64 `json:"success_rate_pct" validate:"gte=0,lte=100"`
	ErrorRatePct   float64 `json:"error_rate_pct" validate:"gte=0,lte=100"`
	CPUPct         float64 `json:"cpu_pct" validate:"gte=0,lte=100"`
	MemoryPct      float64 `json:"memory_pct" validate:"gte=0,lte=100"`
	DiskPct        float64 `json:"disk_pct" validate:"gte=0,lte=100"`
	UptimePct      float64 `json:"uptime_pct" validate:"gte=0,lte=100"`
	PolicyChecks   int     `json:"policy_checks" validate:"gte=0"`
	PolicyPassed   int     `json:"policy_passed" validate:"gte=0,ltefield=PolicyChecks"`
	AssignedWork   *int    `json:"assigned_work" validate:"omitempty,gte=0"`
}

// Result is the outcome of an ingest. A duplicate carries the originally
// stored event.
type Result struct {
	Event     *Event `json:"event"`
	Duplicate bool   `json:"duplicate"`
}

// AgentTracker is the slice of the agent registry the ingestor updates.
type AgentTracker interface {
	Resolve(ctx context.Context, tenant, ref string) (*registry.Agent, error)
	TouchHeartbeat(ctx context.Context, id string, at time.Time) error
	TouchActivity(ctx context.Context, id string, at time.Time) error
	SetAssignedWork(ctx context.Context, id string, n int) error
}

// WorkflowTracker is the slice of the workflow registry the ingestor updates.
type WorkflowTracker interface {
	Ensure(ctx context.Context, tenant, externalID, name string) (*registry.Workflow, error)
	RecordEvent(ctx context.Context, workflowID, agentID string, at time.Time) error
}

// Observer is notified of every ingest outcome.
type Observer interface {
	ObserveIngest(source, outcome string)
}

// Ingest outcomes reported to the Observer.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

// Ingestor validates deliveries, stores them idempotently, and applies
// their side effects on first delivery only.
type Ingestor struct {
	events    *EventStore
	telemetry *TelemetryStore
	agents    AgentTracker
	workflows WorkflowTracker
	clock     clock.PassiveClock
	validate  *validator.Validate
	observer  Observer
	logger    *slog.Logger
}

// NewIngestor creates an Ingestor. agents and workflows may be nil, in
// which case the corresponding side effects are skipped.
func NewIngestor(events *EventStore, telemetry *TelemetryStore, agents AgentTracker, workflows WorkflowTracker, clk clock.PassiveClock, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Ingestor{
		events:    events,
		telemetry: telemetry,
		agents:    agents,
		workflows: workflows,
		clock:     clk,
		validate:  validator.New(),
		logger:    logger,
	}
}

// SetObserver installs an observer for ingest outcomes.
func (i *Ingestor) SetObserver(o Observer) { i.observer = o }

// Ingest processes one delivery. Validation failures return a
// *ValidationError and store nothing. A redelivered idempotency key
// returns the original event with Duplicate set and has no side effects.
func (i *Ingestor) Ingest(ctx context.Context, d Delivery) (*Result, error) {
	ev, metrics, err := i.normalize(d)
	if err != nil {
		i.observe(d.Source, OutcomeRejected)
		return nil, err
	}

	stored, dup, err := i.events.Insert(ctx, ev)
	if err != nil {
		i.observe(d.Source, OutcomeError)
		return nil, err
	}
	if dup {
		i.logger.Debug("duplicate delivery ignored", "source", ev.Source, "idempotencyKey", ev.IdempotencyKey)
		i.observe(ev.Source, OutcomeDuplicate)
		return &Result{Event: stored, Duplicate: true}, nil
	}

	if err := i.applySideEffects(ctx, stored, metrics); err != nil {
		i.logger.Error("event stored but side effects failed",
			"eventID", stored.ID, "source", stored.Source, "error", err)
	}
	i.observe(ev.Source, OutcomeAccepted)
	return &Result{Event: stored}, nil
}

func (i *Ingestor) observe(source, outcome string) {
	if i.observer != nil {
		i.observer.ObserveIngest(source, outcome)
	}
}

func (i *Ingestor) normalize(d Delivery) (*Event, *Metrics, error) {
	if strings.TrimSpace(d.IdempotencyKey) == "" {
		return nil, nil, &ValidationError{Field: "idempotency_key", Message: "is required"}
	}
	if strings.TrimSpace(d.CorrelationID) == "" {
		return nil, nil, &ValidationError{Field: "correlation_id", Message: "is required"}
	}
	var body Body
	if err := json.Unmarshal(d.Body, &body); err != nil {
		return nil, nil, &ValidationError{Message: fmt.Sprintf("malformed body: %v", err)}
	}
	if err := i.validate.Struct(body); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, nil, &ValidationError{Field: verrs[0].Field(), Message: "failed " + verrs[0].Tag() + " check"}
		}
		return nil, nil, &ValidationError{Message: err.Error()}
	}

	source := d.Source
	switch {
	case source == "" && body.Source == "":
		return nil, nil, &ValidationError{Field: "source", Message: "is required"}
	case source == "":
		source = body.Source
	case body.Source != "" && body.Source != source:
		return nil, nil, &ValidationError{Field: "source", Message: fmt.Sprintf("body source %q does not match %q", body.Source, source)}
	}

	var metrics *Metrics
	if body.Kind == KindTelemetry {
		if body.AgentID == "" {
			return nil, nil, &ValidationError{Field: "agent_id", Message: "is required for telemetry events"}
		}
		metrics = &Metrics{}
		if len(body.Payload) > 0 {
			if err := json.Unmarshal(body.Payload, metrics); err != nil {
				return nil, nil, &ValidationError{Field: "payload", Message: fmt.Sprintf("malformed telemetry: %v", err)}
			}
		}
		if err := i.validate.Struct(metrics); err != nil {
			return nil, nil, &ValidationError{Field: "payload", Message: err.Error()}
		}
	}

	tenant, env := d.Tenant, d.Environment
	if tenant == "" {
		tenant = "default"
	}
	if env == "" {
		env = "production"
	}

	ev := &Event{
		Tenant:         tenant,
		Environment:    env,
		IdempotencyKey: d.IdempotencyKey,
		CorrelationID:  d.CorrelationID,
		Source:         source,
		Kind:           body.Kind,
		WorkflowID:     body.WorkflowID,
		AgentID:        body.AgentID,
		RecordID:       body.RecordID,
		Payload:        string(body.Payload),
		OccurredAt:     body.OccurredAt.UTC(),
		ReceivedAt:     i.clock.Now().UTC(),
	}
	return ev, metrics, nil
}

func (i *Ingestor) applySideEffects(ctx context.Context, ev *Event, metrics *Metrics) error {
	var errs []error

	var agent *registry.Agent
	if ev.AgentID != "" && i.agents != nil {
		a, err := i.agents.Resolve(ctx, ev.Tenant, ev.AgentID)
		switch {
		case err != nil:
			errs = append(errs, err)
		case a == nil:
			i.logger.Warn("event references unknown agent", "agentID", ev.AgentID, "tenant", ev.Tenant)
		default:
			agent = a
		}
	}

	if ev.WorkflowID != "" && i.workflows != nil {
		wf, err := i.workflows.Ensure(ctx, ev.Tenant, ev.WorkflowID, "")
		if err != nil {
			errs = append(errs, err)
		} else {
			agentID := ""
			if agent != nil {
				agentID = agent.ID
			}
			if err := i.workflows.RecordEvent(ctx, wf.ID, agentID, ev.OccurredAt); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if agent == nil {
		return errors.Join(errs...)
	}

	switch ev.Kind {
	case KindHeartbeat:
		if err := i.agents.TouchHeartbeat(ctx, agent.ID, ev.OccurredAt); err != nil {
			errs = append(errs, err)
		}
		if err := i.telemetry.Record(ctx, &TelemetrySample{
			AgentID: agent.ID, EventID: ev.ID, ObservedAt: ev.OccurredAt, Heartbeat: true,
		}); err != nil {
			errs = append(errs, err)
		}
	case KindTelemetry:
		if err := i.agents.TouchHeartbeat(ctx, agent.ID, ev.OccurredAt); err != nil {
			errs = append(errs, err)
		}
		if err := i.recordMetrics(ctx, agent.ID, ev, metrics); err != nil {
			errs = append(errs, err)
		}
	default:
		if err := i.agents.TouchActivity(ctx, agent.ID, ev.OccurredAt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (i *Ingestor) recordMetrics(ctx context.Context, agentID string, ev *Event, m *Metrics) error {
	if m.AssignedWork != nil {
		if err := i.agents.SetAssignedWork(ctx, agentID, *m.AssignedWork); err != nil {
			return err
		}
	}
	return i.telemetry.Record(ctx, &TelemetrySample{
		AgentID:        agentID,
		EventID:        ev.ID,
		ObservedAt:     ev.OccurredAt,
		LatencyMs:      m.LatencyMs,
		SuccessRatePct: m.SuccessRatePct,
		ErrorRatePct:   m.ErrorRatePct,
		CPUPct:         m.CPUPct,
		MemoryPct:      m.MemoryPct,
		DiskPct:        m.DiskPct,
		UptimePct:      m.UptimePct,
		PolicyChecks:   m.PolicyChecks,
		PolicyPassed:   m.PolicyPassed,
	})
}
