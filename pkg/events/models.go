// Package events ingests normalized events from external adapters. It
// enforces authenticity and idempotency, persists events and telemetry
// samples, and exposes the read side the sync analyzer and the healing
// engine build on.
package events

import "time"

// Event kinds with side effects beyond the workflow clock.
const (
	KindTelemetry = "telemetry"
	KindHeartbeat = "heartbeat"
	KindActivity  = "activity"
)

// Event is an immutable ingested fact. (tenant, environment,
// idempotency_key) is unique at the storage layer.
type Event struct {
	ID             string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Tenant         string    `gorm:"column:tenant;uniqueIndex:idx_event_idem,priority:1;not null" json:"tenant"`
	Environment    string    `gorm:"column:environment;uniqueIndex:idx_event_idem,priority:2;not null" json:"environment"`
	IdempotencyKey string    `gorm:"column:idempotency_key;uniqueIndex:idx_event_idem,priority:3;not null" json:"idempotencyKey"`
	CorrelationID  string    `gorm:"column:correlation_id;index:idx_event_corr" json:"correlationId"`
	Source         string    `gorm:"column:source;index:idx_event_source_time,priority:1;not null" json:"source"`
	Kind           string    `gorm:"column:kind;not null" json:"kind"`
	WorkflowID     string    `gorm:"column:workflow_id" json:"workflowId,omitempty"`
	AgentID        string    `gorm:"column:agent_id" json:"agentId,omitempty"`
	RecordID       string    `gorm:"column:record_id" json:"recordId,omitempty"`
	Payload        string    `gorm:"column:payload;type:text" json:"payload,omitempty"`
	OccurredAt     time.Time `gorm:"column:occurred_at;index:idx_event_source_time,priority:2;not null" json:"occurredAt"`
	ReceivedAt     time.Time `gorm:"column:received_at;index;not null" json:"receivedAt"`
}

// TableName returns the GORM table name.
func (Event) TableName() string { return "events" }

// TelemetrySample is one periodic measurement of an agent. Samples are
// never updated. Heartbeat samples only prove liveness and carry no
// metrics.
type TelemetrySample struct {
	ID             string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	AgentID        string    `gorm:"column:agent_id;index:idx_telemetry_agent_time,priority:1;not null" json:"agentId"`
	EventID        string    `gorm:"column:event_id" json:"eventId,omitempty"`
	ObservedAt     time.Time `gorm:"column:observed_at;index:idx_telemetry_agent_time,priority:2;not null" json:"observedAt"`
	Heartbeat      bool      `gorm:"column:heartbeat;not null;default:false" json:"heartbeat"`
	LatencyMs      float64   `gorm:"column:latency_ms" json:"latencyMs"`
	SuccessRatePct float64   `gorm:"column:success_rate_pct" json:"successRatePct"`
	ErrorRatePct   float64   `gorm:"column:error_rate_pct" json:"errorRatePct"`
	CPUPct         float64   `gorm:"column:cpu_pct" json:"cpuPct"`
	MemoryPct      float64   `gorm:"column:memory_pct" json:"memoryPct"`
	DiskPct        float64   `gorm:"column:disk_pct" json:"diskPct"`
	UptimePct      float64   `gorm:"column:uptime_pct" json:"uptimePct"`
	PolicyChecks   int       `gorm:"column:policy_checks" json:"policyChecks"`
	PolicyPassed   int       `gorm:"column:policy_passed" json:"policyPassed"`
}

// TableName returns the GORM table name.
func (TelemetrySample) TableName() string { return "telemetry_samples" }
