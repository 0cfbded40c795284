// Package healing detects unhealthy agents, opens incidents for them and
// runs bounded remediation actions, including timed quarantine.
package healing

import (
	"time"

	"github.com/kubeflow/agent-trust/pkg/registry"
)

// IssueType is a detected health problem.
type IssueType string

const (
	IssueUnresponsive     IssueType = "unresponsive"
	IssueStalled          IssueType = "stalled"
	IssueDegraded         IssueType = "degraded"
	IssueDrifted          IssueType = "drifted"
	IssueResourceViolated IssueType = "resource_violated"
)

// ActionType is a remediation.
type ActionType string

const (
	ActionQuarantine  ActionType = "quarantine"
	ActionRestart     ActionType = "restart"
	ActionInvestigate ActionType = "investigate"
	ActionRecalibrate ActionType = "recalibrate"
	ActionScaleDown   ActionType = "scale_down"
)

// Severity of an issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Incident statuses.
const (
	IncidentOpen     = "open"
	IncidentResolved = "resolved"
)

// Action statuses.
const (
	ActionSuccess = "success"
	ActionFailed  = "failed"
)

// Baseline is the rolling reference telemetry of an agent.
type Baseline struct {
	AgentID        string    `gorm:"primaryKey;column:agent_id;type:varchar(36)" json:"agentId"`
	LatencyMs      float64   `gorm:"column:latency_ms" json:"latencyMs"`
	SuccessRatePct float64   `gorm:"column:success_rate_pct" json:"successRatePct"`
	ErrorRatePct   float64   `gorm:"column:error_rate_pct" json:"errorRatePct"`
	Samples        int       `gorm:"column:samples" json:"samples"`
	UpdatedAt      time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName returns the GORM table name.
func (Baseline) TableName() string { return "healing_baselines" }

// Incident is a detected issue of an agent. OpenKey is set to
// "<agent>/<issue>" while the incident is open and cleared on resolution,
// so at most one open incident exists per agent and issue type.
type Incident struct {
	ID          string           `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	AgentID     string           `gorm:"column:agent_id;index;not null" json:"agentId"`
	IssueType   IssueType        `gorm:"column:issue_type;not null" json:"issueType"`
	Severity    Severity         `gorm:"column:severity;not null" json:"severity"`
	Status      string           `gorm:"column:status;index;not null" json:"status"`
	OpenKey     *string          `gorm:"column:open_key;uniqueIndex:idx_incident_open_key" json:"-"`
	Reason      string           `gorm:"column:reason" json:"reason"`
	Details     registry.JSONAny `gorm:"column:details;type:text" json:"details,omitempty"`
	Occurrences int              `gorm:"column:occurrences;default:1" json:"occurrences"`
	DetectedAt  time.Time        `gorm:"column:detected_at;not null" json:"detectedAt"`
	LastSeenAt  time.Time        `gorm:"column:last_seen_at" json:"lastSeenAt"`
	ResolvedAt  *time.Time       `gorm:"column:resolved_at" json:"resolvedAt,omitempty"`
}

// TableName returns the GORM table name.
func (Incident) TableName() string { return "healing_incidents" }

// HealingAction is one executed remediation.
type HealingAction struct {
	ID         string     `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	AgentID    string     `gorm:"column:agent_id;index;not null" json:"agentId"`
	IncidentID string     `gorm:"column:incident_id;index" json:"incidentId,omitempty"`
	Action     ActionType `gorm:"column:action;not null" json:"action"`
	Status     string     `gorm:"column:status;not null" json:"status"`
	Error      string     `gorm:"column:error" json:"error,omitempty"`
	StartedAt  time.Time  `gorm:"column:started_at;index;not null" json:"startedAt"`
	FinishedAt time.Time  `gorm:"column:finished_at" json:"finishedAt"`
}

// TableName returns the GORM table name.
func (HealingAction) TableName() string { return "healing_actions" }

// QuarantineRecord is a timed quarantine. The agent returns to PriorStatus
// when ReleasedAt is set, either at ExpiresAt or on manual release.
type QuarantineRecord struct {
	ID              string               `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	AgentID         string               `gorm:"column:agent_id;index;not null" json:"agentId"`
	Reason          string               `gorm:"column:reason" json:"reason"`
	PriorStatus     registry.AgentStatus `gorm:"column:prior_status;not null" json:"priorStatus"`
	DurationSeconds int64                `gorm:"column:duration_seconds;not null" json:"durationSeconds"`
	QuarantinedAt   time.Time            `gorm:"column:quarantined_at;not null" json:"quarantinedAt"`
	ExpiresAt       time.Time            `gorm:"column:expires_at;not null" json:"expiresAt"`
	ReleasedAt      *time.Time           `gorm:"column:released_at;index" json:"releasedAt,omitempty"`
	ReleaseReason   string               `gorm:"column:release_reason" json:"releaseReason,omitempty"`
}

// TableName returns the GORM table name.
func (QuarantineRecord) TableName() string { return "quarantine_records" }

// Duration returns the quarantine length.
func (q *QuarantineRecord) Duration() time.Duration {
	return time.Duration(q.DurationSeconds) * time.Second
}
