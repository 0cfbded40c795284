package registry

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONStringSlice is a custom GORM type for []string stored as JSON.
type JSONStringSlice []string

// Scan implements the sql.Scanner interface for JSONStringSlice.
func (s *JSONStringSlice) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONStringSlice: %T", value)
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the driver.Valuer interface for JSONStringSlice.
func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Contains reports whether v is in the slice.
func (s JSONStringSlice) Contains(v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

// JSONAny is a custom GORM type for map[string]any stored as JSON.
type JSONAny map[string]any

// Scan implements the sql.Scanner interface for JSONAny.
func (m *JSONAny) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONAny: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONAny.
func (m JSONAny) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// AgentStatus is the registry status of an agent.
type AgentStatus string

const (
	StatusActive      AgentStatus = "active"
	StatusQuarantined AgentStatus = "quarantined"
	StatusSuspended   AgentStatus = "suspended"
	StatusRetired     AgentStatus = "retired"
)

// Agent is a registered automated worker. Agents are soft-retired, never
// deleted.
type Agent struct {
	ID               string          `gorm:"primaryKey;column:id;type:varchar(36)"`
	Tenant           string          `gorm:"column:tenant;uniqueIndex:idx_agent_tenant_ext,priority:1;index:idx_agent_tenant_status,priority:1;default:default;not null"`
	ExternalID       string          `gorm:"column:external_id;uniqueIndex:idx_agent_tenant_ext,priority:2;not null"`
	Name             string          `gorm:"column:name;not null"`
	Type             string          `gorm:"column:type;index"`
	Vendor           string          `gorm:"column:vendor"`
	Model            string          `gorm:"column:model"`
	Status           AgentStatus     `gorm:"column:status;index:idx_agent_tenant_status,priority:2;not null;default:quarantined"`
	TrustLevel       float64         `gorm:"column:trust_level;not null;default:0"`
	Metadata         JSONAny         `gorm:"column:metadata;type:text"`
	Capabilities     JSONStringSlice `gorm:"column:capabilities;type:text"`
	Region           string          `gorm:"column:region"`
	Source           string          `gorm:"column:source"`
	AssignedWork     int             `gorm:"column:assigned_work;default:0"`
	LastDiscoveredAt *time.Time      `gorm:"column:last_discovered_at"`
	LastHeartbeatAt  *time.Time      `gorm:"column:last_heartbeat_at"`
	LastActivityAt   *time.Time      `gorm:"column:last_activity_at"`
	StatusChangedAt  *time.Time      `gorm:"column:status_changed_at"`
	StatusReason     string          `gorm:"column:status_reason"`
	RetiredAt        *time.Time      `gorm:"column:retired_at"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (Agent) TableName() string { return "agents" }

// Workflow is a named unit of recurring work tied to one or more agents.
// LastEventAt is advanced by event ingestion and drives staleness.
type Workflow struct {
	ID             string          `gorm:"primaryKey;column:id;type:varchar(36)"`
	Tenant         string          `gorm:"column:tenant;uniqueIndex:idx_workflow_tenant_ext,priority:1;default:default;not null"`
	ExternalID     string          `gorm:"column:external_id;uniqueIndex:idx_workflow_tenant_ext,priority:2;not null"`
	Name           string          `gorm:"column:name"`
	AgentIDs       JSONStringSlice `gorm:"column:agent_ids;type:text"`
	LastEventAt    *time.Time      `gorm:"column:last_event_at"`
	ExecutionCount int             `gorm:"column:execution_count;default:0"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (Workflow) TableName() string { return "workflows" }
