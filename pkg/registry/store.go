package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrStatusConflict is returned when the agent's status changed between the
// read and the conditional update.
var ErrStatusConflict = errors.New("agent status changed concurrently")

// AgentStore provides database operations for agents.
type AgentStore struct {
	db        *gorm.DB
	lifecycle *LifecycleMachine
}

// NewAgentStore creates a new AgentStore.
func NewAgentStore(db *gorm.DB) *AgentStore {
	return &AgentStore{db: db, lifecycle: NewLifecycleMachine()}
}

// AutoMigrate creates or updates the agents and workflows tables.
func (s *AgentStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Agent{}); err != nil {
		return fmt.Errorf("auto-migrate agents: %w", err)
	}
	if err := s.db.AutoMigrate(&Workflow{}); err != nil {
		return fmt.Errorf("auto-migrate workflows: %w", err)
	}
	return nil
}

// AgentFilter defines filters for listing agents.
type AgentFilter struct {
	Tenant     string
	Status     AgentStatus
	Type       string
	Capability string
	Region     string
	Limit      int
}

// UpsertDiscovered registers a discovered agent. A new (tenant, external_id)
// is inserted as quarantined. A known one only has its discovery timestamp
// and source refreshed; status and trust level are left alone. The stored
// record is returned together with whether it was inserted.
func (s *AgentStore) UpsertDiscovered(ctx context.Context, candidate *Agent, seenAt time.Time) (*Agent, bool, error) {
	if candidate.Tenant == "" {
		candidate.Tenant = "default"
	}
	if candidate.ExternalID == "" {
		return nil, false, fmt.Errorf("upsert agent: external id is required")
	}
	if candidate.ID == "" {
		candidate.ID = uuid.New().String()
	}
	candidate.Status = StatusQuarantined
	candidate.StatusReason = "pending review"
	candidate.TrustLevel = 0
	candidate.LastDiscoveredAt = &seenAt
	candidate.StatusChangedAt = &seenAt

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant"}, {Name: "external_id"}},
		DoNothing: true,
	}).Create(candidate)
	if result.Error != nil {
		return nil, false, fmt.Errorf("insert discovered agent: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return candidate, true, nil
	}

	updates := map[string]any{"last_discovered_at": seenAt}
	if candidate.Source != "" {
		updates["source"] = candidate.Source
	}
	if err := s.db.WithContext(ctx).Model(&Agent{}).
		Where("tenant = ? AND external_id = ?", candidate.Tenant, candidate.ExternalID).
		Updates(updates).Error; err != nil {
		return nil, false, fmt.Errorf("refresh discovered agent: %w", err)
	}
	existing, err := s.GetByExternalID(ctx, candidate.Tenant, candidate.ExternalID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("agent %s/%s vanished during upsert", candidate.Tenant, candidate.ExternalID)
	}
	return existing, false, nil
}

// Create inserts an agent with an explicit status. Used for manual
// registration and tests.
func (s *AgentStore) Create(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.Tenant == "" {
		agent.Tenant = "default"
	}
	if agent.Status == "" {
		agent.Status = StatusQuarantined
	}
	if err := s.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// Get retrieves an agent by ID. Returns nil, nil if no record exists.
func (s *AgentStore) Get(ctx context.Context, id string) (*Agent, error) {
	var agent Agent
	if err := s.db.WithContext(ctx).First(&agent, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &agent, nil
}

// GetByExternalID retrieves an agent by tenant and external ID.
// Returns nil, nil if no record exists.
func (s *AgentStore) GetByExternalID(ctx context.Context, tenant, externalID string) (*Agent, error) {
	var agent Agent
	err := s.db.WithContext(ctx).Where("tenant = ? AND external_id = ?", tenant, externalID).First(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent by external id: %w", err)
	}
	return &agent, nil
}

// Resolve finds an agent by ID, falling back to the tenant's external ID.
// An empty tenant means the default tenant.
func (s *AgentStore) Resolve(ctx context.Context, tenant, ref string) (*Agent, error) {
	agent, err := s.Get(ctx, ref)
	if err != nil || agent != nil {
		return agent, err
	}
	if tenant == "" {
		tenant = "default"
	}
	return s.GetByExternalID(ctx, tenant, ref)
}

// List returns agents matching the filter, ordered by name.
func (s *AgentStore) List(ctx context.Context, filter AgentFilter) ([]Agent, error) {
	q := s.db.WithContext(ctx).Model(&Agent{})
	if filter.Tenant != "" {
		q = q.Where("tenant = ?", filter.Tenant)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Region != "" {
		q = q.Where("region = ?", filter.Region)
	}
	if filter.Capability != "" {
		q = q.Where("capabilities LIKE ?", "%\""+filter.Capability+"\"%")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var agents []Agent
	if err := q.Order("name ASC, id ASC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// CountByStatus returns the number of agents per status.
func (s *AgentStore) CountByStatus(ctx context.Context) (map[AgentStatus]int, error) {
	var rows []struct {
		Status AgentStatus
		Count  int
	}
	if err := s.db.WithContext(ctx).Model(&Agent{}).
		Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count agents by status: %w", err)
	}
	counts := make(map[AgentStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// SetStatus moves an agent to a new status after validating the transition.
// The update is conditional on the status read, so concurrent writers cannot
// silently overwrite each other. Returns the previous status.
func (s *AgentStore) SetStatus(ctx context.Context, id string, to AgentStatus, reason string, at time.Time) (AgentStatus, error) {
	agent, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if agent == nil {
		return "", fmt.Errorf("agent not found: %s", id)
	}
	from := agent.Status
	if err := s.lifecycle.ValidateTransition(from, to); err != nil {
		return from, err
	}
	if from == to {
		return from, nil
	}

	updates := map[string]any{
		"status":            to,
		"status_reason":     reason,
		"status_changed_at": at,
	}
	if to == StatusRetired {
		updates["retired_at"] = at
	}
	result := s.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return from, fmt.Errorf("set agent status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return from, ErrStatusConflict
	}
	return from, nil
}

// Retire soft-retires an agent.
func (s *AgentStore) Retire(ctx context.Context, id, reason string, at time.Time) error {
	_, err := s.SetStatus(ctx, id, StatusRetired, reason, at)
	return err
}

// SetTrustLevel stores the agent's latest trust level, clamped to [0,1].
func (s *AgentStore) SetTrustLevel(ctx context.Context, id string, level float64) error {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	if err := s.db.WithContext(ctx).Model(&Agent{}).Where("id = ?", id).
		Update("trust_level", level).Error; err != nil {
		return fmt.Errorf("set trust level: %w", err)
	}
	return nil
}

// TouchHeartbeat advances the agent's last heartbeat. Older timestamps are
// ignored so out-of-order deliveries cannot move it backwards.
func (s *AgentStore) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	if err := s.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ? AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)", id, at).
		Update("last_heartbeat_at", at).Error; err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	return nil
}

// TouchActivity advances the agent's last work activity.
func (s *AgentStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	if err := s.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ? AND (last_activity_at IS NULL OR last_activity_at < ?)", id, at).
		Update("last_activity_at", at).Error; err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// SetAssignedWork records how many work items are currently assigned.
func (s *AgentStore) SetAssignedWork(ctx context.Context, id string, n int) error {
	if n < 0 {
		n = 0
	}
	if err := s.db.WithContext(ctx).Model(&Agent{}).Where("id = ?", id).
		Update("assigned_work", n).Error; err != nil {
		return fmt.Errorf("set assigned work: %w", err)
	}
	return nil
}

// WorkflowStore provides database operations for workflows.
type WorkflowStore struct {
	db *gorm.DB
}

// NewWorkflowStore creates a new WorkflowStore.
func NewWorkflowStore(db *gorm.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

// Ensure returns the workflow for (tenant, externalID), creating it if needed.
func (s *WorkflowStore) Ensure(ctx context.Context, tenant, externalID, name string) (*Workflow, error) {
	if tenant == "" {
		tenant = "default"
	}
	wf := &Workflow{
		ID:         uuid.New().String(),
		Tenant:     tenant,
		ExternalID: externalID,
		Name:       name,
	}
	if wf.Name == "" {
		wf.Name = externalID
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant"}, {Name: "external_id"}},
		DoNothing: true,
	}).Create(wf).Error; err != nil {
		return nil, fmt.Errorf("ensure workflow: %w", err)
	}
	return s.GetByExternalID(ctx, tenant, externalID)
}

// Get retrieves a workflow by ID. Returns nil, nil if no record exists.
func (s *WorkflowStore) Get(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	if err := s.db.WithContext(ctx).First(&wf, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return &wf, nil
}

// GetByExternalID retrieves a workflow by tenant and external ID.
func (s *WorkflowStore) GetByExternalID(ctx context.Context, tenant, externalID string) (*Workflow, error) {
	var wf Workflow
	err := s.db.WithContext(ctx).Where("tenant = ? AND external_id = ?", tenant, externalID).First(&wf).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get workflow by external id: %w", err)
	}
	return &wf, nil
}

// List returns all workflows of a tenant (all tenants when empty).
func (s *WorkflowStore) List(ctx context.Context, tenant string) ([]Workflow, error) {
	q := s.db.WithContext(ctx).Model(&Workflow{})
	if tenant != "" {
		q = q.Where("tenant = ?", tenant)
	}
	var wfs []Workflow
	if err := q.Order("external_id ASC").Find(&wfs).Error; err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return wfs, nil
}

// ListForAgent returns the workflows tied to an agent.
func (s *WorkflowStore) ListForAgent(ctx context.Context, agentID string) ([]Workflow, error) {
	var wfs []Workflow
	if err := s.db.WithContext(ctx).Where("agent_ids LIKE ?", "%\""+agentID+"\"%").
		Order("external_id ASC").Find(&wfs).Error; err != nil {
		return nil, fmt.Errorf("list workflows for agent: %w", err)
	}
	return wfs, nil
}

// RecordEvent counts one execution and advances last_event_at, never moving
// it backwards. When agentID is set it is attached to the workflow.
func (s *WorkflowStore) RecordEvent(ctx context.Context, workflowID, agentID string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Workflow{}).Where("id = ?", workflowID).
			Update("execution_count", gorm.Expr("execution_count + 1")).Error; err != nil {
			return fmt.Errorf("count workflow execution: %w", err)
		}
		if err := tx.Model(&Workflow{}).
			Where("id = ? AND (last_event_at IS NULL OR last_event_at < ?)", workflowID, at).
			Update("last_event_at", at).Error; err != nil {
			return fmt.Errorf("advance workflow last_event_at: %w", err)
		}
		if agentID == "" {
			return nil
		}
		var wf Workflow
		if err := tx.First(&wf, "id = ?", workflowID).Error; err != nil {
			return fmt.Errorf("load workflow: %w", err)
		}
		if wf.AgentIDs.Contains(agentID) {
			return nil
		}
		ids := append(JSONStringSlice{}, wf.AgentIDs...)
		ids = append(ids, agentID)
		if err := tx.Model(&Workflow{}).Where("id = ?", workflowID).
			Update("agent_ids", ids).Error; err != nil {
			return fmt.Errorf("attach agent to workflow: %w", err)
		}
		return nil
	})
}
