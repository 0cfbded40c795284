package healing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kubeflow/agent-trust/pkg/registry"
)

// Store groups the healing tables.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the healing tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Baseline{}, &Incident{}, &HealingAction{}, &QuarantineRecord{}); err != nil {
		return fmt.Errorf("auto-migrate healing tables: %w", err)
	}
	return nil
}

// Baseline returns the baseline of an agent, or nil, nil.
func (s *Store) Baseline(ctx context.Context, agentID string) (*Baseline, error) {
	var b Baseline
	if err := s.db.WithContext(ctx).First(&b, "agent_id = ?", agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get baseline: %w", err)
	}
	return &b, nil
}

// SaveBaseline inserts or replaces a baseline.
func (s *Store) SaveBaseline(ctx context.Context, b *Baseline) error {
	if err := s.db.WithContext(ctx).Save(b).Error; err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	return nil
}

// DeleteBaseline removes a baseline so the next sample seeds a new one.
func (s *Store) DeleteBaseline(ctx context.Context, agentID string) error {
	if err := s.db.WithContext(ctx).Delete(&Baseline{}, "agent_id = ?", agentID).Error; err != nil {
		return fmt.Errorf("delete baseline: %w", err)
	}
	return nil
}

func openKey(agentID string, t IssueType) string {
	return agentID + "/" + string(t)
}

// OpenIncident opens an incident for issue unless one is already open for
// the same agent and issue type, in which case the open incident is
// refreshed and returned with created false.
func (s *Store) OpenIncident(ctx context.Context, agentID string, issue Issue, at time.Time) (*Incident, bool, error) {
	key := openKey(agentID, issue.Type)
	inc := &Incident{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		IssueType:   issue.Type,
		Severity:    issue.Severity,
		Status:      IncidentOpen,
		OpenKey:     &key,
		Reason:      issue.Reason,
		Details:     registry.JSONAny(issue.Details),
		Occurrences: 1,
		DetectedAt:  at,
		LastSeenAt:  at,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "open_key"}},
		DoNothing: true,
	}).Create(inc)
	if res.Error != nil {
		return nil, false, fmt.Errorf("open incident: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return inc, true, nil
	}

	var existing Incident
	if err := s.db.WithContext(ctx).First(&existing, "open_key = ?", key).Error; err != nil {
		return nil, false, fmt.Errorf("load open incident: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&existing).Updates(map[string]any{
		"occurrences":  gorm.Expr("occurrences + 1"),
		"last_seen_at": at,
		"severity":     issue.Severity,
		"reason":       issue.Reason,
	}).Error; err != nil {
		return nil, false, fmt.Errorf("refresh open incident: %w", err)
	}
	existing.Occurrences++
	existing.LastSeenAt = at
	existing.Severity = issue.Severity
	existing.Reason = issue.Reason
	return &existing, false, nil
}

// ResolveMissing resolves the open incidents of an agent whose issue type
// is not in current. It returns the number resolved.
func (s *Store) ResolveMissing(ctx context.Context, agentID string, current []IssueType, at time.Time) (int64, error) {
	q := s.db.WithContext(ctx).Model(&Incident{}).
		Where("agent_id = ? AND status = ?", agentID, IncidentOpen)
	if len(current) > 0 {
		types := make([]string, len(current))
		for i, t := range current {
			types[i] = string(t)
		}
		q = q.Where("issue_type NOT IN ?", types)
	}
	res := q.Updates(map[string]any{
		"status":      IncidentResolved,
		"open_key":    nil,
		"resolved_at": at,
	})
	if res.Error != nil {
		return 0, fmt.Errorf("resolve incidents: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// IncidentFilter narrows ListIncidents.
type IncidentFilter struct {
	AgentID string
	Status  string
	Limit   int
}

// ListIncidents returns incidents, newest first.
func (s *Store) ListIncidents(ctx context.Context, f IncidentFilter) ([]Incident, error) {
	q := s.db.WithContext(ctx).Model(&Incident{})
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []Incident
	if err := q.Order("detected_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	return out, nil
}

// OpenIncidentSeverities returns the severities of an agent's open
// incidents.
func (s *Store) OpenIncidentSeverities(ctx context.Context, agentID string) ([]string, error) {
	var sevs []string
	err := s.db.WithContext(ctx).Model(&Incident{}).
		Where("agent_id = ? AND status = ?", agentID, IncidentOpen).
		Pluck("severity", &sevs).Error
	if err != nil {
		return nil, fmt.Errorf("open incident severities: %w", err)
	}
	return sevs, nil
}

// RecordAction appends an executed action.
func (s *Store) RecordAction(ctx context.Context, a *HealingAction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("record healing action: %w", err)
	}
	return nil
}

// ActionFilter narrows ListActions.
type ActionFilter struct {
	AgentID string
	Status  string
	Since   time.Time
	Limit   int
}

// ListActions returns actions, newest first.
func (s *Store) ListActions(ctx context.Context, f ActionFilter) ([]HealingAction, error) {
	q := s.db.WithContext(ctx).Model(&HealingAction{})
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.Since.IsZero() {
		q = q.Where("started_at >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []HealingAction
	if err := q.Order("started_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list healing actions: %w", err)
	}
	return out, nil
}

// CreateQuarantine inserts a quarantine record.
func (s *Store) CreateQuarantine(ctx context.Context, q *QuarantineRecord) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(q).Error; err != nil {
		return fmt.Errorf("create quarantine record: %w", err)
	}
	return nil
}

// ActiveQuarantine returns the unreleased quarantine of an agent, or nil, nil.
func (s *Store) ActiveQuarantine(ctx context.Context, agentID string) (*QuarantineRecord, error) {
	var q QuarantineRecord
	err := s.db.WithContext(ctx).Where("agent_id = ? AND released_at IS NULL", agentID).
		Order("quarantined_at DESC").First(&q).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("active quarantine: %w", err)
	}
	return &q, nil
}

// ExtendQuarantine moves the expiry of an unreleased record.
func (s *Store) ExtendQuarantine(ctx context.Context, id, reason string, d time.Duration, expiresAt time.Time) error {
	err := s.db.WithContext(ctx).Model(&QuarantineRecord{}).
		Where("id = ? AND released_at IS NULL", id).
		Updates(map[string]any{
			"reason":           reason,
			"duration_seconds": int64(d / time.Second),
			"expires_at":       expiresAt,
		}).Error
	if err != nil {
		return fmt.Errorf("extend quarantine: %w", err)
	}
	return nil
}

// ReleaseQuarantine marks a record released. It reports false when the
// record was already released, so a release takes effect exactly once.
func (s *Store) ReleaseQuarantine(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&QuarantineRecord{}).
		Where("id = ? AND released_at IS NULL", id).
		Updates(map[string]any{"released_at": at, "release_reason": reason})
	if res.Error != nil {
		return false, fmt.Errorf("release quarantine: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ActiveQuarantines returns every unreleased record.
func (s *Store) ActiveQuarantines(ctx context.Context) ([]QuarantineRecord, error) {
	var out []QuarantineRecord
	if err := s.db.WithContext(ctx).Where("released_at IS NULL").
		Order("expires_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("active quarantines: %w", err)
	}
	return out, nil
}
