package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TelemetryStore persists telemetry samples.
type TelemetryStore struct {
	db *gorm.DB
}

// NewTelemetryStore creates a new TelemetryStore.
func NewTelemetryStore(db *gorm.DB) *TelemetryStore {
	return &TelemetryStore{db: db}
}

// Record appends a sample.
func (s *TelemetryStore) Record(ctx context.Context, sample *TelemetrySample) error {
	if sample.ID == "" {
		sample.ID = uuid.New().String()
	}
	if sample.AgentID == "" {
		return fmt.Errorf("record telemetry: agent id is required")
	}
	if err := s.db.WithContext(ctx).Create(sample).Error; err != nil {
		return fmt.Errorf("record telemetry: %w", err)
	}
	return nil
}

// Latest returns the newest metric sample of an agent, or nil, nil.
func (s *TelemetryStore) Latest(ctx context.Context, agentID string) (*TelemetrySample, error) {
	var sample TelemetrySample
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND heartbeat = ?", agentID, false).
		Order("observed_at DESC").First(&sample).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest telemetry: %w", err)
	}
	return &sample, nil
}

// Window returns the metric samples of an agent observed in [since, until),
// oldest first.
func (s *TelemetryStore) Window(ctx context.Context, agentID string, since, until time.Time) ([]TelemetrySample, error) {
	var out []TelemetrySample
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND heartbeat = ? AND observed_at >= ? AND observed_at < ?", agentID, false, since, until).
		Order("observed_at ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("telemetry window: %w", err)
	}
	return out, nil
}

// CountSince counts metric samples of an agent observed at or after since.
func (s *TelemetryStore) CountSince(ctx context.Context, agentID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&TelemetrySample{}).
		Where("agent_id = ? AND heartbeat = ? AND observed_at >= ?", agentID, false, since).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count telemetry: %w", err)
	}
	return n, nil
}
