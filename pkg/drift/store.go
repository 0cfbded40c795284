package drift

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GapStore persists sync gaps.
type GapStore struct {
	db *gorm.DB
}

// NewGapStore creates a GapStore.
func NewGapStore(db *gorm.DB) *GapStore {
	return &GapStore{db: db}
}

// AutoMigrate creates or updates the sync_gaps table.
func (s *GapStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&SyncGap{}); err != nil {
		return fmt.Errorf("auto-migrate sync gaps: %w", err)
	}
	return nil
}

// Create inserts a gap, assigning an ID when empty.
func (s *GapStore) Create(ctx context.Context, gap *SyncGap) error {
	if gap.ID == "" {
		gap.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(gap).Error; err != nil {
		return fmt.Errorf("create sync gap: %w", err)
	}
	return nil
}

// RecordOnce inserts gap unless a gap with the same type, source, target and
// severity was detected at or after since. It returns the stored gap (the
// new one or the earlier one) and whether it was inserted.
func (s *GapStore) RecordOnce(ctx context.Context, gap *SyncGap, since time.Time) (*SyncGap, bool, error) {
	var existing SyncGap
	res := s.db.WithContext(ctx).
		Where("gap_type = ? AND source_id = ? AND target_id = ? AND severity = ? AND detected_at >= ?",
			gap.GapType, gap.SourceID, gap.TargetID, gap.Severity, since).
		Order("detected_at DESC").Limit(1).Find(&existing)
	if res.Error != nil {
		return nil, false, fmt.Errorf("look up sync gap: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return &existing, false, nil
	}
	if err := s.Create(ctx, gap); err != nil {
		return nil, false, err
	}
	return gap, true, nil
}

// GapFilter narrows ListSince.
type GapFilter struct {
	Since    time.Time
	SourceID string
	GapType  GapType
	Limit    int
}

// ListSince returns gaps detected at or after filter.Since, newest first.
func (s *GapStore) ListSince(ctx context.Context, filter GapFilter) ([]SyncGap, error) {
	q := s.db.WithContext(ctx).Where("detected_at >= ?", filter.Since)
	if filter.SourceID != "" {
		q = q.Where("source_id = ?", filter.SourceID)
	}
	if filter.GapType != "" {
		q = q.Where("gap_type = ?", filter.GapType)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var out []SyncGap
	if err := q.Order("detected_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list sync gaps: %w", err)
	}
	return out, nil
}

// SourcesWithGapsSince returns the set of source IDs with at least one gap
// detected at or after since.
func (s *GapStore) SourcesWithGapsSince(ctx context.Context, since time.Time) (mapset.Set[string], error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&SyncGap{}).
		Where("detected_at >= ?", since).Distinct().Pluck("source_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("sources with gaps: %w", err)
	}
	return mapset.NewThreadUnsafeSet(ids...), nil
}

// CountBySeveritySince counts gaps per severity detected at or after since.
func (s *GapStore) CountBySeveritySince(ctx context.Context, since time.Time) (map[Severity]int, error) {
	var rows []struct {
		Severity Severity
		N        int
	}
	err := s.db.WithContext(ctx).Model(&SyncGap{}).
		Select("severity, COUNT(*) AS n").
		Where("detected_at >= ?", since).Group("severity").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count sync gaps: %w", err)
	}
	out := make(map[Severity]int, len(rows))
	for _, r := range rows {
		out[r.Severity] = r.N
	}
	return out, nil
}

// PurgeOlderThan deletes gaps detected before cutoff.
func (s *GapStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("detected_at < ?", cutoff).Delete(&SyncGap{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge sync gaps: %w", res.Error)
	}
	return res.RowsAffected, nil
}
