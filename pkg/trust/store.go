package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SnapshotStore persists trust snapshots.
type SnapshotStore struct {
	db         *gorm.DB
	newBackOff func() backoff.BackOff
}

// NewSnapshotStore creates a SnapshotStore.
func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db, newBackOff: defaultBackOff}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return b
}

// AutoMigrate creates or updates the trust_snapshots table.
func (s *SnapshotStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Snapshot{}); err != nil {
		return fmt.Errorf("auto-migrate trust snapshots: %w", err)
	}
	return nil
}

// Append inserts a snapshot, retrying transient failures.
func (s *SnapshotStore) Append(ctx context.Context, snap *Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	op := func() error {
		return s.db.WithContext(ctx).Create(snap).Error
	}
	if err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
		return fmt.Errorf("append trust snapshot: %w", err)
	}
	return nil
}

// Latest returns the newest snapshot of a subject, or nil, nil.
func (s *SnapshotStore) Latest(ctx context.Context, subjectID string) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.WithContext(ctx).Where("subject_id = ?", subjectID).
		Order("computed_at DESC").First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest trust snapshot: %w", err)
	}
	return &snap, nil
}

// History returns up to limit snapshots of a subject, newest first.
func (s *SnapshotStore) History(ctx context.Context, subjectID string, limit int) ([]Snapshot, error) {
	q := s.db.WithContext(ctx).Where("subject_id = ?", subjectID).Order("computed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Snapshot
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("trust snapshot history: %w", err)
	}
	return out, nil
}
