package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventStore provides database operations for events.
type EventStore struct {
	db         *gorm.DB
	newBackOff func() backoff.BackOff
}

// NewEventStore creates a new EventStore. Inserts are retried with
// exponential backoff for up to ten seconds.
func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db, newBackOff: defaultBackOff}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return b
}

// AutoMigrate creates or updates the events and telemetry tables.
func (s *EventStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Event{}); err != nil {
		return fmt.Errorf("auto-migrate events: %w", err)
	}
	if err := s.db.AutoMigrate(&TelemetrySample{}); err != nil {
		return fmt.Errorf("auto-migrate telemetry: %w", err)
	}
	return nil
}

// Insert stores ev unless an event with the same (tenant, environment,
// idempotency key) exists. The uniqueness is decided by the database, so
// concurrent deliveries of one key store exactly one row. On conflict the
// stored original is returned with duplicate set.
func (s *EventStore) Insert(ctx context.Context, ev *Event) (stored *Event, duplicate bool, err error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	op := func() error {
		result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant"}, {Name: "environment"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(ev)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 1 {
			stored, duplicate = ev, false
			return nil
		}
		orig, err := s.GetByKey(ctx, ev.Tenant, ev.Environment, ev.IdempotencyKey)
		if err != nil {
			return err
		}
		if orig == nil {
			return fmt.Errorf("event %s vanished after conflict", ev.IdempotencyKey)
		}
		stored, duplicate = orig, true
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
		return nil, false, fmt.Errorf("insert event: %w", err)
	}
	return stored, duplicate, nil
}

// GetByKey returns the event for an idempotency key, or nil, nil.
func (s *EventStore) GetByKey(ctx context.Context, tenant, environment, key string) (*Event, error) {
	var ev Event
	err := s.db.WithContext(ctx).
		Where("tenant = ? AND environment = ? AND idempotency_key = ?", tenant, environment, key).
		First(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &ev, nil
}

// EventFilter defines filters for listing events.
type EventFilter struct {
	Tenant        string
	Source        string
	CorrelationID string
	Since         time.Time
	Limit         int
}

// List returns events newest first.
func (s *EventStore) List(ctx context.Context, filter EventFilter) ([]Event, error) {
	q := s.db.WithContext(ctx).Model(&Event{})
	if filter.Tenant != "" {
		q = q.Where("tenant = ?", filter.Tenant)
	}
	if filter.Source != "" {
		q = q.Where("source = ?", filter.Source)
	}
	if filter.CorrelationID != "" {
		q = q.Where("correlation_id = ?", filter.CorrelationID)
	}
	if !filter.Since.IsZero() {
		q = q.Where("occurred_at >= ?", filter.Since)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var out []Event
	if err := q.Order("received_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

// RecordIDs returns the distinct record IDs a source reported since a time.
func (s *EventStore) RecordIDs(ctx context.Context, source string, since time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Event{}).
		Where("source = ? AND occurred_at >= ? AND record_id <> ''", source, since).
		Distinct().Pluck("record_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("record ids for %s: %w", source, err)
	}
	return ids, nil
}

// LastEventAt returns the newest occurrence time of a source, or nil when
// the source never delivered.
func (s *EventStore) LastEventAt(ctx context.Context, source string) (*time.Time, error) {
	var ev Event
	err := s.db.WithContext(ctx).Where("source = ?", source).Order("occurred_at DESC").First(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("last event for %s: %w", source, err)
	}
	t := ev.OccurredAt
	return &t, nil
}

// CountSince counts events of a source that occurred at or after since.
func (s *EventStore) CountSince(ctx context.Context, source string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Event{}).
		Where("source = ? AND occurred_at >= ?", source, since).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count events for %s: %w", source, err)
	}
	return n, nil
}

// OrderingInversions counts, per correlation ID, how often an event arrived
// with an occurrence time earlier than the one received before it.
func (s *EventStore) OrderingInversions(ctx context.Context, source string, since time.Time) (int, error) {
	var rows []Event
	err := s.db.WithContext(ctx).Select("correlation_id", "occurred_at", "received_at").
		Where("source = ? AND received_at >= ? AND correlation_id <> ''", source, since).
		Order("correlation_id ASC").Order("received_at ASC").
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("ordering scan for %s: %w", source, err)
	}
	inversions := 0
	for i := 1; i < len(rows); i++ {
		if rows[i].CorrelationID != rows[i-1].CorrelationID {
			continue
		}
		if rows[i].OccurredAt.Before(rows[i-1].OccurredAt) {
			inversions++
		}
	}
	return inversions, nil
}

// SourcesSince returns the sorted distinct sources that delivered since a time.
func (s *EventStore) SourcesSince(ctx context.Context, since time.Time) ([]string, error) {
	var sources []string
	err := s.db.WithContext(ctx).Model(&Event{}).
		Where("occurred_at >= ?", since).Distinct().Pluck("source", &sources).Error
	if err != nil {
		return nil, fmt.Errorf("sources since: %w", err)
	}
	sort.Strings(sources)
	return sources, nil
}
