package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"

	"github.com/kubeflow/agent-trust/pkg/registry"
)

// EntryRecord mirrors a trail entry into the database for querying. The
// trail file stays the system of record.
type EntryRecord struct {
	ID            string           `gorm:"primaryKey;column:id;type:varchar(36)"`
	Kind          string           `gorm:"column:kind;index;not null"`
	AuditID       string           `gorm:"column:audit_id;index"`
	CheckID       string           `gorm:"column:check_id"`
	Category      string           `gorm:"column:category"`
	Severity      string           `gorm:"column:severity"`
	Actor         string           `gorm:"column:actor"`
	Message       string           `gorm:"column:message"`
	Details       registry.JSONAny `gorm:"column:details;type:text"`
	RecordedAt    time.Time        `gorm:"column:recorded_at;index;not null"`
	PrevSignature string           `gorm:"column:prev_signature"`
	Signature     string           `gorm:"column:signature;not null"`
}

// TableName returns the GORM table name.
func (EntryRecord) TableName() string { return "audit_entries" }

func recordFromEntry(e Entry) *EntryRecord {
	return &EntryRecord{
		ID:            e.ID,
		Kind:          e.Kind,
		AuditID:       e.AuditID,
		CheckID:       e.CheckID,
		Category:      string(e.Category),
		Severity:      e.Severity,
		Actor:         e.Actor,
		Message:       e.Message,
		Details:       registry.JSONAny(e.Details),
		RecordedAt:    e.RecordedAt,
		PrevSignature: e.PrevSignature,
		Signature:     e.Signature,
	}
}

// Entry converts the record back to a trail entry.
func (r EntryRecord) Entry() Entry {
	return Entry{
		ID:            r.ID,
		Kind:          r.Kind,
		AuditID:       r.AuditID,
		CheckID:       r.CheckID,
		Category:      Category(r.Category),
		Severity:      r.Severity,
		Actor:         r.Actor,
		Message:       r.Message,
		Details:       map[string]any(r.Details),
		RecordedAt:    r.RecordedAt.UTC(),
		PrevSignature: r.PrevSignature,
		Signature:     r.Signature,
	}
}

// EntryStore persists the database mirror of the trail.
type EntryStore struct {
	db         *gorm.DB
	newBackOff func() backoff.BackOff
}

// NewEntryStore creates an EntryStore.
func NewEntryStore(db *gorm.DB) *EntryStore {
	return &EntryStore{db: db, newBackOff: defaultBackOff}
}

// The mirror is not critical: a few quick retries, then the caller drops it.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	return backoff.WithMaxRetries(b, 3)
}

// AutoMigrate creates or updates the audit_entries table.
func (s *EntryStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&EntryRecord{}); err != nil {
		return fmt.Errorf("auto-migrate audit entries: %w", err)
	}
	return nil
}

// Append mirrors one entry, retrying a bounded number of times.
func (s *EntryStore) Append(ctx context.Context, e Entry) error {
	rec := recordFromEntry(e)
	op := func() error {
		return s.db.WithContext(ctx).Create(rec).Error
	}
	if err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
		return fmt.Errorf("mirror audit entry: %w", err)
	}
	return nil
}

// EntryFilter narrows List.
type EntryFilter struct {
	Kind     string
	AuditID  string
	Category string
	Since    time.Time
	Limit    int
}

// List returns mirrored entries, newest first.
func (s *EntryStore) List(ctx context.Context, f EntryFilter) ([]EntryRecord, error) {
	q := s.db.WithContext(ctx).Model(&EntryRecord{})
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.AuditID != "" {
		q = q.Where("audit_id = ?", f.AuditID)
	}
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if !f.Since.IsZero() {
		q = q.Where("recorded_at >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []EntryRecord
	if err := q.Order("recorded_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return out, nil
}

// Get returns one mirrored entry, or nil, nil.
func (s *EntryStore) Get(ctx context.Context, id string) (*EntryRecord, error) {
	var rec EntryRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get audit entry: %w", err)
	}
	return &rec, nil
}

// DeleteOlderThan removes mirrored entries recorded before cutoff. The
// trail file is never pruned.
func (s *EntryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("recorded_at < ?", cutoff).Delete(&EntryRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old audit entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}
