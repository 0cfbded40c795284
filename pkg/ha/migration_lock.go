package ha

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"
	"k8s.io/utils/clock"
)

// migrationLockName keys both the advisory lock and the lock table row.
const migrationLockName = "agent-trust-migration"

// MigrationLocker serializes schema migrations across replicas.
type MigrationLocker interface {
	// WithLock executes fn while holding the migration lock.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker returns the locker for db's dialect: PostgreSQL uses a
// session advisory lock, everything else a single-row lock table. A nil db
// or a disabled config yields a locker that just runs fn.
func NewMigrationLocker(db *gorm.DB, cfg *HAConfig) MigrationLocker {
	if db == nil || (cfg != nil && !cfg.MigrationLockEnabled) {
		return noopMigrationLock{}
	}
	identity := hostIdentity()
	if cfg != nil && cfg.Identity != "" {
		identity = cfg.Identity
	}
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte(migrationLockName))),
		}
	}
	// The table exists before the first WithLock so concurrent callers
	// never race on creating it.
	_ = db.AutoMigrate(&migrationLockRecord{})
	return &tableMigrationLock{
		db:          db,
		identity:    identity,
		clock:       clock.RealClock{},
		staleAfter:  5 * time.Minute,
		retryEvery:  time.Second,
		maxAttempts: 30,
	}
}

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	// Advisory locks belong to a session, so lock and unlock on one connection.
	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("get sql handle: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("reserve connection for migration lock: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.lockID); err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", l.lockID)
	}()

	return fn()
}

type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRecord) TableName() string { return "migration_lock" }

// tableMigrationLock holds the lock while its row exists. Rows older than
// staleAfter belong to a crashed holder and are removed before each attempt.
type tableMigrationLock struct {
	db          *gorm.DB
	identity    string
	clock       clock.PassiveClock
	staleAfter  time.Duration
	retryEvery  time.Duration
	maxAttempts uint64
}

func (l *tableMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	db := l.db.WithContext(ctx)
	acquire := func() error {
		now := l.clock.Now().UTC()
		db.Where("id = ? AND locked_at < ?", migrationLockName, now.Add(-l.staleAfter)).
			Delete(&migrationLockRecord{})
		row := migrationLockRecord{ID: migrationLockName, LockedAt: now, LockedBy: l.identity}
		return db.Create(&row).Error
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(l.retryEvery), l.maxAttempts-1), ctx)
	if err := backoff.Retry(acquire, policy); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("acquire migration lock after %d attempts: %w", l.maxAttempts, err)
	}

	defer func() {
		l.db.WithContext(context.WithoutCancel(ctx)).
			Where("id = ? AND locked_by = ?", migrationLockName, l.identity).
			Delete(&migrationLockRecord{})
	}()

	return fn()
}
