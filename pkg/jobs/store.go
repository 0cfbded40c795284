package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"k8s.io/utils/clock"
)

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotCancelable is returned when canceling a job that already left the queue.
	ErrNotCancelable = errors.New("only queued jobs can be canceled")
	// ErrInvalidKind is returned when enqueueing an unknown job kind.
	ErrInvalidKind = errors.New("invalid job kind")
)

var terminalStates = []JobState{JobStateSucceeded, JobStateFailed, JobStateCanceled}

var pendingStates = []JobState{JobStateQueued, JobStateRunning}

// JobStore provides database operations for run jobs.
type JobStore struct {
	db    *gorm.DB
	clock clock.PassiveClock
}

// NewJobStore creates a new JobStore. A nil clock uses the wall clock.
func NewJobStore(db *gorm.DB, clk clock.PassiveClock) *JobStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &JobStore{db: db, clock: clk}
}

// AutoMigrate creates or updates the run_jobs table.
func (s *JobStore) AutoMigrate() error {
	return s.db.AutoMigrate(&RunJob{})
}

// JobListFilter defines filters for listing jobs.
type JobListFilter struct {
	Tenant      string
	Kind        JobKind
	State       JobState
	RequestedBy string
}

// EnqueueRun queues a run of kind for tenant. A pending job for the same
// tenant and kind is returned instead of a new one, with deduplicated set.
func (s *JobStore) EnqueueRun(ctx context.Context, tenant string, kind JobKind, requestedBy string) (*RunJob, bool, error) {
	if !kind.Valid() {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if tenant == "" {
		tenant = "default"
	}
	if requestedBy == "" {
		requestedBy = "anonymous"
	}
	job := &RunJob{
		ID:             uuid.New().String(),
		Tenant:         tenant,
		Kind:           kind,
		RequestedBy:    requestedBy,
		RequestedAt:    s.clock.Now().UTC(),
		State:          JobStateQueued,
		IdempotencyKey: IdempotencyKeyFor(tenant, kind),
	}
	got, err := s.Enqueue(ctx, job)
	if err != nil {
		return nil, false, err
	}
	return got, got.ID != job.ID, nil
}

// EnqueueRefresh queues an out-of-cycle trust recomputation.
func (s *JobStore) EnqueueRefresh(ctx context.Context, tenant, requestedBy string) (string, bool, error) {
	job, dedup, err := s.EnqueueRun(ctx, tenant, KindTrust, requestedBy)
	if err != nil {
		return "", false, err
	}
	return job.ID, dedup, nil
}

// Enqueue creates a new queued job. If idempotencyKey is non-empty and a
// non-terminal job with the same key exists, the existing job is returned
// instead of creating a duplicate. Safe for concurrent use.
func (s *JobStore) Enqueue(ctx context.Context, job *RunJob) (*RunJob, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Tenant == "" {
		job.Tenant = "default"
	}
	if job.State == "" {
		job.State = JobStateQueued
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = s.clock.Now().UTC()
	}
	db := s.db.WithContext(ctx)

	if job.IdempotencyKey == "" {
		if err := db.Create(job).Error; err != nil {
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
		return job, nil
	}

	var result *RunJob
	err := db.Transaction(func(tx *gorm.DB) error {
		var existing RunJob
		err := tx.Where("idempotency_key = ? AND state IN ?", job.IdempotencyKey, pendingStates).
			First(&existing).Error
		if err == nil {
			result = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check idempotency key: %w", err)
		}

		// Terminal jobs release their key so the unique index admits the new one.
		if err := tx.Model(&RunJob{}).
			Where("idempotency_key = ? AND state IN ?", job.IdempotencyKey, terminalStates).
			Update("idempotency_key", gorm.Expr("idempotency_key || '#' || id")).Error; err != nil {
			return fmt.Errorf("release idempotency key: %w", err)
		}

		if err := tx.Create(job).Error; err != nil {
			return err
		}
		result = job
		return nil
	})
	if err != nil {
		// Another writer may have won the race on the unique key.
		var raced RunJob
		if lookupErr := db.Where("idempotency_key = ? AND state IN ?", job.IdempotencyKey, pendingStates).
			First(&raced).Error; lookupErr == nil {
			return &raced, nil
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return result, nil
}

// Claim atomically picks the oldest queued job and transitions it to running.
// PostgreSQL claims with FOR UPDATE SKIP LOCKED so concurrent replicas never
// pick the same row. Returns nil if no jobs are available.
func (s *JobStore) Claim(ctx context.Context, maxRetries int) (*RunJob, error) {
	var job RunJob
	claimed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("state = ? AND attempt_count <= ?", JobStateQueued, maxRetries).
			Order("requested_at ASC").
			Limit(1)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&job).Error; err != nil {
			return err
		}
		if job.ID == "" {
			return nil
		}

		now := s.clock.Now().UTC()
		res := tx.Model(&RunJob{}).Where("id = ? AND state = ?", job.ID, JobStateQueued).
			Updates(map[string]any{
				"state":         JobStateRunning,
				"started_at":    now,
				"finished_at":   nil,
				"attempt_count": gorm.Expr("attempt_count + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		return nil, nil
	}

	if err := s.db.WithContext(ctx).First(&job, "id = ?", job.ID).Error; err != nil {
		return nil, fmt.Errorf("reload claimed job: %w", err)
	}
	return &job, nil
}

// Complete marks a running job as succeeded.
func (s *JobStore) Complete(ctx context.Context, jobID, message string, durationMs int64) error {
	now := s.clock.Now().UTC()
	result := s.db.WithContext(ctx).Model(&RunJob{}).
		Where("id = ? AND state = ?", jobID, JobStateRunning).
		Updates(map[string]any{
			"state":       JobStateSucceeded,
			"finished_at": now,
			"duration_ms": durationMs,
			"message":     message,
		})
	if result.Error != nil {
		return fmt.Errorf("complete job: %w", result.Error)
	}
	return nil
}

// Fail records a failed attempt. The job is requeued while it has attempts
// left and marked failed otherwise.
func (s *JobStore) Fail(ctx context.Context, jobID, errMsg string, maxRetries int) error {
	db := s.db.WithContext(ctx)

	var job RunJob
	if err := db.First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return fmt.Errorf("load job for fail: %w", err)
	}

	updates := map[string]any{"last_error": errMsg}
	if job.AttemptCount < maxRetries {
		updates["state"] = JobStateQueued
		updates["started_at"] = nil
		updates["finished_at"] = nil
	} else {
		updates["state"] = JobStateFailed
		updates["finished_at"] = s.clock.Now().UTC()
		updates["message"] = "Max retries exceeded: " + errMsg
	}

	if err := db.Model(&RunJob{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// Release returns a running job to the queue without spending an attempt.
func (s *JobStore) Release(ctx context.Context, jobID, reason string) error {
	result := s.db.WithContext(ctx).Model(&RunJob{}).
		Where("id = ? AND state = ?", jobID, JobStateRunning).
		Updates(map[string]any{
			"state":         JobStateQueued,
			"started_at":    nil,
			"attempt_count": gorm.Expr("attempt_count - 1"),
			"message":       reason,
		})
	if result.Error != nil {
		return fmt.Errorf("release job: %w", result.Error)
	}
	return nil
}

// Cancel marks a queued job as canceled. Running jobs finish normally.
func (s *JobStore) Cancel(ctx context.Context, jobID, canceledBy string) error {
	db := s.db.WithContext(ctx)
	now := s.clock.Now().UTC()
	result := db.Model(&RunJob{}).
		Where("id = ? AND state = ?", jobID, JobStateQueued).
		Updates(map[string]any{
			"state":       JobStateCanceled,
			"finished_at": now,
			"message":     "Canceled by " + canceledBy,
		})
	if result.Error != nil {
		return fmt.Errorf("cancel job: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var job RunJob
	if err := db.First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return fmt.Errorf("check job: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s", ErrNotCancelable, jobID, job.State)
}

// Get retrieves a job by ID. Returns nil, nil when it does not exist.
func (s *JobStore) Get(ctx context.Context, jobID string) (*RunJob, error) {
	var job RunJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// List returns paginated jobs matching the given filter, newest first.
func (s *JobStore) List(ctx context.Context, filter JobListFilter, pageSize int, pageToken string) ([]RunJob, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&RunJob{})
		if filter.Tenant != "" {
			q = q.Where("tenant = ?", filter.Tenant)
		}
		if filter.Kind != "" {
			q = q.Where("kind = ?", filter.Kind)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		if filter.RequestedBy != "" {
			q = q.Where("requested_by = ?", filter.RequestedBy)
		}
		return q
	}
	db := s.db.WithContext(ctx)

	var totalSize int64
	if err := buildQuery(db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count jobs: %w", err)
	}

	query := buildQuery(db).Order("requested_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("requested_at < ?", t)
	}

	var records []RunJob
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list jobs: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].RequestedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// CleanupStuckJobs sweeps running jobs whose claim is older than
// claimTimeout. Jobs with attempts left go back to the queue; the rest fail.
func (s *JobStore) CleanupStuckJobs(ctx context.Context, claimTimeout time.Duration, maxRetries int) (requeued, failed int64, err error) {
	db := s.db.WithContext(ctx)
	now := s.clock.Now().UTC()
	cutoff := now.Add(-claimTimeout)

	res := db.Model(&RunJob{}).
		Where("state = ? AND started_at < ? AND attempt_count >= ?", JobStateRunning, cutoff, maxRetries).
		Updates(map[string]any{
			"state":       JobStateFailed,
			"finished_at": now,
			"last_error":  "Timed out (stuck job recovery)",
			"message":     "Max retries exceeded: timed out",
		})
	if res.Error != nil {
		return 0, 0, fmt.Errorf("fail stuck jobs: %w", res.Error)
	}
	failed = res.RowsAffected

	res = db.Model(&RunJob{}).
		Where("state = ? AND started_at < ?", JobStateRunning, cutoff).
		Updates(map[string]any{
			"state":      JobStateQueued,
			"started_at": nil,
			"last_error": "Timed out (stuck job recovery)",
		})
	if res.Error != nil {
		return 0, failed, fmt.Errorf("requeue stuck jobs: %w", res.Error)
	}
	return res.RowsAffected, failed, nil
}

// DeleteOlderThan removes terminal jobs that finished before cutoff.
func (s *JobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("state IN ? AND finished_at < ?", terminalStates, cutoff).
		Delete(&RunJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
