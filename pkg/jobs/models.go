package jobs

import (
	"time"
)

// JobState represents the lifecycle state of a run job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
)

// JobKind names the cycle a job asks to run out of schedule.
type JobKind string

const (
	KindTrust     JobKind = "trust"
	KindDiscovery JobKind = "discovery"
	KindAudit     JobKind = "audit"
	KindHealing   JobKind = "healing"
)

// Valid reports whether k is one of the known kinds.
func (k JobKind) Valid() bool {
	switch k {
	case KindTrust, KindDiscovery, KindAudit, KindHealing:
		return true
	}
	return false
}

// RunJob is the GORM model for an out-of-cycle run request.
type RunJob struct {
	ID             string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	Tenant         string     `gorm:"column:tenant;index:idx_run_job_tenant_state,priority:1;default:default;not null"`
	Kind           JobKind    `gorm:"column:kind;index:idx_run_job_kind_state,priority:1;not null"`
	RequestedBy    string     `gorm:"column:requested_by;not null"`
	RequestedAt    time.Time  `gorm:"column:requested_at;not null"`
	State          JobState   `gorm:"column:state;index:idx_run_job_tenant_state,priority:2;index:idx_run_job_kind_state,priority:2;index:idx_run_job_state;not null;default:queued"`
	Message        string     `gorm:"column:message"`
	StartedAt      *time.Time `gorm:"column:started_at"`
	FinishedAt     *time.Time `gorm:"column:finished_at"`
	AttemptCount   int        `gorm:"column:attempt_count;default:0"`
	LastError      string     `gorm:"column:last_error"`
	IdempotencyKey string     `gorm:"column:idempotency_key;uniqueIndex:idx_run_job_idemp_key"`
	DurationMs     int64      `gorm:"column:duration_ms"`
}

// TableName returns the GORM table name.
func (RunJob) TableName() string { return "run_jobs" }

// IsTerminal returns true if the job is in a terminal state.
func (j *RunJob) IsTerminal() bool {
	switch j.State {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}

// IdempotencyKeyFor is the key that collapses concurrent requests for the
// same cycle in one tenant.
func IdempotencyKeyFor(tenant string, kind JobKind) string {
	if tenant == "" {
		tenant = "default"
	}
	return tenant + ":" + string(kind)
}
