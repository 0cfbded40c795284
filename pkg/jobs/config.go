package jobs

import (
	"os"
	"strconv"
	"time"
)

// JobConfig controls the run queue and its worker pool.
type JobConfig struct {
	Concurrency     int           // Max concurrent workers. Default 2.
	MaxRetries      int           // Max retry attempts per job. Default 3.
	PollInterval    time.Duration // How often workers poll for new jobs. Default 2s.
	ClaimTimeout    time.Duration // Max time a job can stay running before it is requeued. Default 10m.
	CleanupInterval time.Duration // How often stuck and expired jobs are swept. Default 1m.
	RetentionDays   int           // How long to keep terminal jobs. Default 7.
	Enabled         bool          // Whether the worker pool runs. Default true.
}

// DefaultJobConfig returns the default job configuration.
func DefaultJobConfig() *JobConfig {
	return &JobConfig{
		Concurrency:     2,
		MaxRetries:      3,
		PollInterval:    2 * time.Second,
		ClaimTimeout:    10 * time.Minute,
		CleanupInterval: time.Minute,
		RetentionDays:   7,
		Enabled:         true,
	}
}

// JobConfigFromEnv loads config from environment variables.
// TRUST_JOB_CONCURRENCY, TRUST_JOB_MAX_RETRIES, TRUST_JOB_POLL_INTERVAL_SECONDS,
// TRUST_JOB_CLAIM_TIMEOUT_MINUTES, TRUST_JOB_RETENTION_DAYS, TRUST_JOB_ENABLED
func JobConfigFromEnv() *JobConfig {
	cfg := DefaultJobConfig()

	if v := os.Getenv("TRUST_JOB_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}

	if v := os.Getenv("TRUST_JOB_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}

	if v := os.Getenv("TRUST_JOB_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollInterval = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("TRUST_JOB_CLAIM_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ClaimTimeout = time.Duration(n) * time.Minute
		}
	}

	if v := os.Getenv("TRUST_JOB_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetentionDays = n
		}
	}

	if v := os.Getenv("TRUST_JOB_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}

	return cfg
}
