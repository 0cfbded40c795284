package audit

import (
	"os"
	"strconv"
)

// RetentionConfig controls the database mirror and operator-action capture.
type RetentionConfig struct {
	RetentionDays  int  // Default 90
	LogDenied      bool // Whether to record denied (403) operator actions
	CaptureActions bool // Whether operator actions are recorded at all
}

// DefaultRetentionConfig returns the default configuration.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		RetentionDays:  90,
		LogDenied:      true,
		CaptureActions: true,
	}
}

// RetentionConfigFromEnv loads config from environment variables.
// TRUST_AUDIT_RETENTION_DAYS, TRUST_AUDIT_LOG_DENIED, TRUST_AUDIT_CAPTURE_ACTIONS
func RetentionConfigFromEnv() *RetentionConfig {
	cfg := DefaultRetentionConfig()

	if v := os.Getenv("TRUST_AUDIT_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.RetentionDays = days
		}
	}

	if v := os.Getenv("TRUST_AUDIT_LOG_DENIED"); v != "" {
		cfg.LogDenied, _ = strconv.ParseBool(v)
	}

	if v := os.Getenv("TRUST_AUDIT_CAPTURE_ACTIONS"); v != "" {
		cfg.CaptureActions, _ = strconv.ParseBool(v)
	}

	return cfg
}
