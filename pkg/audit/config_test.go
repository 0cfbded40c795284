package audit

import (
	"testing"
)

func TestRetentionConfigFromEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want RetentionConfig
	}{
		{
			name: "defaults",
			want: RetentionConfig{RetentionDays: 90, LogDenied: true, CaptureActions: true},
		},
		{
			name: "overrides",
			env: map[string]string{
				"TRUST_AUDIT_RETENTION_DAYS":  "30",
				"TRUST_AUDIT_LOG_DENIED":      "false",
				"TRUST_AUDIT_CAPTURE_ACTIONS": "false",
			},
			want: RetentionConfig{RetentionDays: 30},
		},
		{
			name: "invalid days keep default",
			env:  map[string]string{"TRUST_AUDIT_RETENTION_DAYS": "-1"},
			want: RetentionConfig{RetentionDays: 90, LogDenied: true, CaptureActions: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := *RetentionConfigFromEnv(); got != tt.want {
				t.Errorf("RetentionConfigFromEnv() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
