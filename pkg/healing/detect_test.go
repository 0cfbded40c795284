package healing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/agent-trust/pkg/config"
	"github.com/kubeflow/agent-trust/pkg/events"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func healthySample() *events.TelemetrySample {
	return &events.TelemetrySample{
		ObservedAt:     now.Add(-time.Minute),
		LatencyMs:      200,
		SuccessRatePct: 99,
		ErrorRatePct:   1,
		CPUPct:         40,
		MemoryPct:      50,
		DiskPct:        30,
	}
}

func policy() config.HealingConfig {
	return config.Default().Healing
}

func issueTypes(issues []Issue) []IssueType {
	out := make([]IssueType, len(issues))
	for i, is := range issues {
		out[i] = is.Type
	}
	return out
}

func TestDetect(t *testing.T) {
	baseline := &Baseline{LatencyMs: 200, SuccessRatePct: 99, Samples: 5}

	tests := []struct {
		name   string
		state  AgentState
		base   *Baseline
		want   []IssueType
		checks func(t *testing.T, issues []Issue)
	}{
		{
			name:  "healthy agent",
			state: AgentState{LastHeartbeatAt: ago(30 * time.Second), Latest: healthySample()},
			base:  baseline,
		},
		{
			name:  "unresponsive",
			state: AgentState{LastHeartbeatAt: ago(3 * time.Minute)},
			want:  []IssueType{IssueUnresponsive},
			checks: func(t *testing.T, issues []Issue) {
				assert.Equal(t, SeverityCritical, issues[0].Severity)
				assert.Equal(t, ActionQuarantine, issues[0].Action)
			},
		},
		{
			name:  "heartbeat exactly at threshold is not unresponsive",
			state: AgentState{LastHeartbeatAt: ago(2 * time.Minute)},
		},
		{
			name:  "never heartbeated is not judged on liveness",
			state: AgentState{},
		},
		{
			name:  "stalled",
			state: AgentState{LastHeartbeatAt: ago(10 * time.Second), AssignedWork: 3, LastActivityAt: ago(6 * time.Minute)},
			want:  []IssueType{IssueStalled},
			checks: func(t *testing.T, issues []Issue) {
				assert.Equal(t, SeverityHigh, issues[0].Severity)
				assert.Equal(t, ActionRestart, issues[0].Action)
			},
		},
		{
			name:  "assigned work without any activity is stalled",
			state: AgentState{LastHeartbeatAt: ago(10 * time.Second), AssignedWork: 1},
			want:  []IssueType{IssueStalled},
		},
		{
			name:  "idle without assigned work is fine",
			state: AgentState{LastHeartbeatAt: ago(10 * time.Second), LastActivityAt: ago(time.Hour)},
		},
		{
			name:  "unresponsive takes precedence over stalled",
			state: AgentState{LastHeartbeatAt: ago(5 * time.Minute), AssignedWork: 3, LastActivityAt: ago(10 * time.Minute)},
			want:  []IssueType{IssueUnresponsive},
		},
		{
			name: "degraded alone is medium",
			state: AgentState{LastHeartbeatAt: ago(10 * time.Second), Latest: func() *events.TelemetrySample {
				s := healthySample()
				s.ErrorRatePct = 9
				return s
			}()},
			want: []IssueType{IssueDegraded},
			checks: func(t *testing.T, issues []Issue) {
				assert.Equal(t, SeverityMedium, issues[0].Severity)
				assert.Equal(t, ActionInvestigate, issues[0].Action)
			},
		},
		{
			name: "degraded with resource violation escalates to high",
			state: AgentState{LastHeartbeatAt: ago(10 * time.Second), Latest: func() *events.TelemetrySample {
				s := healthySample()
				s.SuccessRatePct = 80
				s.CPUPct = 97
				return s
			}()},
			want: []IssueType{IssueDegraded, IssueResourceViolated},
			checks: func(t *testing.T, issues []Issue) {
				assert.Equal(t, SeverityHigh, issues[0].Severity)
				assert.Equal(t, ActionScaleDown, issues[1].Action)
			},
		},
		{
			name: "latency drift against baseline",
			state: AgentState{LastHeartbeatAt: ago(10 * time.Second), Latest: func() *events.TelemetrySample {
				s := healthySample()
				s.LatencyMs = 350
				return s
			}()},
			base: baseline,
			want: []IssueType{IssueDrifted},
			checks: func(t *testing.T, issues []Issue) {
				assert.Equal(t, ActionRecalibrate, issues[0].Action)
				assert.InDelta(t, 75.0, issues[0].Details["latency_drift_pct"], 1e-9)
			},
		},
		{
			name: "small success rate drop is tolerated",
			state: AgentState{LastHeartbeatAt: ago(10 * time.Second), Latest: func() *events.TelemetrySample {
				s := healthySample()
				s.SuccessRatePct = 96
				s.LatencyMs = 210
				return s
			}()},
			base: &Baseline{LatencyMs: 200, SuccessRatePct: 99.9, Samples: 5},
			want: nil,
		},
		{
			name: "no baseline no drift",
			state: AgentState{LastHeartbeatAt: ago(10 * time.Second), Latest: func() *events.TelemetrySample {
				s := healthySample()
				s.LatencyMs = 1900
				return s
			}()},
		},
		{
			name: "all issue types in detection order",
			state: AgentState{LastHeartbeatAt: ago(10 * time.Second), AssignedWork: 1, LastActivityAt: ago(time.Hour),
				Latest: func() *events.TelemetrySample {
					s := healthySample()
					s.LatencyMs = 2500
					s.DiskPct = 95
					return s
				}()},
			base: baseline,
			want: []IssueType{IssueStalled, IssueDegraded, IssueDrifted, IssueResourceViolated},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := Detect(now, tt.state, tt.base, policy())
			require.Equal(t, len(tt.want), len(issues), "got %v", issueTypes(issues))
			if len(tt.want) > 0 {
				assert.Equal(t, tt.want, issueTypes(issues))
			}
			if tt.checks != nil {
				tt.checks(t, issues)
			}
		})
	}
}

func TestNextBaseline(t *testing.T) {
	s := healthySample()
	seeded := NextBaseline(nil, "a1", s, 0.1, s.ObservedAt)
	assert.Equal(t, 200.0, seeded.LatencyMs)
	assert.Equal(t, 1, seeded.Samples)

	s2 := healthySample()
	s2.LatencyMs = 300
	next := NextBaseline(seeded, "a1", s2, 0.1, now)
	assert.InDelta(t, 210.0, next.LatencyMs, 1e-9)
	assert.Equal(t, 2, next.Samples)
	assert.Equal(t, now, next.UpdatedAt)
}
