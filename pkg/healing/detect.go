package healing

import (
	"fmt"
	"strings"
	"time"

	"github.com/kubeflow/agent-trust/pkg/config"
	"github.com/kubeflow/agent-trust/pkg/events"
	"github.com/kubeflow/agent-trust/pkg/registry"
)

// AgentState is what detection looks at for one agent.
type AgentState struct {
	AgentID         string
	AssignedWork    int
	LastHeartbeatAt *time.Time
	LastActivityAt  *time.Time
	Latest          *events.TelemetrySample
}

// StateOf builds the detection state of an agent.
func StateOf(agent *registry.Agent, latest *events.TelemetrySample) AgentState {
	return AgentState{
		AgentID:         agent.ID,
		AssignedWork:    agent.AssignedWork,
		LastHeartbeatAt: agent.LastHeartbeatAt,
		LastActivityAt:  agent.LastActivityAt,
		Latest:          latest,
	}
}

// Issue is one detected problem and the remediation it calls for.
type Issue struct {
	Type     IssueType
	Severity Severity
	Action   ActionType
	Reason   string
	Details  map[string]any
}

// Detect evaluates an agent against the policy. Issues are returned in
// detection order: unresponsive, stalled, degraded, drifted, resource
// violated. An unresponsive agent is never also reported as stalled. A
// degraded issue is raised to high severity when other issues are present.
// Agents that never sent a heartbeat are not judged on liveness.
func Detect(now time.Time, st AgentState, base *Baseline, p config.HealingConfig) []Issue {
	var issues []Issue

	unresponsive := false
	if st.LastHeartbeatAt != nil {
		if silent := now.Sub(*st.LastHeartbeatAt); silent > p.UnresponsiveThreshold {
			unresponsive = true
			issues = append(issues, Issue{
				Type: IssueUnresponsive, Severity: SeverityCritical, Action: ActionQuarantine,
				Reason:  fmt.Sprintf("no heartbeat for %s", silent.Round(time.Second)),
				Details: map[string]any{"silent_seconds": silent.Seconds()},
			})
		}
	}

	if !unresponsive && st.AssignedWork > 0 {
		idle := time.Duration(-1)
		if st.LastActivityAt != nil {
			idle = now.Sub(*st.LastActivityAt)
		}
		if idle < 0 || idle > p.StalledThreshold {
			reason := "assigned work but no recorded activity"
			if idle >= 0 {
				reason = fmt.Sprintf("assigned work but idle for %s", idle.Round(time.Second))
			}
			issues = append(issues, Issue{
				Type: IssueStalled, Severity: SeverityHigh, Action: ActionRestart,
				Reason:  reason,
				Details: map[string]any{"assigned_work": st.AssignedWork},
			})
		}
	}

	degradedAt := -1
	if s := st.Latest; s != nil {
		var violations []string
		if s.LatencyMs > p.MaxLatencyMs {
			violations = append(violations, fmt.Sprintf("latency %.0fms > %.0fms", s.LatencyMs, p.MaxLatencyMs))
		}
		if s.ErrorRatePct > p.MaxErrorRatePct {
			violations = append(violations, fmt.Sprintf("error rate %.1f%% > %.1f%%", s.ErrorRatePct, p.MaxErrorRatePct))
		}
		if s.SuccessRatePct < p.MinSuccessRatePct {
			violations = append(violations, fmt.Sprintf("success rate %.1f%% < %.1f%%", s.SuccessRatePct, p.MinSuccessRatePct))
		}
		if len(violations) > 0 {
			degradedAt = len(issues)
			issues = append(issues, Issue{
				Type: IssueDegraded, Severity: SeverityMedium, Action: ActionInvestigate,
				Reason:  strings.Join(violations, "; "),
				Details: map[string]any{"violations": violations},
			})
		}

		if drift, ok := driftOf(s, base, p); ok {
			issues = append(issues, drift)
		}

		var over []string
		if s.CPUPct > p.MaxCPUPct {
			over = append(over, fmt.Sprintf("cpu %.0f%% > %.0f%%", s.CPUPct, p.MaxCPUPct))
		}
		if s.MemoryPct > p.MaxMemoryPct {
			over = append(over, fmt.Sprintf("memory %.0f%% > %.0f%%", s.MemoryPct, p.MaxMemoryPct))
		}
		if s.DiskPct > p.MaxDiskPct {
			over = append(over, fmt.Sprintf("disk %.0f%% > %.0f%%", s.DiskPct, p.MaxDiskPct))
		}
		if len(over) > 0 {
			issues = append(issues, Issue{
				Type: IssueResourceViolated, Severity: SeverityHigh, Action: ActionScaleDown,
				Reason:  strings.Join(over, "; "),
				Details: map[string]any{"violations": over},
			})
		}
	}

	if degradedAt >= 0 && len(issues) > 1 {
		issues[degradedAt].Severity = SeverityHigh
	}
	return issues
}

// driftOf compares a sample with the baseline. A missing or empty baseline
// never reports drift.
func driftOf(s *events.TelemetrySample, base *Baseline, p config.HealingConfig) (Issue, bool) {
	if base == nil || base.Samples == 0 {
		return Issue{}, false
	}
	details := map[string]any{}
	var reasons []string
	if base.LatencyMs > 0 {
		pct := (s.LatencyMs - base.LatencyMs) / base.LatencyMs * 100
		if pct > p.LatencyDriftPct {
			details["latency_drift_pct"] = pct
			reasons = append(reasons, fmt.Sprintf("latency %.0f%% above baseline", pct))
		}
	}
	if drop := base.SuccessRatePct - s.SuccessRatePct; drop > p.SuccessRateDropPts {
		details["success_rate_drop_pts"] = drop
		reasons = append(reasons, fmt.Sprintf("success rate %.1f points below baseline", drop))
	}
	if len(reasons) == 0 {
		return Issue{}, false
	}
	return Issue{
		Type: IssueDrifted, Severity: SeverityMedium, Action: ActionRecalibrate,
		Reason: strings.Join(reasons, "; "), Details: details,
	}, true
}

// NextBaseline folds a sample into the baseline with an exponentially
// weighted moving average. A nil baseline is seeded from the sample.
func NextBaseline(base *Baseline, agentID string, s *events.TelemetrySample, alpha float64, at time.Time) *Baseline {
	if base == nil || base.Samples == 0 {
		return &Baseline{
			AgentID:        agentID,
			LatencyMs:      s.LatencyMs,
			SuccessRatePct: s.SuccessRatePct,
			ErrorRatePct:   s.ErrorRatePct,
			Samples:        1,
			UpdatedAt:      at,
		}
	}
	ewma := func(prev, cur float64) float64 { return prev + alpha*(cur-prev) }
	return &Baseline{
		AgentID:        agentID,
		LatencyMs:      ewma(base.LatencyMs, s.LatencyMs),
		SuccessRatePct: ewma(base.SuccessRatePct, s.SuccessRatePct),
		ErrorRatePct:   ewma(base.ErrorRatePct, s.ErrorRatePct),
		Samples:        base.Samples + 1,
		UpdatedAt:      at,
	}
}
