package audit

import (
	"fmt"
	"sort"
	"time"

	"github.com/kubeflow/agent-trust/pkg/config"
	"github.com/kubeflow/agent-trust/pkg/drift"
	"github.com/kubeflow/agent-trust/pkg/registry"
	"github.com/kubeflow/agent-trust/pkg/trust"
)

// Input is everything a check may look at. KPIs and Sync are nil until the
// first trust refresh and sync analysis have completed.
type Input struct {
	Config        config.Config
	Now           time.Time
	Agents        []registry.Agent
	KPIs          *trust.KPIs
	Sync          *drift.SyncReport
	OpenIncidents map[string][]string
}

// Check is one named control of the battery.
type Check struct {
	ID             string
	Name           string
	Category       Category
	Severity       string
	Recommendation string
	Evaluate       func(in Input) (Status, string)
}

// DefaultChecks returns the fixed battery in evaluation order.
func DefaultChecks() []Check {
	return []Check{
		{
			ID: "security.authentication", Name: "API authentication enabled",
			Category: CategorySecurity, Severity: "critical",
			Recommendation: "Set auth.mode to header or jwt so callers are identified.",
			Evaluate: func(in Input) (Status, string) {
				if in.Config.Auth.Mode == "none" {
					return StatusFail, "auth.mode is none; every caller is an operator"
				}
				return StatusPass, fmt.Sprintf("auth.mode is %s", in.Config.Auth.Mode)
			},
		},
		{
			ID: "security.webhook_signature", Name: "Webhook signatures verified",
			Category: CategorySecurity, Severity: "high",
			Recommendation: "Configure webhook.secret and have adapters sign deliveries.",
			Evaluate: func(in Input) (Status, string) {
				if in.Config.Webhook.Secret == "" {
					return StatusFail, "webhook.secret is empty; deliveries are accepted unsigned"
				}
				return StatusPass, "webhook deliveries require an HMAC-SHA256 signature"
			},
		},
		{
			ID: "crypto.audit_signing_key", Name: "Audit signing key configured",
			Category: CategoryCrypto, Severity: "high",
			Recommendation: "Set audit.signing_key to a secret of at least 32 bytes.",
			Evaluate: func(in Input) (Status, string) {
				if len(in.Config.Audit.SigningKey) < 32 {
					return StatusFail, "no configured signing key; the trail is signed with an ephemeral key"
				}
				return StatusPass, "audit entries are signed with the configured key"
			},
		},
		{
			ID: "crypto.jwt_verification", Name: "Bearer tokens verified",
			Category: CategoryCrypto, Severity: "high",
			Recommendation: "Set auth.public_key_path so RS256 token signatures are checked.",
			Evaluate: func(in Input) (Status, string) {
				if in.Config.Auth.Mode != "jwt" {
					return StatusNotApplicable, "bearer tokens are not used"
				}
				if in.Config.Auth.PublicKeyPath == "" {
					return StatusFail, "tokens are parsed without signature verification"
				}
				return StatusPass, "token signatures are verified"
			},
		},
		{
			ID: "access.operator_role", Name: "Operator role asserted by a trusted source",
			Category: CategoryAccess, Severity: "high",
			Recommendation: "Use jwt mode, or restrict header mode to a trusted proxy.",
			Evaluate: func(in Input) (Status, string) {
				switch in.Config.Auth.Mode {
				case "none":
					return StatusFail, "operator actions are open to everyone"
				case "header":
					return StatusWarning, "operator role comes from a request header"
				default:
					return StatusPass, "operator role comes from a signed token claim"
				}
			},
		},
		{
			ID: "access.quarantine_review", Name: "Quarantined agents reviewed",
			Category: CategoryAccess, Severity: "medium",
			Recommendation: "Promote or retire agents that have waited in quarantine past the review window.",
			Evaluate: func(in Input) (Status, string) {
				waiting := overdueQuarantines(in)
				if len(waiting) > 0 {
					return StatusWarning, fmt.Sprintf("%d agent(s) quarantined for more than %s", len(waiting), in.Config.Audit.QuarantineReviewWindow)
				}
				return StatusPass, "no quarantine is overdue for review"
			},
		},
		{
			ID: "availability.uptime", Name: "Fleet uptime meets target",
			Category: CategoryAvailability, Severity: "high",
			Recommendation: "Investigate the agents with the lowest uptime in the healing incident list.",
			Evaluate: func(in Input) (Status, string) {
				if in.KPIs == nil {
					return StatusNotApplicable, "no trust snapshot yet"
				}
				target := in.Config.Audit.UptimeTargetPct
				if in.KPIs.UptimePct < target {
					return StatusFail, fmt.Sprintf("uptime %.2f%% below target %.2f%%", in.KPIs.UptimePct, target)
				}
				return StatusPass, fmt.Sprintf("uptime %.2f%%", in.KPIs.UptimePct)
			},
		},
		{
			ID: "data.sync_freshness", Name: "Sync freshness meets target",
			Category: CategoryData, Severity: "medium",
			Recommendation: "Check the stale workflows in the sync report and their delivering adapters.",
			Evaluate: func(in Input) (Status, string) {
				if in.Sync == nil {
					return StatusNotApplicable, "no sync report yet"
				}
				target := in.Config.Audit.FreshnessTargetPct
				if in.Sync.SyncFreshnessPct < target {
					return StatusFail, fmt.Sprintf("freshness %.1f%% below target %.1f%%, %d stale workflow(s)",
						in.Sync.SyncFreshnessPct, target, len(in.Sync.StaleWorkflows))
				}
				return StatusPass, fmt.Sprintf("freshness %.1f%%", in.Sync.SyncFreshnessPct)
			},
		},
		{
			ID: "data.drift_rate", Name: "Drift rate within limit",
			Category: CategoryData, Severity: "medium",
			Recommendation: "Reconcile the sources with open sync gaps.",
			Evaluate: func(in Input) (Status, string) {
				if in.Sync == nil {
					return StatusNotApplicable, "no sync report yet"
				}
				limit := in.Config.Audit.MaxDriftRatePct
				if in.Sync.DriftRatePct > limit {
					return StatusFail, fmt.Sprintf("drift rate %.1f%% above %.1f%%", in.Sync.DriftRatePct, limit)
				}
				return StatusPass, fmt.Sprintf("drift rate %.1f%%", in.Sync.DriftRatePct)
			},
		},
		{
			ID: "trust.fleet_score", Name: "Fleet trust score meets minimum",
			Category: CategoryTrust, Severity: "high",
			Recommendation: "Review the lowest scoring agents and their risk exposure.",
			Evaluate: func(in Input) (Status, string) {
				if in.KPIs == nil {
					return StatusNotApplicable, "no trust snapshot yet"
				}
				floor := in.Config.Audit.MinTrustScore
				if in.KPIs.TrustScore < floor {
					return StatusFail, fmt.Sprintf("trust score %.2f below %.2f", in.KPIs.TrustScore, floor)
				}
				if in.KPIs.LowConfidenceAgents > 0 {
					return StatusWarning, fmt.Sprintf("trust score %.2f, %d agent(s) scored on too few samples",
						in.KPIs.TrustScore, in.KPIs.LowConfidenceAgents)
				}
				return StatusPass, fmt.Sprintf("trust score %.2f", in.KPIs.TrustScore)
			},
		},
		{
			ID: "trust.agent_minimum", Name: "Every active agent meets the trust minimum",
			Category: CategoryTrust, Severity: "medium",
			Recommendation: "Quarantine or retrain agents below the trust minimum.",
			Evaluate: func(in Input) (Status, string) {
				var active, below int
				for _, a := range in.Agents {
					if a.Status != registry.StatusActive {
						continue
					}
					active++
					if a.TrustLevel*100 < in.Config.Audit.MinTrustScore {
						below++
					}
				}
				if active == 0 {
					return StatusNotApplicable, "no active agents"
				}
				if below > 0 {
					return StatusWarning, fmt.Sprintf("%d of %d active agent(s) below trust %.0f", below, active, in.Config.Audit.MinTrustScore)
				}
				return StatusPass, fmt.Sprintf("%d active agent(s) at or above trust %.0f", active, in.Config.Audit.MinTrustScore)
			},
		},
		{
			ID: "operations.critical_incidents", Name: "No open critical incidents",
			Category: CategoryOperations, Severity: "critical",
			Recommendation: "Resolve the open critical healing incidents.",
			Evaluate: func(in Input) (Status, string) {
				n := 0
				for _, sevs := range in.OpenIncidents {
					for _, s := range sevs {
						if s == "critical" {
							n++
						}
					}
				}
				if n > 0 {
					return StatusFail, fmt.Sprintf("%d open critical incident(s)", n)
				}
				return StatusPass, "no open critical incidents"
			},
		},
		{
			ID: "operations.auto_heal", Name: "Automatic remediation enabled",
			Category: CategoryOperations, Severity: "low",
			Recommendation: "Enable healing.auto_heal or staff manual remediation.",
			Evaluate: func(in Input) (Status, string) {
				if !in.Config.Healing.AutoHeal {
					return StatusWarning, "incidents are opened but no action is taken"
				}
				return StatusPass, "remediation actions run automatically"
			},
		},
	}
}

// Evaluate runs every check against in.
func Evaluate(checks []Check, in Input) []CheckResult {
	out := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		status, msg := c.Evaluate(in)
		res := CheckResult{
			ID: c.ID, Name: c.Name, Category: c.Category, Severity: c.Severity,
			Status: status, Message: msg,
		}
		if status == StatusFail || status == StatusWarning {
			res.Recommendation = c.Recommendation
		}
		out = append(out, res)
	}
	return out
}

// OverallScore is passed / total × 100 over the whole battery, n/a
// included. An empty battery scores 100.
func OverallScore(results []CheckResult) float64 {
	if len(results) == 0 {
		return 100
	}
	passed := 0
	for _, r := range results {
		if r.Status == StatusPass {
			passed++
		}
	}
	return float64(passed) / float64(len(results)) * 100
}

var severityRank = map[string]int{"critical": 4, "high": 3, "medium": 2, "low": 1}

// topViolations orders failures before warnings, then by severity.
func topViolations(results []CheckResult, limit int) []CheckResult {
	var out []CheckResult
	for _, r := range results {
		if r.Status == StatusFail || r.Status == StatusWarning {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if (out[i].Status == StatusFail) != (out[j].Status == StatusFail) {
			return out[i].Status == StatusFail
		}
		return severityRank[out[i].Severity] > severityRank[out[j].Severity]
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func overdueQuarantines(in Input) []registry.Agent {
	var out []registry.Agent
	for _, a := range in.Agents {
		if a.Status != registry.StatusQuarantined || a.StatusChangedAt == nil {
			continue
		}
		if in.Now.Sub(*a.StatusChangedAt) > in.Config.Audit.QuarantineReviewWindow {
			out = append(out, a)
		}
	}
	return out
}

// agentCompliance builds the per-agent view. Retired agents are skipped.
func agentCompliance(in Input) []AgentCompliance {
	overdue := map[string]bool{}
	for _, a := range overdueQuarantines(in) {
		overdue[a.ID] = true
	}
	out := make([]AgentCompliance, 0, len(in.Agents))
	for _, a := range in.Agents {
		if a.Status == registry.StatusRetired {
			continue
		}
		var violations []string
		if a.Status == registry.StatusActive && a.TrustLevel*100 < in.Config.Audit.MinTrustScore {
			violations = append(violations, fmt.Sprintf("trust %.1f below %.0f", a.TrustLevel*100, in.Config.Audit.MinTrustScore))
		}
		for _, sev := range in.OpenIncidents[a.ID] {
			if sev == "critical" || sev == "high" {
				violations = append(violations, "open "+sev+" incident")
			}
		}
		if overdue[a.ID] {
			violations = append(violations, "quarantine overdue for review")
		}
		out = append(out, AgentCompliance{
			AgentID:    a.ID,
			Name:       a.Name,
			Status:     a.Status,
			TrustLevel: a.TrustLevel,
			Compliant:  len(violations) == 0,
			Violations: violations,
		})
	}
	return out
}
