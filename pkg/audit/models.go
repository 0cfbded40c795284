// Package audit evaluates the compliance check battery, signs every
// violation into a hash-chained append-only trail and renders executive
// reports.
package audit

import (
	"time"

	"github.com/kubeflow/agent-trust/pkg/registry"
)

// Status is the outcome of one check.
type Status string

const (
	StatusPass          Status = "pass"
	StatusFail          Status = "fail"
	StatusWarning       Status = "warning"
	StatusNotApplicable Status = "n/a"
)

// Category groups checks. Failures in security, access and crypto are
// escalated.
type Category string

const (
	CategorySecurity     Category = "security"
	CategoryAccess       Category = "access"
	CategoryCrypto       Category = "crypto"
	CategoryAvailability Category = "availability"
	CategoryData         Category = "data"
	CategoryTrust        Category = "trust"
	CategoryOperations   Category = "operations"
)

// Escalates reports whether a failure in c is escalated.
func (c Category) Escalates() bool {
	return c == CategorySecurity || c == CategoryAccess || c == CategoryCrypto
}

// Entry kinds.
const (
	KindViolation      = "violation"
	KindOperatorAction = "operator_action"
)

// CheckResult is one evaluated check.
type CheckResult struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Category       Category `json:"category"`
	Severity       string   `json:"severity"`
	Status         Status   `json:"status"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// AgentCompliance is the per-agent view of an audit.
type AgentCompliance struct {
	AgentID    string               `json:"agentId"`
	Name       string               `json:"name"`
	Status     registry.AgentStatus `json:"status"`
	TrustLevel float64              `json:"trustLevel"`
	Compliant  bool                 `json:"compliant"`
	Violations []string             `json:"violations,omitempty"`
}

// KPIView is the KPI block of a report.
type KPIView struct {
	TrustScore       float64    `json:"trustScore"`
	RiskAvoidedUSD   float64    `json:"riskAvoidedUsd"`
	SyncFreshnessPct float64    `json:"syncFreshnessPct"`
	DriftRatePct     float64    `json:"driftRatePct"`
	ComplianceSLAPct float64    `json:"complianceSlaPct"`
	ActiveAgents     int        `json:"activeAgents"`
	ComputedAt       *time.Time `json:"computedAt,omitempty"`
}

// Summary is the result of one audit run and the source of the executive
// report.
type Summary struct {
	ID              string            `json:"id"`
	GeneratedAt     time.Time         `json:"generatedAt"`
	OverallScore    float64           `json:"overallScore"`
	TotalControls   int               `json:"totalControls"`
	Passed          int               `json:"passed"`
	Failed          int               `json:"failed"`
	Warnings        int               `json:"warnings"`
	NotApplicable   int               `json:"notApplicable"`
	KPIs            KPIView           `json:"kpis"`
	Checks          []CheckResult     `json:"checks"`
	TopViolations   []CheckResult     `json:"topViolations"`
	Recommendations []string          `json:"recommendations"`
	Agents          []AgentCompliance `json:"agents"`
	EntriesWritten  int               `json:"entriesWritten"`
	Escalated       bool              `json:"escalated"`
	Errors          []string          `json:"errors,omitempty"`
}
