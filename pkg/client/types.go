package client

import "time"

// KPIs are the fleet indicators served at GET /trust.
type KPIs struct {
	TrustScore          float64   `json:"trustScore"`
	RiskAvoidedUSD      float64   `json:"riskAvoidedUsd"`
	SyncFreshnessPct    float64   `json:"syncFreshnessPct"`
	DriftRatePct        float64   `json:"driftRatePct"`
	ComplianceSLAPct    float64   `json:"complianceSlaPct"`
	UptimePct           float64   `json:"uptimePct"`
	PolicyAdherencePct  float64   `json:"policyAdherencePct"`
	ActiveAgents        int       `json:"activeAgents"`
	AgentsScored        int       `json:"agentsScored"`
	LowConfidenceAgents int       `json:"lowConfidenceAgents"`
	ComputedAt          time.Time `json:"computedAt"`
	Stale               bool      `json:"stale"`
	Refreshing          bool      `json:"refreshing"`
}

// RefreshResult is the answer to a refresh request.
type RefreshResult struct {
	JobID        string `json:"jobId"`
	Status       string `json:"status"`
	Deduplicated bool   `json:"deduplicated"`
}

// Job is one queued run request.
type Job struct {
	ID           string `json:"id"`
	Tenant       string `json:"tenant"`
	Kind         string `json:"kind"`
	RequestedBy  string `json:"requestedBy"`
	RequestedAt  string `json:"requestedAt"`
	State        string `json:"state"`
	Message      string `json:"message,omitempty"`
	StartedAt    string `json:"startedAt,omitempty"`
	FinishedAt   string `json:"finishedAt,omitempty"`
	AttemptCount int    `json:"attemptCount"`
	LastError    string `json:"lastError,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
}

// Done reports whether the job reached a final state.
func (j *Job) Done() bool {
	switch j.State {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

// Agent is a registered agent.
type Agent struct {
	ID               string         `json:"id"`
	Tenant           string         `json:"tenant"`
	ExternalID       string         `json:"externalId"`
	Name             string         `json:"name"`
	Type             string         `json:"type,omitempty"`
	Vendor           string         `json:"vendor,omitempty"`
	Model            string         `json:"model,omitempty"`
	Status           string         `json:"status"`
	StatusReason     string         `json:"statusReason,omitempty"`
	TrustLevel       float64        `json:"trustLevel"`
	Capabilities     []string       `json:"capabilities,omitempty"`
	Region           string         `json:"region,omitempty"`
	Source           string         `json:"source,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	LastDiscoveredAt string         `json:"lastDiscoveredAt,omitempty"`
	LastHeartbeatAt  string         `json:"lastHeartbeatAt,omitempty"`
}

// ListAgentsOptions filters ListAgents.
type ListAgentsOptions struct {
	Status     string
	Type       string
	Capability string
	Region     string
	Limit      int
}

// AgentHealth is the health view of one agent.
type AgentHealth struct {
	AgentID     string    `json:"agentId"`
	HealthScore int       `json:"healthScore"`
	Status      string    `json:"status"`
	Uptime      float64   `json:"uptime"`
	LastChecked time.Time `json:"lastChecked"`
}

// TrailVerification is the server-side result of walking the trail.
type TrailVerification struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	Line    int    `json:"line,omitempty"`
	Error   string `json:"error,omitempty"`
}
