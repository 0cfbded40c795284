package trust

import "time"

// FleetSubject is the subject ID of fleet-wide snapshots.
const FleetSubject = "fleet"

// Snapshot is one point-in-time trust evaluation of an agent or of the
// fleet. Snapshots are append-only.
type Snapshot struct {
	ID                 string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	SubjectID          string    `gorm:"column:subject_id;index:idx_snapshot_subject_time,priority:1;not null" json:"subjectId"`
	Score              float64   `gorm:"column:score;not null" json:"score"`
	UptimePct          float64   `gorm:"column:uptime_pct" json:"uptimePct"`
	PolicyAdherencePct float64   `gorm:"column:policy_adherence_pct" json:"policyAdherencePct"`
	SyncFreshnessPct   float64   `gorm:"column:sync_freshness_pct" json:"syncFreshnessPct"`
	RiskExposurePct    float64   `gorm:"column:risk_exposure_pct" json:"riskExposurePct"`
	SampleCount        int64     `gorm:"column:sample_count" json:"sampleCount"`
	LowConfidence      bool      `gorm:"column:low_confidence" json:"lowConfidence"`
	DriftRatePct       float64   `gorm:"column:drift_rate_pct" json:"driftRatePct,omitempty"`
	RiskAvoidedUSD     float64   `gorm:"column:risk_avoided_usd" json:"riskAvoidedUsd,omitempty"`
	ComplianceSLAPct   float64   `gorm:"column:compliance_sla_pct" json:"complianceSlaPct,omitempty"`
	ActiveAgents       int       `gorm:"column:active_agents" json:"activeAgents,omitempty"`
	ComputedAt         time.Time `gorm:"column:computed_at;index:idx_snapshot_subject_time,priority:2;not null" json:"computedAt"`
}

// TableName returns the GORM table name.
func (Snapshot) TableName() string { return "trust_snapshots" }

// KPIs are the fleet indicators served by GET /trust.
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
}

func kpisFromSnapshot(s *Snapshot, scored, lowConfidence int) KPIs {
	return KPIs{
		TrustScore:          s.Score,
		RiskAvoidedUSD:      s.RiskAvoidedUSD,
		SyncFreshnessPct:    s.SyncFreshnessPct,
		DriftRatePct:        s.DriftRatePct,
		ComplianceSLAPct:    s.ComplianceSLAPct,
		UptimePct:           s.UptimePct,
		PolicyAdherencePct:  s.PolicyAdherencePct,
		ActiveAgents:        s.ActiveAgents,
		AgentsScored:        scored,
		LowConfidenceAgents: lowConfidence,
		ComputedAt:          s.ComputedAt,
	}
}
