// Package drift compares data sources with their targets and measures how
// fresh the fleet's workflows are. Its two aggregates, sync freshness and
// drift rate, feed the trust score.
package drift

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/kubeflow/agent-trust/pkg/registry"
)

// GapType classifies a sync gap.
type GapType string

const (
	GapMissingRecords GapType = "missing_records"
	GapStaleData      GapType = "stale_data"
	GapOrderingIssue  GapType = "ordering_issue"
	GapWebhookDrift   GapType = "webhook_drift"
)

// Severity of a gap.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// SyncGap is a detected anomaly between a source and a target. Gaps are
// append-only and expire with the gap TTL.
type SyncGap struct {
	ID         string           `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	GapType    GapType          `gorm:"column:gap_type;index:idx_gap_source_type,priority:2;not null" json:"gapType"`
	Severity   Severity         `gorm:"column:severity;not null" json:"severity"`
	SourceID   string           `gorm:"column:source_id;index:idx_gap_source_type,priority:1;not null" json:"sourceId"`
	TargetID   string           `gorm:"column:target_id" json:"targetId,omitempty"`
	Details    registry.JSONAny `gorm:"column:details;type:text" json:"details,omitempty"`
	DetectedAt time.Time        `gorm:"column:detected_at;index;not null" json:"detectedAt"`
}

// TableName returns the GORM table name.
func (SyncGap) TableName() string { return "sync_gaps" }

// Hours is a duration in hours. A source that never delivered has
// infinite staleness, encoded in JSON as the string "Infinity".
type Hours float64

// MarshalJSON implements json.Marshaler.
func (h Hours) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(h), 1) {
		return []byte(`"Infinity"`), nil
	}
	return json.Marshal(math.Round(float64(h)*1000) / 1000)
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *Hours) UnmarshalJSON(b []byte) error {
	if string(b) == `"Infinity"` {
		*h = Hours(math.Inf(1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("hours: %w", err)
	}
	*h = Hours(f)
	return nil
}

// IsInf reports whether the value is infinite.
func (h Hours) IsInf() bool { return math.IsInf(float64(h), 1) }

// SourceFreshness is the freshness of one workflow or paired source.
type SourceFreshness struct {
	SourceID       string     `json:"sourceId"`
	Kind           string     `json:"kind"`
	WorkflowID     string     `json:"workflowId,omitempty"`
	LastEventAt    *time.Time `json:"lastEventAt"`
	StalenessHours Hours      `json:"stalenessHours"`
	FreshnessScore float64    `json:"freshnessScore"`
	Stale          bool       `json:"stale"`
	Severity       Severity   `json:"severity,omitempty"`
}

// Source kinds.
const (
	KindWorkflow = "workflow"
	KindSource   = "source"
)

// SyncReport is the fleet-wide result of one sync pass.
type SyncReport struct {
	GeneratedAt      time.Time         `json:"generatedAt"`
	SyncFreshnessPct float64           `json:"syncFreshnessPct"`
	DriftRatePct     float64           `json:"driftRatePct"`
	TotalSources     int               `json:"totalSources"`
	SourcesWithGaps  int               `json:"sourcesWithGaps"`
	Sources          []SourceFreshness `json:"sources"`
	StaleWorkflows   []SourceFreshness `json:"staleWorkflows"`
	Gaps             []SyncGap         `json:"gaps"`
	Errors           []string          `json:"errors,omitempty"`
}

// FreshnessFor returns the mean freshness of the given workflows (internal
// IDs). ok is false when none of them is in the report.
func (r *SyncReport) FreshnessFor(workflowIDs []string) (score float64, ok bool) {
	want := make(map[string]bool, len(workflowIDs))
	for _, id := range workflowIDs {
		want[id] = true
	}
	var sum float64
	n := 0
	for _, s := range r.Sources {
		if s.Kind == KindWorkflow && want[s.WorkflowID] {
			sum += s.FreshnessScore
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
