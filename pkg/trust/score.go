// Package trust combines uptime, policy adherence, sync freshness and risk
// exposure into a bounded per-agent and fleet trust score.
package trust

import (
	"math"

	"github.com/kubeflow/agent-trust/pkg/config"
)

// Inputs are the four score components, each a percentage.
type Inputs struct {
	UptimePct          float64 `json:"uptimePct"`
	PolicyAdherencePct float64 `json:"policyAdherencePct"`
	SyncFreshnessPct   float64 `json:"syncFreshnessPct"`
	RiskExposurePct    float64 `json:"riskExposurePct"`
}

// Breakdown is a score and the weighted contribution of each component.
type Breakdown struct {
	Score  float64 `json:"score"`
	Inputs Inputs  `json:"inputs"`
	Uptime float64 `json:"uptime"`
	Policy float64 `json:"policy"`
	Sync   float64 `json:"sync"`
	Risk   float64 `json:"risk"`
}

// Score computes
//
//	100 × (wu·uptime + wp·policy + ws·sync + wr·(1 − risk)) / 100
//
// Inputs are clamped to [0, 100] first and the result to [0, 100].
func Score(in Inputs, w config.Weights) Breakdown {
	in = Inputs{
		UptimePct:          clampPct(in.UptimePct),
		PolicyAdherencePct: clampPct(in.PolicyAdherencePct),
		SyncFreshnessPct:   clampPct(in.SyncFreshnessPct),
		RiskExposurePct:    clampPct(in.RiskExposurePct),
	}
	b := Breakdown{
		Inputs: in,
		Uptime: w.Uptime * in.UptimePct,
		Policy: w.Policy * in.PolicyAdherencePct,
		Sync:   w.Sync * in.SyncFreshnessPct,
		Risk:   w.Risk * (100 - in.RiskExposurePct),
	}
	b.Score = clampPct(b.Uptime + b.Policy + b.Sync + b.Risk)
	return b
}

// RiskAvoided is baselineCost × (score/100 − baselineTrust) × activeAgents,
// floored at zero.
func RiskAvoided(score, baselineCost, baselineTrust float64, activeAgents int) float64 {
	v := baselineCost * (score/100 - baselineTrust) * float64(activeAgents)
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

func clampPct(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
