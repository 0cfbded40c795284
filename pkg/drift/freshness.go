package drift

import (
	"math"
	"time"
)

// Lag returns now - last, or +Inf hours when last is nil.
func Lag(now time.Time, last *time.Time) Hours {
	if last == nil {
		return Hours(math.Inf(1))
	}
	return Hours(now.Sub(*last).Hours())
}

// FreshnessScore is 100 × (1 − lag/threshold) clamped to [0, 100]. It is
// strictly decreasing in lag between zero and the threshold.
func FreshnessScore(lag Hours, threshold time.Duration) float64 {
	if threshold <= 0 || lag.IsInf() {
		return 0
	}
	return clamp(100*(1-float64(lag)/threshold.Hours()), 0, 100)
}

// IsStale reports whether lag exceeds the threshold.
func IsStale(lag Hours, threshold time.Duration) bool {
	return lag.IsInf() || float64(lag) > threshold.Hours()
}

// StalenessSeverity is high past twice the threshold and medium otherwise.
func StalenessSeverity(lag Hours, threshold time.Duration) Severity {
	if lag.IsInf() || float64(lag) > 2*threshold.Hours() {
		return SeverityHigh
	}
	return SeverityMedium
}

// WebhookDriftPct is |actual − expected| / expected × 100. It is zero when
// no rate is expected.
func WebhookDriftPct(actual, expected float64) float64 {
	if expected <= 0 {
		return 0
	}
	return math.Abs(actual-expected) / expected * 100
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
