package cache

import (
	"net/http"

	"k8s.io/utils/clock"
)

// CacheManager holds separate cache instances for report exports and fleet
// KPIs, each with its own TTL, so a trust refresh does not throw away
// rendered reports and an audit run does not drop the KPI cache.
type CacheManager struct {
	reports *LRUCache
	kpis    *LRUCache
}

// NewCacheManager creates a CacheManager from the given configuration.
// If cfg is nil or disabled, it returns nil. A nil manager is safe to use:
// its middleware passes through and its invalidation is a no-op.
func NewCacheManager(cfg *CacheConfig, clk clock.PassiveClock) *CacheManager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return &CacheManager{
		reports: NewLRUCache(cfg.MaxSize, cfg.ReportTTL, clk),
		kpis:    NewLRUCache(cfg.MaxSize, cfg.KPITTL, clk),
	}
}

// InvalidateReports drops every rendered report. Called after each audit run.
func (cm *CacheManager) InvalidateReports() {
	if cm == nil {
		return
	}
	cm.reports.InvalidateAll()
}

// InvalidateKPIs drops the cached KPI responses. Called after each refresh.
func (cm *CacheManager) InvalidateKPIs() {
	if cm == nil {
		return
	}
	cm.kpis.InvalidateAll()
}

// InvalidateAll clears both caches entirely.
func (cm *CacheManager) InvalidateAll() {
	cm.InvalidateReports()
	cm.InvalidateKPIs()
}

// ReportMiddleware caches report exports.
func (cm *CacheManager) ReportMiddleware() func(http.Handler) http.Handler {
	if cm == nil {
		return passThrough
	}
	return CacheMiddleware(cm.reports)
}

// KPIMiddleware caches fleet KPI responses.
func (cm *CacheManager) KPIMiddleware() func(http.Handler) http.Handler {
	if cm == nil {
		return passThrough
	}
	return CacheMiddleware(cm.kpis)
}

func passThrough(next http.Handler) http.Handler { return next }
