package cache

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// CacheConfig holds configuration for the caching layer.
type CacheConfig struct {
	// Enabled controls whether caching is active. When false, no middleware
	// is applied and all requests pass through uncached.
	Enabled bool

	// ReportTTL is the TTL for rendered audit report exports. Reports are
	// also invalidated whenever an audit run completes.
	ReportTTL time.Duration

	// KPITTL is the TTL for the fleet KPI response.
	KPITTL time.Duration

	// MaxSize is the maximum number of entries per cache instance.
	MaxSize int
}

// DefaultCacheConfig returns a CacheConfig with sensible defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Enabled:   true,
		ReportTTL: 10 * time.Minute,
		KPITTL:    15 * time.Second,
		MaxSize:   256,
	}
}

// CacheConfigFromEnv reads cache configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - TRUST_CACHE_ENABLED: "true" or "false" (default: "true")
//   - TRUST_CACHE_REPORT_TTL: duration in seconds (default: 600)
//   - TRUST_CACHE_KPI_TTL: duration in seconds (default: 15)
//   - TRUST_CACHE_MAX_SIZE: max entries per cache (default: 256)
func CacheConfigFromEnv() *CacheConfig {
	cfg := DefaultCacheConfig()

	if v := os.Getenv("TRUST_CACHE_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}

	if v := os.Getenv("TRUST_CACHE_REPORT_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.ReportTTL = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv("TRUST_CACHE_KPI_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.KPITTL = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv("TRUST_CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxSize = n
		}
	}

	return cfg
}
