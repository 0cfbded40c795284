// Package config defines the versioned runtime configuration of the trust
// service: thresholds, scoring weights, remediation policy and the
// infrastructure settings the server needs at start-up.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
)

// CurrentVersion is the configuration schema version this build understands.
const CurrentVersion = 1

// Config is the root configuration document.
type Config struct {
	Version   int             `mapstructure:"version" validate:"required,eq=1"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Trust     TrustConfig     `mapstructure:"trust"`
	Healing   HealingConfig   `mapstructure:"healing"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr" validate:"required"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	TenancyMode    string   `mapstructure:"tenancy_mode" validate:"oneof=single namespace"`
}

// DatabaseConfig selects the gorm dialector.
type DatabaseConfig struct {
	Type string `mapstructure:"type" validate:"oneof=sqlite postgres mysql"`
	DSN  string `mapstructure:"dsn" validate:"required"`
}

// DiscoverySource describes one scanner instance.
type DiscoverySource struct {
	Name          string `mapstructure:"name" validate:"required"`
	Type          string `mapstructure:"type" validate:"oneof=file git kubernetes"`
	Path          string `mapstructure:"path"`
	RepoURL       string `mapstructure:"repo_url"`
	Branch        string `mapstructure:"branch"`
	Pattern       string `mapstructure:"pattern"`
	Namespace     string `mapstructure:"namespace"`
	LabelSelector string `mapstructure:"label_selector"`
}

// DiscoveryConfig lists the scanned sources.
type DiscoveryConfig struct {
	Tenant  string            `mapstructure:"tenant" validate:"required"`
	Workers int               `mapstructure:"workers" validate:"gte=1"`
	Sources []DiscoverySource `mapstructure:"sources" validate:"dive"`
}

// SourcePair is a source/target pair compared by the sync analyzer.
type SourcePair struct {
	Source string `mapstructure:"source" validate:"required"`
	Target string `mapstructure:"target" validate:"required"`
}

// SyncConfig holds staleness and drift thresholds.
type SyncConfig struct {
	StalenessThreshold     time.Duration      `mapstructure:"staleness_threshold" validate:"gt=0"`
	Window                 time.Duration      `mapstructure:"window" validate:"gt=0"`
	MissingRecordsCritical int                `mapstructure:"missing_records_critical" validate:"gte=0"`
	WebhookDriftRaisePct   float64            `mapstructure:"webhook_drift_raise_pct" validate:"gte=0"`
	WebhookDriftHighPct    float64            `mapstructure:"webhook_drift_high_pct" validate:"gtefield=WebhookDriftRaisePct"`
	GapTTL                 time.Duration      `mapstructure:"gap_ttl" validate:"gt=0"`
	ExpectedRates          map[string]float64 `mapstructure:"expected_rates"`
	Pairs                  []SourcePair       `mapstructure:"pairs" validate:"dive"`
}

// Weights are the trust score component weights. They must sum to 1.
type Weights struct {
	Uptime float64 `mapstructure:"uptime" validate:"gte=0,lte=1"`
	Policy float64 `mapstructure:"policy" validate:"gte=0,lte=1"`
	Sync   float64 `mapstructure:"sync" validate:"gte=0,lte=1"`
	Risk   float64 `mapstructure:"risk" validate:"gte=0,lte=1"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 { return w.Uptime + w.Policy + w.Sync + w.Risk }

// TrustConfig controls the trust scoring engine.
type TrustConfig struct {
	Weights              Weights       `mapstructure:"weights"`
	BaselineIncidentCost float64       `mapstructure:"baseline_incident_cost" validate:"gte=0"`
	BaselineTrust        float64       `mapstructure:"baseline_trust" validate:"gte=0,lte=1"`
	MinSamples           int           `mapstructure:"min_samples" validate:"gte=1"`
	Window               time.Duration `mapstructure:"window" validate:"gt=0"`
	Workers              int           `mapstructure:"workers" validate:"gte=1"`
	StaleAfter           time.Duration `mapstructure:"stale_after" validate:"gt=0"`
	// SLATargetPct is the uptime an agent must reach to count towards
	// compliance_sla_pct.
	SLATargetPct float64 `mapstructure:"sla_target_pct" validate:"gte=0,lte=100"`
}

// HealingConfig is the remediation policy.
type HealingConfig struct {
	AutoHeal              bool          `mapstructure:"auto_heal"`
	StalledThreshold      time.Duration `mapstructure:"stalled_threshold" validate:"gt=0"`
	UnresponsiveThreshold time.Duration `mapstructure:"unresponsive_threshold" validate:"gt=0"`
	QuarantineDuration    time.Duration `mapstructure:"quarantine_duration" validate:"gt=0"`
	MaxLatencyMs          float64       `mapstructure:"max_latency_ms" validate:"gt=0"`
	MaxErrorRatePct       float64       `mapstructure:"max_error_rate_pct" validate:"gte=0,lte=100"`
	MinSuccessRatePct     float64       `mapstructure:"min_success_rate_pct" validate:"gte=0,lte=100"`
	LatencyDriftPct       float64       `mapstructure:"latency_drift_pct" validate:"gt=0"`
	SuccessRateDropPts    float64       `mapstructure:"success_rate_drop_pts" validate:"gt=0"`
	MaxCPUPct             float64       `mapstructure:"max_cpu_pct" validate:"gt=0,lte=100"`
	MaxMemoryPct          float64       `mapstructure:"max_memory_pct" validate:"gt=0,lte=100"`
	MaxDiskPct            float64       `mapstructure:"max_disk_pct" validate:"gt=0,lte=100"`
	BaselineAlpha         float64       `mapstructure:"baseline_alpha" validate:"gt=0,lte=1"`
	Workers               int           `mapstructure:"workers" validate:"gte=1"`
}

// AuditConfig controls compliance checks and the signed trail.
type AuditConfig struct {
	SigningKey             string        `mapstructure:"signing_key"`
	TrailPath              string        `mapstructure:"trail_path" validate:"required"`
	UptimeTargetPct        float64       `mapstructure:"uptime_target_pct" validate:"gte=0,lte=100"`
	FreshnessTargetPct     float64       `mapstructure:"freshness_target_pct" validate:"gte=0,lte=100"`
	MaxDriftRatePct        float64       `mapstructure:"max_drift_rate_pct" validate:"gte=0,lte=100"`
	MinTrustScore          float64       `mapstructure:"min_trust_score" validate:"gte=0,lte=100"`
	QuarantineReviewWindow time.Duration `mapstructure:"quarantine_review_window" validate:"gt=0"`
}

// WebhookConfig controls webhook ingestion.
type WebhookConfig struct {
	Secret             string  `mapstructure:"secret"`
	RatePerSecond      float64 `mapstructure:"rate_per_second" validate:"gt=0"`
	Burst              int     `mapstructure:"burst" validate:"gte=1"`
	MaxBodyBytes       int64   `mapstructure:"max_body_bytes" validate:"gt=0"`
	DefaultEnvironment string  `mapstructure:"default_environment" validate:"required"`
}

// SchedulerConfig holds the cycle intervals.
type SchedulerConfig struct {
	DiscoveryInterval   time.Duration `mapstructure:"discovery_interval" validate:"gt=0"`
	HealingInterval     time.Duration `mapstructure:"healing_interval" validate:"gt=0"`
	TrustInterval       time.Duration `mapstructure:"trust_interval" validate:"gt=0"`
	AuditInterval       time.Duration `mapstructure:"audit_interval" validate:"gt=0"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" validate:"gt=0"`
}

// AuthConfig selects the request authorizer.
type AuthConfig struct {
	Mode              string   `mapstructure:"mode" validate:"oneof=none header jwt"`
	OperatorGroups    []string `mapstructure:"operator_groups"`
	RoleClaim         string   `mapstructure:"role_claim"`
	OperatorRoleValue string   `mapstructure:"operator_role_value"`
	PublicKeyPath     string   `mapstructure:"public_key_path"`
	Issuer            string   `mapstructure:"issuer"`
	Audience          string   `mapstructure:"audience"`
}

// NotifyConfig configures the escalation webhook.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url" validate:"omitempty,url"`
	Secret     string        `mapstructure:"secret"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// KafkaConfig enables the kafka event adapter when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic" validate:"required_with=Brokers"`
	GroupID string   `mapstructure:"group_id" validate:"required_with=Brokers"`
}

// TelemetryConfig toggles tracing export.
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	ServiceName    string `mapstructure:"service_name" validate:"required"`
}

// Default returns a configuration with every field populated.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Server: ServerConfig{
			ListenAddr:  ":8080",
			TenancyMode: "single",
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			DSN:  "file:trust.db?_pragma=busy_timeout(5000)",
		},
		Discovery: DiscoveryConfig{
			Tenant:  "default",
			Workers: 4,
		},
		Sync: SyncConfig{
			StalenessThreshold:     time.Hour,
			Window:                 24 * time.Hour,
			MissingRecordsCritical: 100,
			WebhookDriftRaisePct:   20,
			WebhookDriftHighPct:    50,
			GapTTL:                 7 * 24 * time.Hour,
			ExpectedRates:          map[string]float64{},
		},
		Trust: TrustConfig{
			Weights:              Weights{Uptime: 0.30, Policy: 0.30, Sync: 0.25, Risk: 0.15},
			BaselineIncidentCost: 50000,
			BaselineTrust:        0.70,
			MinSamples:           10,
			Window:               24 * time.Hour,
			Workers:              8,
			StaleAfter:           15 * time.Minute,
			SLATargetPct:         99.5,
		},
		Healing: HealingConfig{
			AutoHeal:              true,
			StalledThreshold:      5 * time.Minute,
			UnresponsiveThreshold: 2 * time.Minute,
			QuarantineDuration:    15 * time.Minute,
			MaxLatencyMs:          2000,
			MaxErrorRatePct:       5,
			MinSuccessRatePct:     95,
			LatencyDriftPct:       50,
			SuccessRateDropPts:    10,
			MaxCPUPct:             90,
			MaxMemoryPct:          90,
			MaxDiskPct:            90,
			BaselineAlpha:         0.1,
			Workers:               8,
		},
		Audit: AuditConfig{
			TrailPath:              "audit-trail.jsonl",
			UptimeTargetPct:        99.5,
			FreshnessTargetPct:     90,
			MaxDriftRatePct:        10,
			MinTrustScore:          70,
			QuarantineReviewWindow: 72 * time.Hour,
		},
		Webhook: WebhookConfig{
			RatePerSecond:      50,
			Burst:              100,
			MaxBodyBytes:       1 << 20,
			DefaultEnvironment: "production",
		},
		Scheduler: SchedulerConfig{
			DiscoveryInterval:   15 * time.Minute,
			HealingInterval:     2 * time.Minute,
			TrustInterval:       5 * time.Minute,
			AuditInterval:       time.Hour,
			MaintenanceInterval: time.Hour,
		},
		Auth: AuthConfig{
			Mode:              "header",
			RoleClaim:         "role",
			OperatorRoleValue: "operator",
		},
		Notify: NotifyConfig{
			Timeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "trustd",
		},
	}
}

var validate = validator.New()

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if sum := c.Trust.Weights.Sum(); math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("invalid config: trust weights must sum to 1, got %.4f", sum)
	}
	if c.Healing.MinSuccessRatePct < c.Healing.MaxErrorRatePct {
		return fmt.Errorf("invalid config: healing.min_success_rate_pct (%.1f) below max_error_rate_pct (%.1f)",
			c.Healing.MinSuccessRatePct, c.Healing.MaxErrorRatePct)
	}
	if c.Audit.SigningKey != "" && len(c.Audit.SigningKey) < 32 {
		return fmt.Errorf("invalid config: audit.signing_key must be at least 32 bytes")
	}
	for _, src := range c.Discovery.Sources {
		switch src.Type {
		case "file":
			if src.Path == "" {
				return fmt.Errorf("invalid config: discovery source %q needs a path", src.Name)
			}
		case "git":
			if src.RepoURL == "" {
				return fmt.Errorf("invalid config: discovery source %q needs a repo_url", src.Name)
			}
		}
	}
	return nil
}
