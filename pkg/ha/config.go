// Package ha lets several trustd replicas share one database: schema
// migrations run under a lock and only the Lease holder runs the scheduled
// cycles and job workers.
package ha

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// HAConfig controls Lease-based leader election and the migration lock.
type HAConfig struct {
	// LeaderElectionEnabled makes replicas compete for the Lease. When
	// false the replica always leads.
	LeaderElectionEnabled bool
	LeaseName             string
	LeaseNamespace        string

	// LeaseDuration, RenewDeadline and RetryPeriod are handed to client-go
	// unchanged; see Validate for the relations they must satisfy.
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration

	// MigrationLockEnabled serializes AutoMigrate across replicas.
	MigrationLockEnabled bool

	// Identity names this replica in the Lease and the migration lock row.
	Identity string
}

// DefaultHAConfig returns the settings trustd runs with when no TRUST_*
// variable overrides them.
func DefaultHAConfig() *HAConfig {
	return haConfigFrom(os.LookupEnv)
}

// HAConfigFromEnv applies the TRUST_LEADER_* and TRUST_MIGRATION_LOCK_ENABLED
// overrides on top of the defaults. Durations accept Go syntax ("20s") or
// whole seconds; unparsable values keep the default.
func HAConfigFromEnv() *HAConfig {
	cfg := haConfigFrom(os.LookupEnv)
	cfg.applyOverrides(os.LookupEnv)
	return cfg
}

type lookupFunc func(key string) (string, bool)

func haConfigFrom(lookup lookupFunc) *HAConfig {
	cfg := &HAConfig{
		LeaseName:            "trustd-leader",
		LeaseNamespace:       "agent-trust",
		LeaseDuration:        15 * time.Second,
		RenewDeadline:        10 * time.Second,
		RetryPeriod:          2 * time.Second,
		MigrationLockEnabled: true,
		Identity:             hostIdentity(),
	}
	if ns, ok := lookup("POD_NAMESPACE"); ok && ns != "" {
		cfg.LeaseNamespace = ns
	}
	if pod, ok := lookup("POD_NAME"); ok && pod != "" {
		cfg.Identity = pod
	}
	return cfg
}

func (c *HAConfig) applyOverrides(lookup lookupFunc) {
	flags := map[string]*bool{
		"TRUST_LEADER_ELECTION_ENABLED": &c.LeaderElectionEnabled,
		"TRUST_MIGRATION_LOCK_ENABLED":  &c.MigrationLockEnabled,
	}
	for key, dst := range flags {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	names := map[string]*string{
		"TRUST_LEADER_LEASE_NAME":      &c.LeaseName,
		"TRUST_LEADER_LEASE_NAMESPACE": &c.LeaseNamespace,
	}
	for key, dst := range names {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	timings := map[string]*time.Duration{
		"TRUST_LEADER_LEASE_DURATION": &c.LeaseDuration,
		"TRUST_LEADER_RENEW_DEADLINE": &c.RenewDeadline,
		"TRUST_LEADER_RETRY_PERIOD":   &c.RetryPeriod,
	}
	for key, dst := range timings {
		if v, ok := lookup(key); ok {
			if d, ok := parseTiming(v); ok {
				*dst = d
			}
		}
	}
}

func parseTiming(v string) (time.Duration, bool) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, secs > 0
	}
	d, err := time.ParseDuration(v)
	return d, err == nil && d > 0
}

// Validate checks the timing relations client-go's leader election
// requires. A replica that does not elect only needs an identity for the
// migration lock.
func (c *HAConfig) Validate() error {
	if c.Identity == "" {
		return errors.New("replica identity is empty")
	}
	if !c.LeaderElectionEnabled {
		return nil
	}
	if c.LeaseName == "" || c.LeaseNamespace == "" {
		return errors.New("leader election needs a lease name and namespace")
	}
	if c.RetryPeriod <= 0 {
		return fmt.Errorf("retry period %s must be positive", c.RetryPeriod)
	}
	if c.LeaseDuration <= c.RenewDeadline {
		return fmt.Errorf("lease duration %s must exceed renew deadline %s", c.LeaseDuration, c.RenewDeadline)
	}
	// client-go jitters the retry period by 1.2.
	if float64(c.RenewDeadline) <= 1.2*float64(c.RetryPeriod) {
		return fmt.Errorf("renew deadline %s must exceed 1.2x retry period %s", c.RenewDeadline, c.RetryPeriod)
	}
	return nil
}

func hostIdentity() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "unknown"
	}
	return hostname
}
