package ha

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(vars map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func fromEnv(vars map[string]string) *HAConfig {
	cfg := haConfigFrom(envOf(vars))
	cfg.applyOverrides(envOf(vars))
	return cfg
}

func TestTrustdDefaultsPassValidation(t *testing.T) {
	cfg := fromEnv(map[string]string{
		"POD_NAME":                      "trustd-7d9f-abc",
		"POD_NAMESPACE":                 "trust-system",
		"TRUST_LEADER_ELECTION_ENABLED": "true",
	})

	assert.True(t, cfg.LeaderElectionEnabled)
	assert.True(t, cfg.MigrationLockEnabled)
	assert.Equal(t, "trustd-leader", cfg.LeaseName)
	assert.Equal(t, "trust-system", cfg.LeaseNamespace)
	assert.Equal(t, "trustd-7d9f-abc", cfg.Identity)
	assert.Equal(t, 15*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 10*time.Second, cfg.RenewDeadline)
	assert.Equal(t, 2*time.Second, cfg.RetryPeriod)
	require.NoError(t, cfg.Validate())
}

func TestOutsideKubernetesElectionIsOffAndIdentityIsHostname(t *testing.T) {
	cfg := fromEnv(nil)

	assert.False(t, cfg.LeaderElectionEnabled)
	assert.Equal(t, "agent-trust", cfg.LeaseNamespace)
	assert.NotEmpty(t, cfg.Identity)
	require.NoError(t, cfg.Validate())
}

func TestTimingOverridesAcceptSecondsAndDurations(t *testing.T) {
	cfg := fromEnv(map[string]string{
		"TRUST_LEADER_ELECTION_ENABLED": "true",
		"TRUST_LEADER_LEASE_DURATION":   "1m",
		"TRUST_LEADER_RENEW_DEADLINE":   "40",
		"TRUST_LEADER_RETRY_PERIOD":     "5s",
	})
	assert.Equal(t, time.Minute, cfg.LeaseDuration)
	assert.Equal(t, 40*time.Second, cfg.RenewDeadline)
	assert.Equal(t, 5*time.Second, cfg.RetryPeriod)
	require.NoError(t, cfg.Validate())
}

func TestUnusableOverridesKeepDefaults(t *testing.T) {
	cfg := fromEnv(map[string]string{
		"TRUST_LEADER_LEASE_DURATION":  "-5",
		"TRUST_LEADER_RETRY_PERIOD":    "soon",
		"TRUST_LEADER_LEASE_NAME":      "",
		"TRUST_MIGRATION_LOCK_ENABLED": "maybe",
	})
	assert.Equal(t, 15*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 2*time.Second, cfg.RetryPeriod)
	assert.Equal(t, "trustd-leader", cfg.LeaseName)
	assert.True(t, cfg.MigrationLockEnabled)
}

func TestValidateTimingRelations(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "renew deadline equal to lease duration",
			env:     map[string]string{"TRUST_LEADER_RENEW_DEADLINE": "15"},
			wantErr: "must exceed renew deadline",
		},
		{
			name:    "retry period jitter reaches renew deadline",
			env:     map[string]string{"TRUST_LEADER_RETRY_PERIOD": "9"},
			wantErr: "1.2x retry period",
		},
		{
			name: "retry period just inside jitter bound",
			env:  map[string]string{"TRUST_LEADER_RETRY_PERIOD": "8"},
		},
		{
			name: "empty namespace overrides fall back to default",
			env:  map[string]string{"POD_NAMESPACE": "", "TRUST_LEADER_LEASE_NAMESPACE": ""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := map[string]string{"TRUST_LEADER_ELECTION_ENABLED": "true", "POD_NAME": "trustd-0"}
			for k, v := range tt.env {
				env[k] = v
			}
			err := fromEnv(env).Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateSkipsTimingsWithoutElection(t *testing.T) {
	cfg := fromEnv(map[string]string{"TRUST_LEADER_RENEW_DEADLINE": "30"})
	assert.NoError(t, cfg.Validate(), "a lone replica never hands timings to client-go")

	cfg.LeaderElectionEnabled = true
	assert.Error(t, cfg.Validate())

	cfg.LeaderElectionEnabled = false
	cfg.Identity = ""
	assert.ErrorContains(t, cfg.Validate(), "identity")
}

func TestValidateRejectsMissingLeaseName(t *testing.T) {
	cfg := fromEnv(map[string]string{"TRUST_LEADER_ELECTION_ENABLED": "1", "POD_NAME": "trustd-0"})
	cfg.LeaseName = ""
	assert.ErrorContains(t, cfg.Validate(), "lease name")

	cfg = fromEnv(map[string]string{"TRUST_LEADER_ELECTION_ENABLED": "1", "POD_NAME": "trustd-0"})
	cfg.RetryPeriod = 0
	assert.ErrorContains(t, cfg.Validate(), "must be positive")
}
