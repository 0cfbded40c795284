package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, CurrentVersion, cfg.Version)
	assert.InDelta(t, 1.0, cfg.Trust.Weights.Sum(), 1e-9)
	assert.Equal(t, 15*time.Minute, cfg.Healing.QuarantineDuration)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.DiscoveryInterval)
	assert.Equal(t, 100, cfg.Sync.MissingRecordsCritical)
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := Default()
	cfg.Trust.Weights.Risk = 0.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1")
}

func TestValidateRejectsZeroThreshold(t *testing.T) {
	cfg := Default()
	cfg.Sync.StalenessThreshold = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsShortSigningKey(t *testing.T) {
	cfg := Default()
	cfg.Audit.SigningKey = "short"
	require.Error(t, cfg.Validate())

	cfg.Audit.SigningKey = "0123456789abcdef0123456789abcdef"
	require.NoError(t, cfg.Validate())
}

func TestValidateDiscoverySources(t *testing.T) {
	cfg := Default()
	cfg.Discovery.Sources = []DiscoverySource{{Name: "manifests", Type: "file"}}
	require.Error(t, cfg.Validate())

	cfg.Discovery.Sources[0].Path = "/etc/agents"
	require.NoError(t, cfg.Validate())

	cfg.Discovery.Sources = append(cfg.Discovery.Sources, DiscoverySource{Name: "x", Type: "ftp"})
	require.Error(t, cfg.Validate())
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Sync.StalenessThreshold, cfg.Sync.StalenessThreshold)
	assert.Equal(t, "header", cfg.Auth.Mode)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trust.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1
sync:
  staleness_threshold: 2h
  pairs:
    - source: crm
      target: warehouse
trust:
  weights:
    uptime: 0.25
    policy: 0.25
    sync: 0.25
    risk: 0.25
`), 0o644))

	t.Setenv("TRUST_HEALING_QUARANTINE_DURATION", "30m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.Sync.StalenessThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Healing.QuarantineDuration)
	assert.InDelta(t, 0.25, cfg.Trust.Weights.Uptime, 1e-9)
	require.Len(t, cfg.Sync.Pairs, 1)
	assert.Equal(t, "crm", cfg.Sync.Pairs[0].Source)
	// Untouched sections keep their defaults.
	assert.Equal(t, 2*time.Minute, cfg.Healing.UnresponsiveThreshold)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trust.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 2\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestWatcherUpdateValidates(t *testing.T) {
	w := Static(Default())

	var seen *Config
	w.OnChange(func(c *Config) { seen = c })

	bad := Default()
	bad.Trust.Weights.Uptime = 0.9
	require.Error(t, w.Update(bad))
	assert.Nil(t, seen)
	assert.Equal(t, 0.30, w.Current().Trust.Weights.Uptime)

	good := Default()
	good.Healing.AutoHeal = false
	require.NoError(t, w.Update(good))
	assert.Same(t, good, seen)
	assert.False(t, w.Current().Healing.AutoHeal)
}

func TestWatcherReloadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trust.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\nhealing:\n  auto_heal: true\n"), 0o644))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	w.Start()
	require.True(t, w.Current().Healing.AutoHeal)

	require.NoError(t, os.WriteFile(path, []byte("version: 1\nhealing:\n  auto_heal: false\n"), 0o644))

	require.Eventually(t, func() bool {
		return !w.Current().Healing.AutoHeal
	}, 5*time.Second, 50*time.Millisecond)
}
