package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Health.ScanInterval)
	assert.Equal(t, 120*time.Second, cfg.Health.WarningAge)
	assert.Equal(t, 300*time.Second, cfg.Health.CriticalAge)
	assert.Equal(t, 600*time.Second, cfg.Health.OfflineAge)
	assert.Equal(t, 30*time.Minute, cfg.Queue.LockTTL)
	assert.Equal(t, 300*time.Second, cfg.Reassign.GracePeriod)
	assert.Equal(t, 3, cfg.Reassign.MaxReassignments)
	assert.Equal(t, 60*time.Second, cfg.Sandbox.CommandTimeout)
	assert.Equal(t, 300*time.Second, cfg.Sandbox.MaxLifetime)
	assert.Equal(t, 2, cfg.Observer.ActionMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Observer.ActionRetryDelay)
	assert.Equal(t, "default", cfg.Server.ProjectID)
	assert.Equal(t, 10*time.Minute, cfg.Cleanup.Interval)
	assert.Equal(t, 30*time.Minute, cfg.Cleanup.SandboxMaxIdle)
	assert.Equal(t, 24*time.Hour, cfg.Cleanup.AccessRequestTTL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FOREMAN_ADDR", ":9090")
	t.Setenv("FOREMAN_HEALTH_WARNING_AGE", "10s")
	t.Setenv("FOREMAN_HEALTH_CRITICAL_AGE", "20s")
	t.Setenv("FOREMAN_HEALTH_OFFLINE_AGE", "30s")
	t.Setenv("FOREMAN_REASSIGN_MAX", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Health.WarningAge)
	assert.Equal(t, 5, cfg.Reassign.MaxReassignments)
}

func TestLoadIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("FOREMAN_HEALTH_WARNING_AGE", "not-a-duration")
	t.Setenv("FOREMAN_REASSIGN_MAX", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, cfg.Health.WarningAge)
	assert.Equal(t, 3, cfg.Reassign.MaxReassignments)
}

func TestValidatorThresholdOrdering(t *testing.T) {
	cfg := &Config{
		Server:   DefaultServerConfig(),
		Health:   DefaultHealthConfig(),
		Queue:    DefaultQueueConfig(),
		Reassign: DefaultReassignConfig(),
		Sandbox:  DefaultSandboxConfig(),
		Observer: DefaultObserverConfig(),
		Cleanup:  DefaultCleanupConfig(),
		Secrets:  DefaultSecretsConfig(),
		Slack:    DefaultSlackConfig(),
	}
	require.NoError(t, NewValidator(cfg).ValidateAll())

	cfg.Health.CriticalAge = cfg.Health.OfflineAge + time.Second
	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warning < critical < offline")
}

func TestValidatorRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero scan interval", func(c *Config) { c.Health.ScanInterval = 0 }},
		{"zero lock ttl", func(c *Config) { c.Queue.LockTTL = 0 }},
		{"zero max reassignments", func(c *Config) { c.Reassign.MaxReassignments = 0 }},
		{"zero sandbox cap", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }},
		{"zero action attempts", func(c *Config) { c.Observer.ActionMaxAttempts = 0 }},
		{"zero cleanup interval", func(c *Config) { c.Cleanup.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, NewValidator(cfg).ValidateAll())
		})
	}
}
