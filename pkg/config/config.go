// Package config holds all runtime configuration, resolved from the
// environment with sane defaults. Load once at startup, validate, then
// pass sections down by value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates every component's settings.
type Config struct {
	Server   *ServerConfig
	Health   *HealthConfig
	Queue    *QueueConfig
	Reassign *ReassignConfig
	Sandbox  *SandboxConfig
	Observer *ObserverConfig
	Cleanup  *CleanupConfig
	Secrets  *SecretsConfig
	Slack    *SlackConfig
}

// Load resolves the full configuration from environment variables,
// falling back to built-in defaults for anything unset.
func Load() (*Config, error) {
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

	cfg.Server.Addr = envString("FOREMAN_ADDR", cfg.Server.Addr)
	cfg.Server.ProjectID = envString("FOREMAN_PROJECT_ID", cfg.Server.ProjectID)
	cfg.Server.SSEHeartbeat = envDuration("FOREMAN_SSE_HEARTBEAT", cfg.Server.SSEHeartbeat)

	cfg.Health.ScanInterval = envDuration("FOREMAN_HEALTH_SCAN_INTERVAL", cfg.Health.ScanInterval)
	cfg.Health.WarningAge = envDuration("FOREMAN_HEALTH_WARNING_AGE", cfg.Health.WarningAge)
	cfg.Health.CriticalAge = envDuration("FOREMAN_HEALTH_CRITICAL_AGE", cfg.Health.CriticalAge)
	cfg.Health.OfflineAge = envDuration("FOREMAN_HEALTH_OFFLINE_AGE", cfg.Health.OfflineAge)
	cfg.Health.AlertWebhookURL = envString("FOREMAN_HEALTH_WEBHOOK_URL", cfg.Health.AlertWebhookURL)

	cfg.Queue.LockTTL = envDuration("FOREMAN_LOCK_TTL", cfg.Queue.LockTTL)
	cfg.Queue.SweepInterval = envDuration("FOREMAN_LOCK_SWEEP_INTERVAL", cfg.Queue.SweepInterval)

	cfg.Reassign.GracePeriod = envDuration("FOREMAN_REASSIGN_GRACE_PERIOD", cfg.Reassign.GracePeriod)
	cfg.Reassign.MaxReassignments = envInt("FOREMAN_REASSIGN_MAX", cfg.Reassign.MaxReassignments)

	cfg.Sandbox.MaxConcurrent = envInt("FOREMAN_SANDBOX_MAX_CONCURRENT", cfg.Sandbox.MaxConcurrent)
	cfg.Sandbox.CommandTimeout = envDuration("FOREMAN_SANDBOX_COMMAND_TIMEOUT", cfg.Sandbox.CommandTimeout)
	cfg.Sandbox.MaxLifetime = envDuration("FOREMAN_SANDBOX_MAX_LIFETIME", cfg.Sandbox.MaxLifetime)
	cfg.Sandbox.HealthInterval = envDuration("FOREMAN_SANDBOX_HEALTH_INTERVAL", cfg.Sandbox.HealthInterval)
	cfg.Sandbox.DefaultImage = envString("FOREMAN_SANDBOX_IMAGE", cfg.Sandbox.DefaultImage)

	cfg.Observer.StuckCheckInterval = envDuration("FOREMAN_STUCK_CHECK_INTERVAL", cfg.Observer.StuckCheckInterval)
	cfg.Observer.SilenceThreshold = envDuration("FOREMAN_STUCK_SILENCE_THRESHOLD", cfg.Observer.SilenceThreshold)
	cfg.Observer.EventBufferSize = envInt("FOREMAN_EVENT_BUFFER_SIZE", cfg.Observer.EventBufferSize)

	cfg.Cleanup.Interval = envDuration("FOREMAN_CLEANUP_INTERVAL", cfg.Cleanup.Interval)
	cfg.Cleanup.SandboxMaxIdle = envDuration("FOREMAN_SANDBOX_MAX_IDLE", cfg.Cleanup.SandboxMaxIdle)
	cfg.Cleanup.AccessRequestTTL = envDuration("FOREMAN_ACCESS_REQUEST_TTL", cfg.Cleanup.AccessRequestTTL)

	cfg.Secrets.MasterKeyEnv = envString("FOREMAN_MASTER_KEY_ENV", cfg.Secrets.MasterKeyEnv)

	cfg.Slack.Channel = envString("SLACK_CHANNEL", cfg.Slack.Channel)
	cfg.Slack.Enabled = cfg.Slack.Channel != "" && os.Getenv(cfg.Slack.TokenEnv) != ""

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// ServerConfig holds the HTTP/SSE server settings.
type ServerConfig struct {
	// Addr is the listen address for the API server.
	Addr string

	// ProjectID is the project this deployment serves. The dashboard API
	// is single-project; multi-project routing stays behind the store.
	ProjectID string

	// SSEHeartbeat is the idle keepalive interval on event streams.
	SSEHeartbeat time.Duration
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:         ":8080",
		ProjectID:    "default",
		SSEHeartbeat: 15 * time.Second,
	}
}

// CleanupConfig drives the retention janitor: idle sandboxes and stale
// pending access requests.
type CleanupConfig struct {
	// Interval between cleanup passes.
	Interval time.Duration

	// SandboxMaxIdle is how long a sandbox may sit without activity
	// before the janitor stops it.
	SandboxMaxIdle time.Duration

	// AccessRequestTTL is how long a pending access request stays open
	// before it expires unanswered.
	AccessRequestTTL time.Duration
}

// DefaultCleanupConfig returns the built-in cleanup defaults.
func DefaultCleanupConfig() *CleanupConfig {
	return &CleanupConfig{
		Interval:         10 * time.Minute,
		SandboxMaxIdle:   30 * time.Minute,
		AccessRequestTTL: 24 * time.Hour,
	}
}

// SecretsConfig names the environment variable carrying the master key
// used for user-secret encryption.
type SecretsConfig struct {
	MasterKeyEnv string
}

// DefaultSecretsConfig returns the built-in secrets defaults.
func DefaultSecretsConfig() *SecretsConfig {
	return &SecretsConfig{MasterKeyEnv: "FOREMAN_MASTER_KEY"}
}

// SlackConfig holds escalation notification configuration.
type SlackConfig struct {
	Enabled  bool
	TokenEnv string // Env var name for Slack bot token (default: "SLACK_BOT_TOKEN")
	Channel  string // Slack channel ID (e.g., "C12345678")
}

// DefaultSlackConfig returns the built-in Slack defaults.
func DefaultSlackConfig() *SlackConfig {
	return &SlackConfig{TokenEnv: "SLACK_BOT_TOKEN"}
}

// String implements fmt.Stringer without leaking secret-bearing fields.
func (c *SecretsConfig) String() string {
	return fmt.Sprintf("SecretsConfig{MasterKeyEnv: %s}", c.MasterKeyEnv)
}
