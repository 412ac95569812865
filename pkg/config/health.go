package config

import "time"

// HealthConfig controls the agent health monitor. Classification is by
// heartbeat age: healthy below WarningAge, then warning, critical, and
// finally offline at OfflineAge. The thresholds must be strictly ordered.
type HealthConfig struct {
	// ScanInterval is how often all agents are classified.
	ScanInterval time.Duration

	// WarningAge is the heartbeat age at which an agent turns warning.
	WarningAge time.Duration

	// CriticalAge is the heartbeat age at which an agent turns critical.
	CriticalAge time.Duration

	// OfflineAge is the heartbeat age at which an agent is declared
	// offline. An agent with no heartbeat at all is offline immediately.
	OfflineAge time.Duration

	// AlertWebhookURL, when set, receives a best-effort POST on critical
	// and offline transitions. Delivery failures are swallowed.
	AlertWebhookURL string
}

// DefaultHealthConfig returns the built-in health monitor defaults.
func DefaultHealthConfig() *HealthConfig {
	return &HealthConfig{
		ScanInterval: 30 * time.Second,
		WarningAge:   120 * time.Second,
		CriticalAge:  300 * time.Second,
		OfflineAge:   600 * time.Second,
	}
}
