package config

import "time"

// SandboxConfig controls the sandbox manager and its backend.
type SandboxConfig struct {
	// MaxConcurrent caps how many sandboxes may run at once. Creation
	// over the cap fails immediately rather than queueing.
	MaxConcurrent int

	// CommandTimeout bounds a single command execution inside a sandbox.
	CommandTimeout time.Duration

	// MaxLifetime is the auto-kill deadline registered at creation.
	MaxLifetime time.Duration

	// HealthInterval is how often running sandboxes are probed.
	HealthInterval time.Duration

	// DefaultImage is the container image used when a create request
	// names no template.
	DefaultImage string
}

// DefaultSandboxConfig returns the built-in sandbox defaults.
func DefaultSandboxConfig() *SandboxConfig {
	return &SandboxConfig{
		MaxConcurrent:  5,
		CommandTimeout: 60 * time.Second,
		MaxLifetime:    300 * time.Second,
		HealthInterval: 30 * time.Second,
		DefaultImage:   "ubuntu:24.04",
	}
}

// ObserverConfig controls the observation pipeline: pattern detectors,
// decision engine, and action executor.
type ObserverConfig struct {
	// StuckCheckInterval is how often the stuck detector scans tracked
	// agents for silence.
	StuckCheckInterval time.Duration

	// SilenceThreshold is how long an agent may produce no output before
	// a stuck detection fires.
	SilenceThreshold time.Duration

	// EventBufferSize is the per-subscriber ring capacity on the bus.
	EventBufferSize int

	// ActionRetryDelay is the backoff between action execution attempts.
	ActionRetryDelay time.Duration

	// ActionMaxAttempts is the total number of attempts per action.
	ActionMaxAttempts int
}

// DefaultObserverConfig returns the built-in observer defaults.
func DefaultObserverConfig() *ObserverConfig {
	return &ObserverConfig{
		StuckCheckInterval: 30 * time.Second,
		SilenceThreshold:   300 * time.Second,
		EventBufferSize:    1024,
		ActionRetryDelay:   500 * time.Millisecond,
		ActionMaxAttempts:  2,
	}
}
