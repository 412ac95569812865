package config

import "fmt"

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateHealth(); err != nil {
		return fmt.Errorf("health config validation failed: %w", err)
	}
	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue config validation failed: %w", err)
	}
	if err := v.validateReassign(); err != nil {
		return fmt.Errorf("reassign config validation failed: %w", err)
	}
	if err := v.validateSandbox(); err != nil {
		return fmt.Errorf("sandbox config validation failed: %w", err)
	}
	if err := v.validateObserver(); err != nil {
		return fmt.Errorf("observer config validation failed: %w", err)
	}
	if err := v.validateCleanup(); err != nil {
		return fmt.Errorf("cleanup config validation failed: %w", err)
	}
	return nil
}

func (v *ConfigValidator) validateCleanup() error {
	c := v.cfg.Cleanup
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.SandboxMaxIdle <= 0 {
		return fmt.Errorf("sandbox max idle must be positive, got %s", c.SandboxMaxIdle)
	}
	if c.AccessRequestTTL <= 0 {
		return fmt.Errorf("access request ttl must be positive, got %s", c.AccessRequestTTL)
	}
	return nil
}

func (v *ConfigValidator) validateHealth() error {
	h := v.cfg.Health
	if h.ScanInterval <= 0 {
		return fmt.Errorf("scan interval must be positive, got %s", h.ScanInterval)
	}
	// The thresholds form the classification ladder and must be strictly
	// ordered or agents would skip states.
	if !(h.WarningAge < h.CriticalAge && h.CriticalAge < h.OfflineAge) {
		return fmt.Errorf("thresholds must satisfy warning < critical < offline, got %s / %s / %s",
			h.WarningAge, h.CriticalAge, h.OfflineAge)
	}
	return nil
}

func (v *ConfigValidator) validateQueue() error {
	q := v.cfg.Queue
	if q.LockTTL <= 0 {
		return fmt.Errorf("lock ttl must be positive, got %s", q.LockTTL)
	}
	if q.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", q.SweepInterval)
	}
	return nil
}

func (v *ConfigValidator) validateReassign() error {
	r := v.cfg.Reassign
	if r.GracePeriod < 0 {
		return fmt.Errorf("grace period must be non-negative, got %s", r.GracePeriod)
	}
	if r.MaxReassignments < 1 {
		return fmt.Errorf("max reassignments must be at least 1, got %d", r.MaxReassignments)
	}
	return nil
}

func (v *ConfigValidator) validateSandbox() error {
	s := v.cfg.Sandbox
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent must be at least 1, got %d", s.MaxConcurrent)
	}
	if s.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive, got %s", s.CommandTimeout)
	}
	if s.MaxLifetime <= 0 {
		return fmt.Errorf("max lifetime must be positive, got %s", s.MaxLifetime)
	}
	return nil
}

func (v *ConfigValidator) validateObserver() error {
	o := v.cfg.Observer
	if o.StuckCheckInterval <= 0 {
		return fmt.Errorf("stuck check interval must be positive, got %s", o.StuckCheckInterval)
	}
	if o.SilenceThreshold <= 0 {
		return fmt.Errorf("silence threshold must be positive, got %s", o.SilenceThreshold)
	}
	if o.EventBufferSize < 1 {
		return fmt.Errorf("event buffer size must be at least 1, got %d", o.EventBufferSize)
	}
	if o.ActionMaxAttempts < 1 {
		return fmt.Errorf("action max attempts must be at least 1, got %d", o.ActionMaxAttempts)
	}
	return nil
}
