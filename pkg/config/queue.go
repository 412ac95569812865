package config

import "time"

// QueueConfig contains task queue and file-lock configuration.
type QueueConfig struct {
	// LockTTL is the lifetime of a file lock granted on claim. Re-entrant
	// acquisition by the holder extends it.
	LockTTL time.Duration

	// SweepInterval is how often the expired-lock sweeper runs.
	SweepInterval time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		LockTTL:       30 * time.Minute,
		SweepInterval: 60 * time.Second,
	}
}

// ReassignConfig controls the task reassigner.
type ReassignConfig struct {
	// GracePeriod is how long after an agent goes offline before its
	// tasks are moved. If the agent recovers within the grace period the
	// reassignment is cancelled.
	GracePeriod time.Duration

	// MaxReassignments bounds how many times one task may be moved.
	MaxReassignments int
}

// DefaultReassignConfig returns the built-in reassigner defaults.
func DefaultReassignConfig() *ReassignConfig {
	return &ReassignConfig{
		GracePeriod:      300 * time.Second,
		MaxReassignments: 3,
	}
}
