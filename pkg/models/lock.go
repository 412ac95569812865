package models

import "time"

// FileLock grants one agent exclusive write access to a path until the
// lock expires. For each path there is at most one unexpired lock.
type FileLock struct {
	ProjectID string    `json:"projectId"`
	FilePath  string    `json:"filePath"`
	AgentID   string    `json:"agentId"`
	LockedAt  time.Time `json:"lockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the lock's TTL has elapsed at the given instant.
func (l *FileLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
