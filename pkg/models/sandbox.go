package models

import "time"

// SandboxStatus is the lifecycle state of a remote sandbox.
type SandboxStatus string

// Sandbox status constants.
const (
	SandboxPending SandboxStatus = "pending"
	SandboxRunning SandboxStatus = "running"
	SandboxStopped SandboxStatus = "stopped"
	SandboxFailed  SandboxStatus = "failed"
	SandboxTimeout SandboxStatus = "timeout"
)

// SandboxInstance is one ephemeral remote environment where an agent
// executes commands.
type SandboxInstance struct {
	ID             string            `json:"id"`
	AgentID        string            `json:"agentId"`
	ProjectID      string            `json:"projectId"`
	Status         SandboxStatus     `json:"status"`
	Template       string            `json:"template"`
	StartedAt      time.Time         `json:"startedAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
