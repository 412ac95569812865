// Package events provides the in-process publish/subscribe bus that fans
// state-store mutations out to the observer pipeline and the SSE boundary.
//
// Delivery contract:
//   - Publishers never block on slow subscribers.
//   - Each subscriber has a bounded ring (default 1024). On overflow the
//     oldest event is dropped and a single overflow marker is queued so the
//     subscriber knows to re-sync from the store.
//   - Per-subscriber order is preserved; bus-wide order follows store
//     mutation order because the store publishes under its writer lock.
package events

import "time"

// Event type constants. Subscriptions match on prefix, so "task:" matches
// every task event.
const (
	TypeTaskCreated   = "task:created"
	TypeTaskUpdated   = "task:updated"
	TypeTaskCompleted = "task:completed"
	TypeTaskFailed    = "task:failed"

	TypeAgentRegistered = "agent:registered"
	TypeAgentHeartbeat  = "agent:heartbeat"
	TypeAgentUpdated    = "agent:updated"
	TypeAgentOffline    = "agent:offline"
	TypeAgentRemoved    = "agent:removed"

	TypeCostRecorded = "cost:recorded"

	TypeConflictDetected = "conflict:detected"

	TypeLockAcquired = "lock:acquired"
	TypeLockReleased = "lock:released"
	TypeLockSwept    = "lock:swept"

	TypeSandboxStarted = "sandbox:started"
	TypeSandboxStopped = "sandbox:stopped"
	TypeSandboxFailed  = "sandbox:failed"
	TypeSandboxTimeout = "sandbox:timeout"

	TypeEscalation = "escalation"

	TypeStatusHealthy  = "status:healthy"
	TypeStatusWarning  = "status:warning"
	TypeStatusCritical = "status:critical"
	TypeStatusOffline  = "status:offline"

	TypeReassignment           = "reassignment"
	TypeReassignmentFailed     = "reassignment:failed"
	TypeReassignmentMaxReached = "reassignment:max-reached"

	TypeAction    = "action"
	TypeDetection = "detection"

	TypeHeartbeat = "heartbeat"

	// TypeOverflow is synthesized by the bus when a subscriber's ring
	// overflows. It carries no payload.
	TypeOverflow = "overflow"
)

// Event is one bus record. Store mutations carry the entity snapshots;
// runtime components publish lighter payloads.
type Event struct {
	Type      string    `json:"type"`
	EntityID  string    `json:"entityId,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`
	Before    any       `json:"before,omitempty"`
	After     any       `json:"after,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
