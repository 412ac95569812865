package models

import "time"

// DecisionAction is the top-level choice of the decision engine.
type DecisionAction string

// Decision action constants.
const (
	DecisionAutonomous DecisionAction = "autonomous"
	DecisionEscalate   DecisionAction = "escalate"
	DecisionIgnore     DecisionAction = "ignore"
)

// ActionType names a concrete recovery action the executor can perform.
type ActionType string

// Action type constants. Routine actions may run without approval at
// permissive autonomy levels; critical actions always require approval.
const (
	ActionPromptAgent      ActionType = "prompt_agent"
	ActionRetryTask        ActionType = "retry_task"
	ActionRestartAgent     ActionType = "restart_agent"
	ActionReassignTask     ActionType = "reassign_task"
	ActionCleanupLocks     ActionType = "cleanup_locks"
	ActionForceReleaseLock ActionType = "force_release_lock"
)

// routineActions are allowed without approval under full_auto and supervised.
var routineActions = map[ActionType]bool{
	ActionPromptAgent:      true,
	ActionRetryTask:        true,
	ActionReassignTask:     true,
	ActionCleanupLocks:     true,
	ActionForceReleaseLock: true,
}

// Routine reports whether the action type is routine (as opposed to
// critical: restart_agent, delete_*, revoke_*, force_push).
func (a ActionType) Routine() bool {
	return routineActions[a]
}

// AllowedAutonomously reports whether an action of this type may execute
// without human approval at the given autonomy level.
func (a ActionType) AllowedAutonomously(level AutonomyLevel) bool {
	if !a.Routine() {
		// Critical actions require approval at every level.
		return false
	}
	switch level {
	case AutonomyFullAuto, AutonomySupervised:
		return true
	default:
		// assisted: recommend only; manual: require approval.
		return false
	}
}

// DecisionStatus tracks a decision from creation through execution.
type DecisionStatus string

// Decision status constants.
const (
	DecisionPending  DecisionStatus = "pending"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
	DecisionExecuted DecisionStatus = "executed"
	DecisionFailed   DecisionStatus = "failed"
)

// Decision is the decision engine's verdict for one detection event.
type Decision struct {
	ID            string             `json:"id"`
	TriggerEvent  DetectionEvent     `json:"triggerEvent"`
	Action        DecisionAction     `json:"action"`
	ActionType    ActionType         `json:"actionType,omitempty"`
	Priority      EscalationPriority `json:"priority,omitempty"`
	AutonomyLevel AutonomyLevel      `json:"autonomyLevel"`
	Reason        string             `json:"reason,omitempty"`
	Status        DecisionStatus     `json:"status"`
	CreatedAt     time.Time          `json:"createdAt"`
}

// ActionOutcome is the terminal result of one action execution.
type ActionOutcome string

// Action outcome constants.
const (
	OutcomeSuccess ActionOutcome = "success"
	OutcomeFailure ActionOutcome = "failure"
)

// ActionLogEntry is the audit record written for every executed action.
type ActionLogEntry struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"projectId"`
	Action         ActionType     `json:"action"`
	TriggerEvent   DetectionEvent `json:"triggerEvent"`
	Outcome        ActionOutcome  `json:"outcome"`
	OutcomeDetails string         `json:"outcomeDetails,omitempty"`
	ExecutedAt     time.Time      `json:"executedAt"`
}
