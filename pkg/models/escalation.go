package models

import (
	"sort"
	"time"
)

// EscalationType classifies why human judgment is needed.
type EscalationType string

// Escalation type constants.
const (
	EscalationAuthRequired       EscalationType = "auth_required"
	EscalationMergeConflict      EscalationType = "merge_conflict"
	EscalationTaskReview         EscalationType = "task_review"
	EscalationAgentError         EscalationType = "agent_error"
	EscalationBudgetExceeded     EscalationType = "budget_exceeded"
	EscalationManualIntervention EscalationType = "manual_intervention"
)

// EscalationPriority orders escalations for human attention.
type EscalationPriority string

// Escalation priority constants.
const (
	EscalationCritical EscalationPriority = "critical"
	EscalationHigh     EscalationPriority = "high"
	EscalationNormal   EscalationPriority = "normal"
	EscalationLow      EscalationPriority = "low"
)

// priorityRank maps priorities to sortable ranks, highest first.
var priorityRank = map[EscalationPriority]int{
	EscalationCritical: 0,
	EscalationHigh:     1,
	EscalationNormal:   2,
	EscalationLow:      3,
}

// Rank returns the sort rank of the priority (lower sorts first).
// Unknown priorities sort last.
func (p EscalationPriority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// DefaultPriorityFor returns the automatic priority for an escalation type:
// auth_required is critical, merge_conflict and budget_exceeded are high,
// everything else is normal.
func DefaultPriorityFor(t EscalationType) EscalationPriority {
	switch t {
	case EscalationAuthRequired:
		return EscalationCritical
	case EscalationMergeConflict, EscalationBudgetExceeded:
		return EscalationHigh
	default:
		return EscalationNormal
	}
}

// EscalationStatus tracks an escalation through human handling.
type EscalationStatus string

// Escalation status constants.
const (
	EscalationPending      EscalationStatus = "pending"
	EscalationAcknowledged EscalationStatus = "acknowledged"
	EscalationSnoozed      EscalationStatus = "snoozed"
	EscalationResolved     EscalationStatus = "resolved"
	EscalationDismissed    EscalationStatus = "dismissed"
	EscalationEscalated    EscalationStatus = "escalated"
)

// Escalation is a persistent record of a decision that requires a human.
type Escalation struct {
	ID          string             `json:"id"`
	ProjectID   string             `json:"projectId"`
	Type        EscalationType     `json:"type"`
	Priority    EscalationPriority `json:"priority"`
	Status      EscalationStatus   `json:"status"`
	Title       string             `json:"title"`
	Context     map[string]any     `json:"context,omitempty"`
	AgentID     string             `json:"agentId,omitempty"`
	AssignedTo  string             `json:"assignedTo,omitempty"`
	ResolvedBy  string             `json:"resolvedBy,omitempty"`
	Resolution  string             `json:"resolution,omitempty"`
	SnoozedUntil *time.Time        `json:"snoozedUntil,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	ResolvedAt  *time.Time         `json:"resolvedAt,omitempty"`
}

// Due reports whether the escalation demands attention at the given
// instant. Snoozed escalations are not due until their snooze expires.
func (e *Escalation) Due(now time.Time) bool {
	if e.Status == EscalationSnoozed && e.SnoozedUntil != nil && now.Before(*e.SnoozedUntil) {
		return false
	}
	return true
}

// Open reports whether the escalation still needs handling.
func (e *Escalation) Open() bool {
	switch e.Status {
	case EscalationResolved, EscalationDismissed:
		return false
	default:
		return true
	}
}

// SortEscalations orders escalations by priority descending, then
// CreatedAt ascending. The sort is stable.
func SortEscalations(escs []*Escalation) {
	sort.SliceStable(escs, func(i, j int) bool {
		ri, rj := escs[i].Priority.Rank(), escs[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return escs[i].CreatedAt.Before(escs[j].CreatedAt)
	})
}
