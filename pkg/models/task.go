package models

import (
	"strings"
	"time"
)

// TaskStatus is a task's position in its lifecycle:
//
//	pending → claimed → in_progress → completed | failed
//	                               ↘ blocked ↻ in_progress
type TaskStatus string

// Task status constants.
const (
	TaskPending    TaskStatus = "pending"
	TaskClaimed    TaskStatus = "claimed"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
)

// Assigned reports whether the status requires a non-empty AssignedTo.
// The store enforces: AssignedTo != "" iff status ∈ {claimed, in_progress, blocked}.
func (s TaskStatus) Assigned() bool {
	return s == TaskClaimed || s == TaskInProgress || s == TaskBlocked
}

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskPriority orders tasks for claiming and display.
type TaskPriority string

// Task priority constants.
const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// RequiresTagPrefix marks tags that carry a required capability,
// e.g. "requires:typescript".
const RequiresTagPrefix = "requires:"

// Task is a unit of work submitted by a human and executed by one agent.
type Task struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"projectId"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`

	// AssignedTo is the agent currently responsible for the task, empty
	// when unassigned.
	AssignedTo string `json:"assignedTo,omitempty"`

	Dependencies []string       `json:"dependencies,omitempty"`
	Files        []string       `json:"files,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// ReassignmentCount is incremented each time the reassigner moves the
	// task to a new agent. Bounded by the reassigner's max-retries.
	ReassignmentCount int `json:"reassignmentCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RequiredCapabilities extracts the capability set a task demands: the
// suffixes of "requires:" tags plus any string list under
// metadata.requiredCapabilities. Metadata of the wrong shape is ignored.
func (t *Task) RequiredCapabilities() []string {
	seen := make(map[string]bool)
	var out []string

	add := func(cap string) {
		cap = strings.TrimSpace(cap)
		if cap == "" || seen[cap] {
			return
		}
		seen[cap] = true
		out = append(out, cap)
	}

	for _, tag := range t.Tags {
		if strings.HasPrefix(tag, RequiresTagPrefix) {
			add(strings.TrimPrefix(tag, RequiresTagPrefix))
		}
	}

	if t.Metadata != nil {
		switch list := t.Metadata["requiredCapabilities"].(type) {
		case []string:
			for _, cap := range list {
				add(cap)
			}
		case []any:
			for _, v := range list {
				if cap, ok := v.(string); ok {
					add(cap)
				}
			}
		}
	}

	return out
}
