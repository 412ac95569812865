// Package store defines the shared state store: the single owner of
// persisted entities (projects, agents, tasks, locks, costs, actions,
// escalations, access requests).
//
// Two engines implement Store: the in-memory engine (single-writer mutex,
// snapshot reads; the reference implementation used by unit tests) and the
// Postgres engine (pgx + golang-migrate; durable across restarts).
//
// Contract: every mutation publishes an event on the bus carrying
// (type, entityId, projectId, before?, after). Events follow mutation
// order because engines publish before releasing their write path.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentfleet/foreman/pkg/models"
)

// Failure modes shared by both engines.
var (
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned for illegal state transitions, duplicate
	// entities, and locks held by another agent.
	ErrConflict = errors.New("conflict")

	// ErrStaleLock is returned when releasing a lock that has already
	// expired or been swept.
	ErrStaleLock = errors.New("stale lock")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("invalid input")
)

// Store is the typed CRUD plus domain operations surface. All methods are
// safe for concurrent use.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	UpdateProject(ctx context.Context, p *models.Project) error
	ListProjects(ctx context.Context) ([]*models.Project, error)

	// Agents
	RegisterAgent(ctx context.Context, a *models.AgentProfile) error
	GetAgent(ctx context.Context, id string) (*models.AgentProfile, error)
	ListAgents(ctx context.Context, projectID string) ([]*models.AgentProfile, error)
	UpdateAgentStatus(ctx context.Context, agentID string, status models.AgentStatus) error
	RecordHeartbeat(ctx context.Context, agentID string, at time.Time) error
	RemoveAgent(ctx context.Context, agentID string) error

	// Tasks
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, projectID string, status models.TaskStatus) ([]*models.Task, error)
	// ClaimTask performs the atomic pending → claimed transition, setting
	// the assignee. Any other starting status is ErrConflict.
	ClaimTask(ctx context.Context, taskID, agentID string) (*models.Task, error)
	// UpdateTaskStatus transitions a task, maintaining the invariant that
	// AssignedTo is set iff status ∈ {claimed, in_progress, blocked}.
	UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) (*models.Task, error)
	// ReassignTask moves an assigned task to a new agent, incrementing
	// ReassignmentCount and recording provenance in metadata.
	ReassignTask(ctx context.Context, taskID, newAgentID, projectID string) (*models.Task, error)
	// GetOrphanedTasks returns assigned tasks whose agent is offline.
	GetOrphanedTasks(ctx context.Context, projectID string) ([]*models.Task, error)
	GetTaskReassignmentCount(ctx context.Context, taskID string) (int, error)

	// File locks
	// AcquireLock grants or extends a lock. Re-entrant acquisition by the
	// holding agent extends the TTL; an unexpired lock held by a different
	// agent is ErrConflict.
	AcquireLock(ctx context.Context, projectID, path, agentID string, ttl time.Duration) (*models.FileLock, error)
	ReleaseLock(ctx context.Context, projectID, path, agentID string) error
	ForceReleaseLock(ctx context.Context, projectID, path string) error
	ReleaseAgentLocks(ctx context.Context, agentID string) (int, error)
	ListActiveLocks(ctx context.Context, projectID string) ([]*models.FileLock, error)
	SweepExpiredLocks(ctx context.Context, now time.Time) (int, error)

	// Cost ledger (append-only)
	AppendCostEvent(ctx context.Context, e *models.CostEvent) error
	ListCostEvents(ctx context.Context, projectID string) ([]*models.CostEvent, error)
	TotalSpend(ctx context.Context, projectID string) (decimal.Decimal, error)

	// Action log (append-only)
	AppendActionLog(ctx context.Context, entry *models.ActionLogEntry) error
	ListActionLog(ctx context.Context, projectID string, limit int) ([]*models.ActionLogEntry, error)

	// Escalations
	CreateEscalation(ctx context.Context, e *models.Escalation) error
	GetEscalation(ctx context.Context, id string) (*models.Escalation, error)
	UpdateEscalation(ctx context.Context, e *models.Escalation) error
	// ListEscalations returns a project's escalations sorted by priority
	// descending, then CreatedAt ascending.
	ListEscalations(ctx context.Context, projectID string) ([]*models.Escalation, error)

	// Access requests
	CreateAccessRequest(ctx context.Context, r *models.AccessRequest) error
	GetAccessRequest(ctx context.Context, id string) (*models.AccessRequest, error)
	UpdateAccessRequest(ctx context.Context, r *models.AccessRequest) error
	ListAccessRequests(ctx context.Context, projectID string, status models.AccessRequestStatus) ([]*models.AccessRequest, error)
	// ExpireOldAccessRequests flips pending requests older than the cutoff
	// to expired and returns how many were flipped.
	ExpireOldAccessRequests(ctx context.Context, projectID string, olderThan time.Time) (int, error)

	// Onboarding config (opaque to the core)
	GetOnboarding(ctx context.Context, projectID string) (map[string]any, error)
	SetOnboarding(ctx context.Context, projectID string, cfg map[string]any) error

	Close() error
}

// IsNotFound reports whether err is the store's not-found failure.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is the store's conflict failure.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
