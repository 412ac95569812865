package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
)

// CreateTask stores a new pending task.
func (s *MemoryStore) CreateTask(_ context.Context, t *models.Task) error {
	if t.ID == "" || t.ProjectID == "" {
		return fmt.Errorf("%w: task id and projectId are required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("%w: task %s already exists", ErrConflict, t.ID)
	}
	if t.Status == "" {
		t.Status = models.TaskPending
	}
	if t.Status.Assigned() != (t.AssignedTo != "") {
		return fmt.Errorf("%w: status %s inconsistent with assignee %q", ErrValidation, t.Status, t.AssignedTo)
	}
	if t.Priority == "" {
		t.Priority = models.PriorityMedium
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.tasks[t.ID] = cloneTask(t)
	s.emit(events.TypeTaskCreated, t.ID, t.ProjectID, nil, cloneTask(t))
	return nil
}

// GetTask returns a snapshot of the task.
func (s *MemoryStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return cloneTask(t), nil
}

// ListTasks returns a project's tasks, filtered by status when status is
// non-empty, ordered by creation then id.
func (s *MemoryStore) ListTasks(_ context.Context, projectID string, status models.TaskStatus) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, t := range s.tasks {
		if projectID != "" && t.ProjectID != projectID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ClaimTask performs the atomic pending → claimed transition. A task in any
// other state is ErrConflict, so two racing claimers get exactly one winner.
func (s *MemoryStore) ClaimTask(_ context.Context, taskID, agentID string) (*models.Task, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if t.Status != models.TaskPending {
		return nil, fmt.Errorf("%w: task %s is %s, not pending", ErrConflict, taskID, t.Status)
	}
	before := cloneTask(t)
	t.Status = models.TaskClaimed
	t.AssignedTo = agentID
	t.UpdatedAt = time.Now().UTC()
	s.emit(events.TypeTaskUpdated, taskID, t.ProjectID, before, cloneTask(t))
	return cloneTask(t), nil
}

// validTaskTransitions is the legal status graph. Reassignment and claim go
// through their dedicated methods, not this table.
var validTaskTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskPending:    {models.TaskClaimed},
	models.TaskClaimed:    {models.TaskInProgress, models.TaskPending, models.TaskFailed},
	models.TaskInProgress: {models.TaskCompleted, models.TaskFailed, models.TaskBlocked},
	models.TaskBlocked:    {models.TaskInProgress, models.TaskFailed, models.TaskPending},
}

func taskTransitionAllowed(from, to models.TaskStatus) bool {
	for _, t := range validTaskTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// UpdateTaskStatus transitions a task along the lifecycle graph. Moving to
// a terminal state or back to pending clears the assignee; illegal
// transitions are ErrConflict.
func (s *MemoryStore) UpdateTaskStatus(_ context.Context, taskID string, status models.TaskStatus) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if t.Status == status {
		return cloneTask(t), nil
	}
	if !taskTransitionAllowed(t.Status, status) {
		return nil, fmt.Errorf("%w: task %s cannot go %s → %s", ErrConflict, taskID, t.Status, status)
	}
	before := cloneTask(t)
	t.Status = status
	if !status.Assigned() {
		t.AssignedTo = ""
	}
	t.UpdatedAt = time.Now().UTC()

	eventType := events.TypeTaskUpdated
	switch status {
	case models.TaskCompleted:
		eventType = events.TypeTaskCompleted
	case models.TaskFailed:
		eventType = events.TypeTaskFailed
	}
	s.emit(eventType, taskID, t.ProjectID, before, cloneTask(t))
	return cloneTask(t), nil
}

// ReassignTask moves an assigned task to a new agent, incrementing the
// reassignment count and recording provenance under metadata.reassignedFrom.
func (s *MemoryStore) ReassignTask(_ context.Context, taskID, newAgentID, projectID string) (*models.Task, error) {
	if newAgentID == "" {
		return nil, fmt.Errorf("%w: new agent id is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if projectID != "" && t.ProjectID != projectID {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if !t.Status.Assigned() {
		return nil, fmt.Errorf("%w: task %s is %s, not assigned", ErrConflict, taskID, t.Status)
	}
	if t.AssignedTo == newAgentID {
		return nil, fmt.Errorf("%w: task %s already assigned to %s", ErrConflict, taskID, newAgentID)
	}
	before := cloneTask(t)
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata["reassignedFrom"] = t.AssignedTo
	t.AssignedTo = newAgentID
	t.Status = models.TaskClaimed
	t.ReassignmentCount++
	t.UpdatedAt = time.Now().UTC()
	s.emit(events.TypeReassignment, taskID, t.ProjectID, before, cloneTask(t))
	return cloneTask(t), nil
}

// GetOrphanedTasks returns assigned tasks whose agent is offline or no
// longer registered.
func (s *MemoryStore) GetOrphanedTasks(_ context.Context, projectID string) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, t := range s.tasks {
		if projectID != "" && t.ProjectID != projectID {
			continue
		}
		if !t.Status.Assigned() {
			continue
		}
		a, ok := s.agents[t.AssignedTo]
		if !ok || a.Status == models.AgentOffline {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetTaskReassignmentCount returns how many times the task has been moved.
func (s *MemoryStore) GetTaskReassignmentCount(_ context.Context, taskID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return 0, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return t.ReassignmentCount, nil
}

// --- File locks ---

func lockKey(projectID, path string) string {
	return projectID + "\x00" + path
}

// AcquireLock grants or extends a file lock. A lock held by the same agent
// is re-entrant and extends the TTL; an unexpired lock held by another
// agent is ErrConflict and publishes conflict:detected. Expired locks are
// silently replaced.
func (s *MemoryStore) AcquireLock(_ context.Context, projectID, path, agentID string, ttl time.Duration) (*models.FileLock, error) {
	if projectID == "" || path == "" || agentID == "" {
		return nil, fmt.Errorf("%w: projectId, path, and agentId are required", ErrValidation)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: lock ttl must be positive", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := lockKey(projectID, path)
	if existing, ok := s.locks[key]; ok && !existing.Expired(now) {
		if existing.AgentID != agentID {
			s.emit(events.TypeConflictDetected, path, projectID, nil, map[string]any{
				"filePath": path,
				"holder":   existing.AgentID,
				"claimant": agentID,
			})
			return nil, fmt.Errorf("%w: %s is locked by %s", ErrConflict, path, existing.AgentID)
		}
		existing.ExpiresAt = now.Add(ttl)
		return cloneLock(existing), nil
	}

	l := &models.FileLock{
		ProjectID: projectID,
		FilePath:  path,
		AgentID:   agentID,
		LockedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	s.locks[key] = l
	s.emit(events.TypeLockAcquired, path, projectID, nil, cloneLock(l))
	return cloneLock(l), nil
}

// ReleaseLock releases a lock held by agentID. Releasing a lock that has
// expired or was already released is ErrStaleLock; a lock held by someone
// else is ErrConflict.
func (s *MemoryStore) ReleaseLock(_ context.Context, projectID, path, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lockKey(projectID, path)
	l, ok := s.locks[key]
	if !ok {
		return fmt.Errorf("%w: no lock on %s", ErrStaleLock, path)
	}
	if l.Expired(time.Now().UTC()) {
		delete(s.locks, key)
		return fmt.Errorf("%w: lock on %s expired", ErrStaleLock, path)
	}
	if l.AgentID != agentID {
		return fmt.Errorf("%w: %s is locked by %s, not %s", ErrConflict, path, l.AgentID, agentID)
	}
	delete(s.locks, key)
	s.emit(events.TypeLockReleased, path, projectID, cloneLock(l), nil)
	return nil
}

// ForceReleaseLock removes a lock regardless of holder. Used by the action
// executor under human or autonomous recovery.
func (s *MemoryStore) ForceReleaseLock(_ context.Context, projectID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lockKey(projectID, path)
	l, ok := s.locks[key]
	if !ok {
		return fmt.Errorf("%w: no lock on %s", ErrNotFound, path)
	}
	delete(s.locks, key)
	s.emit(events.TypeLockReleased, path, projectID, cloneLock(l), nil)
	return nil
}

// ReleaseAgentLocks drops every lock held by the agent and returns the count.
func (s *MemoryStore) ReleaseAgentLocks(_ context.Context, agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for key, l := range s.locks {
		if l.AgentID != agentID {
			continue
		}
		delete(s.locks, key)
		released++
		s.emit(events.TypeLockReleased, l.FilePath, l.ProjectID, cloneLock(l), nil)
	}
	return released, nil
}

// ListActiveLocks returns the project's unexpired locks, ordered by path.
func (s *MemoryStore) ListActiveLocks(_ context.Context, projectID string) ([]*models.FileLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var out []*models.FileLock
	for _, l := range s.locks {
		if projectID != "" && l.ProjectID != projectID {
			continue
		}
		if l.Expired(now) {
			continue
		}
		out = append(out, cloneLock(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

// SweepExpiredLocks removes locks expired as of now and returns the count.
// Each swept lock publishes lock:swept.
func (s *MemoryStore) SweepExpiredLocks(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for key, l := range s.locks {
		if !l.Expired(now) {
			continue
		}
		delete(s.locks, key)
		swept++
		s.emit(events.TypeLockSwept, l.FilePath, l.ProjectID, cloneLock(l), nil)
	}
	return swept, nil
}
