// Package queue implements the task claim protocol: zone enforcement,
// all-or-nothing file locking, and lock release on terminal transitions.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agentfleet/foreman/pkg/config"
	"github.com/agentfleet/foreman/pkg/match"
	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/store"
)

// ErrZoneDenied is returned when the project's zone map forbids the
// claiming agent from touching one of the task's files.
var ErrZoneDenied = errors.New("zone access denied")

// Service mediates task claiming and completion on top of the store.
type Service struct {
	store  store.Store
	config *config.QueueConfig
	logger *slog.Logger
}

// NewService creates a queue service.
func NewService(st store.Store, cfg *config.QueueConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		config: cfg,
		logger: logger.With("component", "queue"),
	}
}

// Submit validates and enqueues a new pending task.
func (s *Service) Submit(ctx context.Context, t *models.Task) error {
	if t.Title == "" {
		return fmt.Errorf("%w: task title is required", store.ErrValidation)
	}
	return s.store.CreateTask(ctx, t)
}

// Claim executes the claim protocol for one agent:
//
//  1. Zone check: every file the task names must be accessible to the
//     agent under the project's zone map.
//  2. When the project's conflict strategy is "lock", acquire file locks
//     for all of the task's files all-or-nothing.
//  3. Atomically transition the task pending → claimed.
//
// Any failure releases whatever was acquired; the task is left pending.
func (s *Service) Claim(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}

	if err := s.checkZones(task, project, agentID); err != nil {
		return nil, err
	}

	var acquired []string
	if project.ConflictStrategy == models.ConflictStrategyLock {
		for _, path := range task.Files {
			if _, err := s.store.AcquireLock(ctx, task.ProjectID, path, agentID, s.config.LockTTL); err != nil {
				s.rollbackLocks(ctx, task.ProjectID, acquired, agentID)
				return nil, fmt.Errorf("lock %s: %w", path, err)
			}
			acquired = append(acquired, path)
		}
	}

	claimed, err := s.store.ClaimTask(ctx, taskID, agentID)
	if err != nil {
		s.rollbackLocks(ctx, task.ProjectID, acquired, agentID)
		return nil, err
	}

	s.logger.Info("Task claimed",
		"task_id", taskID,
		"agent_id", agentID,
		"locks", len(acquired))
	return claimed, nil
}

// UpdateStatus transitions a task and, on a terminal status, releases the
// file locks its agent held for the task's files.
func (s *Service) UpdateStatus(ctx context.Context, taskID string, status models.TaskStatus) (*models.Task, error) {
	before, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task, err := s.store.UpdateTaskStatus(ctx, taskID, status)
	if err != nil {
		return nil, err
	}
	if status.Terminal() && before.AssignedTo != "" {
		s.releaseTaskLocks(ctx, before)
	}
	return task, nil
}

// Unlock releases one file lock held by the agent.
func (s *Service) Unlock(ctx context.Context, projectID, path, agentID string) error {
	return s.store.ReleaseLock(ctx, projectID, path, agentID)
}

func (s *Service) checkZones(task *models.Task, project *models.Project, agentID string) error {
	if project.ZoneConfig == nil || len(task.Files) == 0 {
		return nil
	}
	matcher, err := match.NewZoneMatcher(project.ZoneConfig)
	if err != nil {
		return fmt.Errorf("zone config: %w", err)
	}
	for _, path := range task.Files {
		decision := matcher.CheckAccess(path, agentID)
		if !decision.Allowed {
			return fmt.Errorf("%w: %s", ErrZoneDenied, decision.Reason)
		}
	}
	return nil
}

func (s *Service) rollbackLocks(ctx context.Context, projectID string, paths []string, agentID string) {
	for _, path := range paths {
		if err := s.store.ReleaseLock(ctx, projectID, path, agentID); err != nil {
			s.logger.Warn("Failed to roll back lock", "path", path, "error", err)
		}
	}
}

func (s *Service) releaseTaskLocks(ctx context.Context, task *models.Task) {
	for _, path := range task.Files {
		err := s.store.ReleaseLock(ctx, task.ProjectID, path, task.AssignedTo)
		if err != nil && !errors.Is(err, store.ErrStaleLock) {
			s.logger.Warn("Failed to release lock on terminal task",
				"task_id", task.ID,
				"path", path,
				"error", err)
		}
	}
}
