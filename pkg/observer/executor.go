package observer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/foreman/pkg/config"
	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/store"
)

// Messenger delivers prompt messages to agents. Implemented by the MCP
// connector.
type Messenger interface {
	SendMessage(ctx context.Context, agentID, message string) error
	IsConnected() bool
}

// LockSweeper runs one expired-lock sweep.
type LockSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// TaskMover is the reassigner's synchronous path.
type TaskMover interface {
	Reassign(ctx context.Context, taskID, fromAgentID, projectID string)
}

// SandboxPool is the slice of the sandbox manager the executor needs to
// restart an agent's environment.
type SandboxPool interface {
	List() []*models.SandboxInstance
	Kill(ctx context.Context, sandboxID string) error
	Create(ctx context.Context, agentID, projectID, template string) (*models.SandboxInstance, error)
}

// ExecuteRequest carries one action to perform plus its provenance.
type ExecuteRequest struct {
	ProjectID string
	Decision  *models.Decision

	// Params supplies action-specific inputs the trigger event does not
	// carry: "path" for force_release_lock, "message" for prompt_agent.
	Params map[string]string
}

// Executor performs autonomous recovery actions. Every execution is
// retried on failure (bounded), audit-logged, and announced on the bus.
type Executor struct {
	store      store.Store
	messenger  Messenger
	sweeper    LockSweeper
	reassigner TaskMover
	sandboxes  SandboxPool
	bus        *events.Bus
	config     *config.ObserverConfig
	logger     *slog.Logger
}

// NewExecutor creates an action executor. Dependencies may be nil when
// the corresponding action types are never dispatched.
func NewExecutor(st store.Store, messenger Messenger, sweeper LockSweeper, reassigner TaskMover, sandboxes SandboxPool, bus *events.Bus, cfg *config.ObserverConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:      st,
		messenger:  messenger,
		sweeper:    sweeper,
		reassigner: reassigner,
		sandboxes:  sandboxes,
		bus:        bus,
		config:     cfg,
		logger:     logger.With("component", "action-executor"),
	}
}

// Execute runs the action, retrying transient failures with backoff, and
// returns the terminal outcome. The audit entry is written regardless of
// outcome.
func (x *Executor) Execute(ctx context.Context, req ExecuteRequest) (models.ActionOutcome, error) {
	actionType := req.Decision.ActionType
	trigger := req.Decision.TriggerEvent

	var lastErr error
	outcome := models.OutcomeFailure
	for attempt := 1; attempt <= x.config.ActionMaxAttempts; attempt++ {
		lastErr = x.perform(ctx, req)
		if lastErr == nil {
			outcome = models.OutcomeSuccess
			break
		}
		x.logger.Warn("Action attempt failed",
			"action", actionType,
			"attempt", attempt,
			"error", lastErr)
		if attempt < x.config.ActionMaxAttempts {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = x.config.ActionMaxAttempts
			case <-time.After(x.config.ActionRetryDelay):
			}
		}
	}

	details := ""
	if lastErr != nil {
		details = lastErr.Error()
	}
	entry := &models.ActionLogEntry{
		ID:             uuid.NewString(),
		ProjectID:      req.ProjectID,
		Action:         actionType,
		TriggerEvent:   trigger,
		Outcome:        outcome,
		OutcomeDetails: details,
		ExecutedAt:     time.Now().UTC(),
	}
	if err := x.store.AppendActionLog(ctx, entry); err != nil {
		x.logger.Error("Failed to write action log entry", "action", actionType, "error", err)
	}
	if x.bus != nil {
		x.bus.Publish(events.Event{
			Type:      events.TypeAction,
			EntityID:  entry.ID,
			ProjectID: req.ProjectID,
			Payload:   entry,
		})
	}

	if outcome == models.OutcomeSuccess {
		x.logger.Info("Action executed", "action", actionType, "agent_id", trigger.AgentID)
		return outcome, nil
	}
	return outcome, lastErr
}

func (x *Executor) perform(ctx context.Context, req ExecuteRequest) error {
	trigger := req.Decision.TriggerEvent
	switch req.Decision.ActionType {
	case models.ActionPromptAgent:
		return x.promptAgent(ctx, trigger, req.Params["message"])
	case models.ActionRetryTask:
		return x.retryTask(ctx, trigger.TaskID)
	case models.ActionRestartAgent:
		return x.restartAgent(ctx, trigger.AgentID, req.ProjectID)
	case models.ActionReassignTask:
		if x.reassigner == nil {
			return fmt.Errorf("no reassigner configured")
		}
		x.reassigner.Reassign(ctx, trigger.TaskID, trigger.AgentID, req.ProjectID)
		return nil
	case models.ActionCleanupLocks:
		if x.sweeper == nil {
			return fmt.Errorf("no lock sweeper configured")
		}
		_, err := x.sweeper.Sweep(ctx)
		return err
	case models.ActionForceReleaseLock:
		path := req.Params["path"]
		if path == "" {
			return fmt.Errorf("force_release_lock requires a path")
		}
		return x.store.ForceReleaseLock(ctx, req.ProjectID, path)
	default:
		return fmt.Errorf("unknown action type %q", req.Decision.ActionType)
	}
}

func (x *Executor) promptAgent(ctx context.Context, trigger models.DetectionEvent, message string) error {
	if x.messenger == nil {
		return fmt.Errorf("no messenger configured")
	}
	if !x.messenger.IsConnected() {
		return fmt.Errorf("messenger not connected")
	}
	if message == "" {
		message = promptFor(trigger)
	}
	return x.messenger.SendMessage(ctx, trigger.AgentID, message)
}

// retryTask sends a task back through the queue: failed tasks return to
// pending, blocked tasks resume in_progress.
func (x *Executor) retryTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("retry_task requires a task id")
	}
	task, err := x.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case models.TaskFailed:
		_, err = x.store.UpdateTaskStatus(ctx, taskID, models.TaskPending)
	case models.TaskBlocked:
		_, err = x.store.UpdateTaskStatus(ctx, taskID, models.TaskInProgress)
	default:
		return fmt.Errorf("task %s is %s, nothing to retry", taskID, task.Status)
	}
	return err
}

// restartAgent tears down the agent's sandbox and provisions a fresh one
// from the same template.
func (x *Executor) restartAgent(ctx context.Context, agentID, projectID string) error {
	if x.sandboxes == nil {
		return fmt.Errorf("no sandbox pool configured")
	}
	template := ""
	for _, inst := range x.sandboxes.List() {
		if inst.AgentID != agentID {
			continue
		}
		template = inst.Template
		if inst.Status == models.SandboxRunning {
			if err := x.sandboxes.Kill(ctx, inst.ID); err != nil {
				return fmt.Errorf("stop sandbox: %w", err)
			}
		}
	}
	_, err := x.sandboxes.Create(ctx, agentID, projectID, template)
	if err != nil {
		return fmt.Errorf("recreate sandbox: %w", err)
	}
	return nil
}

func promptFor(trigger models.DetectionEvent) string {
	switch trigger.Type {
	case models.DetectionStuck:
		return "You have produced no output for a while. Report your current status and continue with your task, or mark it blocked."
	case models.DetectionError:
		return fmt.Sprintf("An error was detected in your output: %s. Assess whether you can recover and continue.", trigger.Message)
	default:
		return "Report your current status."
	}
}
