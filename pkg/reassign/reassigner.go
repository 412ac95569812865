// Package reassign moves work off dead agents: it watches offline
// transitions, waits out a grace period, and reassigns orphaned tasks to
// the best remaining candidate.
package reassign

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentfleet/foreman/pkg/config"
	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/match"
	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/store"
)

// Reassigner subscribes to status:offline and schedules grace-period
// timers per task. A task can be pending at most one timer at a time.
type Reassigner struct {
	store  store.Store
	bus    *events.Bus
	config *config.ReassignConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer // taskID → grace timer
	stopped bool

	sub  *events.Subscription
	wg   sync.WaitGroup
	done chan struct{}
}

// NewReassigner creates a reassigner.
func NewReassigner(st store.Store, bus *events.Bus, cfg *config.ReassignConfig, logger *slog.Logger) *Reassigner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reassigner{
		store:   st,
		bus:     bus,
		config:  cfg,
		logger:  logger.With("component", "reassigner"),
		pending: make(map[string]*time.Timer),
	}
}

// Start subscribes to offline transitions and begins scheduling.
func (r *Reassigner) Start(ctx context.Context) {
	if r.sub != nil {
		return
	}
	r.sub = r.bus.Subscribe(0, events.TypeStatusOffline)
	r.done = make(chan struct{})

	go r.consume(ctx)

	r.logger.Info("Reassigner started",
		"grace_period", r.config.GracePeriod,
		"max_reassignments", r.config.MaxReassignments)
}

// Stop cancels the subscription and every scheduled timer.
func (r *Reassigner) Stop() {
	if r.sub == nil {
		return
	}
	r.sub.Cancel()
	<-r.done

	r.mu.Lock()
	r.stopped = true
	for taskID, timer := range r.pending {
		// A timer stopped before firing never runs its callback, so the
		// waitgroup slot must be returned here.
		if timer.Stop() {
			r.wg.Done()
		}
		delete(r.pending, taskID)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Reassigner stopped")
}

func (r *Reassigner) consume(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.sub.Events():
			if !ok {
				return
			}
			if ev.Type != events.TypeStatusOffline {
				continue
			}
			r.handleOffline(ctx, ev.EntityID, ev.ProjectID)
		}
	}
}

// handleOffline schedules a grace-period timer for each of the agent's
// orphaned tasks that is not already pending one.
func (r *Reassigner) handleOffline(ctx context.Context, agentID, projectID string) {
	orphans, err := r.store.GetOrphanedTasks(ctx, projectID)
	if err != nil {
		r.logger.Error("Failed to list orphaned tasks", "agent_id", agentID, "error", err)
		return
	}

	for _, task := range orphans {
		if task.AssignedTo != agentID {
			continue
		}
		if task.ReassignmentCount >= r.config.MaxReassignments {
			r.logger.Warn("Task reached reassignment limit",
				"task_id", task.ID,
				"count", task.ReassignmentCount)
			r.bus.Publish(events.Event{
				Type:      events.TypeReassignmentMaxReached,
				EntityID:  task.ID,
				ProjectID: task.ProjectID,
				Payload:   map[string]any{"reassignmentCount": task.ReassignmentCount},
			})
			continue
		}
		r.schedule(ctx, task.ID, agentID, task.ProjectID)
	}
}

func (r *Reassigner) schedule(ctx context.Context, taskID, agentID, projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if _, exists := r.pending[taskID]; exists {
		return
	}

	r.logger.Info("Scheduled reassignment",
		"task_id", taskID,
		"agent_id", agentID,
		"grace_period", r.config.GracePeriod)

	r.wg.Add(1)
	r.pending[taskID] = time.AfterFunc(r.config.GracePeriod, func() {
		defer r.wg.Done()

		r.mu.Lock()
		delete(r.pending, taskID)
		stopped := r.stopped
		r.mu.Unlock()
		if stopped {
			return
		}
		r.Reassign(ctx, taskID, agentID, projectID)
	})
}

// Reassign is the synchronous path: re-verify the agent is still gone,
// pick the best replacement, and move the task. Also called directly by
// the action executor for reassign_task decisions.
func (r *Reassigner) Reassign(ctx context.Context, taskID, fromAgentID, projectID string) {
	// Grace period over: the original agent may have come back.
	agent, err := r.store.GetAgent(ctx, fromAgentID)
	if err == nil && agent.Status != models.AgentOffline {
		r.logger.Info("Agent recovered within grace period, reassignment cancelled",
			"task_id", taskID,
			"agent_id", fromAgentID)
		return
	}

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		r.fail(taskID, projectID, "task no longer exists")
		return
	}
	if task.AssignedTo != fromAgentID || !task.Status.Assigned() {
		// Someone else already moved or finished it.
		return
	}
	if task.ReassignmentCount >= r.config.MaxReassignments {
		r.bus.Publish(events.Event{
			Type:      events.TypeReassignmentMaxReached,
			EntityID:  taskID,
			ProjectID: projectID,
			Payload:   map[string]any{"reassignmentCount": task.ReassignmentCount},
		})
		return
	}

	candidates, err := r.store.ListAgents(ctx, projectID)
	if err != nil {
		r.fail(taskID, projectID, "failed to list agents")
		return
	}
	best := match.FindBestAgent(candidates, task.RequiredCapabilities(), match.FindBestAgentOptions{
		ExcludeAgentIDs: []string{fromAgentID},
	})
	if best == nil {
		r.fail(taskID, projectID, "no available agent")
		return
	}

	if _, err := r.store.ReassignTask(ctx, taskID, best.Agent.ID, projectID); err != nil {
		r.fail(taskID, projectID, err.Error())
		return
	}
	r.logger.Info("Task reassigned",
		"task_id", taskID,
		"from", fromAgentID,
		"to", best.Agent.ID,
		"score", best.Score)
}

func (r *Reassigner) fail(taskID, projectID, reason string) {
	r.logger.Warn("Reassignment failed", "task_id", taskID, "reason", reason)
	r.bus.Publish(events.Event{
		Type:      events.TypeReassignmentFailed,
		EntityID:  taskID,
		ProjectID: projectID,
		Payload:   map[string]any{"reason": reason},
	})
}

// PendingCount reports how many grace timers are currently scheduled.
func (r *Reassigner) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
