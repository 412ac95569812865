package observer

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/agentfleet/foreman/pkg/config"
	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/store"
)

// Escalator files escalations for decisions that need a human.
// Implemented by the escalation queue service.
type Escalator interface {
	CreateFromDecision(ctx context.Context, ev models.DetectionEvent, decision *models.Decision, consoleOutput []string) (*models.Escalation, error)
}

// Pipeline is the assembled observer: output ingestion, detectors,
// decision engine, action executor, and escalation routing. One agent's
// detections are processed sequentially; different agents in parallel.
type Pipeline struct {
	store     store.Store
	matcher   *PatternMatcher
	stuck     *StuckDetector
	crash     *CrashDetector
	engine    *Engine
	executor  *Executor
	escalator Escalator
	metrics   *Metrics
	bus       *events.Bus
	logger    *slog.Logger

	mu         sync.Mutex
	agentLocks map[string]*sync.Mutex

	sub  *events.Subscription
	done chan struct{}
}

// NewPipeline assembles the observer over existing components.
func NewPipeline(st store.Store, engine *Engine, executor *Executor, escalator Escalator, metrics *Metrics, bus *events.Bus, cfg *config.ObserverConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:      st,
		engine:     engine,
		executor:   executor,
		escalator:  escalator,
		metrics:    metrics,
		bus:        bus,
		logger:     logger.With("component", "observer"),
		agentLocks: make(map[string]*sync.Mutex),
	}
	p.matcher = NewPatternMatcher(DefaultDetectors(), bus, cfg.EventBufferSize, p.handle, logger)
	p.stuck = NewStuckDetector(cfg, p.matcher.Emit, logger)
	p.crash = NewCrashDetector(p.matcher.Emit)
	return p
}

// HandleOutput is the sandbox manager's output observer: every chunk
// resets the agent's silence clock and feeds the line scanner.
func (p *Pipeline) HandleOutput(agentID, sandboxID string, stderr bool, chunk []byte) {
	p.stuck.Touch(agentID)
	p.engine.NoteActivity(agentID)
	p.matcher.Ingest(agentID, sandboxID, chunk)
}

// Start begins the stuck checker and the sandbox-event subscription that
// feeds the crash detector.
func (p *Pipeline) Start(ctx context.Context) {
	p.stuck.Start(ctx)

	p.sub = p.bus.Subscribe(0, "sandbox:")
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-p.sub.Events():
				if !ok {
					return
				}
				p.crash.HandleSandboxEvent(ev)
			}
		}
	}()

	p.logger.Info("Observer pipeline started")
}

// Stop halts the stuck checker and the sandbox-event consumer.
func (p *Pipeline) Stop() {
	p.stuck.Stop()
	if p.sub != nil {
		p.sub.Cancel()
		<-p.done
		p.sub = nil
	}
	p.logger.Info("Observer pipeline stopped")
}

// Matcher exposes the line scanner, e.g. for the API's recent-output view.
func (p *Pipeline) Matcher() *PatternMatcher { return p.matcher }

// Stuck exposes the silence tracker so sandbox lifecycle code can
// register and unregister agents.
func (p *Pipeline) Stuck() *StuckDetector { return p.stuck }

// handle routes one detection through the decision engine and then to
// the executor or the escalation queue.
func (p *Pipeline) handle(ev models.DetectionEvent) {
	lock := p.agentLock(ev.AgentID)
	lock.Lock()
	defer lock.Unlock()

	ctx := context.Background()
	projectID, level := p.projectContext(ctx, ev.AgentID)
	if ev.TaskID == "" {
		ev.TaskID = p.currentTask(ctx, projectID, ev.AgentID)
	}

	decision, metricID := p.engine.Decide(ev, level)

	switch decision.Action {
	case models.DecisionAutonomous:
		outcome, err := p.executor.Execute(ctx, ExecuteRequest{ProjectID: projectID, Decision: decision})
		if err != nil {
			p.logger.Warn("Autonomous action failed",
				"action", decision.ActionType,
				"agent_id", ev.AgentID,
				"error", err)
		}
		decision.Status = models.DecisionExecuted
		if outcome != models.OutcomeSuccess {
			decision.Status = models.DecisionFailed
		}
		if p.metrics != nil {
			p.metrics.RecordOutcome(metricID, outcome == models.OutcomeSuccess)
		}

	case models.DecisionEscalate:
		if p.escalator == nil {
			p.logger.Error("No escalator configured, dropping escalation", "agent_id", ev.AgentID)
			return
		}
		console := p.matcher.RecentLines(ev.AgentID)
		if len(console) > 50 {
			console = console[len(console)-50:]
		}
		if _, err := p.escalator.CreateFromDecision(ctx, ev, decision, console); err != nil {
			p.logger.Error("Failed to create escalation", "agent_id", ev.AgentID, "error", err)
		}
	}
}

// projectContext resolves the agent's project and its autonomy level.
// Unknown agents fall back to the most restrictive level.
func (p *Pipeline) projectContext(ctx context.Context, agentID string) (string, models.AutonomyLevel) {
	agent, err := p.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", models.AutonomyManual
	}
	project, err := p.store.GetProject(ctx, agent.ProjectID)
	if err != nil {
		return agent.ProjectID, models.AutonomyManual
	}
	level := project.AutonomyLevel
	if level == "" {
		level = models.AutonomySupervised
	}
	return project.ID, level
}

// currentTask finds the task the agent is actively working on, if any.
func (p *Pipeline) currentTask(ctx context.Context, projectID, agentID string) string {
	if projectID == "" {
		return ""
	}
	tasks, err := p.store.ListTasks(ctx, projectID, "")
	if err != nil {
		return ""
	}
	for _, t := range tasks {
		if t.AssignedTo == agentID && t.Status.Assigned() {
			return t.ID
		}
	}
	return ""
}

func (p *Pipeline) agentLock(agentID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Keys are agent ids; normalize empty to a shared slot.
	key := strings.TrimSpace(agentID)
	lock, ok := p.agentLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		p.agentLocks[key] = lock
	}
	return lock
}
