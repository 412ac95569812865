package observer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/foreman/pkg/models"
)

// crashCooldown is the minimum spacing between autonomous restarts of the
// same agent. Crashes inside the window escalate instead.
const crashCooldown = 60 * time.Second

// maxTaskRetries bounds autonomous retry_task per task.
const maxTaskRetries = 3

// maxStuckPrompts bounds autonomous prompt_agent per silence episode.
const maxStuckPrompts = 2

// maxCrashRestarts bounds autonomous restart_agent per agent.
const maxCrashRestarts = 3

// AgentState is the engine's per-agent recovery bookkeeping. Counters
// grow with each autonomous attempt and reset when a recorded outcome
// confirms recovery.
type AgentState struct {
	StuckPromptAttempts int
	TaskRetryCounts     map[string]int
	CrashRestartCount   int
	LastCrashAt         time.Time
}

// Engine maps a detection event, the agent's recovery state, and the
// project autonomy level to a decision. Rules run in a fixed order; the
// first match wins.
type Engine struct {
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	states map[string]*AgentState
}

// NewEngine creates a decision engine. Successful outcomes recorded on
// metrics reset the matching agent counters.
func NewEngine(metrics *Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		metrics: metrics,
		logger:  logger.With("component", "decision-engine"),
		now:     time.Now,
		states:  make(map[string]*AgentState),
	}
	if metrics != nil {
		metrics.onSuccess = e.resetOnSuccess
	}
	return e
}

// Decide produces the decision for one detection event plus the metric
// id to report its outcome under.
func (e *Engine) Decide(ev models.DetectionEvent, level models.AutonomyLevel) (*models.Decision, string) {
	e.mu.Lock()
	state := e.stateFor(ev.AgentID)
	decision := e.apply(ev, state)
	e.mu.Unlock()

	decision.ID = uuid.NewString()
	decision.TriggerEvent = ev
	decision.AutonomyLevel = level
	decision.Status = models.DecisionPending
	decision.CreatedAt = e.now().UTC()

	// Autonomy override: actions the level does not permit escalate
	// instead of executing.
	if decision.Action == models.DecisionAutonomous && !decision.ActionType.AllowedAutonomously(level) {
		decision.Action = models.DecisionEscalate
		if decision.Priority == "" {
			decision.Priority = models.EscalationHigh
		}
		decision.Reason = fmt.Sprintf("%s not permitted at autonomy level %s: %s", decision.ActionType, level, decision.Reason)
	}

	var metricID string
	if e.metrics != nil {
		metricID = e.metrics.Record(ev, decision)
	}

	e.logger.Info("Decision",
		"event_type", ev.Type,
		"agent_id", ev.AgentID,
		"action", decision.Action,
		"action_type", decision.ActionType,
		"priority", decision.Priority)
	return decision, metricID
}

// apply evaluates the rule table. Caller holds e.mu; counter increments
// for autonomous attempts happen here so concurrent detections for one
// agent see consistent state.
func (e *Engine) apply(ev models.DetectionEvent, state *AgentState) *models.Decision {
	switch ev.Type {
	case models.DetectionAuthNeeded:
		return &models.Decision{
			Action:   models.DecisionEscalate,
			Priority: models.EscalationCritical,
			Reason:   fmt.Sprintf("agent requires %s authentication", ev.Provider),
		}

	case models.DetectionError:
		if ev.Severity == models.SeverityFatal {
			return &models.Decision{
				Action:   models.DecisionEscalate,
				Priority: models.EscalationCritical,
				Reason:   "fatal error in agent output",
			}
		}
		return &models.Decision{
			Action:     models.DecisionAutonomous,
			ActionType: models.ActionPromptAgent,
			Reason:     "non-fatal error, prompting agent to recover",
		}

	case models.DetectionTestFailure:
		retries := state.TaskRetryCounts[ev.TaskID]
		if retries < maxTaskRetries {
			state.TaskRetryCounts[ev.TaskID] = retries + 1
			return &models.Decision{
				Action:     models.DecisionAutonomous,
				ActionType: models.ActionRetryTask,
				Reason:     fmt.Sprintf("test failure, retry %d of %d", retries+1, maxTaskRetries),
			}
		}
		return &models.Decision{
			Action:   models.DecisionEscalate,
			Priority: models.EscalationHigh,
			Reason:   fmt.Sprintf("test failures persisted through %d retries", maxTaskRetries),
		}

	case models.DetectionStuck:
		if state.StuckPromptAttempts < maxStuckPrompts {
			state.StuckPromptAttempts++
			return &models.Decision{
				Action:     models.DecisionAutonomous,
				ActionType: models.ActionPromptAgent,
				Reason:     fmt.Sprintf("agent silent, prompt attempt %d of %d", state.StuckPromptAttempts, maxStuckPrompts),
			}
		}
		return &models.Decision{
			Action:   models.DecisionEscalate,
			Priority: models.EscalationHigh,
			Reason:   "agent unresponsive after repeated prompts",
		}

	case models.DetectionCrash:
		now := e.now().UTC()
		if state.CrashRestartCount < maxCrashRestarts &&
			(state.LastCrashAt.IsZero() || now.Sub(state.LastCrashAt) >= crashCooldown) {
			state.CrashRestartCount++
			state.LastCrashAt = now
			return &models.Decision{
				Action:     models.DecisionAutonomous,
				ActionType: models.ActionRestartAgent,
				Reason:     fmt.Sprintf("sandbox crashed, restart %d of %d", state.CrashRestartCount, maxCrashRestarts),
			}
		}
		state.LastCrashAt = now
		return &models.Decision{
			Action:   models.DecisionEscalate,
			Priority: models.EscalationHigh,
			Reason:   "agent crashing repeatedly",
		}

	default:
		return &models.Decision{
			Action: models.DecisionIgnore,
			Reason: fmt.Sprintf("no rule for event type %s", ev.Type),
		}
	}
}

// State returns a copy of an agent's recovery state.
func (e *Engine) State(agentID string) AgentState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stateFor(agentID)
	out := *s
	out.TaskRetryCounts = make(map[string]int, len(s.TaskRetryCounts))
	for k, v := range s.TaskRetryCounts {
		out.TaskRetryCounts[k] = v
	}
	return out
}

// resetOnSuccess clears the counter behind a confirmed-successful
// autonomous action. Stuck prompts are excluded: delivering a prompt is
// not recovery, only renewed output is (see NoteActivity).
func (e *Engine) resetOnSuccess(p pendingOutcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.stateFor(p.agentID)
	switch p.eventType {
	case models.DetectionTestFailure:
		delete(state.TaskRetryCounts, p.taskID)
	case models.DetectionCrash:
		state.CrashRestartCount = 0
	}
}

// NoteActivity marks an agent as producing output again, ending the
// current silence episode and resetting its prompt counter.
func (e *Engine) NoteActivity(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[agentID]; ok {
		s.StuckPromptAttempts = 0
	}
}

func (e *Engine) stateFor(agentID string) *AgentState {
	s, ok := e.states[agentID]
	if !ok {
		s = &AgentState{TaskRetryCounts: make(map[string]int)}
		e.states[agentID] = s
	}
	return s
}
