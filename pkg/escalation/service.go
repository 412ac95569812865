// Package escalation is the human-in-the-loop queue: a prioritized,
// persistent list of decisions the observer could not (or was not
// allowed to) handle autonomously.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/store"
)

// Notifier pushes escalations to an external channel. Nil-safe by
// construction on the Slack side; the service also tolerates nil.
type Notifier interface {
	NotifyEscalation(ctx context.Context, esc *models.Escalation)
}

// Counts is the per-status and per-priority summary for dashboards.
type Counts struct {
	Total      int                               `json:"total"`
	Pending    int                               `json:"pending"`
	Open       int                               `json:"open"`
	ByPriority map[models.EscalationPriority]int `json:"byPriority"`
}

// Service implements the escalation queue over the state store. The
// store provides durability and event publication; the service owns the
// lifecycle rules and notification policy.
type Service struct {
	store    store.Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an escalation service.
func NewService(st store.Store, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		notifier: notifier,
		logger:   logger.With("component", "escalations"),
		now:      time.Now,
	}
}

// typeFor infers the escalation type from the triggering detection.
func typeFor(ev models.DetectionEvent) models.EscalationType {
	switch ev.Type {
	case models.DetectionAuthNeeded:
		return models.EscalationAuthRequired
	case models.DetectionError, models.DetectionCrash:
		return models.EscalationAgentError
	case models.DetectionTestFailure:
		return models.EscalationTaskReview
	default:
		return models.EscalationManualIntervention
	}
}

func titleFor(ev models.DetectionEvent, escType models.EscalationType) string {
	switch ev.Type {
	case models.DetectionAuthNeeded:
		return fmt.Sprintf("Agent %s needs %s authentication", ev.AgentID, ev.Provider)
	case models.DetectionError:
		return fmt.Sprintf("Agent %s reported a %s error", ev.AgentID, ev.Severity)
	case models.DetectionTestFailure:
		return fmt.Sprintf("Agent %s: %d tests failing after retries", ev.AgentID, ev.FailedTests)
	case models.DetectionStuck:
		return fmt.Sprintf("Agent %s unresponsive", ev.AgentID)
	case models.DetectionCrash:
		return fmt.Sprintf("Agent %s sandbox crashed (exit %d)", ev.AgentID, ev.ExitCode)
	default:
		return fmt.Sprintf("Agent %s requires attention (%s)", ev.AgentID, escType)
	}
}

// CreateFromDecision files a new escalation for a decision the observer
// routed to a human. The console tail is captured in the context.
func (s *Service) CreateFromDecision(ctx context.Context, ev models.DetectionEvent, decision *models.Decision, consoleOutput []string) (*models.Escalation, error) {
	escType := typeFor(ev)
	priority := decision.Priority
	if priority == "" {
		priority = models.DefaultPriorityFor(escType)
	}

	projectID := ""
	if agent, err := s.store.GetAgent(ctx, ev.AgentID); err == nil {
		projectID = agent.ProjectID
	}

	esc := &models.Escalation{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Type:      escType,
		Priority:  priority,
		Status:    models.EscalationPending,
		Title:     titleFor(ev, escType),
		AgentID:   ev.AgentID,
		Context: map[string]any{
			"event":    ev,
			"decision": decision,
		},
		CreatedAt: s.now().UTC(),
	}
	if len(consoleOutput) > 0 {
		esc.Context["consoleOutput"] = consoleOutput
	}

	if err := s.store.CreateEscalation(ctx, esc); err != nil {
		return nil, fmt.Errorf("create escalation: %w", err)
	}
	s.logger.Info("Escalation created",
		"escalation_id", esc.ID,
		"type", esc.Type,
		"priority", esc.Priority,
		"agent_id", esc.AgentID)

	if s.notifier != nil && ShouldNotify(esc) {
		s.notifier.NotifyEscalation(ctx, esc)
	}
	return esc, nil
}

// Create files an escalation directly, outside the observer flow
// (budget alerts, manual API submissions).
func (s *Service) Create(ctx context.Context, esc *models.Escalation) error {
	if esc.ID == "" {
		esc.ID = uuid.NewString()
	}
	if esc.Status == "" {
		esc.Status = models.EscalationPending
	}
	if esc.Priority == "" {
		esc.Priority = models.DefaultPriorityFor(esc.Type)
	}
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = s.now().UTC()
	}
	if err := s.store.CreateEscalation(ctx, esc); err != nil {
		return err
	}
	if s.notifier != nil && ShouldNotify(esc) {
		s.notifier.NotifyEscalation(ctx, esc)
	}
	return nil
}

// Acknowledge marks an escalation as seen, optionally assigning it.
func (s *Service) Acknowledge(ctx context.Context, id, userID string) (*models.Escalation, error) {
	return s.transition(ctx, id, func(esc *models.Escalation) error {
		if !esc.Open() {
			return fmt.Errorf("%w: escalation %s is %s", store.ErrConflict, id, esc.Status)
		}
		esc.Status = models.EscalationAcknowledged
		if userID != "" {
			esc.AssignedTo = userID
		}
		return nil
	})
}

// Snooze hides an escalation until the given time.
func (s *Service) Snooze(ctx context.Context, id string, until time.Time) (*models.Escalation, error) {
	if !until.After(s.now()) {
		return nil, fmt.Errorf("%w: snooze time must be in the future", store.ErrValidation)
	}
	return s.transition(ctx, id, func(esc *models.Escalation) error {
		if !esc.Open() {
			return fmt.Errorf("%w: escalation %s is %s", store.ErrConflict, id, esc.Status)
		}
		esc.Status = models.EscalationSnoozed
		u := until.UTC()
		esc.SnoozedUntil = &u
		return nil
	})
}

// Resolve closes an escalation with a human-supplied resolution.
func (s *Service) Resolve(ctx context.Context, id, userID, resolution string) (*models.Escalation, error) {
	return s.transition(ctx, id, func(esc *models.Escalation) error {
		if !esc.Open() {
			return fmt.Errorf("%w: escalation %s is %s", store.ErrConflict, id, esc.Status)
		}
		now := s.now().UTC()
		esc.Status = models.EscalationResolved
		esc.ResolvedBy = userID
		esc.Resolution = resolution
		esc.ResolvedAt = &now
		return nil
	})
}

// Dismiss closes an escalation without action.
func (s *Service) Dismiss(ctx context.Context, id, userID string) (*models.Escalation, error) {
	return s.transition(ctx, id, func(esc *models.Escalation) error {
		if !esc.Open() {
			return fmt.Errorf("%w: escalation %s is %s", store.ErrConflict, id, esc.Status)
		}
		now := s.now().UTC()
		esc.Status = models.EscalationDismissed
		esc.ResolvedBy = userID
		esc.ResolvedAt = &now
		return nil
	})
}

// EscalateExternal hands an escalation to an outside process (paging,
// ticketing) and marks it escalated here.
func (s *Service) EscalateExternal(ctx context.Context, id, userID string) (*models.Escalation, error) {
	return s.transition(ctx, id, func(esc *models.Escalation) error {
		if !esc.Open() {
			return fmt.Errorf("%w: escalation %s is %s", store.ErrConflict, id, esc.Status)
		}
		esc.Status = models.EscalationEscalated
		esc.AssignedTo = userID
		return nil
	})
}

// GetAll returns a project's escalations, priority-ordered.
func (s *Service) GetAll(ctx context.Context, projectID string) ([]*models.Escalation, error) {
	return s.store.ListEscalations(ctx, projectID)
}

// GetPending returns open escalations that are currently due.
func (s *Service) GetPending(ctx context.Context, projectID string) ([]*models.Escalation, error) {
	all, err := s.store.ListEscalations(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	var out []*models.Escalation
	for _, esc := range all {
		if esc.Open() && esc.Due(now) {
			out = append(out, esc)
		}
	}
	return out, nil
}

// GetCritical returns open critical-priority escalations.
func (s *Service) GetCritical(ctx context.Context, projectID string) ([]*models.Escalation, error) {
	all, err := s.store.ListEscalations(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var out []*models.Escalation
	for _, esc := range all {
		if esc.Open() && esc.Priority == models.EscalationCritical {
			out = append(out, esc)
		}
	}
	return out, nil
}

// GetCounts summarizes a project's escalations.
func (s *Service) GetCounts(ctx context.Context, projectID string) (*Counts, error) {
	all, err := s.store.ListEscalations(ctx, projectID)
	if err != nil {
		return nil, err
	}
	counts := &Counts{ByPriority: make(map[models.EscalationPriority]int)}
	for _, esc := range all {
		counts.Total++
		if esc.Status == models.EscalationPending {
			counts.Pending++
		}
		if esc.Open() {
			counts.Open++
			counts.ByPriority[esc.Priority]++
		}
	}
	return counts, nil
}

// ShouldNotify reports whether an escalation warrants a push
// notification: critical always, high only when someone is assigned.
func ShouldNotify(esc *models.Escalation) bool {
	switch esc.Priority {
	case models.EscalationCritical:
		return true
	case models.EscalationHigh:
		return esc.AssignedTo != ""
	default:
		return false
	}
}

func (s *Service) transition(ctx context.Context, id string, mutate func(*models.Escalation) error) (*models.Escalation, error) {
	esc, err := s.store.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(esc); err != nil {
		return nil, err
	}
	if err := s.store.UpdateEscalation(ctx, esc); err != nil {
		return nil, err
	}
	s.logger.Info("Escalation updated", "escalation_id", id, "status", esc.Status)
	return esc, nil
}
