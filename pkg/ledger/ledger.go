// Package ledger tracks agent spend per project: an append-only cost
// event stream with rolling totals and a one-shot budget alert.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/store"
)

// Alerter files budget escalations. Implemented by the escalation
// service.
type Alerter interface {
	Create(ctx context.Context, esc *models.Escalation) error
}

// Summary is the spend rollup served by the costs API.
type Summary struct {
	Total       decimal.Decimal            `json:"total"`
	Budget      decimal.Decimal            `json:"budget"`
	PercentUsed float64                    `json:"percentUsed"`
	ByAgent     map[string]decimal.Decimal `json:"byAgent"`
	DailySpend  []DailySpend               `json:"dailySpend"`
}

// DailySpend is one day's total, for the trailing-week view.
type DailySpend struct {
	Date  string          `json:"date"` // YYYY-MM-DD, UTC
	Spend decimal.Decimal `json:"spend"`
}

// Service owns cost recording and the budget threshold check.
type Service struct {
	store   store.Store
	alerter Alerter
	logger  *slog.Logger
	now     func() time.Time

	// alertMu serializes the read-check-set around BudgetAlertSent so
	// concurrent records crossing the threshold fire the alert once.
	alertMu sync.Mutex
}

// NewService creates a cost ledger service.
func NewService(st store.Store, alerter Alerter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		alerter: alerter,
		logger:  logger.With("component", "cost-ledger"),
		now:     time.Now,
	}
}

// Record appends one cost event and runs the budget check. The append
// succeeds even when the alert path fails; alerting is best-effort.
func (s *Service) Record(ctx context.Context, e *models.CostEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	if err := s.store.AppendCostEvent(ctx, e); err != nil {
		return err
	}
	s.checkBudget(ctx, e.ProjectID)
	return nil
}

// checkBudget raises a one-shot budget_exceeded escalation when total
// spend crosses the project's alert threshold.
func (s *Service) checkBudget(ctx context.Context, projectID string) {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		s.logger.Warn("Budget check skipped", "project_id", projectID, "error", err)
		return
	}
	if project.Budget == nil || !project.Budget.Total.IsPositive() || project.BudgetAlertSent {
		return
	}

	total, err := s.store.TotalSpend(ctx, projectID)
	if err != nil {
		s.logger.Warn("Budget check skipped", "project_id", projectID, "error", err)
		return
	}
	threshold := project.Budget.Total.
		Mul(decimal.NewFromInt(int64(project.Budget.AlertThresholdPct))).
		Div(decimal.NewFromInt(100))
	if total.LessThan(threshold) {
		return
	}

	s.logger.Warn("Budget threshold crossed",
		"project_id", projectID,
		"spent", total.String(),
		"threshold", threshold.String())

	if s.alerter != nil {
		esc := &models.Escalation{
			ProjectID: projectID,
			Type:      models.EscalationBudgetExceeded,
			Priority:  models.EscalationHigh,
			Title: fmt.Sprintf("Project %s spent %s of %s budget (%d%% threshold crossed)",
				project.Name, total.StringFixed(2), project.Budget.Total.StringFixed(2), project.Budget.AlertThresholdPct),
			Context: map[string]any{
				"spent":  total.String(),
				"budget": project.Budget.Total.String(),
			},
		}
		if err := s.alerter.Create(ctx, esc); err != nil {
			s.logger.Error("Failed to file budget escalation", "project_id", projectID, "error", err)
			return
		}
	}

	project.BudgetAlertSent = true
	if err := s.store.UpdateProject(ctx, project); err != nil {
		s.logger.Error("Failed to persist budget alert marker", "project_id", projectID, "error", err)
	}
}

// UpdateBudget replaces a project's budget. Raising the ceiling re-arms
// the alert.
func (s *Service) UpdateBudget(ctx context.Context, projectID string, budget *models.Budget) (*models.Project, error) {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if budget != nil {
		if budget.AlertThresholdPct < 0 || budget.AlertThresholdPct > 100 {
			return nil, fmt.Errorf("%w: alertThresholdPct must be 0-100", store.ErrValidation)
		}
		if project.Budget == nil || budget.Total.GreaterThan(project.Budget.Total) {
			project.BudgetAlertSent = false
		}
	}
	project.Budget = budget
	if err := s.store.UpdateProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// Summarize builds the spend rollup: totals, per-agent breakdown, and
// the trailing seven days of daily spend.
func (s *Service) Summarize(ctx context.Context, projectID string) (*Summary, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListCostEvents(ctx, projectID)
	if err != nil {
		return nil, err
	}

	out := &Summary{ByAgent: make(map[string]decimal.Decimal)}
	daily := make(map[string]decimal.Decimal)
	for _, e := range events {
		out.Total = out.Total.Add(e.Cost)
		out.ByAgent[e.AgentID] = out.ByAgent[e.AgentID].Add(e.Cost)
		day := e.CreatedAt.UTC().Format("2006-01-02")
		daily[day] = daily[day].Add(e.Cost)
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	for i := 6; i >= 0; i-- {
		day := today.AddDate(0, 0, -i).Format("2006-01-02")
		out.DailySpend = append(out.DailySpend, DailySpend{Date: day, Spend: daily[day]})
	}

	if project.Budget != nil && project.Budget.Total.IsPositive() {
		out.Budget = project.Budget.Total
		pct, _ := out.Total.Div(project.Budget.Total).Mul(decimal.NewFromInt(100)).Float64()
		// Clamp for display; overspend still shows 100.
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		out.PercentUsed = pct
	}
	return out, nil
}
