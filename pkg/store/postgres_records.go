package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
)

func (s *PostgresStore) AppendCostEvent(ctx context.Context, e *models.CostEvent) error {
	if e.ProjectID == "" || e.AgentID == "" {
		return fmt.Errorf("%w: cost event needs projectId and agentId", ErrValidation)
	}
	if e.Cost.IsNegative() {
		return fmt.Errorf("%w: cost must be non-negative", ErrValidation)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_events (id, project_id, agent_id, task_id, model, tokens_input, tokens_output, cost, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ProjectID, e.AgentID, e.TaskID, e.Model, e.TokensInput, e.TokensOutput,
		e.Cost.String(), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert cost event: %w", err)
	}
	s.emit(events.TypeCostRecorded, e.ID, e.ProjectID, nil, e)
	return nil
}

func (s *PostgresStore) ListCostEvents(ctx context.Context, projectID string) ([]*models.CostEvent, error) {
	query := `SELECT id, project_id, agent_id, task_id, model, tokens_input, tokens_output, cost::text, created_at
		FROM cost_events`
	var args []any
	if projectID != "" {
		args = append(args, projectID)
		query += ` WHERE project_id = $1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cost events: %w", err)
	}
	defer rows.Close()

	var out []*models.CostEvent
	for rows.Next() {
		var (
			e       models.CostEvent
			costStr string
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.AgentID, &e.TaskID, &e.Model,
			&e.TokensInput, &e.TokensOutput, &costStr, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cost event: %w", err)
		}
		e.Cost, err = decimal.NewFromString(costStr)
		if err != nil {
			return nil, fmt.Errorf("parse cost: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TotalSpend(ctx context.Context, projectID string) (decimal.Decimal, error) {
	var totalStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0)::text FROM cost_events WHERE project_id = $1`,
		projectID).Scan(&totalStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("total spend: %w", err)
	}
	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse total: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) AppendActionLog(ctx context.Context, entry *models.ActionLogEntry) error {
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}
	trigger, err := marshalJSON(entry.TriggerEvent)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO action_log (id, project_id, action, trigger_event, outcome, outcome_details, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.ProjectID, entry.Action, trigger, entry.Outcome,
		entry.OutcomeDetails, entry.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert action log: %w", err)
	}
	s.emit(events.TypeAction, entry.ID, entry.ProjectID, nil, entry)
	return nil
}

func (s *PostgresStore) ListActionLog(ctx context.Context, projectID string, limit int) ([]*models.ActionLogEntry, error) {
	query := `SELECT id, project_id, action, trigger_event, outcome, outcome_details, executed_at
		FROM action_log`
	var args []any
	if projectID != "" {
		args = append(args, projectID)
		query += ` WHERE project_id = $1`
	}
	query += ` ORDER BY executed_at DESC, id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list action log: %w", err)
	}
	defer rows.Close()

	var out []*models.ActionLogEntry
	for rows.Next() {
		var (
			e          models.ActionLogEntry
			triggerRaw []byte
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Action, &triggerRaw,
			&e.Outcome, &e.OutcomeDetails, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan action log: %w", err)
		}
		if err := unmarshalJSON(triggerRaw, &e.TriggerEvent); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Escalations ---

const escalationColumns = `id, project_id, type, priority, status, title, context, agent_id, assigned_to, resolved_by, resolution, snoozed_until, created_at, resolved_at`

func scanEscalation(row interface{ Scan(...any) error }) (*models.Escalation, error) {
	var (
		e          models.Escalation
		contextRaw []byte
		snoozed    sql.NullTime
		resolved   sql.NullTime
	)
	err := row.Scan(&e.ID, &e.ProjectID, &e.Type, &e.Priority, &e.Status, &e.Title,
		&contextRaw, &e.AgentID, &e.AssignedTo, &e.ResolvedBy, &e.Resolution,
		&snoozed, &e.CreatedAt, &resolved)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(contextRaw, &e.Context); err != nil {
		return nil, err
	}
	if snoozed.Valid {
		t := snoozed.Time.UTC()
		e.SnoozedUntil = &t
	}
	if resolved.Valid {
		t := resolved.Time.UTC()
		e.ResolvedAt = &t
	}
	return &e, nil
}

func (s *PostgresStore) CreateEscalation(ctx context.Context, e *models.Escalation) error {
	if e.ID == "" || e.ProjectID == "" {
		return fmt.Errorf("%w: escalation needs id and projectId", ErrValidation)
	}
	if e.Priority == "" {
		e.Priority = models.DefaultPriorityFor(e.Type)
	}
	if e.Status == "" {
		e.Status = models.EscalationPending
	}
	e.CreatedAt = time.Now().UTC()
	contextRaw, err := marshalJSON(e.Context)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escalations (id, project_id, type, priority, status, title, context, agent_id, assigned_to, resolved_by, resolution, snoozed_until, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.ProjectID, e.Type, e.Priority, e.Status, e.Title, contextRaw,
		e.AgentID, e.AssignedTo, e.ResolvedBy, e.Resolution, e.SnoozedUntil,
		e.CreatedAt, e.ResolvedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: escalation %s already exists", ErrConflict, e.ID)
		}
		return fmt.Errorf("insert escalation: %w", err)
	}
	s.emit(events.TypeEscalation, e.ID, e.ProjectID, nil, e)
	return nil
}

func (s *PostgresStore) GetEscalation(ctx context.Context, id string) (*models.Escalation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE id = $1`, id)
	e, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: escalation %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get escalation: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) UpdateEscalation(ctx context.Context, e *models.Escalation) error {
	before, err := s.GetEscalation(ctx, e.ID)
	if err != nil {
		return err
	}
	contextRaw, err := marshalJSON(e.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE escalations
		SET type = $2, priority = $3, status = $4, title = $5, context = $6,
		    agent_id = $7, assigned_to = $8, resolved_by = $9, resolution = $10,
		    snoozed_until = $11, resolved_at = $12
		WHERE id = $1`,
		e.ID, e.Type, e.Priority, e.Status, e.Title, contextRaw,
		e.AgentID, e.AssignedTo, e.ResolvedBy, e.Resolution, e.SnoozedUntil, e.ResolvedAt)
	if err != nil {
		return fmt.Errorf("update escalation: %w", err)
	}
	s.emit(events.TypeEscalation, e.ID, e.ProjectID, before, e)
	return nil
}

func (s *PostgresStore) ListEscalations(ctx context.Context, projectID string) ([]*models.Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations`
	var args []any
	if projectID != "" {
		args = append(args, projectID)
		query += ` WHERE project_id = $1`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var out []*models.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortEscalationsDeterministic(out)
	return out, nil
}

// --- Access requests ---

const accessRequestColumns = `id, project_id, agent_id, path, zone, reason, status, reviewed_by, created_at, reviewed_at`

func scanAccessRequest(row interface{ Scan(...any) error }) (*models.AccessRequest, error) {
	var (
		r        models.AccessRequest
		reviewed sql.NullTime
	)
	err := row.Scan(&r.ID, &r.ProjectID, &r.AgentID, &r.Path, &r.Zone, &r.Reason,
		&r.Status, &r.ReviewedBy, &r.CreatedAt, &reviewed)
	if err != nil {
		return nil, err
	}
	if reviewed.Valid {
		t := reviewed.Time.UTC()
		r.ReviewedAt = &t
	}
	return &r, nil
}

func (s *PostgresStore) CreateAccessRequest(ctx context.Context, r *models.AccessRequest) error {
	if r.ID == "" || r.ProjectID == "" || r.AgentID == "" || r.Path == "" {
		return fmt.Errorf("%w: access request needs id, projectId, agentId, and path", ErrValidation)
	}
	if r.Status == "" {
		r.Status = models.AccessRequestPending
	}
	r.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_requests (id, project_id, agent_id, path, zone, reason, status, reviewed_by, created_at, reviewed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.ProjectID, r.AgentID, r.Path, r.Zone, r.Reason, r.Status,
		r.ReviewedBy, r.CreatedAt, r.ReviewedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: access request %s already exists", ErrConflict, r.ID)
		}
		return fmt.Errorf("insert access request: %w", err)
	}
	s.emit("access-request:created", r.ID, r.ProjectID, nil, r)
	return nil
}

func (s *PostgresStore) GetAccessRequest(ctx context.Context, id string) (*models.AccessRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accessRequestColumns+` FROM access_requests WHERE id = $1`, id)
	r, err := scanAccessRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: access request %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get access request: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateAccessRequest(ctx context.Context, r *models.AccessRequest) error {
	before, err := s.GetAccessRequest(ctx, r.ID)
	if err != nil {
		return err
	}
	if before.Status != models.AccessRequestPending && before.Status != r.Status {
		return fmt.Errorf("%w: access request %s is already %s", ErrConflict, r.ID, before.Status)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE access_requests
		SET zone = $2, reason = $3, status = $4, reviewed_by = $5, reviewed_at = $6
		WHERE id = $1`,
		r.ID, r.Zone, r.Reason, r.Status, r.ReviewedBy, r.ReviewedAt)
	if err != nil {
		return fmt.Errorf("update access request: %w", err)
	}
	s.emit("access-request:updated", r.ID, r.ProjectID, before, r)
	return nil
}

func (s *PostgresStore) ListAccessRequests(ctx context.Context, projectID string, status models.AccessRequestStatus) ([]*models.AccessRequest, error) {
	query := `SELECT ` + accessRequestColumns + ` FROM access_requests WHERE 1=1`
	var args []any
	if projectID != "" {
		args = append(args, projectID)
		query += fmt.Sprintf(` AND project_id = $%d`, len(args))
	}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list access requests: %w", err)
	}
	defer rows.Close()

	var out []*models.AccessRequest
	for rows.Next() {
		r, err := scanAccessRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan access request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExpireOldAccessRequests(ctx context.Context, projectID string, olderThan time.Time) (int, error) {
	query := `UPDATE access_requests SET status = 'expired'
		WHERE status = 'pending' AND created_at < $1`
	args := []any{olderThan.UTC()}
	if projectID != "" {
		args = append(args, projectID)
		query += ` AND project_id = $2`
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("expire access requests: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Onboarding config ---

func (s *PostgresStore) GetOnboarding(ctx context.Context, projectID string) (map[string]any, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM onboarding_config WHERE project_id = $1`, projectID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get onboarding: %w", err)
	}
	cfg := map[string]any{}
	if err := unmarshalJSON(raw, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *PostgresStore) SetOnboarding(ctx context.Context, projectID string, cfg map[string]any) error {
	if projectID == "" {
		return fmt.Errorf("%w: projectId is required", ErrValidation)
	}
	raw, err := marshalJSON(cfg)
	if err != nil {
		return err
	}
	if raw == nil {
		raw = []byte(`{}`)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO onboarding_config (project_id, config, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (project_id) DO UPDATE SET config = EXCLUDED.config, updated_at = now()`,
		projectID, raw)
	if err != nil {
		return fmt.Errorf("set onboarding: %w", err)
	}
	return nil
}
