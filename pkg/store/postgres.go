package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agentfleet/foreman/pkg/database"
	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
)

// PostgresStore is the durable engine backed by pgx over database/sql.
// Atomic transitions (claim, lock acquisition) use guarded UPDATE/INSERT
// statements so correctness does not depend on application-side locking.
type PostgresStore struct {
	db  *sql.DB
	bus *events.Bus
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps a connected database client. A nil bus disables
// event emission.
func NewPostgresStore(client *database.Client, bus *events.Bus) *PostgresStore {
	return &PostgresStore{db: client.DB(), bus: bus}
}

// Close is a no-op; the database client owns the pool.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) emit(eventType, entityID, projectID string, before, after any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      eventType,
		EntityID:  entityID,
		ProjectID: projectID,
		Before:    before,
		After:     after,
	})
}

// marshalJSON encodes v for a jsonb column, mapping nil to SQL NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return b, nil
}

func unmarshalJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// --- Projects ---

const projectColumns = `id, name, conflict_strategy, autonomy_level, budget, zone_config, budget_alert_sent, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (*models.Project, error) {
	var (
		p          models.Project
		budgetRaw  []byte
		zoneRaw    []byte
	)
	err := row.Scan(&p.ID, &p.Name, &p.ConflictStrategy, &p.AutonomyLevel,
		&budgetRaw, &zoneRaw, &p.BudgetAlertSent, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(budgetRaw) > 0 {
		p.Budget = &models.Budget{}
		if err := unmarshalJSON(budgetRaw, p.Budget); err != nil {
			return nil, err
		}
	}
	if len(zoneRaw) > 0 {
		p.ZoneConfig = &models.ProjectZoneConfig{}
		if err := unmarshalJSON(zoneRaw, p.ZoneConfig); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		return fmt.Errorf("%w: project id is required", ErrValidation)
	}
	budget, err := marshalJSON(p.Budget)
	if err != nil {
		return err
	}
	zones, err := marshalJSON(p.ZoneConfig)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, conflict_strategy, autonomy_level, budget, zone_config, budget_alert_sent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.Name, p.ConflictStrategy, p.AutonomyLevel, budget, zones, p.BudgetAlertSent, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: project %s already exists", ErrConflict, p.ID)
		}
		return fmt.Errorf("insert project: %w", err)
	}
	s.emit("project:created", p.ID, p.ID, nil, p)
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, p *models.Project) error {
	budget, err := marshalJSON(p.Budget)
	if err != nil {
		return err
	}
	zones, err := marshalJSON(p.ZoneConfig)
	if err != nil {
		return err
	}
	before, err := s.GetProject(ctx, p.ID)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET name = $2, conflict_strategy = $3, autonomy_level = $4,
		    budget = $5, zone_config = $6, budget_alert_sent = $7, updated_at = now()
		WHERE id = $1`,
		p.ID, p.Name, p.ConflictStrategy, p.AutonomyLevel, budget, zones, p.BudgetAlertSent)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: project %s", ErrNotFound, p.ID)
	}
	s.emit("project:updated", p.ID, p.ID, before, p)
	return nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Agents ---

const agentColumns = `id, project_id, name, provider, model, capabilities, cost_per_token, status, last_heartbeat, metadata, created_at`

func scanAgent(row interface{ Scan(...any) error }) (*models.AgentProfile, error) {
	var (
		a       models.AgentProfile
		capsRaw []byte
		costRaw []byte
		metaRaw []byte
		hb      sql.NullTime
	)
	err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Provider, &a.Model,
		&capsRaw, &costRaw, &a.Status, &hb, &metaRaw, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(capsRaw, &a.Capabilities); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(costRaw, &a.CostPerToken); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metaRaw, &a.Metadata); err != nil {
		return nil, err
	}
	if hb.Valid {
		t := hb.Time.UTC()
		a.LastHeartbeat = &t
	}
	return &a, nil
}

func (s *PostgresStore) RegisterAgent(ctx context.Context, a *models.AgentProfile) error {
	if a.ID == "" {
		return fmt.Errorf("%w: agent id is required", ErrValidation)
	}
	if a.Status == "" {
		a.Status = models.AgentIdle
	}
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	caps, err := marshalJSON(a.Capabilities)
	if err != nil {
		return err
	}
	cost, err := marshalJSON(a.CostPerToken)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(a.Metadata)
	if err != nil {
		return err
	}
	a.CreatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, project_id, name, provider, model, capabilities, cost_per_token, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.ProjectID, a.Name, a.Provider, a.Model, caps, cost, a.Status, meta, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: agent %s already registered", ErrConflict, a.ID)
		}
		return fmt.Errorf("register agent: %w", err)
	}
	s.emit(events.TypeAgentRegistered, a.ID, a.ProjectID, nil, a)
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.AgentProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, projectID string) ([]*models.AgentProfile, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = $1`
		args = append(args, projectID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.AgentProfile
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateAgentStatus(ctx context.Context, agentID string, status models.AgentStatus) error {
	before, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = $2 WHERE id = $1`, agentID, status)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	after := *before
	after.Status = status
	eventType := events.TypeAgentUpdated
	if status == models.AgentOffline {
		eventType = events.TypeAgentOffline
	}
	s.emit(eventType, agentID, before.ProjectID, before, &after)
	return nil
}

func (s *PostgresStore) RecordHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	at = at.UTC()
	row := s.db.QueryRowContext(ctx, `
		UPDATE agents
		SET last_heartbeat = $2,
		    status = CASE WHEN status = 'offline' THEN 'idle' ELSE status END
		WHERE id = $1
		RETURNING project_id`, agentID, at)
	var projectID string
	if err := row.Scan(&projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
		}
		return fmt.Errorf("record heartbeat: %w", err)
	}
	s.emit(events.TypeAgentHeartbeat, agentID, projectID, nil, map[string]any{"at": at})
	return nil
}

func (s *PostgresStore) RemoveAgent(ctx context.Context, agentID string) error {
	before, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, agentID); err != nil {
		return fmt.Errorf("remove agent: %w", err)
	}
	s.emit(events.TypeAgentRemoved, agentID, before.ProjectID, before, nil)
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}

// sortEscalationsDeterministic is shared by both engines for stable output.
func sortEscalationsDeterministic(escs []*models.Escalation) {
	sort.Slice(escs, func(i, j int) bool { return escs[i].ID < escs[j].ID })
	models.SortEscalations(escs)
}
