package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
)

const taskColumns = `id, project_id, title, description, status, priority, assigned_to, dependencies, files, tags, metadata, reassignment_count, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	var (
		t        models.Task
		depsRaw  []byte
		filesRaw []byte
		tagsRaw  []byte
		metaRaw  []byte
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status,
		&t.Priority, &t.AssignedTo, &depsRaw, &filesRaw, &tagsRaw, &metaRaw,
		&t.ReassignmentCount, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(depsRaw, &t.Dependencies); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(filesRaw, &t.Files); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tagsRaw, &t.Tags); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metaRaw, &t.Metadata); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" || t.ProjectID == "" {
		return fmt.Errorf("%w: task id and projectId are required", ErrValidation)
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
	deps, err := marshalJSON(t.Dependencies)
	if err != nil {
		return err
	}
	files, err := marshalJSON(t.Files)
	if err != nil {
		return err
	}
	tags, err := marshalJSON(t.Tags)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(t.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, priority, assigned_to, dependencies, files, tags, metadata, reassignment_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.Priority, t.AssignedTo,
		deps, files, tags, meta, t.ReassignmentCount, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: task %s already exists", ErrConflict, t.ID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	s.emit(events.TypeTaskCreated, t.ID, t.ProjectID, nil, t)
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, projectID string, status models.TaskStatus) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
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
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTask uses a guarded UPDATE so racing claimers are serialized by the
// database: only the transition from pending succeeds.
func (s *PostgresStore) ClaimTask(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrValidation)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'claimed', assigned_to = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+taskColumns, taskID, agentID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish missing from already-claimed.
		existing, getErr := s.GetTask(ctx, taskID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: task %s is %s, not pending", ErrConflict, taskID, existing.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	s.emit(events.TypeTaskUpdated, taskID, t.ProjectID, nil, t)
	return t, nil
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) (*models.Task, error) {
	before, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if before.Status == status {
		return before, nil
	}
	if !taskTransitionAllowed(before.Status, status) {
		return nil, fmt.Errorf("%w: task %s cannot go %s → %s", ErrConflict, taskID, before.Status, status)
	}

	assignee := before.AssignedTo
	if !status.Assigned() {
		assignee = ""
	}
	// The WHERE guard re-checks the starting status so a concurrent
	// transition loses cleanly instead of clobbering.
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = $2, assigned_to = $3, updated_at = now()
		WHERE id = $1 AND status = $4
		RETURNING `+taskColumns, taskID, status, assignee, before.Status)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s changed concurrently", ErrConflict, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}

	eventType := events.TypeTaskUpdated
	switch status {
	case models.TaskCompleted:
		eventType = events.TypeTaskCompleted
	case models.TaskFailed:
		eventType = events.TypeTaskFailed
	}
	s.emit(eventType, taskID, t.ProjectID, before, t)
	return t, nil
}

func (s *PostgresStore) ReassignTask(ctx context.Context, taskID, newAgentID, projectID string) (*models.Task, error) {
	if newAgentID == "" {
		return nil, fmt.Errorf("%w: new agent id is required", ErrValidation)
	}
	before, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if projectID != "" && before.ProjectID != projectID {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if !before.Status.Assigned() {
		return nil, fmt.Errorf("%w: task %s is %s, not assigned", ErrConflict, taskID, before.Status)
	}
	if before.AssignedTo == newAgentID {
		return nil, fmt.Errorf("%w: task %s already assigned to %s", ErrConflict, taskID, newAgentID)
	}

	meta := before.Metadata
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["reassignedFrom"] = before.AssignedTo
	metaRaw, err := marshalJSON(meta)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET assigned_to = $2, status = 'claimed', metadata = $3,
		    reassignment_count = reassignment_count + 1, updated_at = now()
		WHERE id = $1 AND assigned_to = $4
		RETURNING `+taskColumns, taskID, newAgentID, metaRaw, before.AssignedTo)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s changed concurrently", ErrConflict, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("reassign task: %w", err)
	}
	s.emit(events.TypeReassignment, taskID, t.ProjectID, before, t)
	return t, nil
}

func (s *PostgresStore) GetOrphanedTasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	query := `
		SELECT ` + prefixedTaskColumns("t") + `
		FROM tasks t
		LEFT JOIN agents a ON a.id = t.assigned_to
		WHERE t.status IN ('claimed', 'in_progress', 'blocked')
		  AND (a.id IS NULL OR a.status = 'offline')`
	var args []any
	if projectID != "" {
		args = append(args, projectID)
		query += ` AND t.project_id = $1`
	}
	query += ` ORDER BY t.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("orphaned tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func prefixedTaskColumns(alias string) string {
	return alias + `.id, ` + alias + `.project_id, ` + alias + `.title, ` + alias + `.description, ` +
		alias + `.status, ` + alias + `.priority, ` + alias + `.assigned_to, ` + alias + `.dependencies, ` +
		alias + `.files, ` + alias + `.tags, ` + alias + `.metadata, ` + alias + `.reassignment_count, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

func (s *PostgresStore) GetTaskReassignmentCount(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT reassignment_count FROM tasks WHERE id = $1`, taskID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return 0, fmt.Errorf("reassignment count: %w", err)
	}
	return count, nil
}

// --- File locks ---

// AcquireLock is a single upsert: the insert wins when no row exists, the
// update fires only for the same holder (TTL extension) or an expired lock
// (takeover). Anything else returns no row, which maps to ErrConflict.
func (s *PostgresStore) AcquireLock(ctx context.Context, projectID, path, agentID string, ttl time.Duration) (*models.FileLock, error) {
	if projectID == "" || path == "" || agentID == "" {
		return nil, fmt.Errorf("%w: projectId, path, and agentId are required", ErrValidation)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: lock ttl must be positive", ErrValidation)
	}

	now := time.Now().UTC()
	expires := now.Add(ttl)
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO file_locks (project_id, file_path, agent_id, locked_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, file_path) DO UPDATE
		SET agent_id = EXCLUDED.agent_id,
		    expires_at = EXCLUDED.expires_at,
		    locked_at = CASE
		        WHEN file_locks.expires_at <= now() THEN EXCLUDED.locked_at
		        ELSE file_locks.locked_at
		    END
		WHERE file_locks.agent_id = EXCLUDED.agent_id OR file_locks.expires_at <= now()
		RETURNING project_id, file_path, agent_id, locked_at, expires_at`,
		projectID, path, agentID, now, expires)

	var l models.FileLock
	err := row.Scan(&l.ProjectID, &l.FilePath, &l.AgentID, &l.LockedAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		holder := s.lockHolder(ctx, projectID, path)
		s.emit(events.TypeConflictDetected, path, projectID, nil, map[string]any{
			"filePath": path,
			"holder":   holder,
			"claimant": agentID,
		})
		return nil, fmt.Errorf("%w: %s is locked by %s", ErrConflict, path, holder)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	s.emit(events.TypeLockAcquired, path, projectID, nil, &l)
	return &l, nil
}

func (s *PostgresStore) lockHolder(ctx context.Context, projectID, path string) string {
	var holder string
	_ = s.db.QueryRowContext(ctx,
		`SELECT agent_id FROM file_locks WHERE project_id = $1 AND file_path = $2`,
		projectID, path).Scan(&holder)
	return holder
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, projectID, path, agentID string) error {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM file_locks
		WHERE project_id = $1 AND file_path = $2 AND agent_id = $3 AND expires_at > now()
		RETURNING project_id, file_path, agent_id, locked_at, expires_at`,
		projectID, path, agentID)

	var l models.FileLock
	err := row.Scan(&l.ProjectID, &l.FilePath, &l.AgentID, &l.LockedAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		holder := s.lockHolder(ctx, projectID, path)
		if holder != "" && holder != agentID {
			return fmt.Errorf("%w: %s is locked by %s, not %s", ErrConflict, path, holder, agentID)
		}
		return fmt.Errorf("%w: no live lock on %s", ErrStaleLock, path)
	}
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	s.emit(events.TypeLockReleased, path, projectID, &l, nil)
	return nil
}

func (s *PostgresStore) ForceReleaseLock(ctx context.Context, projectID, path string) error {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM file_locks
		WHERE project_id = $1 AND file_path = $2
		RETURNING project_id, file_path, agent_id, locked_at, expires_at`,
		projectID, path)

	var l models.FileLock
	err := row.Scan(&l.ProjectID, &l.FilePath, &l.AgentID, &l.LockedAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: no lock on %s", ErrNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("force release lock: %w", err)
	}
	s.emit(events.TypeLockReleased, path, projectID, &l, nil)
	return nil
}

func (s *PostgresStore) ReleaseAgentLocks(ctx context.Context, agentID string) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM file_locks WHERE agent_id = $1
		RETURNING project_id, file_path, agent_id, locked_at, expires_at`, agentID)
	if err != nil {
		return 0, fmt.Errorf("release agent locks: %w", err)
	}
	defer rows.Close()

	released := 0
	for rows.Next() {
		var l models.FileLock
		if err := rows.Scan(&l.ProjectID, &l.FilePath, &l.AgentID, &l.LockedAt, &l.ExpiresAt); err != nil {
			return released, fmt.Errorf("scan lock: %w", err)
		}
		released++
		s.emit(events.TypeLockReleased, l.FilePath, l.ProjectID, &l, nil)
	}
	return released, rows.Err()
}

func (s *PostgresStore) ListActiveLocks(ctx context.Context, projectID string) ([]*models.FileLock, error) {
	query := `SELECT project_id, file_path, agent_id, locked_at, expires_at
		FROM file_locks WHERE expires_at > now()`
	var args []any
	if projectID != "" {
		args = append(args, projectID)
		query += ` AND project_id = $1`
	}
	query += ` ORDER BY file_path`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var out []*models.FileLock
	for rows.Next() {
		var l models.FileLock
		if err := rows.Scan(&l.ProjectID, &l.FilePath, &l.AgentID, &l.LockedAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SweepExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM file_locks WHERE expires_at <= $1
		RETURNING project_id, file_path, agent_id, locked_at, expires_at`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep locks: %w", err)
	}
	defer rows.Close()

	swept := 0
	for rows.Next() {
		var l models.FileLock
		if err := rows.Scan(&l.ProjectID, &l.FilePath, &l.AgentID, &l.LockedAt, &l.ExpiresAt); err != nil {
			return swept, fmt.Errorf("scan lock: %w", err)
		}
		swept++
		s.emit(events.TypeLockSwept, l.FilePath, l.ProjectID, &l, nil)
	}
	return swept, rows.Err()
}
