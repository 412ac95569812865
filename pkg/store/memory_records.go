package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
)

// AppendCostEvent records one unit of spend. Cost events are append-only;
// there is no update or delete path.
func (s *MemoryStore) AppendCostEvent(_ context.Context, e *models.CostEvent) error {
	if e.ProjectID == "" || e.AgentID == "" {
		return fmt.Errorf("%w: cost event needs projectId and agentId", ErrValidation)
	}
	if e.Cost.IsNegative() {
		return fmt.Errorf("%w: cost must be non-negative", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.costEvents = append(s.costEvents, cloneCostEvent(e))
	s.emit(events.TypeCostRecorded, e.ID, e.ProjectID, nil, cloneCostEvent(e))
	return nil
}

// ListCostEvents returns a project's cost events in append order.
func (s *MemoryStore) ListCostEvents(_ context.Context, projectID string) ([]*models.CostEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.CostEvent
	for _, e := range s.costEvents {
		if projectID == "" || e.ProjectID == projectID {
			out = append(out, cloneCostEvent(e))
		}
	}
	return out, nil
}

// TotalSpend sums a project's cost events with exact decimal arithmetic.
func (s *MemoryStore) TotalSpend(_ context.Context, projectID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, e := range s.costEvents {
		if e.ProjectID == projectID {
			total = total.Add(e.Cost)
		}
	}
	return total, nil
}

// AppendActionLog records one executed action.
func (s *MemoryStore) AppendActionLog(_ context.Context, entry *models.ActionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}
	s.actionLog = append(s.actionLog, cloneActionLogEntry(entry))
	s.emit(events.TypeAction, entry.ID, entry.ProjectID, nil, cloneActionLogEntry(entry))
	return nil
}

// ListActionLog returns a project's newest action entries, newest first,
// capped at limit (0 means no cap).
func (s *MemoryStore) ListActionLog(_ context.Context, projectID string, limit int) ([]*models.ActionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ActionLogEntry
	for i := len(s.actionLog) - 1; i >= 0; i-- {
		e := s.actionLog[i]
		if projectID != "" && e.ProjectID != projectID {
			continue
		}
		out = append(out, cloneActionLogEntry(e))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- Escalations ---

// CreateEscalation stores a new escalation and publishes it on the bus.
func (s *MemoryStore) CreateEscalation(_ context.Context, e *models.Escalation) error {
	if e.ID == "" || e.ProjectID == "" {
		return fmt.Errorf("%w: escalation needs id and projectId", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.escalations[e.ID]; exists {
		return fmt.Errorf("%w: escalation %s already exists", ErrConflict, e.ID)
	}
	if e.Priority == "" {
		e.Priority = models.DefaultPriorityFor(e.Type)
	}
	if e.Status == "" {
		e.Status = models.EscalationPending
	}
	e.CreatedAt = time.Now().UTC()
	s.escalations[e.ID] = cloneEscalation(e)
	s.emit(events.TypeEscalation, e.ID, e.ProjectID, nil, cloneEscalation(e))
	return nil
}

// GetEscalation returns a snapshot of the escalation.
func (s *MemoryStore) GetEscalation(_ context.Context, id string) (*models.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escalations[id]
	if !ok {
		return nil, fmt.Errorf("%w: escalation %s", ErrNotFound, id)
	}
	return cloneEscalation(e), nil
}

// UpdateEscalation replaces an escalation's mutable fields.
func (s *MemoryStore) UpdateEscalation(_ context.Context, e *models.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.escalations[e.ID]
	if !ok {
		return fmt.Errorf("%w: escalation %s", ErrNotFound, e.ID)
	}
	before := cloneEscalation(existing)
	updated := cloneEscalation(e)
	updated.CreatedAt = existing.CreatedAt
	s.escalations[e.ID] = updated
	s.emit(events.TypeEscalation, e.ID, e.ProjectID, before, cloneEscalation(updated))
	return nil
}

// ListEscalations returns a project's escalations sorted by priority
// descending, then CreatedAt ascending.
func (s *MemoryStore) ListEscalations(_ context.Context, projectID string) ([]*models.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Escalation
	for _, e := range s.escalations {
		if projectID == "" || e.ProjectID == projectID {
			out = append(out, cloneEscalation(e))
		}
	}
	// Pre-sort by id so the stable priority sort is deterministic across
	// map iteration orders.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	models.SortEscalations(out)
	return out, nil
}

// --- Access requests ---

// CreateAccessRequest stores a new pending access request.
func (s *MemoryStore) CreateAccessRequest(_ context.Context, r *models.AccessRequest) error {
	if r.ID == "" || r.ProjectID == "" || r.AgentID == "" || r.Path == "" {
		return fmt.Errorf("%w: access request needs id, projectId, agentId, and path", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accessRequests[r.ID]; exists {
		return fmt.Errorf("%w: access request %s already exists", ErrConflict, r.ID)
	}
	if r.Status == "" {
		r.Status = models.AccessRequestPending
	}
	r.CreatedAt = time.Now().UTC()
	s.accessRequests[r.ID] = cloneAccessRequest(r)
	s.emit("access-request:created", r.ID, r.ProjectID, nil, cloneAccessRequest(r))
	return nil
}

// GetAccessRequest returns a snapshot of the access request.
func (s *MemoryStore) GetAccessRequest(_ context.Context, id string) (*models.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.accessRequests[id]
	if !ok {
		return nil, fmt.Errorf("%w: access request %s", ErrNotFound, id)
	}
	return cloneAccessRequest(r), nil
}

// UpdateAccessRequest replaces an access request's review fields. Requests
// already past pending cannot be re-reviewed.
func (s *MemoryStore) UpdateAccessRequest(_ context.Context, r *models.AccessRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.accessRequests[r.ID]
	if !ok {
		return fmt.Errorf("%w: access request %s", ErrNotFound, r.ID)
	}
	if existing.Status != models.AccessRequestPending && existing.Status != r.Status {
		return fmt.Errorf("%w: access request %s is already %s", ErrConflict, r.ID, existing.Status)
	}
	before := cloneAccessRequest(existing)
	updated := cloneAccessRequest(r)
	updated.CreatedAt = existing.CreatedAt
	s.accessRequests[r.ID] = updated
	s.emit("access-request:updated", r.ID, r.ProjectID, before, cloneAccessRequest(updated))
	return nil
}

// ListAccessRequests returns a project's requests, filtered by status when
// non-empty, ordered by creation then id.
func (s *MemoryStore) ListAccessRequests(_ context.Context, projectID string, status models.AccessRequestStatus) ([]*models.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AccessRequest
	for _, r := range s.accessRequests {
		if projectID != "" && r.ProjectID != projectID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, cloneAccessRequest(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ExpireOldAccessRequests flips pending requests created before the cutoff
// to expired and returns how many were flipped.
func (s *MemoryStore) ExpireOldAccessRequests(_ context.Context, projectID string, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for _, r := range s.accessRequests {
		if projectID != "" && r.ProjectID != projectID {
			continue
		}
		if r.Status != models.AccessRequestPending || !r.CreatedAt.Before(olderThan) {
			continue
		}
		before := cloneAccessRequest(r)
		r.Status = models.AccessRequestExpired
		expired++
		s.emit("access-request:updated", r.ID, r.ProjectID, before, cloneAccessRequest(r))
	}
	return expired, nil
}

// --- Onboarding config ---

// GetOnboarding returns the project's opaque onboarding document, or an
// empty map when none has been stored.
func (s *MemoryStore) GetOnboarding(_ context.Context, projectID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.onboarding[projectID]
	if !ok {
		return map[string]any{}, nil
	}
	return cloneMeta(cfg), nil
}

// SetOnboarding replaces the project's onboarding document.
func (s *MemoryStore) SetOnboarding(_ context.Context, projectID string, cfg map[string]any) error {
	if projectID == "" {
		return fmt.Errorf("%w: projectId is required", ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onboarding[projectID] = cloneMeta(cfg)
	return nil
}
