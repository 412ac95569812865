package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
)

// MemoryStore is the in-memory engine: one writer lock serializes all
// mutations; reads return deep copies so callers hold true snapshots.
type MemoryStore struct {
	bus *events.Bus

	mu             sync.RWMutex
	projects       map[string]*models.Project
	agents         map[string]*models.AgentProfile
	tasks          map[string]*models.Task
	locks          map[string]*models.FileLock // key: projectID + "\x00" + path
	costEvents     []*models.CostEvent
	actionLog      []*models.ActionLogEntry
	escalations    map[string]*models.Escalation
	accessRequests map[string]*models.AccessRequest
	onboarding     map[string]map[string]any
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store publishing to bus.
// A nil bus disables event emission.
func NewMemoryStore(bus *events.Bus) *MemoryStore {
	return &MemoryStore{
		bus:            bus,
		projects:       make(map[string]*models.Project),
		agents:         make(map[string]*models.AgentProfile),
		tasks:          make(map[string]*models.Task),
		locks:          make(map[string]*models.FileLock),
		escalations:    make(map[string]*models.Escalation),
		accessRequests: make(map[string]*models.AccessRequest),
		onboarding:     make(map[string]map[string]any),
	}
}

// Close is a no-op for the memory engine.
func (s *MemoryStore) Close() error { return nil }

// emit publishes a mutation event. Called with the writer lock held so
// bus order follows mutation order; Publish never blocks.
func (s *MemoryStore) emit(eventType, entityID, projectID string, before, after any) {
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

// --- Projects ---

// CreateProject stores a new project. Duplicate ids are ErrConflict.
func (s *MemoryStore) CreateProject(_ context.Context, p *models.Project) error {
	if p.ID == "" {
		return fmt.Errorf("%w: project id is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.projects[p.ID]; exists {
		return fmt.Errorf("%w: project %s already exists", ErrConflict, p.ID)
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.projects[p.ID] = cloneProject(p)
	s.emit("project:created", p.ID, p.ID, nil, cloneProject(p))
	return nil
}

// GetProject returns a snapshot of the project.
func (s *MemoryStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	return cloneProject(p), nil
}

// UpdateProject replaces a project's mutable fields.
func (s *MemoryStore) UpdateProject(_ context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.projects[p.ID]
	if !ok {
		return fmt.Errorf("%w: project %s", ErrNotFound, p.ID)
	}
	before := cloneProject(existing)
	updated := cloneProject(p)
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.projects[p.ID] = updated
	s.emit("project:updated", p.ID, p.ID, before, cloneProject(updated))
	return nil
}

// ListProjects returns snapshots of all projects, ordered by creation.
func (s *MemoryStore) ListProjects(_ context.Context) ([]*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, cloneProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Agents ---

// RegisterAgent stores a new agent profile with status idle.
func (s *MemoryStore) RegisterAgent(_ context.Context, a *models.AgentProfile) error {
	if a.ID == "" {
		return fmt.Errorf("%w: agent id is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[a.ID]; exists {
		return fmt.Errorf("%w: agent %s already registered", ErrConflict, a.ID)
	}
	if a.Status == "" {
		a.Status = models.AgentIdle
	}
	a.CreatedAt = time.Now().UTC()
	s.agents[a.ID] = cloneAgent(a)
	s.emit(events.TypeAgentRegistered, a.ID, a.ProjectID, nil, cloneAgent(a))
	return nil
}

// GetAgent returns a snapshot of the agent.
func (s *MemoryStore) GetAgent(_ context.Context, id string) (*models.AgentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	return cloneAgent(a), nil
}

// ListAgents returns snapshots of a project's agents (all agents when
// projectID is empty), ordered by id for determinism.
func (s *MemoryStore) ListAgents(_ context.Context, projectID string) ([]*models.AgentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AgentProfile
	for _, a := range s.agents {
		if projectID == "" || a.ProjectID == projectID {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateAgentStatus transitions an agent's status, emitting agent:updated
// (agent:offline when the new status is offline).
func (s *MemoryStore) UpdateAgentStatus(_ context.Context, agentID string, status models.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	before := cloneAgent(a)
	a.Status = status
	eventType := events.TypeAgentUpdated
	if status == models.AgentOffline {
		eventType = events.TypeAgentOffline
	}
	s.emit(eventType, agentID, a.ProjectID, before, cloneAgent(a))
	return nil
}

// RecordHeartbeat stamps the agent's liveness signal.
func (s *MemoryStore) RecordHeartbeat(_ context.Context, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	at = at.UTC()
	a.LastHeartbeat = &at
	// An offline agent that heartbeats again becomes idle; the health
	// monitor emits the status transition on its next scan.
	if a.Status == models.AgentOffline {
		a.Status = models.AgentIdle
	}
	s.emit(events.TypeAgentHeartbeat, agentID, a.ProjectID, nil, cloneAgent(a))
	return nil
}

// RemoveAgent destroys the profile. Locks the agent still holds are left
// for the sweeper.
func (s *MemoryStore) RemoveAgent(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	delete(s.agents, agentID)
	s.emit(events.TypeAgentRemoved, agentID, a.ProjectID, cloneAgent(a), nil)
	return nil
}
