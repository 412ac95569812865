// Package health classifies agent liveness from heartbeat age and emits
// status transition events.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/agentfleet/foreman/pkg/config"
	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/store"
)

// Status is the monitor's liveness classification, distinct from the
// agent's working status in the store.
type Status string

// Liveness classification constants.
const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusOffline  Status = "offline"
)

// eventTypeFor maps a classification to its bus event type.
func eventTypeFor(s Status) string {
	switch s {
	case StatusWarning:
		return events.TypeStatusWarning
	case StatusCritical:
		return events.TypeStatusCritical
	case StatusOffline:
		return events.TypeStatusOffline
	default:
		return events.TypeStatusHealthy
	}
}

// Classify maps a heartbeat age to a liveness status. A nil heartbeat is
// offline immediately.
func Classify(lastHeartbeat *time.Time, now time.Time, cfg *config.HealthConfig) Status {
	if lastHeartbeat == nil {
		return StatusOffline
	}
	age := now.Sub(*lastHeartbeat)
	switch {
	case age >= cfg.OfflineAge:
		return StatusOffline
	case age >= cfg.CriticalAge:
		return StatusCritical
	case age >= cfg.WarningAge:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

// Transition is the payload of every status:* event.
type Transition struct {
	AgentID        string               `json:"agentId"`
	PreviousStatus Status               `json:"previousStatus"`
	CurrentStatus  Status               `json:"currentStatus"`
	Agent          *models.AgentProfile `json:"agent"`
}

// Monitor scans all agents on a fixed interval and publishes transitions.
type Monitor struct {
	store  store.Store
	bus    *events.Bus
	config *config.HealthConfig
	logger *slog.Logger
	client *http.Client

	// now is swappable for tests.
	now func() time.Time

	mu   sync.Mutex
	last map[string]Status

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a health monitor.
func NewMonitor(st store.Store, bus *events.Bus, cfg *config.HealthConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:  st,
		bus:    bus,
		config: cfg,
		logger: logger.With("component", "health-monitor"),
		client: &http.Client{Timeout: 5 * time.Second},
		now:    time.Now,
		last:   make(map[string]Status),
	}
}

// Start launches the background scan loop.
func (m *Monitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run(ctx)

	m.logger.Info("Health monitor started",
		"interval", m.config.ScanInterval,
		"warning_age", m.config.WarningAge,
		"critical_age", m.config.CriticalAge,
		"offline_age", m.config.OfflineAge)
}

// Stop signals the scan loop to exit and waits for it to finish.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.logger.Info("Health monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.Scan(ctx)

	ticker := time.NewTicker(m.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan classifies every agent once, publishing a status event for each
// transition. Exposed for tests and for on-demand rechecks.
func (m *Monitor) Scan(ctx context.Context) {
	agents, err := m.store.ListAgents(ctx, "")
	if err != nil {
		m.logger.Error("Health scan failed", "error", err)
		return
	}
	now := m.now().UTC()

	for _, agent := range agents {
		current := Classify(agent.LastHeartbeat, now, m.config)
		m.observe(ctx, agent, current)
	}
}

func (m *Monitor) observe(ctx context.Context, agent *models.AgentProfile, current Status) {
	m.mu.Lock()
	previous, seen := m.last[agent.ID]
	m.last[agent.ID] = current
	m.mu.Unlock()

	if seen && previous == current {
		return
	}
	if !seen {
		previous = StatusHealthy
		if current == StatusHealthy {
			return
		}
	}

	m.logger.Info("Agent status transition",
		"agent_id", agent.ID,
		"previous", previous,
		"current", current)

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      eventTypeFor(current),
			EntityID:  agent.ID,
			ProjectID: agent.ProjectID,
			Payload: Transition{
				AgentID:        agent.ID,
				PreviousStatus: previous,
				CurrentStatus:  current,
				Agent:          agent,
			},
		})
	}

	// Offline is the only classification mirrored into the store; the
	// working status stays untouched for warning and critical.
	if current == StatusOffline && agent.Status != models.AgentOffline {
		if err := m.store.UpdateAgentStatus(ctx, agent.ID, models.AgentOffline); err != nil {
			m.logger.Error("Failed to mark agent offline", "agent_id", agent.ID, "error", err)
		}
	}

	if current == StatusCritical || current == StatusOffline {
		m.alert(ctx, agent, previous, current)
	}
}

// alert POSTs the transition to the configured webhook. Best effort only;
// failures are logged and swallowed.
func (m *Monitor) alert(ctx context.Context, agent *models.AgentProfile, previous, current Status) {
	if m.config.AlertWebhookURL == "" {
		return
	}
	body, err := json.Marshal(Transition{
		AgentID:        agent.ID,
		PreviousStatus: previous,
		CurrentStatus:  current,
		Agent:          agent,
	})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.AlertWebhookURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("Health webhook delivery failed", "error", err)
		return
	}
	_ = resp.Body.Close()
}
