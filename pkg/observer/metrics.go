package observer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentfleet/foreman/pkg/models"
)

// Stats is the per-event-type decision summary.
type Stats struct {
	Total       int     `json:"total"`
	Autonomous  int     `json:"autonomous"`
	Escalated   int     `json:"escalated"`
	SuccessRate float64 `json:"successRate"`
}

// pendingOutcome tracks one recorded decision until its outcome arrives.
type pendingOutcome struct {
	eventType models.DetectionType
	agentID   string
	taskID    string
	recorded  time.Time
}

// Metrics records every decision and its eventual outcome, both as
// Prometheus series and as in-process stats for the API.
type Metrics struct {
	decisions *prometheus.CounterVec
	outcomes  *prometheus.CounterVec
	latency   *prometheus.HistogramVec

	mu      sync.Mutex
	stats   map[models.DetectionType]*tally
	pending map[string]pendingOutcome

	// onSuccess lets the decision engine reset its counters when an
	// autonomous action is confirmed successful.
	onSuccess func(p pendingOutcome)
}

type tally struct {
	total      int
	autonomous int
	escalated  int
	successes  int
	resolved   int
}

// NewMetrics creates a metrics tracker registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foreman_observer_decisions_total",
			Help: "Decisions produced by the observer, by event type and action.",
		}, []string{"event_type", "action"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foreman_observer_action_outcomes_total",
			Help: "Outcomes of executed autonomous actions.",
		}, []string{"event_type", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "foreman_observer_outcome_latency_seconds",
			Help:    "Time from decision to recorded outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),
		stats:   make(map[models.DetectionType]*tally),
		pending: make(map[string]pendingOutcome),
	}
	if reg != nil {
		reg.MustRegister(m.decisions, m.outcomes, m.latency)
	}
	return m
}

// Record registers one decision and returns the metric id used to report
// its outcome later.
func (m *Metrics) Record(ev models.DetectionEvent, decision *models.Decision) string {
	metricID := uuid.NewString()
	m.decisions.WithLabelValues(string(ev.Type), string(decision.Action)).Inc()

	m.mu.Lock()
	t := m.tallyFor(ev.Type)
	t.total++
	switch decision.Action {
	case models.DecisionAutonomous:
		t.autonomous++
	case models.DecisionEscalate:
		t.escalated++
	}
	m.pending[metricID] = pendingOutcome{
		eventType: ev.Type,
		agentID:   ev.AgentID,
		taskID:    ev.TaskID,
		recorded:  time.Now().UTC(),
	}
	m.mu.Unlock()
	return metricID
}

// RecordOutcome reports the terminal result of a recorded decision.
// Successful outcomes trigger the engine's counter resets.
func (m *Metrics) RecordOutcome(metricID string, success bool) {
	m.mu.Lock()
	p, ok := m.pending[metricID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pending, metricID)
	t := m.tallyFor(p.eventType)
	t.resolved++
	if success {
		t.successes++
	}
	onSuccess := m.onSuccess
	m.mu.Unlock()

	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.outcomes.WithLabelValues(string(p.eventType), outcome).Inc()
	m.latency.WithLabelValues(string(p.eventType)).Observe(time.Since(p.recorded).Seconds())

	if success && onSuccess != nil {
		onSuccess(p)
	}
}

// GetStats returns the decision summary for one event type.
func (m *Metrics) GetStats(eventType models.DetectionType) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.stats[eventType]
	if !ok {
		return Stats{}
	}
	s := Stats{Total: t.total, Autonomous: t.autonomous, Escalated: t.escalated}
	if t.resolved > 0 {
		s.SuccessRate = float64(t.successes) / float64(t.resolved)
	}
	return s
}

func (m *Metrics) tallyFor(eventType models.DetectionType) *tally {
	t, ok := m.stats[eventType]
	if !ok {
		t = &tally{}
		m.stats[eventType] = t
	}
	return t
}
