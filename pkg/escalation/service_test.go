package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/store"
)

type fakeNotifier struct {
	mu       sync.Mutex
	notified []*models.Escalation
}

func (f *fakeNotifier) NotifyEscalation(ctx context.Context, esc *models.Escalation) {
	f.mu.Lock()
	f.notified = append(f.notified, esc)
	f.mu.Unlock()
}

func setup(t *testing.T) (*Service, *store.MemoryStore, *fakeNotifier) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	st := store.NewMemoryStore(bus)
	n := &fakeNotifier{}
	svc := NewService(st, n, nil)

	ctx := context.Background()
	require.NoError(t, st.CreateProject(ctx, &models.Project{ID: "p1", Name: "p1"}))
	require.NoError(t, st.RegisterAgent(ctx, &models.AgentProfile{ID: "a1", ProjectID: "p1", Name: "a1", Provider: models.ProviderCustom}))
	return svc, st, n
}

func TestCreateFromDecisionInfersTypeAndNotifies(t *testing.T) {
	svc, st, n := setup(t)
	ctx := context.Background()

	ev := models.DetectionEvent{Type: models.DetectionAuthNeeded, AgentID: "a1", Provider: "github", AuthURL: "https://github.com/login/oauth/x"}
	decision := &models.Decision{Action: models.DecisionEscalate, Priority: models.EscalationCritical}

	esc, err := svc.CreateFromDecision(ctx, ev, decision, []string{"visit https://github.com/login/oauth/x"})
	require.NoError(t, err)
	assert.Equal(t, models.EscalationAuthRequired, esc.Type)
	assert.Equal(t, models.EscalationCritical, esc.Priority)
	assert.Equal(t, "p1", esc.ProjectID)
	assert.Equal(t, models.EscalationPending, esc.Status)
	assert.Contains(t, esc.Context, "consoleOutput")

	// Critical always notifies.
	require.Len(t, n.notified, 1)

	stored, err := st.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, esc.Title, stored.Title)
}

func TestCreateFromDecisionFatalErrorIsAgentError(t *testing.T) {
	svc, _, _ := setup(t)
	ev := models.DetectionEvent{Type: models.DetectionError, AgentID: "a1", Severity: models.SeverityFatal}
	esc, err := svc.CreateFromDecision(context.Background(), ev, &models.Decision{Action: models.DecisionEscalate, Priority: models.EscalationCritical}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.EscalationAgentError, esc.Type)
}

func TestLifecycleAcknowledgeResolve(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	esc, err := svc.CreateFromDecision(ctx, models.DetectionEvent{Type: models.DetectionStuck, AgentID: "a1"},
		&models.Decision{Action: models.DecisionEscalate, Priority: models.EscalationHigh}, nil)
	require.NoError(t, err)

	acked, err := svc.Acknowledge(ctx, esc.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.EscalationAcknowledged, acked.Status)
	assert.Equal(t, "alice", acked.AssignedTo)

	resolved, err := svc.Resolve(ctx, esc.ID, "alice", "restarted agent manually")
	require.NoError(t, err)
	assert.Equal(t, models.EscalationResolved, resolved.Status)
	assert.Equal(t, "restarted agent manually", resolved.Resolution)
	require.NotNil(t, resolved.ResolvedAt)

	// Closed escalations refuse further transitions.
	_, err = svc.Dismiss(ctx, esc.ID, "bob")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestSnoozeAffectsPendingList(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	esc, err := svc.CreateFromDecision(ctx, models.DetectionEvent{Type: models.DetectionStuck, AgentID: "a1"},
		&models.Decision{Action: models.DecisionEscalate, Priority: models.EscalationHigh}, nil)
	require.NoError(t, err)

	_, err = svc.Snooze(ctx, esc.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)

	pending, err := svc.GetPending(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Snoozing into the past is rejected.
	_, err = svc.Snooze(ctx, esc.ID, time.Now().Add(-time.Minute))
	assert.ErrorIs(t, err, store.ErrValidation)

	// Expired snoozes surface again.
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	pending, err = svc.GetPending(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestGetCountsAndCritical(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	mk := func(priority models.EscalationPriority) *models.Escalation {
		esc, err := svc.CreateFromDecision(ctx, models.DetectionEvent{Type: models.DetectionError, AgentID: "a1", Severity: models.SeverityFatal},
			&models.Decision{Action: models.DecisionEscalate, Priority: priority}, nil)
		require.NoError(t, err)
		return esc
	}
	crit := mk(models.EscalationCritical)
	mk(models.EscalationHigh)
	normal := mk(models.EscalationNormal)

	_, err := svc.Resolve(ctx, normal.ID, "alice", "ok")
	require.NoError(t, err)

	counts, err := svc.GetCounts(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Total)
	assert.Equal(t, 2, counts.Pending)
	assert.Equal(t, 2, counts.Open)
	assert.Equal(t, 1, counts.ByPriority[models.EscalationCritical])

	critical, err := svc.GetCritical(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, crit.ID, critical[0].ID)
}

func TestShouldNotify(t *testing.T) {
	tests := []struct {
		name string
		esc  models.Escalation
		want bool
	}{
		{"critical unassigned", models.Escalation{Priority: models.EscalationCritical}, true},
		{"high unassigned", models.Escalation{Priority: models.EscalationHigh}, false},
		{"high assigned", models.Escalation{Priority: models.EscalationHigh, AssignedTo: "alice"}, true},
		{"normal assigned", models.Escalation{Priority: models.EscalationNormal, AssignedTo: "alice"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldNotify(&tt.esc))
		})
	}
}

func TestEscalateExternal(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	esc, err := svc.CreateFromDecision(ctx, models.DetectionEvent{Type: models.DetectionCrash, AgentID: "a1"},
		&models.Decision{Action: models.DecisionEscalate, Priority: models.EscalationHigh}, nil)
	require.NoError(t, err)

	out, err := svc.EscalateExternal(ctx, esc.ID, "oncall")
	require.NoError(t, err)
	assert.Equal(t, models.EscalationEscalated, out.Status)
	assert.Equal(t, "oncall", out.AssignedTo)
}
