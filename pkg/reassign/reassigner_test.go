package reassign

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/foreman/pkg/config"
	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/store"
)

func setup(t *testing.T, grace time.Duration) (*Reassigner, *store.MemoryStore, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	st := store.NewMemoryStore(bus)

	cfg := config.DefaultReassignConfig()
	cfg.GracePeriod = grace
	r := NewReassigner(st, bus, cfg, nil)
	return r, st, bus
}

func markOffline(t *testing.T, st *store.MemoryStore, bus *events.Bus, agentID string) {
	t.Helper()
	require.NoError(t, st.UpdateAgentStatus(context.Background(), agentID, models.AgentOffline))
	bus.Publish(events.Event{Type: events.TypeStatusOffline, EntityID: agentID, ProjectID: "p1"})
}

func seedFleet(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateProject(ctx, &models.Project{ID: "p1", Name: "p1"}))
	for _, a := range []struct {
		id   string
		caps []string
		cost string
	}{
		{"dying", []string{"go"}, "0.02"},
		{"cheap", []string{"go"}, "0.01"},
		{"pricey", []string{"go"}, "0.05"},
	} {
		require.NoError(t, st.RegisterAgent(ctx, &models.AgentProfile{
			ID: a.id, ProjectID: "p1", Name: a.id, Provider: models.ProviderCustom,
			Capabilities: a.caps,
			CostPerToken: models.CostPerToken{
				Input:  decimal.RequireFromString(a.cost),
				Output: decimal.Zero,
			},
		}))
	}
}

func claimTask(t *testing.T, st *store.MemoryStore, taskID, agentID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateTask(ctx, &models.Task{
		ID: taskID, ProjectID: "p1", Title: taskID,
		Tags: []string{"requires:go"},
	}))
	_, err := st.ClaimTask(ctx, taskID, agentID)
	require.NoError(t, err)
}

func TestReassignAfterGracePeriod(t *testing.T) {
	r, st, bus := setup(t, 20*time.Millisecond)
	ctx := context.Background()
	seedFleet(t, st)
	claimTask(t, st, "t1", "dying")

	r.Start(ctx)
	defer r.Stop()

	// The health monitor normally publishes the transition; tests drive the
	// store directly and publish status:offline themselves.
	markOffline(t, st, bus, "dying")

	require.Eventually(t, func() bool {
		task, err := st.GetTask(ctx, "t1")
		return err == nil && task.AssignedTo == "cheap"
	}, time.Second, 10*time.Millisecond)

	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, task.ReassignmentCount)
	assert.Equal(t, "dying", task.Metadata["reassignedFrom"])
}

func TestRecoveryWithinGraceCancels(t *testing.T) {
	r, st, bus := setup(t, 50*time.Millisecond)
	ctx := context.Background()
	seedFleet(t, st)
	claimTask(t, st, "t1", "dying")

	r.Start(ctx)
	defer r.Stop()

	markOffline(t, st, bus, "dying")
	require.Eventually(t, func() bool { return r.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	// Agent comes back before the timer fires.
	require.NoError(t, st.UpdateAgentStatus(ctx, "dying", models.AgentIdle))

	time.Sleep(150 * time.Millisecond)
	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "dying", task.AssignedTo)
	assert.Zero(t, task.ReassignmentCount)
}

func TestMaxReassignmentsEmitsMarker(t *testing.T) {
	r, st, bus := setup(t, time.Millisecond)
	ctx := context.Background()
	seedFleet(t, st)
	claimTask(t, st, "t1", "dying")

	// Exhaust the budget before the agent dies.
	_, err := st.ReassignTask(ctx, "t1", "cheap", "p1")
	require.NoError(t, err)
	_, err = st.ReassignTask(ctx, "t1", "pricey", "p1")
	require.NoError(t, err)
	_, err = st.ReassignTask(ctx, "t1", "dying", "p1")
	require.NoError(t, err)

	sub := bus.Subscribe(16, events.TypeReassignmentMaxReached)
	defer sub.Cancel()

	r.Start(ctx)
	defer r.Stop()
	markOffline(t, st, bus, "dying")

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "t1", ev.EntityID)
	case <-time.After(time.Second):
		t.Fatal("expected reassignment:max-reached")
	}

	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, task.ReassignmentCount)
	assert.Equal(t, "dying", task.AssignedTo)
}

func TestNoCandidateEmitsFailed(t *testing.T) {
	r, st, bus := setup(t, time.Millisecond)
	ctx := context.Background()
	require.NoError(t, st.CreateProject(ctx, &models.Project{ID: "p1", Name: "p1"}))
	require.NoError(t, st.RegisterAgent(ctx, &models.AgentProfile{
		ID: "solo", ProjectID: "p1", Name: "solo", Provider: models.ProviderCustom,
	}))
	claimTask(t, st, "t1", "solo")

	sub := bus.Subscribe(16, events.TypeReassignmentFailed)
	defer sub.Cancel()

	r.Start(ctx)
	defer r.Stop()
	markOffline(t, st, bus, "solo")

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "t1", ev.EntityID)
		payload := ev.Payload.(map[string]any)
		assert.Equal(t, "no available agent", payload["reason"])
	case <-time.After(time.Second):
		t.Fatal("expected reassignment:failed")
	}
}

func TestStopCancelsTimers(t *testing.T) {
	r, st, bus := setup(t, time.Hour)
	ctx := context.Background()
	seedFleet(t, st)
	claimTask(t, st, "t1", "dying")

	r.Start(ctx)
	markOffline(t, st, bus, "dying")
	require.Eventually(t, func() bool { return r.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return with a pending timer")
	}
	assert.Zero(t, r.PendingCount())
}

func TestDuplicateOfflineEventsScheduleOnce(t *testing.T) {
	r, st, bus := setup(t, time.Hour)
	ctx := context.Background()
	seedFleet(t, st)
	claimTask(t, st, "t1", "dying")

	r.Start(ctx)
	defer r.Stop()

	markOffline(t, st, bus, "dying")
	// A second offline notification for the same agent.
	bus.Publish(events.Event{Type: events.TypeStatusOffline, EntityID: "dying", ProjectID: "p1"})

	require.Eventually(t, func() bool { return r.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, r.PendingCount())
}
