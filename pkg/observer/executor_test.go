package observer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/foreman/pkg/config"
	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/store"
)

type fakeMessenger struct {
	mu        sync.Mutex
	connected bool
	failures  int // fail this many sends before succeeding
	sent      []string
}

func (f *fakeMessenger) SendMessage(ctx context.Context, agentID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("transport error")
	}
	f.sent = append(f.sent, agentID+": "+message)
	return nil
}

func (f *fakeMessenger) IsConnected() bool { return f.connected }

type fakePool struct {
	mu        sync.Mutex
	instances []*models.SandboxInstance
	killed    []string
	created   []string
}

func (f *fakePool) List() []*models.SandboxInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.SandboxInstance(nil), f.instances...)
}

func (f *fakePool) Kill(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakePool) Create(ctx context.Context, agentID, projectID, template string) (*models.SandboxInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, agentID+"/"+template)
	return &models.SandboxInstance{ID: "new", AgentID: agentID, ProjectID: projectID, Template: template, Status: models.SandboxRunning}, nil
}

type fakeMover struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeMover) Reassign(ctx context.Context, taskID, fromAgentID, projectID string) {
	f.mu.Lock()
	f.calls = append(f.calls, taskID)
	f.mu.Unlock()
}

func fastObserverConfig() *config.ObserverConfig {
	cfg := config.DefaultObserverConfig()
	cfg.ActionRetryDelay = time.Millisecond
	return cfg
}

func setupExecutor(t *testing.T, messenger Messenger, pool SandboxPool, mover TaskMover) (*Executor, *store.MemoryStore) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	st := store.NewMemoryStore(bus)
	x := NewExecutor(st, messenger, nil, mover, pool, bus, fastObserverConfig(), nil)
	return x, st
}

func decisionFor(actionType models.ActionType, trigger models.DetectionEvent) *models.Decision {
	return &models.Decision{
		ID:           "d1",
		TriggerEvent: trigger,
		Action:       models.DecisionAutonomous,
		ActionType:   actionType,
		Status:       models.DecisionPending,
		CreatedAt:    time.Now(),
	}
}

func seedProject(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	require.NoError(t, st.CreateProject(context.Background(), &models.Project{ID: "p1", Name: "p1"}))
}

func TestPromptAgentRetriesThenSucceeds(t *testing.T) {
	msg := &fakeMessenger{connected: true, failures: 1}
	x, st := setupExecutor(t, msg, nil, nil)
	seedProject(t, st)
	ctx := context.Background()

	outcome, err := x.Execute(ctx, ExecuteRequest{
		ProjectID: "p1",
		Decision:  decisionFor(models.ActionPromptAgent, models.DetectionEvent{Type: models.DetectionStuck, AgentID: "a1"}),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, outcome)
	require.Len(t, msg.sent, 1)
	assert.Contains(t, msg.sent[0], "a1: ")

	log, err := st.ListActionLog(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, models.ActionPromptAgent, log[0].Action)
	assert.Equal(t, models.OutcomeSuccess, log[0].Outcome)
}

func TestPromptAgentFailureAfterAllAttempts(t *testing.T) {
	msg := &fakeMessenger{connected: true, failures: 10}
	x, st := setupExecutor(t, msg, nil, nil)
	seedProject(t, st)
	ctx := context.Background()

	outcome, err := x.Execute(ctx, ExecuteRequest{
		ProjectID: "p1",
		Decision:  decisionFor(models.ActionPromptAgent, models.DetectionEvent{AgentID: "a1"}),
	})
	require.Error(t, err)
	assert.Equal(t, models.OutcomeFailure, outcome)
	// Two attempts consumed.
	assert.Equal(t, 8, msg.failures)

	log, err := st.ListActionLog(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, models.OutcomeFailure, log[0].Outcome)
	assert.Contains(t, log[0].OutcomeDetails, "transport error")
}

func TestRetryTaskFailedBackToPending(t *testing.T) {
	x, st := setupExecutor(t, nil, nil, nil)
	seedProject(t, st)
	ctx := context.Background()

	require.NoError(t, st.RegisterAgent(ctx, &models.AgentProfile{ID: "a1", ProjectID: "p1", Name: "a1", Provider: models.ProviderCustom}))
	require.NoError(t, st.CreateTask(ctx, &models.Task{ID: "t1", ProjectID: "p1", Title: "t1"}))
	_, err := st.ClaimTask(ctx, "t1", "a1")
	require.NoError(t, err)
	_, err = st.UpdateTaskStatus(ctx, "t1", models.TaskFailed)
	require.NoError(t, err)

	outcome, err := x.Execute(ctx, ExecuteRequest{
		ProjectID: "p1",
		Decision:  decisionFor(models.ActionRetryTask, models.DetectionEvent{Type: models.DetectionTestFailure, AgentID: "a1", TaskID: "t1"}),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, outcome)

	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Empty(t, task.AssignedTo)
}

func TestRetryTaskBlockedResumesInProgress(t *testing.T) {
	x, st := setupExecutor(t, nil, nil, nil)
	seedProject(t, st)
	ctx := context.Background()

	require.NoError(t, st.RegisterAgent(ctx, &models.AgentProfile{ID: "a1", ProjectID: "p1", Name: "a1", Provider: models.ProviderCustom}))
	require.NoError(t, st.CreateTask(ctx, &models.Task{ID: "t1", ProjectID: "p1", Title: "t1"}))
	_, err := st.ClaimTask(ctx, "t1", "a1")
	require.NoError(t, err)
	_, err = st.UpdateTaskStatus(ctx, "t1", models.TaskInProgress)
	require.NoError(t, err)
	_, err = st.UpdateTaskStatus(ctx, "t1", models.TaskBlocked)
	require.NoError(t, err)

	_, err = x.Execute(context.Background(), ExecuteRequest{
		ProjectID: "p1",
		Decision:  decisionFor(models.ActionRetryTask, models.DetectionEvent{TaskID: "t1"}),
	})
	require.NoError(t, err)

	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, task.Status)
	assert.Equal(t, "a1", task.AssignedTo)
}

func TestRestartAgentReplacesSandbox(t *testing.T) {
	pool := &fakePool{instances: []*models.SandboxInstance{
		{ID: "sb1", AgentID: "a1", ProjectID: "p1", Template: "node:22", Status: models.SandboxRunning},
		{ID: "sb2", AgentID: "other", ProjectID: "p1", Template: "ubuntu:24.04", Status: models.SandboxRunning},
	}}
	x, st := setupExecutor(t, nil, pool, nil)
	seedProject(t, st)

	outcome, err := x.Execute(context.Background(), ExecuteRequest{
		ProjectID: "p1",
		Decision:  decisionFor(models.ActionRestartAgent, models.DetectionEvent{Type: models.DetectionCrash, AgentID: "a1"}),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, outcome)
	assert.Equal(t, []string{"sb1"}, pool.killed)
	assert.Equal(t, []string{"a1/node:22"}, pool.created)
}

func TestReassignDelegates(t *testing.T) {
	mover := &fakeMover{}
	x, st := setupExecutor(t, nil, nil, mover)
	seedProject(t, st)

	_, err := x.Execute(context.Background(), ExecuteRequest{
		ProjectID: "p1",
		Decision:  decisionFor(models.ActionReassignTask, models.DetectionEvent{AgentID: "a1", TaskID: "t1"}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, mover.calls)
}

func TestForceReleaseLock(t *testing.T) {
	x, st := setupExecutor(t, nil, nil, nil)
	seedProject(t, st)
	ctx := context.Background()

	require.NoError(t, st.RegisterAgent(ctx, &models.AgentProfile{ID: "a1", ProjectID: "p1", Name: "a1", Provider: models.ProviderCustom}))
	_, err := st.AcquireLock(ctx, "p1", "src/main.go", "a1", time.Hour)
	require.NoError(t, err)

	_, err = x.Execute(ctx, ExecuteRequest{
		ProjectID: "p1",
		Decision:  decisionFor(models.ActionForceReleaseLock, models.DetectionEvent{}),
		Params:    map[string]string{"path": "src/main.go"},
	})
	require.NoError(t, err)

	locks, err := st.ListActiveLocks(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestActionEventPublished(t *testing.T) {
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	st := store.NewMemoryStore(bus)
	x := NewExecutor(st, nil, nil, &fakeMover{}, nil, bus, fastObserverConfig(), nil)
	seedProject(t, st)

	sub := bus.Subscribe(16, events.TypeAction)
	defer sub.Cancel()

	_, err := x.Execute(context.Background(), ExecuteRequest{
		ProjectID: "p1",
		Decision:  decisionFor(models.ActionReassignTask, models.DetectionEvent{TaskID: "t1"}),
	})
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		entry := ev.Payload.(*models.ActionLogEntry)
		assert.Equal(t, models.ActionReassignTask, entry.Action)
		assert.Equal(t, models.OutcomeSuccess, entry.Outcome)
	case <-time.After(time.Second):
		t.Fatal("expected action event")
	}
}
