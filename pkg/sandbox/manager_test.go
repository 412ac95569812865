package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/foreman/pkg/config"
	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
)

// fakeBackend scripts backend behavior without a container daemon.
type fakeBackend struct {
	mu          sync.Mutex
	createErrs  []error // consumed per Create call, nil means success
	createDelay time.Duration
	created     int
	killed      []string
	execFn      func(cmd []string) (*ExecResult, error)
	streamFn    func(cmd []string, onStdout, onStderr StreamFunc) (int, error)
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Create(ctx context.Context, image string) (string, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.created++
	return fmt.Sprintf("ctr-%d", f.created), nil
}

func (f *fakeBackend) Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error) {
	if f.execFn != nil {
		return f.execFn(cmd)
	}
	return &ExecResult{Stdout: []byte("ok\n")}, nil
}

func (f *fakeBackend) ExecStreaming(ctx context.Context, containerID string, cmd []string, onStdout, onStderr StreamFunc) (int, error) {
	if f.streamFn != nil {
		return f.streamFn(cmd, onStdout, onStderr)
	}
	return 0, nil
}

func (f *fakeBackend) Kill(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, containerID)
	return nil
}

func (f *fakeBackend) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.killed)
}

func setupManager(t *testing.T, backend *fakeBackend, mutate func(*config.SandboxConfig)) (*Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	cfg := config.DefaultSandboxConfig()
	cfg.MaxLifetime = time.Hour
	if mutate != nil {
		mutate(cfg)
	}
	m := NewManager(backend, bus, cfg, nil)
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m, bus
}

func TestCreateEnforcesCapacity(t *testing.T) {
	backend := &fakeBackend{}
	m, _ := setupManager(t, backend, func(c *config.SandboxConfig) { c.MaxConcurrent = 2 })
	ctx := context.Background()

	_, err := m.Create(ctx, "a1", "p1", "")
	require.NoError(t, err)
	_, err = m.Create(ctx, "a2", "p1", "")
	require.NoError(t, err)

	_, err = m.Create(ctx, "a3", "p1", "")
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// Stopping one frees a slot.
	list := m.List()
	require.NoError(t, m.Kill(ctx, list[0].ID))
	_, err = m.Create(ctx, "a3", "p1", "")
	assert.NoError(t, err)
}

func TestConcurrentCreatesRespectCapacity(t *testing.T) {
	backend := &fakeBackend{createDelay: 50 * time.Millisecond}
	m, _ := setupManager(t, backend, func(c *config.SandboxConfig) { c.MaxConcurrent = 1 })

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Create(context.Background(), fmt.Sprintf("a%d", i), "p1", "")
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrCapacityExceeded)
			failed++
		}
	}
	assert.Equal(t, 1, failed, "exactly one create may win the last slot")

	running := 0
	for _, inst := range m.List() {
		if inst.Status == models.SandboxRunning {
			running++
		}
	}
	assert.Equal(t, 1, running)
}

func TestFailedCreateReleasesReservedSlot(t *testing.T) {
	backend := &fakeBackend{createErrs: []error{errors.New("down"), errors.New("still down")}}
	m, _ := setupManager(t, backend, func(c *config.SandboxConfig) { c.MaxConcurrent = 1 })
	ctx := context.Background()

	_, err := m.Create(ctx, "a1", "p1", "")
	require.Error(t, err)

	// The reserved slot is returned, so the next create succeeds.
	_, err = m.Create(ctx, "a2", "p1", "")
	require.NoError(t, err)
}

func TestCreateRetriesOnceOnTransientError(t *testing.T) {
	backend := &fakeBackend{createErrs: []error{errors.New("daemon busy"), nil}}
	m, _ := setupManager(t, backend, nil)

	start := time.Now()
	inst, err := m.Create(context.Background(), "a1", "p1", "")
	require.NoError(t, err)
	assert.Equal(t, models.SandboxRunning, inst.Status)
	assert.GreaterOrEqual(t, time.Since(start), createRetryBackoff)
}

func TestCreateFailsAfterSecondError(t *testing.T) {
	backend := &fakeBackend{createErrs: []error{errors.New("down"), errors.New("still down")}}
	m, _ := setupManager(t, backend, nil)

	_, err := m.Create(context.Background(), "a1", "p1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still down")
}

func TestAutoKillAtLifetime(t *testing.T) {
	backend := &fakeBackend{}
	m, bus := setupManager(t, backend, func(c *config.SandboxConfig) {
		c.MaxLifetime = 30 * time.Millisecond
	})
	sub := bus.Subscribe(16, events.TypeSandboxTimeout)
	defer sub.Cancel()

	inst, err := m.Create(context.Background(), "a1", "p1", "")
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, inst.ID, ev.EntityID)
	case <-time.After(time.Second):
		t.Fatal("expected sandbox:timeout")
	}

	got, err := m.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxTimeout, got.Status)
	assert.Equal(t, 1, backend.killCount())
}

func TestKillStopsTimerAndPublishes(t *testing.T) {
	backend := &fakeBackend{}
	m, bus := setupManager(t, backend, nil)
	sub := bus.Subscribe(16, events.TypeSandboxStopped)
	defer sub.Cancel()

	inst, err := m.Create(context.Background(), "a1", "p1", "")
	require.NoError(t, err)
	require.NoError(t, m.Kill(context.Background(), inst.ID))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, inst.ID, ev.EntityID)
	case <-time.After(time.Second):
		t.Fatal("expected sandbox:stopped")
	}

	// Second kill is a no-op, not a second event.
	require.NoError(t, m.Kill(context.Background(), inst.ID))
	select {
	case <-sub.Events():
		t.Fatal("unexpected second sandbox:stopped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExecStreamingUpdatesActivityAndObserver(t *testing.T) {
	backend := &fakeBackend{
		streamFn: func(cmd []string, onStdout, onStderr StreamFunc) (int, error) {
			onStdout([]byte("line one\n"))
			onStderr([]byte("oops\n"))
			return 0, nil
		},
	}
	m, _ := setupManager(t, backend, nil)

	type chunk struct {
		stderr bool
		text   string
	}
	var mu sync.Mutex
	var seen []chunk
	m.SetOutputObserver(func(agentID, sandboxID string, stderr bool, data []byte) {
		mu.Lock()
		seen = append(seen, chunk{stderr: stderr, text: string(data)})
		mu.Unlock()
	})

	inst, err := m.Create(context.Background(), "a1", "p1", "")
	require.NoError(t, err)
	before, err := m.Get(inst.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	var stdout []byte
	code, err := m.ExecStreaming(context.Background(), inst.ID, []string{"make", "test"},
		func(c []byte) { stdout = append(stdout, c...) }, nil)
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, "line one\n", string(stdout))

	mu.Lock()
	require.Len(t, seen, 2)
	assert.Equal(t, chunk{stderr: false, text: "line one\n"}, seen[0])
	assert.Equal(t, chunk{stderr: true, text: "oops\n"}, seen[1])
	mu.Unlock()

	after, err := m.Get(inst.ID)
	require.NoError(t, err)
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))
}

func TestObserverPanicContained(t *testing.T) {
	backend := &fakeBackend{
		streamFn: func(cmd []string, onStdout, onStderr StreamFunc) (int, error) {
			onStdout([]byte("boom trigger\n"))
			return 0, nil
		},
	}
	m, _ := setupManager(t, backend, nil)
	m.SetOutputObserver(func(agentID, sandboxID string, stderr bool, data []byte) {
		panic("observer bug")
	})

	inst, err := m.Create(context.Background(), "a1", "p1", "")
	require.NoError(t, err)

	code, err := m.ExecStreaming(context.Background(), inst.ID, []string{"ls"}, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, code)
}

func TestCleanupStaleStopsOldSandboxes(t *testing.T) {
	backend := &fakeBackend{}
	m, _ := setupManager(t, backend, nil)
	ctx := context.Background()

	old, err := m.Create(ctx, "a1", "p1", "")
	require.NoError(t, err)
	fresh, err := m.Create(ctx, "a2", "p1", "")
	require.NoError(t, err)

	// Age the first sandbox directly.
	m.mu.Lock()
	m.instances[old.ID].info.StartedAt = time.Now().UTC().Add(-10 * time.Minute)
	m.mu.Unlock()

	stopped := m.CleanupStale(ctx, 5*time.Minute)
	require.Len(t, stopped, 1)
	assert.Equal(t, old.ID, stopped[0].ID)

	got, err := m.Get(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxRunning, got.Status)
}

func TestHealthProbeFailureFlipsToFailed(t *testing.T) {
	backend := &fakeBackend{
		execFn: func(cmd []string) (*ExecResult, error) {
			return &ExecResult{ExitCode: 1}, nil
		},
	}
	m, bus := setupManager(t, backend, nil)
	sub := bus.Subscribe(16, events.TypeSandboxFailed)
	defer sub.Cancel()

	inst, err := m.Create(context.Background(), "a1", "p1", "")
	require.NoError(t, err)

	m.probeAll(context.Background())

	select {
	case ev := <-sub.Events():
		assert.Equal(t, inst.ID, ev.EntityID)
	case <-time.After(time.Second):
		t.Fatal("expected sandbox:failed")
	}
	got, err := m.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxFailed, got.Status)

	// A failed sandbox refuses new commands.
	_, err = m.Exec(context.Background(), inst.ID, []string{"ls"})
	assert.Error(t, err)
}

func TestNonZeroStreamExitPublishesFailedEvent(t *testing.T) {
	backend := &fakeBackend{
		streamFn: func(cmd []string, onStdout, onStderr StreamFunc) (int, error) {
			onStderr([]byte("Error: compile failed\n"))
			return 2, nil
		},
	}
	m, bus := setupManager(t, backend, nil)
	sub := bus.Subscribe(16, events.TypeSandboxFailed)
	defer sub.Cancel()

	inst, err := m.Create(context.Background(), "a1", "p1", "")
	require.NoError(t, err)

	code, err := m.ExecStreaming(context.Background(), inst.ID, []string{"make"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, code)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, inst.ID, ev.EntityID)
		payload := ev.Payload.(map[string]any)
		assert.Equal(t, 2, payload["exitCode"])
	case <-time.After(time.Second):
		t.Fatal("expected sandbox:failed")
	}
}
