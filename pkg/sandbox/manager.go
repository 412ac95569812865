package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/foreman/pkg/config"
	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
)

// ErrCapacityExceeded is returned when the concurrent-sandbox cap is hit.
// Creation fails immediately rather than queueing.
var ErrCapacityExceeded = errors.New("sandbox capacity exceeded")

// ErrNotFound is returned for unknown sandbox ids.
var ErrNotFound = errors.New("sandbox not found")

// createRetryBackoff is the wait before the single create retry on a
// transient provider error.
const createRetryBackoff = 2 * time.Second

// OutputFunc observes every output chunk of every streaming execution,
// tagged with the producing agent. The pattern detectors hook in here.
type OutputFunc func(agentID, sandboxID string, stderr bool, chunk []byte)

// Manager owns the sandbox pool: a bounded set of live containers with
// auto-kill timers and activity tracking. Sandboxes are runtime-only
// state; a restart starts from an empty pool and the previous containers
// are reaped by the backend's stale cleanup.
type Manager struct {
	backend Backend
	bus     *events.Bus
	config  *config.SandboxConfig
	logger  *slog.Logger

	// onOutput is fanned every streaming chunk. Set before first use.
	onOutput OutputFunc

	mu        sync.Mutex
	instances map[string]*instance
	pending   int // slots reserved by in-flight creates
	stopped   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// instance pairs the public record with its runtime handles.
type instance struct {
	info        models.SandboxInstance
	containerID string
	killTimer   *time.Timer
}

// NewManager creates a sandbox manager over the given backend.
func NewManager(backend Backend, bus *events.Bus, cfg *config.SandboxConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend:   backend,
		bus:       bus,
		config:    cfg,
		logger:    logger.With("component", "sandbox-manager", "backend", backend.Name()),
		instances: make(map[string]*instance),
	}
}

// SetOutputObserver registers the streaming-output observer. Must be
// called before any ExecStreaming.
func (m *Manager) SetOutputObserver(fn OutputFunc) {
	m.onOutput = fn
}

// Create provisions a sandbox for an agent, retrying once on a transient
// provider error. Over-cap creation fails immediately.
func (m *Manager) Create(ctx context.Context, agentID, projectID, template string) (*models.SandboxInstance, error) {
	if template == "" {
		template = m.config.DefaultImage
	}

	// Reserve a slot before calling the backend so concurrent creates
	// cannot all pass the capacity check and overshoot the cap.
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, errors.New("sandbox manager stopped")
	}
	running := m.pending
	for _, inst := range m.instances {
		if inst.info.Status == models.SandboxRunning {
			running++
		}
	}
	if running >= m.config.MaxConcurrent {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d of %d in use", ErrCapacityExceeded, running, m.config.MaxConcurrent)
	}
	m.pending++
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		m.pending--
		m.mu.Unlock()
	}

	containerID, err := m.backend.Create(ctx, template)
	if err != nil {
		m.logger.Warn("Sandbox create failed, retrying once", "error", err)
		select {
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		case <-time.After(createRetryBackoff):
		}
		containerID, err = m.backend.Create(ctx, template)
		if err != nil {
			release()
			return nil, fmt.Errorf("create sandbox: %w", err)
		}
	}

	now := time.Now().UTC()
	inst := &instance{
		info: models.SandboxInstance{
			ID:             uuid.NewString(),
			AgentID:        agentID,
			ProjectID:      projectID,
			Status:         models.SandboxRunning,
			Template:       template,
			StartedAt:      now,
			LastActivityAt: now,
		},
		containerID: containerID,
	}
	// Auto-kill at the lifetime deadline; firing marks timeout.
	inst.killTimer = time.AfterFunc(m.config.MaxLifetime, func() {
		m.expire(inst.info.ID)
	})

	m.mu.Lock()
	m.instances[inst.info.ID] = inst
	m.pending--
	m.mu.Unlock()

	m.logger.Info("Sandbox created",
		"sandbox_id", inst.info.ID,
		"agent_id", agentID,
		"template", template)
	m.publish(events.TypeSandboxStarted, &inst.info, nil)
	return snapshot(inst), nil
}

// Get returns a snapshot of one sandbox.
func (m *Manager) Get(id string) (*models.SandboxInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return snapshot(inst), nil
}

// List returns snapshots of all sandboxes, running or not.
func (m *Manager) List() []*models.SandboxInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.SandboxInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, snapshot(inst))
	}
	return out
}

// Exec runs a command to completion inside a running sandbox, bounded by
// the configured command timeout.
func (m *Manager) Exec(ctx context.Context, sandboxID string, cmd []string) (*ExecResult, error) {
	inst, containerID, err := m.running(sandboxID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.CommandTimeout)
	defer cancel()

	res, err := m.backend.Exec(ctx, containerID, cmd)
	if err != nil {
		return nil, err
	}
	m.touch(inst.info.ID)
	return res, nil
}

// ExecStreaming runs a command, forwarding chunks to the caller and to
// the registered output observer in arrival order. Every chunk refreshes
// the sandbox's activity clock.
func (m *Manager) ExecStreaming(ctx context.Context, sandboxID string, cmd []string, onStdout, onStderr StreamFunc) (int, error) {
	inst, containerID, err := m.running(sandboxID)
	if err != nil {
		return -1, err
	}
	agentID := inst.info.AgentID

	ctx, cancel := context.WithTimeout(ctx, m.config.CommandTimeout)
	defer cancel()

	wrap := func(stderr bool, fn StreamFunc) StreamFunc {
		return func(chunk []byte) {
			m.touch(sandboxID)
			m.observe(agentID, sandboxID, stderr, chunk)
			if fn != nil {
				fn(chunk)
			}
		}
	}

	code, err := m.backend.ExecStreaming(ctx, containerID, cmd, wrap(false, onStdout), wrap(true, onStderr))
	if err != nil {
		return code, err
	}
	if code != 0 {
		m.publish(events.TypeSandboxFailed, snapshot(inst), map[string]any{"exitCode": code})
	}
	return code, nil
}

// Kill stops a sandbox and marks it stopped.
func (m *Manager) Kill(ctx context.Context, sandboxID string) error {
	m.mu.Lock()
	inst, ok := m.instances[sandboxID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sandboxID)
	}
	if inst.killTimer != nil {
		inst.killTimer.Stop()
	}
	alreadyDown := inst.info.Status != models.SandboxRunning
	inst.info.Status = models.SandboxStopped
	containerID := inst.containerID
	m.mu.Unlock()

	if alreadyDown {
		return nil
	}
	if err := m.backend.Kill(ctx, containerID); err != nil {
		m.logger.Warn("Sandbox kill failed", "sandbox_id", sandboxID, "error", err)
	}
	m.logger.Info("Sandbox stopped", "sandbox_id", sandboxID)
	m.publish(events.TypeSandboxStopped, snapshot(inst), nil)
	return nil
}

// CleanupStale stops every running sandbox older than maxAge and returns
// the stopped set.
func (m *Manager) CleanupStale(ctx context.Context, maxAge time.Duration) []*models.SandboxInstance {
	now := time.Now().UTC()

	m.mu.Lock()
	var stale []*instance
	for _, inst := range m.instances {
		if inst.info.Status == models.SandboxRunning && now.Sub(inst.info.StartedAt) > maxAge {
			stale = append(stale, inst)
		}
	}
	m.mu.Unlock()

	var stopped []*models.SandboxInstance
	for _, inst := range stale {
		if err := m.Kill(ctx, inst.info.ID); err != nil {
			continue
		}
		stopped = append(stopped, snapshot(inst))
	}
	if len(stopped) > 0 {
		m.logger.Info("Cleaned up stale sandboxes", "count", len(stopped))
	}
	return stopped
}

// StartHealthMonitor probes every running sandbox on the interval with a
// trivial command; any failure flips the sandbox to failed.
func (m *Manager) StartHealthMonitor(ctx context.Context, interval time.Duration) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probeAll(ctx)
			}
		}
	}()
}

// Stop halts the health monitor and kills every running sandbox.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}

	m.mu.Lock()
	m.stopped = true
	var running []string
	for id, inst := range m.instances {
		if inst.killTimer != nil {
			inst.killTimer.Stop()
		}
		if inst.info.Status == models.SandboxRunning {
			running = append(running, id)
		}
	}
	m.mu.Unlock()

	for _, id := range running {
		_ = m.Kill(ctx, id)
	}
}

// HealthCheck probes every running sandbox once, outside the monitor's
// schedule. The API's health_check action uses this.
func (m *Manager) HealthCheck(ctx context.Context) {
	m.probeAll(ctx)
}

func (m *Manager) probeAll(ctx context.Context) {
	m.mu.Lock()
	type probe struct {
		id          string
		containerID string
	}
	var probes []probe
	for id, inst := range m.instances {
		if inst.info.Status == models.SandboxRunning {
			probes = append(probes, probe{id: id, containerID: inst.containerID})
		}
	}
	m.mu.Unlock()

	for _, p := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		res, err := m.backend.Exec(probeCtx, p.containerID, []string{"echo", "ok"})
		cancel()
		if err == nil && res.ExitCode == 0 {
			continue
		}
		m.fail(p.id, err)
	}
}

// expire fires from the auto-kill timer: the sandbox hit its lifetime
// deadline.
func (m *Manager) expire(sandboxID string) {
	m.mu.Lock()
	inst, ok := m.instances[sandboxID]
	if !ok || inst.info.Status != models.SandboxRunning {
		m.mu.Unlock()
		return
	}
	inst.info.Status = models.SandboxTimeout
	containerID := inst.containerID
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.backend.Kill(ctx, containerID); err != nil {
		m.logger.Warn("Auto-kill failed", "sandbox_id", sandboxID, "error", err)
	}
	m.logger.Info("Sandbox timed out", "sandbox_id", sandboxID)
	m.publish(events.TypeSandboxTimeout, snapshot(inst), nil)
}

func (m *Manager) fail(sandboxID string, cause error) {
	m.mu.Lock()
	inst, ok := m.instances[sandboxID]
	if !ok || inst.info.Status != models.SandboxRunning {
		m.mu.Unlock()
		return
	}
	inst.info.Status = models.SandboxFailed
	if inst.killTimer != nil {
		inst.killTimer.Stop()
	}
	m.mu.Unlock()

	m.logger.Warn("Sandbox failed health probe", "sandbox_id", sandboxID, "error", cause)
	m.publish(events.TypeSandboxFailed, snapshot(inst), nil)
}

func (m *Manager) running(sandboxID string) (*instance, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[sandboxID]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, sandboxID)
	}
	if inst.info.Status != models.SandboxRunning {
		return nil, "", fmt.Errorf("sandbox %s is %s", sandboxID, inst.info.Status)
	}
	return inst, inst.containerID, nil
}

func (m *Manager) touch(sandboxID string) {
	m.mu.Lock()
	if inst, ok := m.instances[sandboxID]; ok {
		inst.info.LastActivityAt = time.Now().UTC()
	}
	m.mu.Unlock()
}

// observe forwards a chunk to the output observer, never letting a
// callback panic escape the manager.
func (m *Manager) observe(agentID, sandboxID string, stderr bool, chunk []byte) {
	if m.onOutput == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Output observer panicked", "sandbox_id", sandboxID, "panic", r)
		}
	}()
	m.onOutput(agentID, sandboxID, stderr, chunk)
}

func (m *Manager) publish(eventType string, info *models.SandboxInstance, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:      eventType,
		EntityID:  info.ID,
		ProjectID: info.ProjectID,
		After:     info,
		Payload:   payload,
	})
}

func snapshot(inst *instance) *models.SandboxInstance {
	info := inst.info
	if info.Metadata != nil {
		meta := make(map[string]string, len(info.Metadata))
		for k, v := range info.Metadata {
			meta[k] = v
		}
		info.Metadata = meta
	}
	return &info
}
