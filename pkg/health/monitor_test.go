package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/foreman/pkg/config"
	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/store"
)

func TestClassify(t *testing.T) {
	cfg := config.DefaultHealthConfig()
	now := time.Now().UTC()
	hb := func(age time.Duration) *time.Time {
		t := now.Add(-age)
		return &t
	}

	tests := []struct {
		name string
		last *time.Time
		want Status
	}{
		{"no heartbeat", nil, StatusOffline},
		{"fresh", hb(10 * time.Second), StatusHealthy},
		{"just under warning", hb(119 * time.Second), StatusHealthy},
		{"warning boundary", hb(120 * time.Second), StatusWarning},
		{"critical boundary", hb(300 * time.Second), StatusCritical},
		{"offline boundary", hb(600 * time.Second), StatusOffline},
		{"long gone", hb(24 * time.Hour), StatusOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.last, now, cfg))
		})
	}
}

func setupMonitor(t *testing.T) (*Monitor, *store.MemoryStore, *events.Subscription) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(32, "status:")

	st := store.NewMemoryStore(nil)
	m := NewMonitor(st, bus, config.DefaultHealthConfig(), nil)
	return m, st, sub
}

func registerAgent(t *testing.T, st *store.MemoryStore, id string, heartbeatAge time.Duration) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.RegisterAgent(ctx, &models.AgentProfile{
		ID: id, ProjectID: "p1", Name: id, Provider: models.ProviderCustom,
	}))
	require.NoError(t, st.RecordHeartbeat(ctx, id, time.Now().Add(-heartbeatAge)))
}

func drainStatus(t *testing.T, sub *events.Subscription) []events.Event {
	t.Helper()
	var out []events.Event
	for {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestScanEmitsTransitionsOnce(t *testing.T) {
	m, st, sub := setupMonitor(t)
	ctx := context.Background()
	registerAgent(t, st, "a1", 150*time.Second) // warning territory

	m.Scan(ctx)
	got := drainStatus(t, sub)
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeStatusWarning, got[0].Type)
	tr := got[0].Payload.(Transition)
	assert.Equal(t, StatusHealthy, tr.PreviousStatus)
	assert.Equal(t, StatusWarning, tr.CurrentStatus)

	// Same classification on the next scan: no new event.
	m.Scan(ctx)
	assert.Empty(t, drainStatus(t, sub))
}

func TestScanHealthyAgentIsSilent(t *testing.T) {
	m, st, sub := setupMonitor(t)
	registerAgent(t, st, "a1", time.Second)

	m.Scan(context.Background())
	assert.Empty(t, drainStatus(t, sub))
}

func TestOfflineMirroredToStoreOnce(t *testing.T) {
	m, st, sub := setupMonitor(t)
	ctx := context.Background()
	registerAgent(t, st, "a1", time.Hour)

	m.Scan(ctx)
	got := drainStatus(t, sub)
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeStatusOffline, got[0].Type)

	a, err := st.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentOffline, a.Status)

	// Second scan: already offline, no further event or store write.
	m.Scan(ctx)
	assert.Empty(t, drainStatus(t, sub))
}

func TestRecoveryEmitsHealthy(t *testing.T) {
	m, st, sub := setupMonitor(t)
	ctx := context.Background()
	registerAgent(t, st, "a1", time.Hour)

	m.Scan(ctx)
	drainStatus(t, sub)

	require.NoError(t, st.RecordHeartbeat(ctx, "a1", time.Now()))
	m.Scan(ctx)

	got := drainStatus(t, sub)
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeStatusHealthy, got[0].Type)
	tr := got[0].Payload.(Transition)
	assert.Equal(t, StatusOffline, tr.PreviousStatus)
}

func TestWebhookBestEffort(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m, st, sub := setupMonitor(t)
	m.config = config.DefaultHealthConfig()
	m.config.AlertWebhookURL = srv.URL
	registerAgent(t, st, "a1", time.Hour)

	m.Scan(context.Background())
	drainStatus(t, sub)
	assert.Equal(t, int32(1), calls.Load())

	// Dead webhook must not break the scan.
	m.config.AlertWebhookURL = "http://127.0.0.1:1/unreachable"
	registerAgent(t, st, "a2", time.Hour)
	m.Scan(context.Background())
	got := drainStatus(t, sub)
	assert.NotEmpty(t, got)
}
