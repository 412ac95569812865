package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/foreman/pkg/config"
	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/store"
)

func newService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(nil)
	return NewService(st, config.DefaultQueueConfig(), nil), st
}

func createProject(t *testing.T, st *store.MemoryStore, strategy models.ConflictStrategy, zones *models.ProjectZoneConfig) {
	t.Helper()
	require.NoError(t, st.CreateProject(context.Background(), &models.Project{
		ID:               "p1",
		Name:             "p1",
		ConflictStrategy: strategy,
		AutonomyLevel:    models.AutonomySupervised,
		ZoneConfig:       zones,
	}))
}

func TestClaimWithLockStrategy(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	createProject(t, st, models.ConflictStrategyLock, nil)
	require.NoError(t, svc.Submit(ctx, &models.Task{
		ID: "t1", ProjectID: "p1", Title: "edit",
		Files: []string{"src/a.go", "src/b.go"},
	}))

	task, err := svc.Claim(ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskClaimed, task.Status)

	locks, err := st.ListActiveLocks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, locks, 2)
	for _, l := range locks {
		assert.Equal(t, "a1", l.AgentID)
	}
}

func TestClaimAllOrNothingLocks(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	createProject(t, st, models.ConflictStrategyLock, nil)
	require.NoError(t, svc.Submit(ctx, &models.Task{
		ID: "t1", ProjectID: "p1", Title: "edit",
		Files: []string{"src/a.go", "src/b.go"},
	}))

	// Another agent already holds the second file.
	_, err := st.AcquireLock(ctx, "p1", "src/b.go", "other", time.Hour)
	require.NoError(t, err)

	_, err = svc.Claim(ctx, "t1", "a1")
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))

	// The first lock was rolled back; only the blocker remains.
	locks, err := st.ListActiveLocks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "other", locks[0].AgentID)

	// And the task is still claimable once the blocker clears.
	require.NoError(t, st.ForceReleaseLock(ctx, "p1", "src/b.go"))
	_, err = svc.Claim(ctx, "t1", "a1")
	assert.NoError(t, err)
}

func TestClaimZoneDenied(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	createProject(t, st, models.ConflictStrategyZone, &models.ProjectZoneConfig{
		Zones: []models.ZoneDefinition{
			{Pattern: "src/frontend/**", Owners: []string{"ui"}},
		},
		DefaultPolicy: models.ZonePolicyAllow,
	})
	require.NoError(t, svc.Submit(ctx, &models.Task{
		ID: "t1", ProjectID: "p1", Title: "edit",
		Files: []string{"src/frontend/Button.tsx"},
	}))

	_, err := svc.Claim(ctx, "t1", "backend")
	require.ErrorIs(t, err, ErrZoneDenied)

	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)

	_, err = svc.Claim(ctx, "t1", "ui")
	assert.NoError(t, err)
}

func TestTerminalStatusReleasesLocks(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	createProject(t, st, models.ConflictStrategyLock, nil)
	require.NoError(t, svc.Submit(ctx, &models.Task{
		ID: "t1", ProjectID: "p1", Title: "edit",
		Files: []string{"src/a.go"},
	}))
	_, err := svc.Claim(ctx, "t1", "a1")
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, "t1", models.TaskInProgress)
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, "t1", models.TaskCompleted)
	require.NoError(t, err)

	locks, err := st.ListActiveLocks(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestSweeperRemovesExpired(t *testing.T) {
	svc, st := newService(t)
	_ = svc
	ctx := context.Background()

	_, err := st.AcquireLock(ctx, "p1", "x.go", "a1", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	cfg := config.DefaultQueueConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	sweeper := NewSweeper(st, cfg, nil)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		locks, err := st.ListActiveLocks(ctx, "p1")
		return err == nil && len(locks) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSubmitRequiresTitle(t *testing.T) {
	svc, st := newService(t)
	_ = st
	err := svc.Submit(context.Background(), &models.Task{ID: "t1", ProjectID: "p1"})
	assert.ErrorIs(t, err, store.ErrValidation)
}
