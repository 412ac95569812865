package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/store"
)

type fakeAlerter struct {
	mu    sync.Mutex
	filed []*models.Escalation
}

func (f *fakeAlerter) Create(ctx context.Context, esc *models.Escalation) error {
	f.mu.Lock()
	f.filed = append(f.filed, esc)
	f.mu.Unlock()
	return nil
}

func setup(t *testing.T, budget *models.Budget) (*Service, *store.MemoryStore, *fakeAlerter) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	st := store.NewMemoryStore(bus)
	alerter := &fakeAlerter{}
	svc := NewService(st, alerter, nil)

	require.NoError(t, st.CreateProject(context.Background(), &models.Project{
		ID: "p1", Name: "p1", Budget: budget,
	}))
	return svc, st, alerter
}

func record(t *testing.T, svc *Service, agentID, cost string, at time.Time) {
	t.Helper()
	require.NoError(t, svc.Record(context.Background(), &models.CostEvent{
		ProjectID: "p1",
		AgentID:   agentID,
		Model:     "gpt-test",
		Cost:      decimal.RequireFromString(cost),
		CreatedAt: at,
	}))
}

func TestBudgetAlertFiresOnceAtThreshold(t *testing.T) {
	svc, st, alerter := setup(t, &models.Budget{
		Total:             decimal.RequireFromString("100"),
		AlertThresholdPct: 80,
	})
	ctx := context.Background()
	now := time.Now().UTC()

	record(t, svc, "a1", "50", now)
	assert.Empty(t, alerter.filed)

	// Crossing 80 files exactly one escalation.
	record(t, svc, "a1", "30", now)
	require.Len(t, alerter.filed, 1)
	assert.Equal(t, models.EscalationBudgetExceeded, alerter.filed[0].Type)
	assert.Equal(t, models.EscalationHigh, alerter.filed[0].Priority)

	record(t, svc, "a1", "10", now)
	assert.Len(t, alerter.filed, 1, "alert is one-shot")

	project, err := st.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, project.BudgetAlertSent)
}

func TestConcurrentRecordsFireAlertOnce(t *testing.T) {
	svc, _, alerter := setup(t, &models.Budget{
		Total:             decimal.RequireFromString("100"),
		AlertThresholdPct: 80,
	})
	now := time.Now().UTC()

	// Each record alone crosses the threshold; together they must still
	// produce a single escalation.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.Record(context.Background(), &models.CostEvent{
				ProjectID: "p1",
				AgentID:   "a1",
				Model:     "gpt-test",
				Cost:      decimal.RequireFromString("90"),
				CreatedAt: now,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	assert.Len(t, alerter.filed, 1)
}

func TestRaisingBudgetRearmsAlert(t *testing.T) {
	svc, _, alerter := setup(t, &models.Budget{
		Total:             decimal.RequireFromString("10"),
		AlertThresholdPct: 50,
	})
	ctx := context.Background()
	now := time.Now().UTC()

	record(t, svc, "a1", "6", now)
	require.Len(t, alerter.filed, 1)

	_, err := svc.UpdateBudget(ctx, "p1", &models.Budget{
		Total:             decimal.RequireFromString("100"),
		AlertThresholdPct: 50,
	})
	require.NoError(t, err)

	record(t, svc, "a1", "45", now)
	assert.Len(t, alerter.filed, 2, "raised budget re-arms the alert")
}

func TestUpdateBudgetValidatesThreshold(t *testing.T) {
	svc, _, _ := setup(t, nil)
	_, err := svc.UpdateBudget(context.Background(), "p1", &models.Budget{
		Total:             decimal.RequireFromString("10"),
		AlertThresholdPct: 150,
	})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestNoBudgetNoAlert(t *testing.T) {
	svc, _, alerter := setup(t, nil)
	record(t, svc, "a1", "1000000", time.Now().UTC())
	assert.Empty(t, alerter.filed)
}

func TestSummarize(t *testing.T) {
	svc, _, _ := setup(t, &models.Budget{
		Total:             decimal.RequireFromString("200"),
		AlertThresholdPct: 90,
	})
	now := time.Now().UTC()

	record(t, svc, "a1", "10.5", now)
	record(t, svc, "a1", "4.5", now.AddDate(0, 0, -1))
	record(t, svc, "a2", "25", now.AddDate(0, 0, -1))
	record(t, svc, "a2", "60", now.AddDate(0, 0, -30)) // outside the 7-day window

	sum, err := svc.Summarize(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, "100", sum.Total.String())
	assert.Equal(t, "15", sum.ByAgent["a1"].String())
	assert.Equal(t, "85", sum.ByAgent["a2"].String())
	assert.InDelta(t, 50.0, sum.PercentUsed, 0.001)

	require.Len(t, sum.DailySpend, 7)
	last := sum.DailySpend[6]
	assert.Equal(t, now.Format("2006-01-02"), last.Date)
	assert.Equal(t, "10.5", last.Spend.String())
	assert.Equal(t, "29.5", sum.DailySpend[5].Spend.String())
	assert.True(t, sum.DailySpend[0].Spend.IsZero())
}

func TestPercentUsedClamped(t *testing.T) {
	svc, _, _ := setup(t, &models.Budget{
		Total:             decimal.RequireFromString("10"),
		AlertThresholdPct: 100,
	})
	record(t, svc, "a1", "25", time.Now().UTC())

	sum, err := svc.Summarize(context.Background(), "p1")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, sum.PercentUsed, 0.001)
	assert.Equal(t, "25", sum.Total.String())
}
