package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/pkg/config"
	"github.com/wonny/backtester/pkg/database"
)

func testSpec() *contracts.JobSpec {
	return &contracts.JobSpec{
		Asset:     contracts.Asset{Symbol: "gdp", Source: contracts.SourceMacro, Horizon: contracts.HorizonMonthly, Lag: 1, Metric: contracts.MetricReturn},
		Model:     contracts.ModelSpec{Type: contracts.ModelLinearRegression},
		Timeframe: contracts.Timeframe{Start: contracts.NewDate(2000, 1, 1), End: contracts.NewDate(2010, 12, 31)},
		Metadata:  contracts.Metadata{Owner: "research"},
	}
}

func doneOutcome(id string) *contracts.Outcome {
	p, a := 0.1, 0.2
	e := a - p
	hit := true
	return &contracts.Outcome{
		JobID: id,
		State: contracts.StateDone,
		Summary: &contracts.BacktestSummary{
			JobID:   id,
			Metrics: contracts.Metrics{Total: 2, OK: 1, Failed: 1},
			Results: []contracts.WindowResult{
				{Window: contracts.Window{Index: 0, TrainEnd: 1, Test: 1, Lag: 1}, TestDate: time.Date(2001, 1, 31, 0, 0, 0, 0, time.UTC), Status: contracts.WindowFailed, Reason: "insufficient training data"},
				{Window: contracts.Window{Index: 1, TrainEnd: 2, Test: 2, Lag: 1}, TestDate: time.Date(2001, 2, 28, 0, 0, 0, 0, time.UTC), Status: contracts.WindowOK,
					Predicted: &p, Actual: &a, Error: &e, AbsError: &e, DirectionHit: &hit, TrainRows: 2, ModelDigest: "abc"},
			},
		},
	}
}

func TestMemory_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Create(ctx, "a", testSpec(), "hash"))
	assert.Error(t, m.Create(ctx, "a", testSpec(), "hash"))

	run, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, contracts.RunStatusStarted, run.Status)
	assert.Equal(t, "research", run.Owner)

	require.NoError(t, m.MarkRunning(ctx, "a"))
	require.NoError(t, m.Save(ctx, "a", doneOutcome("a")))

	run, err = m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, contracts.RunStatusCompleted, run.Status)
	assert.Equal(t, contracts.StateDone, run.State)
	require.NotNil(t, run.Summary)
	assert.Len(t, run.Summary.Results, 2)

	// finished runs cannot go back to running
	assert.ErrorIs(t, m.MarkRunning(ctx, "a"), contracts.ErrNotFound)
}

func TestMemory_NotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "nope")
	assert.True(t, errors.Is(err, contracts.ErrNotFound))
	assert.ErrorIs(t, m.Save(ctx, "nope", doneOutcome("nope")), contracts.ErrNotFound)
}

func TestMemory_ListRecentAndStale(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.Create(ctx, id, testSpec(), "h"))
		clock = clock.Add(time.Hour)
	}
	require.NoError(t, m.Save(ctx, "a", &contracts.Outcome{JobID: "a", State: contracts.StateFailed, Reason: "boom"}))

	runs, err := m.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
	assert.Nil(t, runs[0].Spec)

	// b updated at 01:00, c at 02:00
	ids, err := m.MarkStale(ctx, time.Date(2024, 1, 1, 1, 30, 0, 0, time.UTC), "worker lost")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	run, err := m.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, contracts.RunStatusFailed, run.Status)
	assert.Equal(t, "worker lost", run.Reason)

	run, err = m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "boom", run.Reason)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, contracts.RunStatusCompleted, StatusOf(&contracts.Outcome{State: contracts.StateDone}))
	assert.Equal(t, contracts.RunStatusFailed, StatusOf(&contracts.Outcome{State: contracts.StateFailed}))
	assert.Equal(t, contracts.RunStatusCancelled, StatusOf(&contracts.Outcome{State: contracts.StateCancelled}))
}

func connect(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	repo := NewPostgres(db.Pool)
	require.NoError(t, repo.InitSchema(ctx))
	return repo
}

func TestPostgres_Lifecycle(t *testing.T) {
	repo := connect(t)
	ctx := context.Background()
	id := uuid.NewString()

	require.NoError(t, repo.Create(ctx, id, testSpec(), "hash"))
	require.NoError(t, repo.MarkRunning(ctx, id))
	require.NoError(t, repo.Save(ctx, id, doneOutcome(id)))

	run, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, contracts.RunStatusCompleted, run.Status)
	assert.Equal(t, "gdp", run.Spec.Asset.Symbol)
	require.NotNil(t, run.Summary)
	assert.Len(t, run.Summary.Results, 2)

	// saving again replaces the window rows
	require.NoError(t, repo.Save(ctx, id, doneOutcome(id)))

	runs, err := repo.ListRecent(ctx, 5)
	require.NoError(t, err)
	assert.NotEmpty(t, runs)

	_, err = repo.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}
