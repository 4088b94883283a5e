package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/store/sqlite"
)

func openTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "keeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func insertJob(t *testing.T, jobs domain.JobStore, id, positionID string, priority int, created time.Time) {
	t.Helper()
	_, err := jobs.Insert(context.Background(), domain.Job{
		ID:         id,
		Type:       domain.JobTypeRebalance,
		Trigger:    domain.TriggerRangeExit,
		PositionID: positionID,
		Priority:   priority,
		MaxRetries: 3,
		CreatedAt:  created,
	})
	require.NoError(t, err)
}

func TestJobStore_ListPendingOrder(t *testing.T) {
	repo := openTestDB(t).Repository()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	insertJob(t, repo.Jobs, "a", "p1", 5, base)
	insertJob(t, repo.Jobs, "b", "p2", 10, base.Add(time.Second))
	insertJob(t, repo.Jobs, "c", "p3", 5, base.Add(2*time.Second))
	insertJob(t, repo.Jobs, "d", "p4", 7, base.Add(3*time.Second))

	jobs, err := repo.Jobs.ListPending(context.Background(), 10)
	require.NoError(t, err)

	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, ids)

	limited, err := repo.Jobs.ListPending(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestJobStore_TransitionLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Repository()
	insertJob(t, repo.Jobs, "job-1", "pos-1", 7, time.Time{})

	now := time.Now().UTC()
	require.NoError(t, repo.Jobs.Transition(ctx, "job-1", domain.JobTransition{
		From: domain.JobStatusPending, To: domain.JobStatusProcessing, StartedAt: &now,
	}))

	processing, err := repo.Jobs.ListStuck(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, "job-1", processing[0].ID)

	res := domain.RebalanceResult{BinSetID: "set-1", LowerPrice: 0.98, UpperPrice: 1.02, BinCount: 69, AnchorPrice: 1.0, DryRun: true}
	done := now.Add(time.Second)
	require.NoError(t, repo.Jobs.Transition(ctx, "job-1", domain.JobTransition{
		From: domain.JobStatusProcessing, To: domain.JobStatusCompleted, CompletedAt: &done, Result: res,
	}))

	job, err := repo.Jobs.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.True(t, job.StartedAt.Equal(now))
	assert.Equal(t, res, job.Result)

	processing, err = repo.Jobs.ListStuck(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, processing)
}

func TestJobStore_TransitionRejectsStaleFrom(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Repository()
	insertJob(t, repo.Jobs, "job-1", "pos-1", 7, time.Time{})

	err := repo.Jobs.Transition(ctx, "job-1", domain.JobTransition{
		From: domain.JobStatusProcessing, To: domain.JobStatusCompleted,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = repo.Jobs.Transition(ctx, "job-1", domain.JobTransition{
		From: domain.JobStatusPending, To: domain.JobStatusCompleted,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = repo.Jobs.Transition(ctx, "missing", domain.JobTransition{
		From: domain.JobStatusPending, To: domain.JobStatusProcessing,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	job, err := repo.Jobs.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
}

func TestJobStore_ClaimFailsWhilePositionBusy(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Repository()
	insertJob(t, repo.Jobs, "first", "pos-1", 7, time.Time{})
	insertJob(t, repo.Jobs, "second", "pos-1", 10, time.Time{})
	insertJob(t, repo.Jobs, "other", "pos-2", 7, time.Time{})

	claim := domain.JobTransition{From: domain.JobStatusPending, To: domain.JobStatusProcessing}
	require.NoError(t, repo.Jobs.Transition(ctx, "first", claim))
	assert.ErrorIs(t, repo.Jobs.Transition(ctx, "second", claim), domain.ErrPositionBusy)
	assert.NoError(t, repo.Jobs.Transition(ctx, "other", claim))

	second, err := repo.Jobs.GetByID(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, second.Status)
}

func TestJobStore_RetryBookkeeping(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Repository()
	insertJob(t, repo.Jobs, "job-1", "pos-1", 7, time.Now().Add(-time.Hour))

	msg := "adapter down"
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Jobs.Transition(ctx, "job-1", domain.JobTransition{
			From: domain.JobStatusPending, To: domain.JobStatusProcessing,
		}))
		require.NoError(t, repo.Jobs.Transition(ctx, "job-1", domain.JobTransition{
			From: domain.JobStatusProcessing, To: domain.JobStatusFailed, ErrorMessage: &msg, IncrementRetry: true,
		}))
		retryable, err := repo.Jobs.ListRetryable(ctx, 10)
		require.NoError(t, err)
		if i < 2 {
			require.Len(t, retryable, 1)
			require.NoError(t, repo.Jobs.Transition(ctx, "job-1", domain.JobTransition{
				From: domain.JobStatusFailed, To: domain.JobStatusPending,
			}))
		} else {
			assert.Empty(t, retryable)
		}
	}

	job, err := repo.Jobs.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, job.RetryCount)
	assert.Equal(t, "adapter down", job.ErrorMessage)
	assert.True(t, job.Settled())

	settled, err := repo.Jobs.ListSettledBefore(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, "job-1", settled[0].ID)
}

func TestJobStore_ListStuck(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Repository()
	insertJob(t, repo.Jobs, "old", "pos-1", 7, time.Time{})
	insertJob(t, repo.Jobs, "fresh", "pos-2", 7, time.Time{})

	long := time.Now().Add(-time.Hour)
	recent := time.Now()
	require.NoError(t, repo.Jobs.Transition(ctx, "old", domain.JobTransition{
		From: domain.JobStatusPending, To: domain.JobStatusProcessing, StartedAt: &long,
	}))
	require.NoError(t, repo.Jobs.Transition(ctx, "fresh", domain.JobTransition{
		From: domain.JobStatusPending, To: domain.JobStatusProcessing, StartedAt: &recent,
	}))

	stuck, err := repo.Jobs.ListStuck(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "old", stuck[0].ID)
}

func TestBinStore_ReplaceActive(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Repository()

	empty, err := repo.Bins.GetActive(ctx, "strat-1")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	first := domain.BinSet{ID: "set-1", StrategyID: "strat-1", Bins: []domain.PriceBin{
		{Index: 0, LowerPrice: 0.98, UpperPrice: 1.00, AllocationPct: 50},
		{Index: 1, LowerPrice: 1.00, UpperPrice: 1.02, AllocationPct: 50},
	}}
	require.NoError(t, repo.Bins.ReplaceActive(ctx, first))

	second := domain.BinSet{ID: "set-2", StrategyID: "strat-1", Bins: []domain.PriceBin{
		{Index: 0, LowerPrice: 1.04, UpperPrice: 1.08, AllocationPct: 100},
	}}
	require.NoError(t, repo.Bins.ReplaceActive(ctx, second))

	active, err := repo.Bins.GetActive(ctx, "strat-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 1.04, active[0].LowerPrice)
	assert.Equal(t, 100.0, active[0].AllocationPct)
}

func TestPriceStore_HistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Repository()

	_, err := repo.Prices.Latest(ctx, "pool-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Prices.Append(ctx,
		domain.PricePoint{PoolID: "pool-1", Price: 1.00, Timestamp: base},
		domain.PricePoint{PoolID: "pool-1", Price: 1.02, Timestamp: base.Add(time.Minute)},
		domain.PricePoint{PoolID: "pool-1", Price: 1.01, Timestamp: base.Add(2 * time.Minute)},
		domain.PricePoint{PoolID: "pool-2", Price: 9.00, Timestamp: base.Add(3 * time.Minute)},
	))

	latest, err := repo.Prices.Latest(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, 1.01, latest.Price)
	assert.True(t, latest.Timestamp.Equal(base.Add(2*time.Minute)))

	hist, err := repo.Prices.History(ctx, "pool-1", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 1.01, hist[0].Price)
	assert.Equal(t, 1.02, hist[1].Price)
}

func TestPositionStore_UpdateRange(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	positions := db.Repository().Positions.(*sqlite.PositionStore)

	require.NoError(t, positions.Create(ctx, domain.Position{
		ID: "pos-1", UserID: "u", PoolID: "pool-1", Address: "addr",
		LowerPrice: 0.98, UpperPrice: 1.02, Liquidity: decimal.RequireFromString("1500.125"),
	}))

	require.NoError(t, positions.UpdateRange(ctx, "pos-1", 1.04, 1.08, decimal.RequireFromString("1499.5")))
	got, err := positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, 1.04, got.LowerPrice)
	assert.Equal(t, 1.08, got.UpperPrice)
	assert.True(t, got.Liquidity.Equal(decimal.RequireFromString("1499.5")))
	assert.Equal(t, domain.PositionStatusActive, got.Status)

	assert.ErrorIs(t, positions.UpdateRange(ctx, "missing", 1, 2, decimal.Zero), domain.ErrNotFound)
}

func TestSignalAndAuditStores(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t).Repository()

	require.NoError(t, repo.Signals.Insert(ctx, domain.AdvisorySignal{
		ID: "s1", PoolID: "pool-1", Action: domain.ActionRebalance, Confidence: 95, Urgency: domain.UrgencyHigh,
	}))
	require.NoError(t, repo.Signals.Insert(ctx, domain.AdvisorySignal{
		ID: "s2", PoolID: "pool-1", Action: domain.ActionHold, Confidence: 60, Urgency: domain.UrgencyLow,
	}))

	sigs, err := repo.Signals.ListActive(ctx, "pool-1", 90, 10)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, domain.ActionRebalance, sigs[0].Action)

	all, err := repo.Signals.ListActive(ctx, "", 0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, repo.Audit.Log(ctx, "archive", map[string]any{"rows": float64(3)}))
	entries, err := repo.Audit.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive", entries[0].Event)
	assert.Equal(t, float64(3), entries[0].Detail["rows"])
}
