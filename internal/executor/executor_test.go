package executor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpkeeper/internal/curve"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/executor"
	"github.com/alanyoungcy/lpkeeper/internal/store/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	repo   domain.Repository
	engine *curve.Engine
}

func newFixture(t *testing.T, strat domain.Strategy) fixture {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "keeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := db.Repository()

	require.NoError(t, repo.Pools.(*sqlite.PoolStore).Create(ctx, domain.Pool{
		ID: "pool-1", Address: "pool-addr", TokenA: "sol", TokenB: "usdc", Active: true,
	}))
	strat.ID = "strat-1"
	strat.PoolID = "pool-1"
	strat.Active = true
	require.NoError(t, repo.Strategies.(*sqlite.StrategyStore).Create(ctx, strat))
	require.NoError(t, repo.Positions.(*sqlite.PositionStore).Create(ctx, domain.Position{
		ID: "pos-1", UserID: "u1", PoolID: "pool-1", Address: "pos-addr",
		LowerPrice: 0.98, UpperPrice: 1.02, Liquidity: decimal.RequireFromString("2500"),
		StrategyID: "strat-1",
	}))
	require.NoError(t, repo.Prices.Append(ctx, domain.PricePoint{PoolID: "pool-1", Price: 1.06, Timestamp: time.Now()}))

	engine, err := curve.NewEngine(curve.DefaultConfig())
	require.NoError(t, err)
	return fixture{repo: repo, engine: engine}
}

func rebalanceJob() domain.Job {
	return domain.Job{
		ID: "job-1", Type: domain.JobTypeRebalance, Trigger: domain.TriggerRangeExit,
		PositionID: "pos-1", Priority: domain.PriorityRebalance, MaxRetries: 3,
	}
}

type liveAdapter struct {
	mu    sync.Mutex
	plans []executor.RebalancePlan
	err   error
}

func (a *liveAdapter) Rebalance(_ context.Context, plan executor.RebalancePlan) (executor.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.plans = append(a.plans, plan)
	if a.err != nil {
		return executor.Receipt{}, a.err
	}
	return executor.Receipt{TxSignature: "sig-1", NewLiquidity: decimal.RequireFromString("2490.5")}, nil
}

func TestRegistry_UnknownType(t *testing.T) {
	reg := executor.NewRegistry()
	_, err := reg.Execute(context.Background(), domain.Job{Type: "sweep"})
	assert.ErrorIs(t, err, domain.ErrNoExecutor)
}

func TestRegistry_Dispatch(t *testing.T) {
	reg := executor.NewRegistry()
	var got domain.Job
	reg.Register(domain.JobTypeRebalance, executor.ExecutorFunc(func(_ context.Context, job domain.Job) (domain.JobResult, error) {
		got = job
		return domain.RebalanceResult{BinCount: 3}, nil
	}))

	res, err := reg.Execute(context.Background(), domain.Job{ID: "j", Type: domain.JobTypeRebalance})
	require.NoError(t, err)
	assert.Equal(t, "j", got.ID)
	assert.Equal(t, 3, res.(domain.RebalanceResult).BinCount)
	assert.Equal(t, []domain.JobType{domain.JobTypeRebalance}, reg.Types())
}

func TestInFlight(t *testing.T) {
	f := executor.NewInFlight()
	assert.True(t, f.TryAcquire("pos-1"))
	assert.False(t, f.TryAcquire("pos-1"))
	assert.True(t, f.TryAcquire("pos-2"))
	assert.Equal(t, 2, f.Len())

	f.Release("pos-1")
	assert.True(t, f.TryAcquire("pos-1"))
}

func TestRebalanceExecutor_Live(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, domain.Strategy{Type: domain.StrategyPrecisionCurve, PrecisionBins: 11, RebalanceThresholdPct: 10})
	adapter := &liveAdapter{}
	ex := executor.NewRebalanceExecutor(fx.repo, fx.engine, adapter, discardLogger())

	res, err := ex.Execute(ctx, rebalanceJob())
	require.NoError(t, err)
	rr := res.(domain.RebalanceResult)

	assert.Equal(t, 11, rr.BinCount)
	assert.Equal(t, 1.06, rr.AnchorPrice)
	assert.InDelta(t, 1.06/2, rr.LowerPrice, 1e-9)
	assert.InDelta(t, 1.06*2, rr.UpperPrice, 1e-9)
	assert.Equal(t, "sig-1", rr.TxSignature)
	assert.False(t, rr.DryRun)

	require.Len(t, adapter.plans, 1)
	assert.Equal(t, domain.TriggerRangeExit, adapter.plans[0].Trigger)

	bins, err := fx.repo.Bins.GetActive(ctx, "strat-1")
	require.NoError(t, err)
	assert.Len(t, bins, 11)
	assert.InDelta(t, 100, curve.TotalAllocation(bins), 1e-6)

	pos, err := fx.repo.Positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.InDelta(t, rr.LowerPrice, pos.LowerPrice, 1e-9)
	assert.InDelta(t, rr.UpperPrice, pos.UpperPrice, 1e-9)
	assert.True(t, pos.Liquidity.Equal(decimal.RequireFromString("2490.5")))

	history, err := fx.repo.Rebalances.ListByPosition(ctx, "pos-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.Equal(t, 0.98, history[0].OldLower)
	assert.Equal(t, "job-1", history[0].JobID)
	// 1.06 is outside the old [0.98, 1.02] range.
	require.NotNil(t, history[0].ImpermanentLossPct)
	assert.Equal(t, 100.0, *history[0].ImpermanentLossPct)
	require.NotNil(t, rr.ImpermanentLossPct)
	assert.Equal(t, 100.0, *rr.ImpermanentLossPct)
	assert.Nil(t, rr.Advisory)
}

func TestRebalanceExecutor_RecordsInRangeImpermanentLoss(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, domain.Strategy{Type: domain.StrategyPrecisionCurve, PrecisionBins: 9})
	require.NoError(t, fx.repo.Prices.Append(ctx, domain.PricePoint{PoolID: "pool-1", Price: 1.01, Timestamp: time.Now().Add(time.Second)}))
	ex := executor.NewRebalanceExecutor(fx.repo, fx.engine, executor.NewDryRunAdapter(discardLogger()), discardLogger())

	_, err := ex.Execute(ctx, rebalanceJob())
	require.NoError(t, err)

	// No entry price recorded, so the old lower bound is the reference.
	want, err := curve.ImpermanentLoss(0.98, 1.01, 0.98, 1.02)
	require.NoError(t, err)

	history, err := fx.repo.Rebalances.ListByPosition(ctx, "pos-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].ImpermanentLossPct)
	assert.InDelta(t, want, *history[0].ImpermanentLossPct, 1e-9)
	assert.Greater(t, want, 0.0)
}

type stubSignals struct {
	sigs    []domain.AdvisorySignal
	minConf float64
}

func (s *stubSignals) ActiveSignals(_ context.Context, _ string, minConfidence float64) ([]domain.AdvisorySignal, error) {
	s.minConf = minConfidence
	return s.sigs, nil
}

func TestRebalanceExecutor_AttachesNewestAdvisory(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, domain.Strategy{Type: domain.StrategyPrecisionCurve, PrecisionBins: 9})
	signals := &stubSignals{sigs: []domain.AdvisorySignal{
		{ID: "sig-new", PoolID: "pool-1", Action: domain.ActionRebalance, Confidence: 95, PredictedPrice: 1.1, Urgency: domain.UrgencyHigh},
		{ID: "sig-old", PoolID: "pool-1", Action: domain.ActionHold, Confidence: 92},
	}}
	ex := executor.NewRebalanceExecutor(fx.repo, fx.engine, executor.NewDryRunAdapter(discardLogger()), discardLogger())
	ex.SetSignals(signals, 90)

	res, err := ex.Execute(ctx, rebalanceJob())
	require.NoError(t, err)

	rr := res.(domain.RebalanceResult)
	require.NotNil(t, rr.Advisory)
	assert.Equal(t, "sig-new", rr.Advisory.SignalID)
	assert.Equal(t, domain.ActionRebalance, rr.Advisory.Action)
	assert.Equal(t, 95.0, rr.Advisory.Confidence)
	assert.Equal(t, 90.0, signals.minConf)
}

func TestRebalanceExecutor_DryRunKeepsPositionRange(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, domain.Strategy{Type: domain.StrategyPrecisionCurve, PrecisionBins: 9})
	ex := executor.NewRebalanceExecutor(fx.repo, fx.engine, executor.NewDryRunAdapter(discardLogger()), discardLogger())

	res, err := ex.Execute(ctx, rebalanceJob())
	require.NoError(t, err)
	assert.True(t, res.(domain.RebalanceResult).DryRun)

	bins, err := fx.repo.Bins.GetActive(ctx, "strat-1")
	require.NoError(t, err)
	assert.Len(t, bins, 9)

	pos, err := fx.repo.Positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, 0.98, pos.LowerPrice)
	assert.Equal(t, 1.02, pos.UpperPrice)
}

func TestRebalanceExecutor_VolatilityAdjusted(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, domain.Strategy{
		Type:          domain.StrategyVolatilityAdjusted,
		PrecisionBins: 11,
		Params:        domain.VolatilityAdjustedParams{VolatilityPct: 50},
	})
	ex := executor.NewRebalanceExecutor(fx.repo, fx.engine, &liveAdapter{}, discardLogger())

	res, err := ex.Execute(ctx, rebalanceJob())
	require.NoError(t, err)
	rr := res.(domain.RebalanceResult)
	// (1 + 50/100) * 2 = 3
	assert.InDelta(t, 1.06/3, rr.LowerPrice, 1e-9)
	assert.InDelta(t, 1.06*3, rr.UpperPrice, 1e-9)

	// A second run adjusts the now-existing active set.
	res, err = ex.Execute(ctx, rebalanceJob())
	require.NoError(t, err)
	assert.InDelta(t, 1.06*3, res.(domain.RebalanceResult).UpperPrice, 1e-9)
}

func TestRebalanceExecutor_MCUBiasShiftsAllocationUp(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, domain.Strategy{
		Type: domain.StrategyPrecisionCurve, PrecisionBins: 11, MCUEnabled: true, MCUBiasFactor: 1.5,
	})
	ex := executor.NewRebalanceExecutor(fx.repo, fx.engine, &liveAdapter{}, discardLogger())

	_, err := ex.Execute(ctx, rebalanceJob())
	require.NoError(t, err)

	bins, err := fx.repo.Bins.GetActive(ctx, "strat-1")
	require.NoError(t, err)
	require.Len(t, bins, 11)
	// Symmetric without bias; the upper side must now carry more.
	assert.Greater(t, bins[8].AllocationPct, bins[2].AllocationPct)
}

func TestRebalanceExecutor_AdapterFailure(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, domain.Strategy{Type: domain.StrategyPrecisionCurve, PrecisionBins: 11})
	adapter := &liveAdapter{err: errors.New("blockhash expired")}
	ex := executor.NewRebalanceExecutor(fx.repo, fx.engine, adapter, discardLogger())

	_, err := ex.Execute(ctx, rebalanceJob())
	require.ErrorIs(t, err, domain.ErrExecutionFailure)
	assert.Contains(t, err.Error(), "blockhash expired")

	bins, err := fx.repo.Bins.GetActive(ctx, "strat-1")
	require.NoError(t, err)
	assert.Empty(t, bins)

	history, err := fx.repo.Rebalances.ListByPosition(ctx, "pos-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Equal(t, "blockhash expired", history[0].ErrorMessage)
}

func TestRebalanceExecutor_NoPrice(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "keeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := db.Repository()
	require.NoError(t, repo.Strategies.(*sqlite.StrategyStore).Create(ctx, domain.Strategy{ID: "strat-1", PoolID: "pool-1", Active: true}))
	require.NoError(t, repo.Positions.(*sqlite.PositionStore).Create(ctx, domain.Position{
		ID: "pos-1", PoolID: "pool-1", LowerPrice: 1, UpperPrice: 2, StrategyID: "strat-1", Liquidity: decimal.Zero,
	}))
	engine, err := curve.NewEngine(curve.DefaultConfig())
	require.NoError(t, err)

	ex := executor.NewRebalanceExecutor(repo, engine, &liveAdapter{}, discardLogger())
	_, err = ex.Execute(ctx, rebalanceJob())
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
}
