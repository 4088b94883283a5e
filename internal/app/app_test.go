package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpkeeper/internal/config"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/store/sqlite"
)

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Store = "sqlite"
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "keeper.db")
	cfg.Mode = "once"
	cfg.Keeper.RefreshPrices = false
	require.NoError(t, cfg.Validate())
	return &cfg
}

func testApp(cfg *config.Config, out io.Writer) *App {
	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.out = out
	return a
}

func TestWire_LocalStack(t *testing.T) {
	cfg := localConfig(t)
	deps, cleanup, err := Wire(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Keeper)
	assert.NotNil(t, deps.Prices)
	assert.Nil(t, deps.Signals)
	assert.Nil(t, deps.Locks)
	assert.Nil(t, deps.Stream)
	assert.Nil(t, deps.Archiver)
	assert.False(t, deps.Notifier.Enabled())
}

func TestOnceMode_RebalancesOutOfRangePosition(t *testing.T) {
	ctx := context.Background()
	cfg := localConfig(t)
	var out bytes.Buffer
	a := testApp(cfg, &out)

	deps, cleanup, err := Wire(ctx, cfg, a.logger)
	require.NoError(t, err)
	defer cleanup()

	repo := deps.Repo
	require.NoError(t, repo.Pools.(*sqlite.PoolStore).Create(ctx, domain.Pool{
		ID: "pool-1", Address: "pool-addr", TokenA: "sol", TokenB: "usdc", Active: true,
	}))
	require.NoError(t, repo.Strategies.(*sqlite.StrategyStore).Create(ctx, domain.Strategy{
		ID: "strat-1", PoolID: "pool-1", Active: true, AutoRebalance: true, RebalanceThresholdPct: 5,
	}))
	require.NoError(t, repo.Positions.(*sqlite.PositionStore).Create(ctx, domain.Position{
		ID: "pos-1", UserID: "u1", PoolID: "pool-1", Address: "pos-addr",
		LowerPrice: 0.98, UpperPrice: 1.02, Liquidity: decimal.RequireFromString("1000"),
		StrategyID: "strat-1",
	}))
	require.NoError(t, repo.Prices.Append(ctx, domain.PricePoint{PoolID: "pool-1", Price: 1.06, Timestamp: time.Now()}))

	require.NoError(t, a.RunMode(ctx, deps))

	text := out.String()
	assert.Contains(t, text, "positions checked")
	assert.Contains(t, text, "completed")

	bins, err := repo.Bins.GetActive(ctx, "strat-1")
	require.NoError(t, err)
	assert.Len(t, bins, cfg.Curve.TotalBins)

	history, err := repo.Rebalances.ListByPosition(ctx, "pos-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)

	// Dry run leaves the on-chain range alone.
	pos, err := repo.Positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, 0.98, pos.LowerPrice)
}

func TestRunMode_Unsupported(t *testing.T) {
	cfg := localConfig(t)
	cfg.Mode = "backtest"
	err := testApp(cfg, io.Discard).RunMode(context.Background(), &Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported mode "backtest"`)
}
