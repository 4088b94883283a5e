package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/alanyoungcy/lpkeeper/internal/notify"
	"github.com/alanyoungcy/lpkeeper/internal/pipeline"
)

// OnceMode runs exactly one keeper cycle and prints its summary table. The
// returned error is the cycle's error; per-item failures are only reported.
func (a *App) OnceMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting once mode")

	summary, err := deps.Keeper.RunCycle(ctx)
	if summary.ID != "" {
		notify.NewConsole(a.out).PrintSummary(summary)
	}
	if err != nil {
		return fmt.Errorf("once mode: %w", err)
	}
	return nil
}

// DaemonMode runs the keeper every keeper.interval, plus the price stream and
// the archiver cron when they are enabled, until ctx is cancelled.
func (a *App) DaemonMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting daemon mode",
		slog.Duration("interval", a.cfg.Keeper.Interval.Duration),
	)

	stream := pipeline.StreamConfig{}
	if deps.Stream != nil {
		symbols, err := a.streamSymbols(ctx, deps)
		if err != nil {
			return fmt.Errorf("daemon mode: %w", err)
		}
		stream = pipeline.StreamConfig{Stream: deps.Stream, Sink: deps.Prices, Symbols: symbols}
	}

	orch := pipeline.NewOrchestrator(
		deps.Keeper,
		a.cfg.Keeper.Interval.Duration,
		stream,
		deps.Archiver,
		a.cfg.Archive.Cron,
		a.logger,
	)
	if err := orch.Run(ctx); err != nil {
		return fmt.Errorf("daemon mode: %w", err)
	}
	return nil
}

// streamSymbols returns the configured stream symbols, or the pair symbols
// of every active pool when none are configured.
func (a *App) streamSymbols(ctx context.Context, deps *Dependencies) ([]string, error) {
	if len(a.cfg.PriceFeed.StreamSymbols) > 0 {
		return a.cfg.PriceFeed.StreamSymbols, nil
	}
	pools, err := deps.Repo.Pools.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pools for stream: %w", err)
	}
	var symbols []string
	for _, p := range pools {
		if s := p.PairSymbol(); !slices.Contains(symbols, s) {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		a.logger.WarnContext(ctx, "price stream enabled but no active pools to follow")
	}
	return symbols, nil
}
