// Package pipeline runs the keeper's long-lived daemon loops: the periodic
// keeper cycle, the optional price stream, and cold-storage archival.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/platform/binance"
)

// CycleRunner runs one keeper cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (domain.CycleSummary, error)
}

// TickSink receives streamed prices.
type TickSink interface {
	HandleTick(ctx context.Context, symbol string, price float64, ts time.Time) error
}

// StreamConfig enables the price stream. Stream or Sink nil, or no symbols,
// disables it.
type StreamConfig struct {
	Stream  *binance.Stream
	Sink    TickSink
	Symbols []string
}

// Orchestrator manages all daemon goroutines.
type Orchestrator struct {
	keeper      CycleRunner
	interval    time.Duration
	stream      StreamConfig
	archiver    *Archiver
	archiveCron string
	logger      *slog.Logger
}

// NewOrchestrator creates an Orchestrator. archiver may be nil.
func NewOrchestrator(
	keeper CycleRunner,
	interval time.Duration,
	stream StreamConfig,
	archiver *Archiver,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		keeper:      keeper,
		interval:    interval,
		stream:      stream,
		archiver:    archiver,
		archiveCron: archiveCron,
		logger:      logger.With(slog.String("component", "orchestrator")),
	}
}

// Run starts every enabled loop and blocks until ctx is cancelled or a loop
// fails. A cycle failing with domain.ErrFatalInfrastructure stops the daemon;
// cancellation is a clean shutdown and returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "daemon starting",
		slog.Duration("interval", o.interval),
		slog.Bool("stream", o.streamEnabled()),
		slog.Bool("archiver", o.archiver != nil),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.runKeeperLoop(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("keeper loop: %w", err)
	})

	if o.streamEnabled() {
		g.Go(func() error {
			err := o.stream.Stream.Run(ctx, o.stream.Symbols, func(t binance.Tick) {
				if err := o.stream.Sink.HandleTick(ctx, t.Symbol, t.Price, t.Time); err != nil {
					o.logger.DebugContext(ctx, "tick dropped",
						slog.String("symbol", t.Symbol),
						slog.String("error", err.Error()),
					)
				}
			})
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("price stream: %w", err)
		})
	}

	if o.archiver != nil {
		g.Go(func() error {
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("daemon stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("daemon stopped cleanly")
	return nil
}

func (o *Orchestrator) streamEnabled() bool {
	return o.stream.Stream != nil && o.stream.Sink != nil && len(o.stream.Symbols) > 0
}

// runKeeperLoop runs a cycle immediately and then once per interval.
func (o *Orchestrator) runKeeperLoop(ctx context.Context) error {
	if err := o.tick(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) error {
	_, err := o.keeper.RunCycle(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrCycleInProgress):
		o.logger.InfoContext(ctx, "cycle skipped", slog.String("reason", err.Error()))
		return nil
	case errors.Is(err, domain.ErrFatalInfrastructure):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		o.logger.ErrorContext(ctx, "cycle failed", slog.String("error", err.Error()))
		return nil
	}
}
