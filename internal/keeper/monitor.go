package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lpkeeper/internal/curve"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// MonitorReport is what one monitoring pass did.
type MonitorReport struct {
	Checked  int
	Skipped  int
	Jobs     []domain.Job
	Failures []domain.ItemFailure
}

// Monitor decides which positions need work. It reads prices, bins and
// strategies and writes nothing but jobs.
type Monitor struct {
	repo         domain.Repository
	engine       *curve.Engine
	queue        *Queue
	concurrency  int
	priceTimeout time.Duration
	logger       *slog.Logger
}

// NewMonitor creates a Monitor that evaluates up to concurrency positions at
// once.
func NewMonitor(repo domain.Repository, engine *curve.Engine, queue *Queue, concurrency int, priceTimeout time.Duration, logger *slog.Logger) *Monitor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Monitor{
		repo:         repo,
		engine:       engine,
		queue:        queue,
		concurrency:  concurrency,
		priceTimeout: priceTimeout,
		logger:       logger.With(slog.String("component", "position_monitor")),
	}
}

// Run evaluates every position. A failing position is recorded and the rest
// continue. Positions not yet started when ctx ends are left for the next
// cycle and ctx.Err() is returned.
func (m *Monitor) Run(ctx context.Context, positions []domain.Position) (MonitorReport, error) {
	var (
		mu     sync.Mutex
		report MonitorReport
	)

	g := new(errgroup.Group)
	g.SetLimit(m.concurrency)
	for _, pos := range positions {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			jobs, checked, err := m.Evaluate(ctx, pos)
			mu.Lock()
			defer mu.Unlock()
			report.Jobs = append(report.Jobs, jobs...)
			switch {
			case err != nil:
				report.Failures = append(report.Failures, domain.ItemFailure{
					Stage: domain.StageMonitor, ItemID: pos.ID, Error: err.Error(),
				})
				m.logger.WarnContext(ctx, "position evaluation failed",
					slog.String("position_id", pos.ID),
					slog.String("error", err.Error()),
				)
			case checked:
				report.Checked++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, ctx.Err()
}

// Evaluate applies the monitoring rules to one position and enqueues the
// jobs they call for. checked is false when the position was skipped: no
// strategy, auto-rebalance off, or no price yet.
func (m *Monitor) Evaluate(ctx context.Context, pos domain.Position) (jobs []domain.Job, checked bool, err error) {
	if !pos.HasStrategy() {
		return nil, false, nil
	}
	strat, err := m.repo.Strategies.GetByID(ctx, pos.StrategyID)
	if err != nil {
		return nil, false, fmt.Errorf("keeper: strategy %s: %w", pos.StrategyID, err)
	}
	if !strat.AutoRebalance {
		return nil, false, nil
	}

	price, err := m.latestPrice(ctx, pos.PoolID)
	if errors.Is(err, domain.ErrDataUnavailable) {
		m.logger.DebugContext(ctx, "no price, skipping position",
			slog.String("position_id", pos.ID),
			slog.String("pool_id", pos.PoolID),
		)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	bins, err := m.repo.Bins.GetActive(ctx, strat.ID)
	if err != nil {
		return nil, false, fmt.Errorf("keeper: active bins %s: %w", strat.ID, err)
	}
	rebalance, err := m.engine.ShouldRebalance(price, bins, strat.RebalanceThresholdPct)
	if err != nil {
		return nil, false, fmt.Errorf("keeper: evaluate %s: %w", pos.ID, err)
	}

	var reqs []domain.JobRequest
	if rebalance {
		reqs = append(reqs, domain.JobRequest{
			Trigger:  rebalanceTrigger(price, bins),
			Priority: domain.PriorityRebalance,
		})
	}
	reqs = append(reqs, exitRequests(pos, strat, price)...)

	for _, req := range reqs {
		req.Type = domain.JobTypeRebalance
		req.PositionID = pos.ID
		req.StrategyID = strat.ID
		job, err := m.queue.Enqueue(ctx, req)
		if err != nil {
			return jobs, true, err
		}
		jobs = append(jobs, job)
	}
	return jobs, true, nil
}

func (m *Monitor) latestPrice(ctx context.Context, poolID string) (float64, error) {
	if m.priceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.priceTimeout)
		defer cancel()
	}
	pp, err := m.repo.Prices.Latest(ctx, poolID)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, domain.ErrDataUnavailable
	}
	if err != nil {
		return 0, fmt.Errorf("keeper: latest price %s: %w", poolID, err)
	}
	if pp.Price <= 0 {
		return 0, domain.ErrDataUnavailable
	}
	return pp.Price, nil
}

// rebalanceTrigger tells a price that left the curve apart from a curve that
// is merely too thin around the price.
func rebalanceTrigger(price float64, bins []domain.PriceBin) domain.JobTrigger {
	for _, b := range bins {
		if b.Contains(price) {
			return domain.TriggerLowConcentration
		}
	}
	return domain.TriggerRangeExit
}

// exitRequests checks stop-loss and take-profit against the position's
// reference entry price. Both may fire alongside a rebalance.
func exitRequests(pos domain.Position, strat domain.Strategy, price float64) []domain.JobRequest {
	if !strat.HasExitRules() {
		return nil
	}
	entry := pos.ReferenceEntryPrice()
	if entry <= 0 {
		return nil
	}
	change := (price - entry) / entry * 100

	var reqs []domain.JobRequest
	if sl := strat.StopLossPct; sl != nil && *sl > 0 && change <= -*sl {
		reqs = append(reqs, domain.JobRequest{Trigger: domain.TriggerStopLoss, Priority: domain.PriorityStopLoss})
	}
	if tp := strat.TakeProfitPct; tp != nil && *tp > 0 && change >= *tp {
		reqs = append(reqs, domain.JobRequest{Trigger: domain.TriggerTakeProfit, Priority: domain.PriorityTakeProfit})
	}
	return reqs
}
