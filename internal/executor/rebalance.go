package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpkeeper/internal/curve"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// RebalancePlan is the new curve for a position, handed to the adapter.
type RebalancePlan struct {
	Position    domain.Position
	Strategy    domain.Strategy
	Trigger     domain.JobTrigger
	AnchorPrice float64
	Bins        []domain.PriceBin
	LowerPrice  float64
	UpperPrice  float64
}

// Receipt is what the adapter reports back.
type Receipt struct {
	TxSignature  string
	NewLiquidity decimal.Decimal
	// DryRun is set when nothing was sent on-chain.
	DryRun bool
}

// ExecutionAdapter moves a position's liquidity to a plan. Transaction
// building, signing and submission live behind it.
type ExecutionAdapter interface {
	Rebalance(ctx context.Context, plan RebalancePlan) (Receipt, error)
}

// DryRunAdapter accepts every plan without touching the chain.
type DryRunAdapter struct {
	logger *slog.Logger
}

// NewDryRunAdapter creates a DryRunAdapter.
func NewDryRunAdapter(logger *slog.Logger) *DryRunAdapter {
	return &DryRunAdapter{logger: logger.With(slog.String("component", "dry_run_adapter"))}
}

func (a *DryRunAdapter) Rebalance(ctx context.Context, plan RebalancePlan) (Receipt, error) {
	a.logger.InfoContext(ctx, "dry run rebalance",
		slog.String("position_id", plan.Position.ID),
		slog.String("trigger", string(plan.Trigger)),
		slog.Float64("anchor_price", plan.AnchorPrice),
		slog.Float64("old_lower", plan.Position.LowerPrice),
		slog.Float64("old_upper", plan.Position.UpperPrice),
		slog.Float64("new_lower", plan.LowerPrice),
		slog.Float64("new_upper", plan.UpperPrice),
		slog.Int("bins", len(plan.Bins)),
	)
	return Receipt{NewLiquidity: plan.Position.Liquidity, DryRun: true}, nil
}

// SignalReader lists accepted advisory signals for a pool, newest first.
type SignalReader interface {
	ActiveSignals(ctx context.Context, poolID string, minConfidence float64) ([]domain.AdvisorySignal, error)
}

// RebalanceExecutor regenerates a position's precision curve at the latest
// price and applies it through an ExecutionAdapter.
//
// On success the strategy's active bin set is replaced. The position range
// is only moved when the adapter reports a live execution. Every attempt
// that reaches the adapter leaves a rebalance history row.
type RebalanceExecutor struct {
	repo    domain.Repository
	engine  *curve.Engine
	adapter ExecutionAdapter
	logger  *slog.Logger

	rangeMultiplier float64
	mcuBiasFactor   float64

	signals       SignalReader
	minConfidence float64
}

// NewRebalanceExecutor creates a RebalanceExecutor.
func NewRebalanceExecutor(repo domain.Repository, engine *curve.Engine, adapter ExecutionAdapter, logger *slog.Logger) *RebalanceExecutor {
	return &RebalanceExecutor{
		repo:            repo,
		engine:          engine,
		adapter:         adapter,
		logger:          logger.With(slog.String("component", "rebalance_executor")),
		rangeMultiplier: curve.DefaultRangeMultiplier,
		mcuBiasFactor:   curve.DefaultMCUBiasFactor,
	}
}

// SetDefaults overrides the range multiplier and MCU bias used when a
// strategy leaves them unset. Values that would be rejected by the curve are
// ignored.
func (e *RebalanceExecutor) SetDefaults(rangeMultiplier, mcuBiasFactor float64) {
	if rangeMultiplier > 1 {
		e.rangeMultiplier = rangeMultiplier
	}
	if mcuBiasFactor >= 1 {
		e.mcuBiasFactor = mcuBiasFactor
	}
}

// SetSignals attaches the newest advisory signal at or above minConfidence
// to every rebalance result.
func (e *RebalanceExecutor) SetSignals(signals SignalReader, minConfidence float64) {
	e.signals = signals
	e.minConfidence = minConfidence
}

func (e *RebalanceExecutor) Execute(ctx context.Context, job domain.Job) (domain.JobResult, error) {
	pos, err := e.repo.Positions.GetByID(ctx, job.PositionID)
	if err != nil {
		return nil, fmt.Errorf("rebalance: load position %s: %w", job.PositionID, err)
	}
	if pos.Status != domain.PositionStatusActive {
		return nil, fmt.Errorf("rebalance: position %s is %s: %w", pos.ID, pos.Status, domain.ErrExecutionFailure)
	}

	strategyID := job.StrategyID
	if strategyID == "" {
		strategyID = pos.StrategyID
	}
	if strategyID == "" {
		return nil, fmt.Errorf("rebalance: position %s has no strategy: %w", pos.ID, domain.ErrExecutionFailure)
	}
	strat, err := e.repo.Strategies.GetByID(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("rebalance: load strategy %s: %w", strategyID, err)
	}

	latest, err := e.repo.Prices.Latest(ctx, pos.PoolID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("rebalance: no price for pool %s: %w", pos.PoolID, domain.ErrDataUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("rebalance: latest price %s: %w", pos.PoolID, err)
	}

	plan, err := e.plan(ctx, pos, strat, job.Trigger, latest.Price)
	if err != nil {
		return nil, err
	}

	receipt, execErr := e.adapter.Rebalance(ctx, plan)
	record := domain.RebalanceRecord{
		ID:           uuid.NewString(),
		PositionID:   pos.ID,
		StrategyID:   strat.ID,
		JobID:        job.ID,
		OldLower:     pos.LowerPrice,
		OldUpper:     pos.UpperPrice,
		OldLiquidity: pos.Liquidity,
		NewLower:     plan.LowerPrice,
		NewUpper:     plan.UpperPrice,
		NewLiquidity: receipt.NewLiquidity,
		TxSignature:  receipt.TxSignature,
		Trigger:      job.Trigger,
		Success:      execErr == nil,
		CreatedAt:    time.Now().UTC(),

		ImpermanentLossPct: e.impermanentLoss(ctx, pos, latest.Price),
	}
	if execErr != nil {
		record.ErrorMessage = execErr.Error()
		record.NewLiquidity = pos.Liquidity
	}
	// The history row must survive a cancelled job context.
	if err := e.repo.Rebalances.Insert(context.WithoutCancel(ctx), record); err != nil {
		e.logger.ErrorContext(ctx, "record rebalance history failed",
			slog.String("position_id", pos.ID),
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
	if execErr != nil {
		return nil, fmt.Errorf("rebalance: adapter %s: %v: %w", pos.ID, execErr, domain.ErrExecutionFailure)
	}

	set := domain.BinSet{
		ID:         uuid.NewString(),
		StrategyID: strat.ID,
		Bins:       plan.Bins,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.repo.Bins.ReplaceActive(ctx, set); err != nil {
		return nil, fmt.Errorf("rebalance: replace bins %s: %w", strat.ID, err)
	}
	if !receipt.DryRun {
		if err := e.repo.Positions.UpdateRange(ctx, pos.ID, plan.LowerPrice, plan.UpperPrice, receipt.NewLiquidity); err != nil {
			return nil, fmt.Errorf("rebalance: update position %s: %w", pos.ID, err)
		}
	}

	e.logger.InfoContext(ctx, "position rebalanced",
		slog.String("position_id", pos.ID),
		slog.String("job_id", job.ID),
		slog.String("trigger", string(job.Trigger)),
		slog.Float64("lower", plan.LowerPrice),
		slog.Float64("upper", plan.UpperPrice),
		slog.Bool("dry_run", receipt.DryRun),
	)

	return domain.RebalanceResult{
		BinSetID:    set.ID,
		LowerPrice:  plan.LowerPrice,
		UpperPrice:  plan.UpperPrice,
		BinCount:    len(plan.Bins),
		AnchorPrice: plan.AnchorPrice,
		TxSignature: receipt.TxSignature,
		DryRun:      receipt.DryRun,

		ImpermanentLossPct: record.ImpermanentLossPct,
		Advisory:           e.advisory(ctx, pos.PoolID),
	}, nil
}

// impermanentLoss measures the old range at price. Positions without a
// usable range get nil.
func (e *RebalanceExecutor) impermanentLoss(ctx context.Context, pos domain.Position, price float64) *float64 {
	il, err := curve.ImpermanentLoss(pos.ReferenceEntryPrice(), price, pos.LowerPrice, pos.UpperPrice)
	if err != nil {
		e.logger.DebugContext(ctx, "impermanent loss unavailable",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return &il
}

func (e *RebalanceExecutor) advisory(ctx context.Context, poolID string) *domain.AdvisoryNote {
	if e.signals == nil {
		return nil
	}
	sigs, err := e.signals.ActiveSignals(ctx, poolID, e.minConfidence)
	if err != nil {
		e.logger.WarnContext(ctx, "load advisory signals failed",
			slog.String("pool_id", poolID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if len(sigs) == 0 {
		return nil
	}
	s := sigs[0]
	return &domain.AdvisoryNote{
		SignalID:       s.ID,
		Action:         s.Action,
		Confidence:     s.Confidence,
		PredictedPrice: s.PredictedPrice,
		Urgency:        s.Urgency,
	}
}

// plan builds the new curve for the strategy's type and bias settings.
func (e *RebalanceExecutor) plan(ctx context.Context, pos domain.Position, strat domain.Strategy, trigger domain.JobTrigger, price float64) (RebalancePlan, error) {
	engine, err := e.engine.WithBins(strat.PrecisionBins)
	if err != nil {
		return RebalancePlan{}, fmt.Errorf("rebalance: strategy %s bins: %w", strat.ID, err)
	}

	var bins []domain.PriceBin
	switch p := strat.Params.(type) {
	case domain.VolatilityAdjustedParams:
		current, gerr := e.repo.Bins.GetActive(ctx, strat.ID)
		if gerr != nil {
			return RebalancePlan{}, fmt.Errorf("rebalance: active bins %s: %w", strat.ID, gerr)
		}
		if len(current) > 0 {
			bins, err = engine.AdjustForVolatility(current, price, p.VolatilityPct)
		} else {
			bins, err = engine.GenerateBins(price, curve.VolatilityRangeMultiplier(p.VolatilityPct))
		}
	case domain.PrecisionCurveParams:
		mult := p.RangeMultiplier
		if mult == 0 {
			mult = e.rangeMultiplier
		}
		bins, err = engine.GenerateBins(price, mult)
	default:
		bins, err = engine.GenerateBins(price, e.rangeMultiplier)
	}
	if err != nil {
		return RebalancePlan{}, fmt.Errorf("rebalance: generate curve %s: %w", strat.ID, err)
	}

	if strat.MCUEnabled {
		factor := strat.MCUBiasFactor
		if factor < 1 {
			factor = e.mcuBiasFactor
		}
		if bins, err = engine.ApplyMCUBias(bins, factor); err != nil {
			return RebalancePlan{}, fmt.Errorf("rebalance: mcu bias %s: %w", strat.ID, err)
		}
	}

	return RebalancePlan{
		Position:    pos,
		Strategy:    strat,
		Trigger:     trigger,
		AnchorPrice: price,
		Bins:        bins,
		LowerPrice:  bins[0].LowerPrice,
		UpperPrice:  bins[len(bins)-1].UpperPrice,
	}, nil
}
