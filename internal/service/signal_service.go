package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// Advisor produces an advisory signal for a pool snapshot.
type Advisor interface {
	GenerateSignal(ctx context.Context, snap domain.PoolSnapshot) (domain.AdvisorySignal, error)
}

// SignalConfig tunes SignalService.
type SignalConfig struct {
	ConfidenceFloor float64
	MinHistory      int
	HistoryLimit    int
	Concurrency     int
	Timeout         time.Duration
	// PoolCooldown spaces requests per pool when a RateLimiter is set.
	PoolCooldown time.Duration
}

// RefreshStats counts what one Refresh pass did.
type RefreshStats struct {
	Accepted  int
	Discarded int
	Skipped   int
	Failures  []domain.ItemFailure
}

// SignalService refreshes advisory signals for pools. Signals are untrusted
// hints: a failure here never affects rebalancing.
type SignalService struct {
	advisor Advisor
	prices  domain.PriceStore
	signals domain.SignalStore
	limiter domain.RateLimiter // optional
	bus     domain.SignalBus
	cfg     SignalConfig
	logger  *slog.Logger
}

// NewSignalService creates a SignalService. limiter may be nil.
func NewSignalService(
	advisor Advisor,
	prices domain.PriceStore,
	signals domain.SignalStore,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	cfg SignalConfig,
	logger *slog.Logger,
) *SignalService {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &SignalService{
		advisor: advisor,
		prices:  prices,
		signals: signals,
		limiter: limiter,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "signal_service")),
	}
}

type poolOutcome int

const (
	outcomeSkipped poolOutcome = iota
	outcomeAccepted
	outcomeDiscarded
)

// Refresh asks the advisor about every pool with enough history. Per-pool
// failures are collected, never returned; the error is non-nil only when ctx
// ends before every pool was visited.
func (s *SignalService) Refresh(ctx context.Context, pools []domain.Pool) (RefreshStats, error) {
	var (
		mu    sync.Mutex
		stats RefreshStats
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, pool := range pools {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, err := s.refreshPool(gctx, pool)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failures = append(stats.Failures, domain.ItemFailure{
					Stage: domain.StageSignals, ItemID: pool.ID, Error: err.Error(),
				})
				s.logger.WarnContext(ctx, "signal refresh failed",
					slog.String("pool_id", pool.ID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			switch outcome {
			case outcomeAccepted:
				stats.Accepted++
			case outcomeDiscarded:
				stats.Discarded++
			default:
				stats.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	return stats, ctx.Err()
}

func (s *SignalService) refreshPool(ctx context.Context, pool domain.Pool) (poolOutcome, error) {
	history, err := s.prices.History(ctx, pool.ID, s.cfg.HistoryLimit)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("signal_service: history %s: %w", pool.ID, err)
	}
	if len(history) < s.cfg.MinHistory || len(history) == 0 {
		return outcomeSkipped, nil
	}

	if s.limiter != nil && s.cfg.PoolCooldown > 0 {
		ok, err := s.limiter.Allow(ctx, "advisory:"+pool.ID, 1, s.cfg.PoolCooldown)
		if err != nil {
			return outcomeSkipped, fmt.Errorf("signal_service: cooldown %s: %w", pool.ID, err)
		}
		if !ok {
			return outcomeSkipped, nil
		}
	}

	snap := domain.PoolSnapshot{
		PoolID:       pool.ID,
		CurrentPrice: history[0].Price,
		Volume24h:    pool.Volume24h,
		Liquidity:    pool.TVL,
		History:      history,
	}

	callCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	sig, err := s.advisor.GenerateSignal(callCtx, snap)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return outcomeSkipped, fmt.Errorf("signal_service: advisor %s timed out: %w", pool.ID, err)
		}
		return outcomeSkipped, fmt.Errorf("signal_service: advisor %s: %w", pool.ID, err)
	}

	if sig.Confidence < s.cfg.ConfidenceFloor {
		s.logger.InfoContext(ctx, "signal below confidence floor",
			slog.String("pool_id", pool.ID),
			slog.Float64("confidence", sig.Confidence),
			slog.Float64("floor", s.cfg.ConfidenceFloor),
		)
		return outcomeDiscarded, nil
	}

	sig.ID = uuid.NewString()
	sig.PoolID = pool.ID
	sig.Executed = false
	sig.CreatedAt = time.Now().UTC()
	if err := s.signals.Insert(ctx, sig); err != nil {
		return outcomeSkipped, fmt.Errorf("signal_service: save %s: %w", pool.ID, err)
	}

	evt, _ := json.Marshal(map[string]any{
		"event":      "advisory_signal",
		"signal_id":  sig.ID,
		"pool_id":    sig.PoolID,
		"action":     string(sig.Action),
		"confidence": sig.Confidence,
		"urgency":    string(sig.Urgency),
		"model":      sig.Model,
	})
	if pubErr := s.bus.Publish(ctx, "signals", evt); pubErr != nil {
		s.logger.WarnContext(ctx, "publish signal failed",
			slog.String("pool_id", pool.ID),
			slog.String("error", pubErr.Error()),
		)
	}
	return outcomeAccepted, nil
}

// ActiveSignals returns the newest unexecuted signals for a pool at or
// above minConfidence.
func (s *SignalService) ActiveSignals(ctx context.Context, poolID string, minConfidence float64) ([]domain.AdvisorySignal, error) {
	sigs, err := s.signals.ListActive(ctx, poolID, minConfidence, 10)
	if err != nil {
		return nil, fmt.Errorf("signal_service: active signals %s: %w", poolID, err)
	}
	return sigs, nil
}
