package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/service"
)

// Notification event types.
const (
	EventCycleFailed  = "cycle_failed"
	EventCycleSummary = "cycle_summary"
	EventStopLoss     = "stop_loss"
)

const cycleLockKey = "keeper:cycle"

// PriceRecorder appends the current price of a pool to its history.
type PriceRecorder interface {
	RecordPoolPrice(ctx context.Context, pool domain.Pool) (domain.PricePoint, error)
}

// SignalRefresher refreshes advisory signals for a set of pools.
type SignalRefresher interface {
	Refresh(ctx context.Context, pools []domain.Pool) (service.RefreshStats, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes the parts of a cycle that Keeper runs itself.
type Config struct {
	RefreshPrices    bool
	PriceConcurrency int
	PriceTimeout     time.Duration
	LockTTL          time.Duration
}

// Deps are the collaborators of a Keeper. Prices, Signals, Locks, Bus and
// Notifier are optional.
type Deps struct {
	Repo      domain.Repository
	Monitor   *Monitor
	Scheduler *Scheduler
	Prices    PriceRecorder
	Signals   SignalRefresher
	Locks     domain.LockManager
	Bus       domain.SignalBus
	Notifier  Notifier
}

// Keeper runs keeper cycles. Cycles never overlap: a second RunCycle while
// one is in progress fails with domain.ErrCycleInProgress.
type Keeper struct {
	deps   Deps
	cfg    Config
	guard  CycleGuard
	logger *slog.Logger
}

// New creates a Keeper.
func New(deps Deps, cfg Config, logger *slog.Logger) *Keeper {
	if cfg.PriceConcurrency < 1 {
		cfg.PriceConcurrency = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	return &Keeper{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "keeper")),
	}
}

// Running reports whether a cycle is in progress.
func (k *Keeper) Running() bool { return k.guard.Running() }

// RunCycle runs one full cycle: reconcile and requeue jobs, record prices,
// monitor positions, refresh advisory signals, then drain one batch of jobs.
//
// Per-item failures are collected on the summary and never abort the cycle.
// The returned error wraps domain.ErrFatalInfrastructure when the
// repository could not be read at all, or is ctx.Err() when the cycle was
// cancelled part way through.
func (k *Keeper) RunCycle(ctx context.Context) (domain.CycleSummary, error) {
	if !k.guard.TryEnter() {
		return domain.CycleSummary{}, domain.ErrCycleInProgress
	}
	defer k.guard.Exit()

	if k.deps.Locks != nil {
		lockCtx, release, err := k.holdLock(ctx)
		if err != nil {
			return domain.CycleSummary{}, err
		}
		defer release()
		ctx = lockCtx
	}

	summary := domain.CycleSummary{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	log := k.logger.With(slog.String("cycle_id", summary.ID))
	log.InfoContext(ctx, "cycle started")

	err := k.runStages(ctx, &summary)
	summary.FinishedAt = time.Now().UTC()
	if cause := context.Cause(ctx); errors.Is(cause, domain.ErrLockLost) {
		err = cause
	}

	if err != nil {
		log.ErrorContext(ctx, "cycle aborted",
			slog.String("error", err.Error()),
			slog.Int("failures", len(summary.Failures)),
		)
		if errors.Is(err, domain.ErrFatalInfrastructure) {
			k.notify(ctx, EventCycleFailed, "Keeper cycle failed", err.Error())
		}
		k.publishSummary(ctx, summary, err)
		return summary, err
	}

	log.InfoContext(ctx, "cycle finished",
		slog.Duration("elapsed", summary.Duration()),
		slog.Int("positions_checked", summary.PositionsChecked),
		slog.Int("jobs_created", summary.JobsCreated),
		slog.Int("jobs_completed", summary.JobsCompleted),
		slog.Int("jobs_failed", summary.JobsFailed),
		slog.Int("failures", len(summary.Failures)),
	)
	if len(summary.Failures) > 0 {
		k.notify(ctx, EventCycleSummary, "Keeper cycle finished with failures", failureDigest(summary))
	}
	k.publishSummary(ctx, summary, nil)
	return summary, nil
}

// holdLock takes the cross-instance cycle lock and refreshes it every third
// of its TTL until release is called. When the lock cannot be kept the
// returned context is cancelled with a cause wrapping domain.ErrLockLost.
func (k *Keeper) holdLock(ctx context.Context) (context.Context, func(), error) {
	lock, err := k.deps.Locks.Acquire(ctx, cycleLockKey, k.cfg.LockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return nil, nil, fmt.Errorf("keeper: another instance holds the cycle lock: %w", domain.ErrCycleInProgress)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("keeper: cycle lock: %w", err)
	}

	lockCtx, abort := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		k.keepLock(lockCtx, lock, done, abort)
	}()

	release := func() {
		close(done)
		wg.Wait()
		lock.Release()
		abort(nil)
	}
	return lockCtx, release, nil
}

// keepLock refreshes lock until done is closed. A transient refresh error is
// retried on the next tick as long as the lock cannot have expired yet.
func (k *Keeper) keepLock(ctx context.Context, lock domain.Lock, done <-chan struct{}, abort context.CancelCauseFunc) {
	ttl := k.cfg.LockTTL
	interval := max(ttl/3, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastOK := time.Now()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		refreshCtx, cancel := context.WithTimeout(ctx, interval)
		err := lock.Refresh(refreshCtx, ttl)
		cancel()
		if err == nil {
			lastOK = time.Now()
			continue
		}
		if !errors.Is(err, domain.ErrLockLost) && time.Since(lastOK)+interval < ttl {
			k.logger.WarnContext(ctx, "cycle lock refresh failed, retrying", slog.String("error", err.Error()))
			continue
		}
		if !errors.Is(err, domain.ErrLockLost) {
			err = fmt.Errorf("%w: %w", domain.ErrLockLost, err)
		}
		k.logger.ErrorContext(ctx, "cycle lock lost, aborting cycle", slog.String("error", err.Error()))
		abort(fmt.Errorf("keeper: cycle lock: %w", err))
		return
	}
}

func (k *Keeper) runStages(ctx context.Context, summary *domain.CycleSummary) error {
	rec, err := k.deps.Scheduler.Reconcile(ctx)
	summary.JobsReconciled = rec.Reconciled
	summary.JobsRequeued = rec.Requeued
	summary.Failures = append(summary.Failures, rec.Failures...)
	if err != nil {
		return err
	}

	var pools []domain.Pool
	if k.cfg.RefreshPrices || k.deps.Signals != nil {
		pools, err = k.deps.Repo.Pools.ListActive(ctx)
		if err != nil {
			return fmt.Errorf("keeper: list pools: %w: %w", domain.ErrFatalInfrastructure, err)
		}
	}

	if k.cfg.RefreshPrices && k.deps.Prices != nil {
		recorded, failures := k.recordPrices(ctx, pools)
		summary.PricesRecorded = recorded
		summary.Failures = append(summary.Failures, failures...)
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	positions, err := k.deps.Repo.Positions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("keeper: list positions: %w: %w", domain.ErrFatalInfrastructure, err)
	}
	mon, err := k.deps.Monitor.Run(ctx, positions)
	summary.PositionsChecked = mon.Checked
	summary.PositionsSkipped = mon.Skipped
	summary.JobsCreated = len(mon.Jobs)
	summary.Failures = append(summary.Failures, mon.Failures...)
	for _, job := range mon.Jobs {
		if job.Trigger == domain.TriggerStopLoss {
			k.notify(ctx, EventStopLoss, "Stop-loss triggered: position "+job.PositionID,
				fmt.Sprintf("position %s queued for exit (job %s, priority %d)", job.PositionID, job.ID, job.Priority))
		}
	}
	if err != nil {
		return err
	}

	if k.deps.Signals != nil {
		stats, err := k.deps.Signals.Refresh(ctx, pools)
		summary.SignalsAccepted = stats.Accepted
		summary.SignalsDiscarded = stats.Discarded
		summary.Failures = append(summary.Failures, stats.Failures...)
		if err != nil {
			return err
		}
	}

	batch, err := k.deps.Scheduler.RunBatch(ctx)
	summary.JobsCompleted = batch.Completed
	summary.JobsFailed = batch.Failed
	summary.JobsDeferred = batch.Deferred
	summary.Failures = append(summary.Failures, batch.Failures...)
	return err
}

func (k *Keeper) recordPrices(ctx context.Context, pools []domain.Pool) (int, []domain.ItemFailure) {
	var (
		mu       sync.Mutex
		recorded int
		failures []domain.ItemFailure
	)
	g := new(errgroup.Group)
	g.SetLimit(k.cfg.PriceConcurrency)
	for _, pool := range pools {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			pctx := ctx
			if k.cfg.PriceTimeout > 0 {
				var cancel context.CancelFunc
				pctx, cancel = context.WithTimeout(ctx, k.cfg.PriceTimeout)
				defer cancel()
			}
			_, err := k.deps.Prices.RecordPoolPrice(pctx, pool)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, domain.ItemFailure{Stage: domain.StagePrices, ItemID: pool.ID, Error: err.Error()})
				return nil
			}
			recorded++
			return nil
		})
	}
	_ = g.Wait()
	return recorded, failures
}

func (k *Keeper) notify(ctx context.Context, event, title, message string) {
	if k.deps.Notifier == nil {
		return
	}
	if err := k.deps.Notifier.Notify(context.WithoutCancel(ctx), event, title, message); err != nil {
		k.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (k *Keeper) publishSummary(ctx context.Context, summary domain.CycleSummary, cycleErr error) {
	if k.deps.Bus == nil {
		return
	}
	evt := map[string]any{
		"event":    "cycle_summary",
		"summary":  summary,
		"duration": summary.Duration().String(),
	}
	if cycleErr != nil {
		evt["error"] = cycleErr.Error()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := k.deps.Bus.Publish(ctx, "cycles", payload); err != nil {
		k.logger.WarnContext(ctx, "publish cycle summary failed", slog.String("error", err.Error()))
	}
	if err := k.deps.Bus.StreamAppend(ctx, "cycles", payload); err != nil {
		k.logger.WarnContext(ctx, "append cycle summary failed", slog.String("error", err.Error()))
	}
}

// failureDigest lists the first few failures of a cycle.
func failureDigest(s domain.CycleSummary) string {
	const maxLines = 5
	var b strings.Builder
	fmt.Fprintf(&b, "cycle %s: %d failure(s)\n", s.ID, len(s.Failures))
	for i, f := range s.Failures {
		if i == maxLines {
			fmt.Fprintf(&b, "... and %d more\n", len(s.Failures)-maxLines)
			break
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", f.Stage, f.ItemID, f.Error)
	}
	return b.String()
}
