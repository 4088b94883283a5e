package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/executor"
)

// requeueLimit caps how many failed jobs one cycle puts back to pending.
const requeueLimit = 100

// SchedulerConfig tunes the Scheduler.
type SchedulerConfig struct {
	BatchSize   int
	Concurrency int
	JobTimeout  time.Duration
	// StuckAfter is how long a job may stay processing before Reconcile
	// fails it.
	StuckAfter   time.Duration
	AutoResubmit bool
}

// ReconcileReport is what Reconcile did.
type ReconcileReport struct {
	Reconciled int
	Requeued   int
	Failures   []domain.ItemFailure
}

// BatchReport is what one RunBatch did.
type BatchReport struct {
	Completed int
	Failed    int
	Deferred  int
	Failures  []domain.ItemFailure
}

// Scheduler drains the pending queue through the job state machine. Claims
// go through JobStore.Transition, so a job is dequeued at most once even
// with several keepers sharing a store.
type Scheduler struct {
	jobs     domain.JobStore
	exec     executor.JobExecutor
	inflight *executor.InFlight
	bus      domain.SignalBus
	cfg      SchedulerConfig
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(jobs domain.JobStore, exec executor.JobExecutor, bus domain.SignalBus, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Scheduler{
		jobs:     jobs,
		exec:     exec,
		inflight: executor.NewInFlight(),
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "scheduler")),
	}
}

// Reconcile fails jobs left processing for longer than StuckAfter and, with
// AutoResubmit, moves failed jobs that have retries left back to pending.
func (s *Scheduler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	if s.cfg.StuckAfter > 0 {
		now := time.Now().UTC()
		stuck, err := s.jobs.ListStuck(ctx, now.Add(-s.cfg.StuckAfter))
		if err != nil {
			return report, fmt.Errorf("keeper: list stuck jobs: %w: %w", domain.ErrFatalInfrastructure, err)
		}
		for _, job := range stuck {
			msg := "abandoned in processing"
			if job.StartedAt != nil {
				msg = fmt.Sprintf("abandoned in processing since %s", job.StartedAt.UTC().Format(time.RFC3339))
			}
			err := s.jobs.Transition(ctx, job.ID, domain.JobTransition{
				From:           domain.JobStatusProcessing,
				To:             domain.JobStatusFailed,
				CompletedAt:    &now,
				ErrorMessage:   &msg,
				IncrementRetry: true,
			})
			if err != nil {
				report.Failures = append(report.Failures, domain.ItemFailure{Stage: domain.StageRequeue, ItemID: job.ID, Error: err.Error()})
				continue
			}
			report.Reconciled++
			s.logger.WarnContext(ctx, "stuck job failed",
				slog.String("job_id", job.ID),
				slog.String("position_id", job.PositionID),
			)
		}
	}

	if !s.cfg.AutoResubmit {
		return report, nil
	}
	retryable, err := s.jobs.ListRetryable(ctx, requeueLimit)
	if err != nil {
		return report, fmt.Errorf("keeper: list retryable jobs: %w: %w", domain.ErrFatalInfrastructure, err)
	}
	for _, job := range retryable {
		err := s.jobs.Transition(ctx, job.ID, domain.JobTransition{From: domain.JobStatusFailed, To: domain.JobStatusPending})
		if errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			report.Failures = append(report.Failures, domain.ItemFailure{Stage: domain.StageRequeue, ItemID: job.ID, Error: err.Error()})
			continue
		}
		report.Requeued++
		s.logger.InfoContext(ctx, "job requeued",
			slog.String("job_id", job.ID),
			slog.Int("retry_count", job.RetryCount),
			slog.Int("max_retries", job.MaxRetries),
		)
	}
	return report, nil
}

type jobOutcome int

const (
	outcomeCompleted jobOutcome = iota
	outcomeFailed
	outcomeDeferred
	outcomeLost
)

// RunBatch dequeues up to BatchSize pending jobs, highest priority first,
// and runs them with bounded parallelism. Only the first job of each
// position runs; the others are deferred and stay pending. Jobs not started
// when ctx ends stay pending too.
func (s *Scheduler) RunBatch(ctx context.Context) (BatchReport, error) {
	var report BatchReport

	pending, err := s.jobs.ListPending(ctx, s.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("keeper: list pending jobs: %w: %w", domain.ErrFatalInfrastructure, err)
	}
	if len(pending) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	seen := make(map[string]bool, len(pending))
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, job := range pending {
		if ctx.Err() != nil {
			break
		}
		// One job per position per batch; the rest wait for the next cycle.
		if seen[job.PositionID] || !s.inflight.TryAcquire(job.PositionID) {
			mu.Lock()
			report.Deferred++
			mu.Unlock()
			continue
		}
		seen[job.PositionID] = true
		g.Go(func() error {
			defer s.inflight.Release(job.PositionID)
			outcome, err := s.run(ctx, job)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeCompleted:
				report.Completed++
			case outcomeFailed:
				report.Failed++
			case outcomeDeferred:
				report.Deferred++
			}
			if err != nil {
				report.Failures = append(report.Failures, domain.ItemFailure{Stage: domain.StageExecute, ItemID: job.ID, Error: err.Error()})
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, ctx.Err()
}

// run claims, executes and settles one job. Once claimed, the job is always
// moved out of processing, even if ctx is cancelled meanwhile.
func (s *Scheduler) run(ctx context.Context, job domain.Job) (jobOutcome, error) {
	started := time.Now().UTC()
	err := s.jobs.Transition(ctx, job.ID, domain.JobTransition{
		From:      domain.JobStatusPending,
		To:        domain.JobStatusProcessing,
		StartedAt: &started,
	})
	switch {
	case errors.Is(err, domain.ErrPositionBusy):
		s.logger.InfoContext(ctx, "position busy, job deferred",
			slog.String("job_id", job.ID),
			slog.String("position_id", job.PositionID),
		)
		return outcomeDeferred, nil
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
		// Claimed by someone else between listing and claiming.
		return outcomeLost, nil
	case err != nil:
		return outcomeLost, fmt.Errorf("keeper: claim job %s: %w", job.ID, err)
	}

	execCtx := ctx
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}
	result, execErr := s.execute(execCtx, job)

	settleCtx := context.WithoutCancel(ctx)
	completed := time.Now().UTC()
	if execErr != nil {
		msg := execErr.Error()
		if err := s.jobs.Transition(settleCtx, job.ID, domain.JobTransition{
			From:           domain.JobStatusProcessing,
			To:             domain.JobStatusFailed,
			CompletedAt:    &completed,
			ErrorMessage:   &msg,
			IncrementRetry: true,
		}); err != nil {
			return outcomeFailed, fmt.Errorf("keeper: settle failed job %s: %w", job.ID, err)
		}
		s.logger.WarnContext(ctx, "job failed",
			slog.String("job_id", job.ID),
			slog.String("position_id", job.PositionID),
			slog.Int("retry_count", job.RetryCount+1),
			slog.Int("max_retries", job.MaxRetries),
			slog.String("error", msg),
		)
		s.publish(settleCtx, job, domain.JobStatusFailed, msg)
		return outcomeFailed, execErr
	}

	if err := s.jobs.Transition(settleCtx, job.ID, domain.JobTransition{
		From:        domain.JobStatusProcessing,
		To:          domain.JobStatusCompleted,
		CompletedAt: &completed,
		Result:      result,
	}); err != nil {
		return outcomeFailed, fmt.Errorf("keeper: settle completed job %s: %w", job.ID, err)
	}
	s.logger.InfoContext(ctx, "job completed",
		slog.String("job_id", job.ID),
		slog.String("position_id", job.PositionID),
		slog.Duration("elapsed", completed.Sub(started)),
	)
	s.publish(settleCtx, job, domain.JobStatusCompleted, "")
	return outcomeCompleted, nil
}

// execute runs the executor, turning a panic into an ordinary failure.
func (s *Scheduler) execute(ctx context.Context, job domain.Job) (result domain.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v: %w", r, domain.ErrExecutionFailure)
		}
	}()
	return s.exec.Execute(ctx, job)
}

func (s *Scheduler) publish(ctx context.Context, job domain.Job, status domain.JobStatus, errMsg string) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"event":       "job_" + string(status),
		"job_id":      job.ID,
		"position_id": job.PositionID,
		"trigger":     string(job.Trigger),
		"priority":    job.Priority,
		"error":       errMsg,
	})
	if err := s.bus.Publish(ctx, "jobs", payload); err != nil {
		s.logger.WarnContext(ctx, "publish job event failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}
