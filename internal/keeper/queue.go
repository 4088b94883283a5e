// Package keeper runs the rebalancing cycle: the position monitor turns
// prices and curves into jobs, the scheduler drains them, and Keeper ties
// both together with price and advisory refreshes.
package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// Queue is the only way jobs are created.
type Queue struct {
	jobs       domain.JobStore
	maxRetries int
	logger     *slog.Logger
}

// NewQueue creates a Queue. Every job it creates may be retried maxRetries
// times.
func NewQueue(jobs domain.JobStore, maxRetries int, logger *slog.Logger) *Queue {
	return &Queue{
		jobs:       jobs,
		maxRetries: maxRetries,
		logger:     logger.With(slog.String("component", "job_queue")),
	}
}

// Enqueue stores a new pending job for req.
func (q *Queue) Enqueue(ctx context.Context, req domain.JobRequest) (domain.Job, error) {
	if req.PositionID == "" {
		return domain.Job{}, fmt.Errorf("keeper: enqueue: empty position id: %w", domain.ErrInvalidInput)
	}
	jobType := req.Type
	if jobType == "" {
		jobType = domain.JobTypeRebalance
	}

	job := domain.Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Trigger:    req.Trigger,
		PositionID: req.PositionID,
		StrategyID: req.StrategyID,
		Status:     domain.JobStatusPending,
		Priority:   req.Priority,
		MaxRetries: q.maxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	id, err := q.jobs.Insert(ctx, job)
	if err != nil {
		return domain.Job{}, fmt.Errorf("keeper: enqueue %s job for %s: %w", job.Trigger, job.PositionID, err)
	}
	job.ID = id

	q.logger.InfoContext(ctx, "job enqueued",
		slog.String("job_id", job.ID),
		slog.String("position_id", job.PositionID),
		slog.String("trigger", string(job.Trigger)),
		slog.Int("priority", job.Priority),
	)
	return job, nil
}
