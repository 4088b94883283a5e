package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// JobStore implements domain.JobStore using PostgreSQL.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore creates a new JobStore backed by the given connection pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

const jobSelectCols = `id, job_type, trigger_type, COALESCE(position_id, ''), COALESCE(strategy_id, ''),
	status, priority, retry_count, max_retries,
	created_at, started_at, completed_at, COALESCE(error_message, ''), result`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var jobType, trigger, status string
	var result []byte

	err := row.Scan(
		&j.ID, &jobType, &trigger, &j.PositionID, &j.StrategyID,
		&status, &j.Priority, &j.RetryCount, &j.MaxRetries,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.ErrorMessage, &result,
	)
	if err != nil {
		return domain.Job{}, err
	}
	j.Type = domain.JobType(jobType)
	j.Trigger = domain.JobTrigger(trigger)
	j.Status = domain.JobStatus(status)
	j.Result, err = domain.DecodeJobResult(j.Type, result)
	if err != nil {
		return domain.Job{}, fmt.Errorf("job %s: %w", j.ID, err)
	}
	return j, nil
}

func (s *JobStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]domain.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return jobs, nil
}

// Insert stores a new job and returns its ID.
func (s *JobStore) Insert(ctx context.Context, job domain.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}

	const query = `
		INSERT INTO keeper_jobs (
			id, job_type, trigger_type, position_id, strategy_id,
			status, priority, retry_count, max_retries, created_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		job.ID, string(job.Type), string(job.Trigger), job.PositionID, job.StrategyID,
		string(job.Status), job.Priority, job.RetryCount, job.MaxRetries, job.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("postgres: insert job %s: %w", job.ID, err)
	}
	return job.ID, nil
}

// GetByID retrieves a single job.
func (s *JobStore) GetByID(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobSelectCols+` FROM keeper_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, domain.ErrNotFound
		}
		return domain.Job{}, fmt.Errorf("postgres: get job %s: %w", id, err)
	}
	return j, nil
}

// ListPending returns pending jobs by priority desc, then age.
func (s *JobStore) ListPending(ctx context.Context, limit int) ([]domain.Job, error) {
	return s.queryJobs(ctx, "list pending jobs", `
		SELECT `+jobSelectCols+` FROM keeper_jobs
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT $1`, limit)
}

// Transition applies t under a row lock. Claims for the same position are
// serialised with a transaction-scoped advisory lock so two keepers can never
// both move a job of one position to processing.
func (s *JobStore) Transition(ctx context.Context, id string, t domain.JobTransition) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("postgres: transition job %s: %w", id, err)
	}
	result, err := domain.EncodeJobResult(t.Result)
	if err != nil {
		return fmt.Errorf("postgres: encode job %s result: %w", id, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin transition %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status, positionID string
	err = tx.QueryRow(ctx,
		`SELECT status, COALESCE(position_id, '') FROM keeper_jobs WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status, &positionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: lock job %s: %w", id, err)
	}
	if domain.JobStatus(status) != t.From {
		return fmt.Errorf("postgres: job %s is %s, not %s: %w", id, status, t.From, domain.ErrInvalidTransition)
	}

	if t.To == domain.JobStatusProcessing && positionID != "" {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, positionID); err != nil {
			return fmt.Errorf("postgres: lock position %s: %w", positionID, err)
		}
		var busy bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM keeper_jobs
			WHERE position_id = $1 AND status = 'processing' AND id <> $2)`, positionID, id,
		).Scan(&busy)
		if err != nil {
			return fmt.Errorf("postgres: check position %s: %w", positionID, err)
		}
		if busy {
			return fmt.Errorf("postgres: claim job %s: %w", id, domain.ErrPositionBusy)
		}
	}

	incr := 0
	if t.IncrementRetry {
		incr = 1
	}
	_, err = tx.Exec(ctx, `
		UPDATE keeper_jobs SET
			status        = $2,
			started_at    = COALESCE($3, started_at),
			completed_at  = COALESCE($4, completed_at),
			error_message = COALESCE($5, error_message),
			retry_count   = retry_count + $6,
			result        = COALESCE($7::jsonb, result)
		WHERE id = $1`,
		id, string(t.To), t.StartedAt, t.CompletedAt, t.ErrorMessage, incr, result,
	)
	if err != nil {
		return fmt.Errorf("postgres: update job %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit transition %s: %w", id, err)
	}
	return nil
}

// ListStuck returns processing jobs started before cutoff.
func (s *JobStore) ListStuck(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	return s.queryJobs(ctx, "list stuck jobs", `
		SELECT `+jobSelectCols+` FROM keeper_jobs
		WHERE status = 'processing' AND (started_at IS NULL OR started_at < $1)
		ORDER BY started_at ASC NULLS FIRST`, cutoff)
}

// ListRetryable returns failed jobs that still have retries left.
func (s *JobStore) ListRetryable(ctx context.Context, limit int) ([]domain.Job, error) {
	return s.queryJobs(ctx, "list retryable jobs", `
		SELECT `+jobSelectCols+` FROM keeper_jobs
		WHERE status = 'failed' AND retry_count < max_retries
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT $1`, limit)
}

// ListSettledBefore returns completed and permanently failed jobs created
// before the cutoff, oldest first.
func (s *JobStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Job, error) {
	return s.queryJobs(ctx, "list settled jobs", `
		SELECT `+jobSelectCols+` FROM keeper_jobs
		WHERE created_at < $1
		  AND (status = 'completed' OR (status = 'failed' AND retry_count >= max_retries))
		ORDER BY created_at ASC, id ASC`, before)
}
