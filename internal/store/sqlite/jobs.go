package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// JobStore implements domain.JobStore. With a single connection every
// transaction is serialised, so Transition is atomic without row locks.
type JobStore struct {
	db *sql.DB
}

const jobCols = `id, job_type, trigger_type, position_id, strategy_id, status, priority, retry_count, max_retries,
	created_at, started_at, completed_at, error_message, result`

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var j domain.Job
	var jobType, trigger, status string
	var created int64
	var started, completed sql.NullInt64
	var result sql.NullString

	err := row.Scan(&j.ID, &jobType, &trigger, &j.PositionID, &j.StrategyID, &status,
		&j.Priority, &j.RetryCount, &j.MaxRetries, &created, &started, &completed, &j.ErrorMessage, &result)
	if err != nil {
		return domain.Job{}, err
	}
	j.Type = domain.JobType(jobType)
	j.Trigger = domain.JobTrigger(trigger)
	j.Status = domain.JobStatus(status)
	j.CreatedAt = fromNanos(created)
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	if result.Valid {
		if j.Result, err = domain.DecodeJobResult(j.Type, []byte(result.String)); err != nil {
			return domain.Job{}, fmt.Errorf("job %s: %w", j.ID, err)
		}
	}
	return j, nil
}

func (s *JobStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %s: scan: %w", op, err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Insert stores a new job and returns its ID.
func (s *JobStore) Insert(ctx context.Context, job domain.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO keeper_jobs (id, job_type, trigger_type, position_id, strategy_id, status, priority,
			retry_count, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), string(job.Trigger), job.PositionID, job.StrategyID, string(job.Status),
		job.Priority, job.RetryCount, job.MaxRetries, toNanos(job.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("sqlite: insert job %s: %w", job.ID, err)
	}
	return job.ID, nil
}

// GetByID returns a job.
func (s *JobStore) GetByID(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM keeper_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("sqlite: get job %s: %w", id, err)
	}
	return j, nil
}

// ListPending returns pending jobs by priority desc, then age.
func (s *JobStore) ListPending(ctx context.Context, limit int) ([]domain.Job, error) {
	return s.queryJobs(ctx, "list pending jobs", `
		SELECT `+jobCols+` FROM keeper_jobs WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC, rowid ASC LIMIT ?`, limit)
}

// Transition applies t if the job is still in t.From.
func (s *JobStore) Transition(ctx context.Context, id string, t domain.JobTransition) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("sqlite: transition job %s: %w", id, err)
	}
	result, err := domain.EncodeJobResult(t.Result)
	if err != nil {
		return fmt.Errorf("sqlite: encode job %s result: %w", id, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin transition %s: %w", id, err)
	}
	defer tx.Rollback()

	var status, positionID string
	err = tx.QueryRowContext(ctx, `SELECT status, position_id FROM keeper_jobs WHERE id = ?`, id).Scan(&status, &positionID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: read job %s: %w", id, err)
	}
	if domain.JobStatus(status) != t.From {
		return fmt.Errorf("sqlite: job %s is %s, not %s: %w", id, status, t.From, domain.ErrInvalidTransition)
	}

	if t.To == domain.JobStatusProcessing && positionID != "" {
		var busy bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM keeper_jobs WHERE position_id = ? AND status = 'processing' AND id <> ?)`,
			positionID, id).Scan(&busy)
		if err != nil {
			return fmt.Errorf("sqlite: check position %s: %w", positionID, err)
		}
		if busy {
			return fmt.Errorf("sqlite: claim job %s: %w", id, domain.ErrPositionBusy)
		}
	}

	var resultArg sql.NullString
	if result != nil {
		resultArg = sql.NullString{String: string(result), Valid: true}
	}
	var errMsg sql.NullString
	if t.ErrorMessage != nil {
		errMsg = sql.NullString{String: *t.ErrorMessage, Valid: true}
	}
	incr := 0
	if t.IncrementRetry {
		incr = 1
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE keeper_jobs SET
			status        = ?,
			started_at    = COALESCE(?, started_at),
			completed_at  = COALESCE(?, completed_at),
			error_message = COALESCE(?, error_message),
			retry_count   = retry_count + ?,
			result        = COALESCE(?, result)
		WHERE id = ?`,
		string(t.To), nullNanos(t.StartedAt), nullNanos(t.CompletedAt), errMsg, incr, resultArg, id)
	if err != nil {
		return fmt.Errorf("sqlite: update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit transition %s: %w", id, err)
	}
	return nil
}

// ListStuck returns processing jobs started before cutoff.
func (s *JobStore) ListStuck(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	return s.queryJobs(ctx, "list stuck jobs", `
		SELECT `+jobCols+` FROM keeper_jobs
		WHERE status = 'processing' AND (started_at IS NULL OR started_at < ?)
		ORDER BY started_at ASC`, cutoff.UTC().UnixNano())
}

// ListRetryable returns failed jobs with retries left.
func (s *JobStore) ListRetryable(ctx context.Context, limit int) ([]domain.Job, error) {
	return s.queryJobs(ctx, "list retryable jobs", `
		SELECT `+jobCols+` FROM keeper_jobs
		WHERE status = 'failed' AND retry_count < max_retries
		ORDER BY priority DESC, created_at ASC, rowid ASC LIMIT ?`, limit)
}

// ListSettledBefore returns completed and permanently failed jobs created
// before the cutoff, oldest first.
func (s *JobStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Job, error) {
	return s.queryJobs(ctx, "list settled jobs", `
		SELECT `+jobCols+` FROM keeper_jobs
		WHERE created_at < ?
		  AND (status = 'completed' OR (status = 'failed' AND retry_count >= max_retries))
		ORDER BY created_at ASC, rowid ASC`, before.UTC().UnixNano())
}
