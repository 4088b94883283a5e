package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// multipartThreshold is the payload size above which uploads go through the
// multipart manager.
const multipartThreshold = 4 * MinPartSize

// JobArchiveStore lists settled jobs.
type JobArchiveStore interface {
	ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Job, error)
}

// RebalanceArchiveStore lists rebalance history.
type RebalanceArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.RebalanceRecord, error)
}

// Archiver copies settled keeper history to JSONL objects, one file per
// kind and cutoff month:
//
//	archive/keeper_jobs/2026-01.jsonl
//	archive/rebalance_history/2026-01.jsonl
//
// Each upload is checked with a Stat before it is written to the audit log.
// Source rows are never deleted.
type Archiver struct {
	writer     domain.BlobWriter
	reader     domain.BlobReader
	jobs       JobArchiveStore
	rebalances RebalanceArchiveStore
	audit      domain.AuditStore
}

// NewArchiver creates an Archiver.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	jobs JobArchiveStore,
	rebalances RebalanceArchiveStore,
	audit domain.AuditStore,
) *Archiver {
	return &Archiver{
		writer:     writer,
		reader:     reader,
		jobs:       jobs,
		rebalances: rebalances,
		audit:      audit,
	}
}

// jobLine is the archived form of a job.
type jobLine struct {
	ID           string            `json:"id"`
	Type         domain.JobType    `json:"type"`
	Trigger      domain.JobTrigger `json:"trigger"`
	PositionID   string            `json:"position_id"`
	StrategyID   string            `json:"strategy_id,omitempty"`
	Status       domain.JobStatus  `json:"status"`
	Priority     int               `json:"priority"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Result       domain.JobResult  `json:"result,omitempty"`
}

// rebalanceLine is the archived form of a rebalance record. Liquidity keeps
// its exact decimal string.
type rebalanceLine struct {
	ID           string            `json:"id"`
	PositionID   string            `json:"position_id"`
	StrategyID   string            `json:"strategy_id"`
	JobID        string            `json:"job_id,omitempty"`
	OldLower     float64           `json:"old_lower"`
	OldUpper     float64           `json:"old_upper"`
	OldLiquidity string            `json:"old_liquidity"`
	NewLower     float64           `json:"new_lower"`
	NewUpper     float64           `json:"new_upper"`
	NewLiquidity string            `json:"new_liquidity"`
	TxSignature  string            `json:"tx_signature,omitempty"`
	Trigger      domain.JobTrigger `json:"trigger"`
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`

	ImpermanentLossPct *float64 `json:"impermanent_loss_pct,omitempty"`
}

// ArchiveJobs uploads completed and permanently failed jobs created before
// the cutoff and returns how many were written.
func (a *Archiver) ArchiveJobs(ctx context.Context, before time.Time) (int64, error) {
	jobs, err := a.jobs.ListSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive jobs query: %w", err)
	}
	lines := make([]jobLine, 0, len(jobs))
	for _, j := range jobs {
		lines = append(lines, jobLine{
			ID: j.ID, Type: j.Type, Trigger: j.Trigger, PositionID: j.PositionID, StrategyID: j.StrategyID,
			Status: j.Status, Priority: j.Priority, RetryCount: j.RetryCount, MaxRetries: j.MaxRetries,
			CreatedAt: j.CreatedAt, StartedAt: j.StartedAt, CompletedAt: j.CompletedAt,
			ErrorMessage: j.ErrorMessage, Result: j.Result,
		})
	}
	return upload(ctx, a, "keeper_jobs", before, lines)
}

// ArchiveRebalances uploads rebalance history recorded before the cutoff.
func (a *Archiver) ArchiveRebalances(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.rebalances.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive rebalances query: %w", err)
	}
	lines := make([]rebalanceLine, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, rebalanceLine{
			ID: r.ID, PositionID: r.PositionID, StrategyID: r.StrategyID, JobID: r.JobID,
			OldLower: r.OldLower, OldUpper: r.OldUpper, OldLiquidity: r.OldLiquidity.String(),
			NewLower: r.NewLower, NewUpper: r.NewUpper, NewLiquidity: r.NewLiquidity.String(),
			TxSignature: r.TxSignature, Trigger: r.Trigger, Success: r.Success,
			ErrorMessage: r.ErrorMessage, CreatedAt: r.CreatedAt,
			ImpermanentLossPct: r.ImpermanentLossPct,
		})
	}
	return upload(ctx, a, "rebalance_history", before, lines)
}

func upload[T any](ctx context.Context, a *Archiver, kind string, before time.Time, lines []T) (int64, error) {
	if len(lines) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(lines)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := archivePath(kind, before)
	if int64(len(buf)) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), MinPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	info, err := a.reader.Stat(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s verify: %w", kind, err)
	}
	if info.Size != int64(len(buf)) {
		return 0, fmt.Errorf("s3blob: archive %s verify: stored %d bytes, wrote %d", kind, info.Size, len(buf))
	}

	count := int64(len(lines))
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"bytes":  len(buf),
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit: %w", kind, err)
	}
	return count, nil
}

func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
