package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// SignalStore implements domain.SignalStore.
type SignalStore struct {
	db *sql.DB
}

// Insert stores an accepted advisory signal.
func (s *SignalStore) Insert(ctx context.Context, sig domain.AdvisorySignal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ml_signals (id, pool_id, action, confidence, predicted_price, predicted_volatility,
			urgency, reasoning, model, executed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.PoolID, string(sig.Action), sig.Confidence, sig.PredictedPrice, sig.PredictedVolatility,
		string(sig.Urgency), sig.Reasoning, sig.Model, sig.Executed, toNanos(sig.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: insert signal %s: %w", sig.ID, err)
	}
	return nil
}

// ListActive returns unexecuted signals at or above minConfidence, newest
// first. An empty poolID lists every pool.
func (s *SignalStore) ListActive(ctx context.Context, poolID string, minConfidence float64, limit int) ([]domain.AdvisorySignal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pool_id, action, confidence, predicted_price, predicted_volatility,
			urgency, reasoning, model, executed, created_at
		FROM ml_signals
		WHERE (? = '' OR pool_id = ?) AND executed = 0 AND confidence >= ?
		ORDER BY created_at DESC LIMIT ?`, poolID, poolID, minConfidence, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list signals: %w", err)
	}
	defer rows.Close()

	var out []domain.AdvisorySignal
	for rows.Next() {
		var sig domain.AdvisorySignal
		var action, urgency string
		var created int64
		if err := rows.Scan(&sig.ID, &sig.PoolID, &action, &sig.Confidence, &sig.PredictedPrice,
			&sig.PredictedVolatility, &urgency, &sig.Reasoning, &sig.Model, &sig.Executed, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan signal: %w", err)
		}
		sig.Action = domain.AdvisoryAction(action)
		sig.Urgency = domain.SignalUrgency(urgency)
		sig.CreatedAt = fromNanos(created)
		out = append(out, sig)
	}
	return out, rows.Err()
}

// RebalanceStore implements domain.RebalanceStore.
type RebalanceStore struct {
	db *sql.DB
}

const rebalanceCols = `id, position_id, strategy_id, job_id, old_lower_price, old_upper_price, old_liquidity,
	new_lower_price, new_upper_price, new_liquidity, tx_signature, trigger_type, success, error_message, created_at,
	impermanent_loss_pct`

// Insert appends a rebalance record.
func (s *RebalanceStore) Insert(ctx context.Context, rec domain.RebalanceRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO rebalance_history (`+rebalanceCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PositionID, rec.StrategyID, rec.JobID, rec.OldLower, rec.OldUpper, rec.OldLiquidity.String(),
		rec.NewLower, rec.NewUpper, rec.NewLiquidity.String(), rec.TxSignature, string(rec.Trigger),
		rec.Success, rec.ErrorMessage, toNanos(rec.CreatedAt), rec.ImpermanentLossPct)
	if err != nil {
		return fmt.Errorf("sqlite: insert rebalance %s: %w", rec.ID, err)
	}
	return nil
}

// ListByPosition returns the newest records of a position.
func (s *RebalanceStore) ListByPosition(ctx context.Context, positionID string, limit int) ([]domain.RebalanceRecord, error) {
	return s.query(ctx, `SELECT `+rebalanceCols+` FROM rebalance_history
		WHERE position_id = ? ORDER BY created_at DESC LIMIT ?`, positionID, limit)
}

// ListBefore returns records created before the cutoff, oldest first.
func (s *RebalanceStore) ListBefore(ctx context.Context, before time.Time) ([]domain.RebalanceRecord, error) {
	return s.query(ctx, `SELECT `+rebalanceCols+` FROM rebalance_history
		WHERE created_at < ? ORDER BY created_at ASC`, before.UTC().UnixNano())
}

func (s *RebalanceStore) query(ctx context.Context, query string, args ...any) ([]domain.RebalanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list rebalances: %w", err)
	}
	defer rows.Close()

	var out []domain.RebalanceRecord
	for rows.Next() {
		var rec domain.RebalanceRecord
		var oldLiq, newLiq, trigger string
		var created int64
		var il sql.NullFloat64
		if err := rows.Scan(&rec.ID, &rec.PositionID, &rec.StrategyID, &rec.JobID, &rec.OldLower, &rec.OldUpper,
			&oldLiq, &rec.NewLower, &rec.NewUpper, &newLiq, &rec.TxSignature, &trigger, &rec.Success,
			&rec.ErrorMessage, &created, &il); err != nil {
			return nil, fmt.Errorf("sqlite: scan rebalance: %w", err)
		}
		if rec.OldLiquidity, err = decimal.NewFromString(oldLiq); err != nil {
			return nil, fmt.Errorf("sqlite: rebalance %s old liquidity: %w", rec.ID, err)
		}
		if rec.NewLiquidity, err = decimal.NewFromString(newLiq); err != nil {
			return nil, fmt.Errorf("sqlite: rebalance %s new liquidity: %w", rec.ID, err)
		}
		rec.Trigger = domain.JobTrigger(trigger)
		rec.CreatedAt = fromNanos(created)
		if il.Valid {
			rec.ImpermanentLossPct = &il.Float64
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	db *sql.DB
}

// Log appends an audit entry; detail is stored as JSON text.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(raw), toNanos(time.Now())); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries, newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var where []string
	var args []any
	if opts.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, opts.Since.UTC().UnixNano())
	}
	if opts.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, opts.Until.UTC().UnixNano())
	}
	query := `SELECT id, event, detail, created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detail sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.Event, &detail, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
