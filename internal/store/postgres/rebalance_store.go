package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// RebalanceStore implements domain.RebalanceStore using PostgreSQL.
type RebalanceStore struct {
	pool *pgxpool.Pool
}

// NewRebalanceStore creates a new RebalanceStore backed by the given connection pool.
func NewRebalanceStore(pool *pgxpool.Pool) *RebalanceStore {
	return &RebalanceStore{pool: pool}
}

const rebalanceSelectCols = `id, position_id, COALESCE(strategy_id, ''), COALESCE(job_id, ''),
	COALESCE(old_lower_price, 0), COALESCE(old_upper_price, 0), COALESCE(old_liquidity, 0)::text,
	COALESCE(new_lower_price, 0), COALESCE(new_upper_price, 0), COALESCE(new_liquidity, 0)::text,
	COALESCE(tx_signature, ''), COALESCE(trigger_type, ''), success, COALESCE(error_message, ''), created_at,
	impermanent_loss_pct`

// Insert appends a rebalance record.
func (s *RebalanceStore) Insert(ctx context.Context, rec domain.RebalanceRecord) error {
	const query = `
		INSERT INTO rebalance_history (
			id, position_id, strategy_id, job_id,
			old_lower_price, old_upper_price, old_liquidity,
			new_lower_price, new_upper_price, new_liquidity,
			tx_signature, trigger_type, success, error_message, created_at,
			impermanent_loss_pct
		) VALUES (
			$1, $2, NULLIF($3, ''), NULLIF($4, ''),
			$5, $6, $7::text::numeric,
			$8, $9, $10::text::numeric,
			NULLIF($11, ''), $12, $13, NULLIF($14, ''), $15,
			$16
		)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.PositionID, rec.StrategyID, rec.JobID,
		rec.OldLower, rec.OldUpper, rec.OldLiquidity.String(),
		rec.NewLower, rec.NewUpper, rec.NewLiquidity.String(),
		rec.TxSignature, string(rec.Trigger), rec.Success, rec.ErrorMessage, rec.CreatedAt,
		rec.ImpermanentLossPct,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert rebalance %s: %w", rec.ID, err)
	}
	return nil
}

// ListByPosition returns the newest records of a position.
func (s *RebalanceStore) ListByPosition(ctx context.Context, positionID string, limit int) ([]domain.RebalanceRecord, error) {
	return s.query(ctx, "list rebalances by position", `
		SELECT `+rebalanceSelectCols+` FROM rebalance_history
		WHERE position_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, positionID, limit)
}

// ListBefore returns records created before the cutoff, oldest first.
func (s *RebalanceStore) ListBefore(ctx context.Context, before time.Time) ([]domain.RebalanceRecord, error) {
	return s.query(ctx, "list rebalances before", `
		SELECT `+rebalanceSelectCols+` FROM rebalance_history
		WHERE created_at < $1
		ORDER BY created_at ASC`, before)
}

func (s *RebalanceStore) query(ctx context.Context, op, query string, args ...any) ([]domain.RebalanceRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.RebalanceRecord
	for rows.Next() {
		rec, err := scanRebalance(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

func scanRebalance(row pgx.Row) (domain.RebalanceRecord, error) {
	var rec domain.RebalanceRecord
	var oldLiq, newLiq, trigger string
	err := row.Scan(
		&rec.ID, &rec.PositionID, &rec.StrategyID, &rec.JobID,
		&rec.OldLower, &rec.OldUpper, &oldLiq,
		&rec.NewLower, &rec.NewUpper, &newLiq,
		&rec.TxSignature, &trigger, &rec.Success, &rec.ErrorMessage, &rec.CreatedAt,
		&rec.ImpermanentLossPct,
	)
	if err != nil {
		return domain.RebalanceRecord{}, err
	}
	if rec.OldLiquidity, err = decimal.NewFromString(oldLiq); err != nil {
		return domain.RebalanceRecord{}, err
	}
	if rec.NewLiquidity, err = decimal.NewFromString(newLiq); err != nil {
		return domain.RebalanceRecord{}, err
	}
	rec.Trigger = domain.JobTrigger(trigger)
	return rec, nil
}
