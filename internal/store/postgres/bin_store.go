package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// BinStore implements domain.BinStore using PostgreSQL.
type BinStore struct {
	pool *pgxpool.Pool
}

// NewBinStore creates a new BinStore backed by the given connection pool.
func NewBinStore(pool *pgxpool.Pool) *BinStore {
	return &BinStore{pool: pool}
}

// GetActive returns the active bins of a strategy ordered by index.
func (s *BinStore) GetActive(ctx context.Context, strategyID string) ([]domain.PriceBin, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bin_index, lower_price, upper_price, liquidity_allocation
		FROM precision_bins
		WHERE strategy_id = $1 AND active
		ORDER BY bin_index ASC`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get active bins %s: %w", strategyID, err)
	}
	defer rows.Close()

	bins := []domain.PriceBin{}
	for rows.Next() {
		var b domain.PriceBin
		if err := rows.Scan(&b.Index, &b.LowerPrice, &b.UpperPrice, &b.AllocationPct); err != nil {
			return nil, fmt.Errorf("postgres: scan bin: %w", err)
		}
		bins = append(bins, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: get active bins rows: %w", err)
	}
	return bins, nil
}

// ReplaceActive deactivates the strategy's current bins and inserts set as
// the new active curve in one transaction.
func (s *BinStore) ReplaceActive(ctx context.Context, set domain.BinSet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin replace bins: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE precision_bins SET active = FALSE WHERE strategy_id = $1 AND active`,
		set.StrategyID,
	); err != nil {
		return fmt.Errorf("postgres: deactivate bins %s: %w", set.StrategyID, err)
	}

	batch := &pgx.Batch{}
	for _, b := range set.Bins {
		batch.Queue(`
			INSERT INTO precision_bins
				(set_id, strategy_id, bin_index, lower_price, upper_price, liquidity_allocation, active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)`,
			set.ID, set.StrategyID, b.Index, b.LowerPrice, b.UpperPrice, b.AllocationPct, set.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: insert bins %s: %w", set.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit bins %s: %w", set.ID, err)
	}
	return nil
}
