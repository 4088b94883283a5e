package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// BinStore implements domain.BinStore.
type BinStore struct {
	db *sql.DB
}

// GetActive returns the active bins of a strategy ordered by index.
func (s *BinStore) GetActive(ctx context.Context, strategyID string) ([]domain.PriceBin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bin_index, lower_price, upper_price, liquidity_allocation
		FROM precision_bins WHERE strategy_id = ? AND active = 1
		ORDER BY bin_index ASC`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get active bins %s: %w", strategyID, err)
	}
	defer rows.Close()

	bins := []domain.PriceBin{}
	for rows.Next() {
		var b domain.PriceBin
		if err := rows.Scan(&b.Index, &b.LowerPrice, &b.UpperPrice, &b.AllocationPct); err != nil {
			return nil, fmt.Errorf("sqlite: scan bin: %w", err)
		}
		bins = append(bins, b)
	}
	return bins, rows.Err()
}

// ReplaceActive swaps the strategy's active curve for set in one transaction.
func (s *BinStore) ReplaceActive(ctx context.Context, set domain.BinSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin replace bins: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE precision_bins SET active = 0 WHERE strategy_id = ? AND active = 1`, set.StrategyID); err != nil {
		return fmt.Errorf("sqlite: deactivate bins %s: %w", set.StrategyID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO precision_bins (set_id, strategy_id, bin_index, lower_price, upper_price, liquidity_allocation, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare bin insert: %w", err)
	}
	defer stmt.Close()

	created := toNanos(set.CreatedAt)
	for _, b := range set.Bins {
		if _, err := stmt.ExecContext(ctx, set.ID, set.StrategyID, b.Index, b.LowerPrice, b.UpperPrice, b.AllocationPct, created); err != nil {
			return fmt.Errorf("sqlite: insert bin %d of %s: %w", b.Index, set.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit bins %s: %w", set.ID, err)
	}
	return nil
}

// PriceStore implements domain.PriceStore.
type PriceStore struct {
	db *sql.DB
}

// Latest returns the newest price point of a pool.
func (s *PriceStore) Latest(ctx context.Context, poolID string) (domain.PricePoint, error) {
	var pp domain.PricePoint
	var ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT pool_id, price, volume, timestamp FROM price_history
		WHERE pool_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`, poolID,
	).Scan(&pp.PoolID, &pp.Price, &pp.Volume, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PricePoint{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("sqlite: latest price %s: %w", poolID, err)
	}
	pp.Timestamp = fromNanos(ts)
	return pp, nil
}

// History returns up to limit points for a pool, newest first.
func (s *PriceStore) History(ctx context.Context, poolID string, limit int) ([]domain.PricePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pool_id, price, volume, timestamp FROM price_history
		WHERE pool_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, poolID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: price history %s: %w", poolID, err)
	}
	defer rows.Close()

	var out []domain.PricePoint
	for rows.Next() {
		var pp domain.PricePoint
		var ts int64
		if err := rows.Scan(&pp.PoolID, &pp.Price, &pp.Volume, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan price point: %w", err)
		}
		pp.Timestamp = fromNanos(ts)
		out = append(out, pp)
	}
	return out, rows.Err()
}

// Append inserts price points in one transaction.
func (s *PriceStore) Append(ctx context.Context, points ...domain.PricePoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin append prices: %w", err)
	}
	defer tx.Rollback()

	for _, pp := range points {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO price_history (pool_id, price, volume, timestamp) VALUES (?, ?, ?, ?)`,
			pp.PoolID, pp.Price, pp.Volume, toNanos(pp.Timestamp)); err != nil {
			return fmt.Errorf("sqlite: append price %s: %w", pp.PoolID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit prices: %w", err)
	}
	return nil
}
