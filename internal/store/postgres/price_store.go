package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// PriceStore implements domain.PriceStore using PostgreSQL.
type PriceStore struct {
	pool *pgxpool.Pool
}

// NewPriceStore creates a new PriceStore backed by the given connection pool.
func NewPriceStore(pool *pgxpool.Pool) *PriceStore {
	return &PriceStore{pool: pool}
}

// Latest returns the most recent price point of a pool.
func (s *PriceStore) Latest(ctx context.Context, poolID string) (domain.PricePoint, error) {
	var pp domain.PricePoint
	var volume *float64
	err := s.pool.QueryRow(ctx, `
		SELECT pool_id, price, volume, timestamp FROM price_history
		WHERE pool_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, poolID,
	).Scan(&pp.PoolID, &pp.Price, &volume, &pp.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PricePoint{}, domain.ErrNotFound
		}
		return domain.PricePoint{}, fmt.Errorf("postgres: latest price %s: %w", poolID, err)
	}
	if volume != nil {
		pp.Volume = *volume
	}
	return pp, nil
}

// History returns up to limit points for a pool, newest first.
func (s *PriceStore) History(ctx context.Context, poolID string, limit int) ([]domain.PricePoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pool_id, price, volume, timestamp FROM price_history
		WHERE pool_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2`, poolID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: price history %s: %w", poolID, err)
	}
	defer rows.Close()

	var points []domain.PricePoint
	for rows.Next() {
		var pp domain.PricePoint
		var volume *float64
		if err := rows.Scan(&pp.PoolID, &pp.Price, &volume, &pp.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan price point: %w", err)
		}
		if volume != nil {
			pp.Volume = *volume
		}
		points = append(points, pp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: price history rows: %w", err)
	}
	return points, nil
}

// Append bulk-inserts price points using the COPY protocol.
func (s *PriceStore) Append(ctx context.Context, points ...domain.PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	rows := make([][]any, len(points))
	for i, pp := range points {
		rows[i] = []any{pp.PoolID, pp.Price, pp.Volume, pp.Timestamp}
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"price_history"},
		[]string{"pool_id", "price", "volume", "timestamp"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("postgres: append prices: %w", err)
	}
	return nil
}
