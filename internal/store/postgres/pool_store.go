package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// PoolStore implements domain.PoolStore using PostgreSQL.
type PoolStore struct {
	pool *pgxpool.Pool
}

// NewPoolStore creates a new PoolStore backed by the given connection pool.
func NewPoolStore(pool *pgxpool.Pool) *PoolStore {
	return &PoolStore{pool: pool}
}

const poolSelectCols = `id, pool_address, token_a, token_b, dex, pool_type,
	COALESCE(tvl, 0), COALESCE(volume_24h, 0), COALESCE(fee_tier, 0),
	active, created_at, updated_at`

func scanPool(row pgx.Row) (domain.Pool, error) {
	var p domain.Pool
	err := row.Scan(
		&p.ID, &p.Address, &p.TokenA, &p.TokenB, &p.DEX, &p.PoolType,
		&p.TVL, &p.Volume24h, &p.FeeTier,
		&p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

// ListActive returns all active pools ordered by TVL.
func (s *PoolStore) ListActive(ctx context.Context) ([]domain.Pool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+poolSelectCols+` FROM pools WHERE active ORDER BY tvl DESC NULLS LAST, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active pools: %w", err)
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pool: %w", err)
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active pools rows: %w", err)
	}
	return pools, nil
}

// GetByID retrieves a single pool by its ID.
func (s *PoolStore) GetByID(ctx context.Context, id string) (domain.Pool, error) {
	p, err := scanPool(s.pool.QueryRow(ctx,
		`SELECT `+poolSelectCols+` FROM pools WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Pool{}, domain.ErrNotFound
		}
		return domain.Pool{}, fmt.Errorf("postgres: get pool %s: %w", id, err)
	}
	return p, nil
}
