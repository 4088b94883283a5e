package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// liquidity is read as text so NUMERIC keeps its full precision.
const positionSelectCols = `id, user_id, pool_id, position_address,
	lower_price, upper_price, entry_price, liquidity::text,
	COALESCE(strategy_id, ''), status, created_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var entry *float64
	var liquidity, status string

	err := row.Scan(
		&p.ID, &p.UserID, &p.PoolID, &p.Address,
		&p.LowerPrice, &p.UpperPrice, &entry, &liquidity,
		&p.StrategyID, &status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	if entry != nil {
		p.EntryPrice = *entry
	}
	p.Liquidity, err = decimal.NewFromString(liquidity)
	if err != nil {
		return domain.Position{}, fmt.Errorf("parse liquidity %q: %w", liquidity, err)
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

// ListActive returns every active position, oldest first.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'active'
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active positions rows: %w", err)
	}
	return positions, nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// UpdateRange moves an active position to a new range after a rebalance.
func (s *PositionStore) UpdateRange(ctx context.Context, id string, lower, upper float64, liquidity decimal.Decimal) error {
	const query = `
		UPDATE positions SET
			lower_price = $2,
			upper_price = $3,
			liquidity   = $4::text::numeric,
			updated_at  = NOW()
		WHERE id = $1 AND status = 'active'`

	tag, err := s.pool.Exec(ctx, query, id, lower, upper, liquidity.String())
	if err != nil {
		return fmt.Errorf("postgres: update position range %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
