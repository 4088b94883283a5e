package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// Pools, strategies and positions are owned by users and edited out-of-band.
// The Create methods exist for local seeding and tests.

// PoolStore implements domain.PoolStore.
type PoolStore struct {
	db *sql.DB
}

const poolCols = `id, pool_address, token_a, token_b, dex, pool_type, tvl, volume_24h, fee_tier, active, created_at, updated_at`

func scanPool(row interface{ Scan(...any) error }) (domain.Pool, error) {
	var p domain.Pool
	var created, updated int64
	err := row.Scan(&p.ID, &p.Address, &p.TokenA, &p.TokenB, &p.DEX, &p.PoolType,
		&p.TVL, &p.Volume24h, &p.FeeTier, &p.Active, &created, &updated)
	if err != nil {
		return domain.Pool{}, err
	}
	p.CreatedAt, p.UpdatedAt = fromNanos(created), fromNanos(updated)
	return p, nil
}

// Create inserts a pool.
func (s *PoolStore) Create(ctx context.Context, p domain.Pool) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO pools (`+poolCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Address, p.TokenA, p.TokenB, p.DEX, p.PoolType, p.TVL, p.Volume24h, p.FeeTier, p.Active,
		toNanos(p.CreatedAt), toNanos(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create pool %s: %w", p.ID, err)
	}
	return nil
}

// ListActive returns active pools ordered by TVL.
func (s *PoolStore) ListActive(ctx context.Context) ([]domain.Pool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+poolCols+` FROM pools WHERE active = 1 ORDER BY tvl DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active pools: %w", err)
	}
	defer rows.Close()

	var out []domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan pool: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetByID returns a pool.
func (s *PoolStore) GetByID(ctx context.Context, id string) (domain.Pool, error) {
	p, err := scanPool(s.db.QueryRowContext(ctx, `SELECT `+poolCols+` FROM pools WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Pool{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Pool{}, fmt.Errorf("sqlite: get pool %s: %w", id, err)
	}
	return p, nil
}

// StrategyStore implements domain.StrategyStore.
type StrategyStore struct {
	db *sql.DB
}

// Create inserts a strategy.
func (s *StrategyStore) Create(ctx context.Context, st domain.Strategy) error {
	cfg, err := domain.EncodeStrategyParams(st.Params)
	if err != nil {
		return fmt.Errorf("sqlite: encode strategy %s params: %w", st.ID, err)
	}
	stype := st.Type
	if stype == "" {
		stype = domain.StrategyPrecisionCurve
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategies (id, user_id, name, pool_id, strategy_type, rebalance_threshold, precision_bins,
			mcu_enabled, mcu_bias_factor, auto_rebalance, take_profit, stop_loss, active, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.UserID, st.Name, st.PoolID, string(stype), st.RebalanceThresholdPct, st.PrecisionBins,
		st.MCUEnabled, st.MCUBiasFactor, st.AutoRebalance, nullFloat(st.TakeProfitPct), nullFloat(st.StopLossPct),
		st.Active, string(cfg))
	if err != nil {
		return fmt.Errorf("sqlite: create strategy %s: %w", st.ID, err)
	}
	return nil
}

// GetByID returns a strategy with its params decoded.
func (s *StrategyStore) GetByID(ctx context.Context, id string) (domain.Strategy, error) {
	var st domain.Strategy
	var stype, cfg string
	var tp, sl sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, pool_id, strategy_type, rebalance_threshold, precision_bins,
			mcu_enabled, mcu_bias_factor, auto_rebalance, take_profit, stop_loss, active, config
		FROM strategies WHERE id = ?`, id).Scan(
		&st.ID, &st.UserID, &st.Name, &st.PoolID, &stype, &st.RebalanceThresholdPct, &st.PrecisionBins,
		&st.MCUEnabled, &st.MCUBiasFactor, &st.AutoRebalance, &tp, &sl, &st.Active, &cfg)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Strategy{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("sqlite: get strategy %s: %w", id, err)
	}
	st.Type = domain.StrategyType(stype)
	st.TakeProfitPct, st.StopLossPct = floatPtr(tp), floatPtr(sl)
	if st.Params, err = domain.DecodeStrategyParams(st.Type, []byte(cfg)); err != nil {
		return domain.Strategy{}, fmt.Errorf("sqlite: strategy %s: %w", id, err)
	}
	return st, nil
}

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	db *sql.DB
}

const positionCols = `id, user_id, pool_id, position_address, lower_price, upper_price, entry_price,
	liquidity, strategy_id, status, created_at, updated_at`

func scanPosition(row interface{ Scan(...any) error }) (domain.Position, error) {
	var p domain.Position
	var liq, status string
	var created, updated int64
	err := row.Scan(&p.ID, &p.UserID, &p.PoolID, &p.Address, &p.LowerPrice, &p.UpperPrice, &p.EntryPrice,
		&liq, &p.StrategyID, &status, &created, &updated)
	if err != nil {
		return domain.Position{}, err
	}
	if p.Liquidity, err = decimal.NewFromString(liq); err != nil {
		return domain.Position{}, fmt.Errorf("parse liquidity %q: %w", liq, err)
	}
	p.Status = domain.PositionStatus(status)
	p.CreatedAt, p.UpdatedAt = fromNanos(created), fromNanos(updated)
	return p, nil
}

// Create inserts a position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	status := p.Status
	if status == "" {
		status = domain.PositionStatusActive
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO positions (`+positionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.PoolID, p.Address, p.LowerPrice, p.UpperPrice, p.EntryPrice,
		p.Liquidity.String(), p.StrategyID, string(status), toNanos(p.CreatedAt), toNanos(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create position %s: %w", p.ID, err)
	}
	return nil
}

// ListActive returns active positions, oldest first.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE status = 'active' ORDER BY created_at ASC, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetByID returns a position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(s.db.QueryRowContext(ctx, `SELECT `+positionCols+` FROM positions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: get position %s: %w", id, err)
	}
	return p, nil
}

// UpdateRange moves an active position to a new range.
func (s *PositionStore) UpdateRange(ctx context.Context, id string, lower, upper float64, liquidity decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET lower_price = ?, upper_price = ?, liquidity = ?, updated_at = ?
		WHERE id = ? AND status = 'active'`,
		lower, upper, liquidity.String(), toNanos(time.Now()), id)
	if err != nil {
		return fmt.Errorf("sqlite: update position range %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
