package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// StrategyStore implements domain.StrategyStore using PostgreSQL.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a new StrategyStore backed by the given connection pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

// GetByID retrieves a strategy and decodes its typed params from the
// config JSONB column.
func (s *StrategyStore) GetByID(ctx context.Context, id string) (domain.Strategy, error) {
	const query = `
		SELECT id, user_id, name, COALESCE(pool_id, ''), strategy_type,
			rebalance_threshold, precision_bins, mcu_enabled, mcu_bias_factor,
			stop_loss, take_profit, auto_rebalance, active, config
		FROM strategies WHERE id = $1`

	var st domain.Strategy
	var stype string
	var configJSON []byte

	err := s.pool.QueryRow(ctx, query, id).Scan(
		&st.ID, &st.UserID, &st.Name, &st.PoolID, &stype,
		&st.RebalanceThresholdPct, &st.PrecisionBins, &st.MCUEnabled, &st.MCUBiasFactor,
		&st.StopLossPct, &st.TakeProfitPct, &st.AutoRebalance, &st.Active, &configJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Strategy{}, domain.ErrNotFound
		}
		return domain.Strategy{}, fmt.Errorf("postgres: get strategy %s: %w", id, err)
	}

	st.Type = domain.StrategyType(stype)
	st.Params, err = domain.DecodeStrategyParams(st.Type, configJSON)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: strategy %s: %w", id, err)
	}
	return st, nil
}
