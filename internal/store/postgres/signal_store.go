package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// SignalStore implements domain.SignalStore using PostgreSQL.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore creates a new SignalStore backed by the given connection pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

// Insert stores an accepted advisory signal.
func (s *SignalStore) Insert(ctx context.Context, sig domain.AdvisorySignal) error {
	const query = `
		INSERT INTO ml_signals (
			id, pool_id, action, confidence, predicted_price, predicted_volatility,
			urgency, reasoning, model, executed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.pool.Exec(ctx, query,
		sig.ID, sig.PoolID, string(sig.Action), sig.Confidence, sig.PredictedPrice, sig.PredictedVolatility,
		string(sig.Urgency), sig.Reasoning, sig.Model, sig.Executed, sig.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert signal %s: %w", sig.ID, err)
	}
	return nil
}

// ListActive returns unexecuted signals of a pool at or above minConfidence,
// newest first. An empty poolID lists every pool.
func (s *SignalStore) ListActive(ctx context.Context, poolID string, minConfidence float64, limit int) ([]domain.AdvisorySignal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pool_id, action, confidence, COALESCE(predicted_price, 0), COALESCE(predicted_volatility, 0),
			urgency, reasoning, model, executed, created_at
		FROM ml_signals
		WHERE ($1 = '' OR pool_id = $1) AND NOT executed AND confidence >= $2
		ORDER BY created_at DESC
		LIMIT $3`, poolID, minConfidence, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list signals: %w", err)
	}
	defer rows.Close()

	var out []domain.AdvisorySignal
	for rows.Next() {
		var sig domain.AdvisorySignal
		var action, urgency string
		if err := rows.Scan(
			&sig.ID, &sig.PoolID, &action, &sig.Confidence, &sig.PredictedPrice, &sig.PredictedVolatility,
			&urgency, &sig.Reasoning, &sig.Model, &sig.Executed, &sig.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan signal: %w", err)
		}
		sig.Action = domain.AdvisoryAction(action)
		sig.Urgency = domain.SignalUrgency(urgency)
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list signals rows: %w", err)
	}
	return out, nil
}
