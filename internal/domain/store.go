package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists liquidity positions.
type PositionStore interface {
	ListActive(ctx context.Context) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	UpdateRange(ctx context.Context, id string, lower, upper float64, liquidity decimal.Decimal) error
}

// StrategyStore reads strategies.
type StrategyStore interface {
	GetByID(ctx context.Context, id string) (Strategy, error)
}

// BinStore persists precision curves.
type BinStore interface {
	// GetActive returns the active bins of a strategy ordered by index. It
	// returns an empty slice, not an error, when the strategy has none.
	GetActive(ctx context.Context, strategyID string) ([]PriceBin, error)
	// ReplaceActive deactivates the current set and inserts set as the new
	// active one in a single transaction.
	ReplaceActive(ctx context.Context, set BinSet) error
}

// PriceStore persists pool price history.
type PriceStore interface {
	// Latest returns ErrNotFound when the pool has no price yet.
	Latest(ctx context.Context, poolID string) (PricePoint, error)
	// History returns up to limit points, newest first.
	History(ctx context.Context, poolID string, limit int) ([]PricePoint, error)
	Append(ctx context.Context, points ...PricePoint) error
}

// PoolStore reads pools.
type PoolStore interface {
	ListActive(ctx context.Context) ([]Pool, error)
	GetByID(ctx context.Context, id string) (Pool, error)
}

// JobStore persists keeper jobs. History is never deleted.
type JobStore interface {
	Insert(ctx context.Context, job Job) (string, error)
	GetByID(ctx context.Context, id string) (Job, error)
	// ListPending returns pending jobs ordered by priority desc, then
	// created_at asc.
	ListPending(ctx context.Context, limit int) ([]Job, error)
	// Transition applies t atomically; see JobTransition.
	Transition(ctx context.Context, id string, t JobTransition) error
	// ListStuck returns processing jobs started before cutoff.
	ListStuck(ctx context.Context, cutoff time.Time) ([]Job, error)
	// ListRetryable returns failed jobs with retry_count < max_retries.
	ListRetryable(ctx context.Context, limit int) ([]Job, error)
	// ListSettledBefore returns completed and permanently failed jobs created
	// before the cutoff, oldest first.
	ListSettledBefore(ctx context.Context, before time.Time) ([]Job, error)
}

// SignalStore persists advisory signals.
type SignalStore interface {
	Insert(ctx context.Context, sig AdvisorySignal) error
	ListActive(ctx context.Context, poolID string, minConfidence float64, limit int) ([]AdvisorySignal, error)
}

// RebalanceStore persists rebalance history.
type RebalanceStore interface {
	Insert(ctx context.Context, rec RebalanceRecord) error
	ListByPosition(ctx context.Context, positionID string, limit int) ([]RebalanceRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]RebalanceRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Repository bundles every store the keeper reads or writes.
type Repository struct {
	Positions  PositionStore
	Strategies StrategyStore
	Bins       BinStore
	Prices     PriceStore
	Pools      PoolStore
	Jobs       JobStore
	Signals    SignalStore
	Rebalances RebalanceStore
	Audit      AuditStore
}
