// Package sqlite implements the keeper repository on an embedded SQLite
// database (modernc.org/sqlite, no cgo). It backs local runs and tests and
// honours the same contract as the PostgreSQL store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// Timestamps are stored as Unix nanoseconds so ordering is numeric.
const schema = `
CREATE TABLE IF NOT EXISTS pools (
    id           TEXT PRIMARY KEY,
    pool_address TEXT NOT NULL UNIQUE,
    token_a      TEXT NOT NULL,
    token_b      TEXT NOT NULL,
    dex          TEXT NOT NULL,
    pool_type    TEXT NOT NULL DEFAULT 'dlmm',
    tvl          REAL NOT NULL DEFAULT 0,
    volume_24h   REAL NOT NULL DEFAULT 0,
    fee_tier     REAL NOT NULL DEFAULT 0,
    active       INTEGER NOT NULL DEFAULT 1,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS strategies (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL,
    name                TEXT NOT NULL,
    pool_id             TEXT NOT NULL DEFAULT '',
    strategy_type       TEXT NOT NULL DEFAULT 'precision_curve',
    rebalance_threshold REAL NOT NULL DEFAULT 5,
    precision_bins      INTEGER NOT NULL DEFAULT 69,
    mcu_enabled         INTEGER NOT NULL DEFAULT 0,
    mcu_bias_factor     REAL NOT NULL DEFAULT 1.3,
    auto_rebalance      INTEGER NOT NULL DEFAULT 1,
    take_profit         REAL,
    stop_loss           REAL,
    active              INTEGER NOT NULL DEFAULT 1,
    config              TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS positions (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    pool_id          TEXT NOT NULL,
    position_address TEXT NOT NULL,
    lower_price      REAL NOT NULL,
    upper_price      REAL NOT NULL,
    entry_price      REAL NOT NULL DEFAULT 0,
    liquidity        TEXT NOT NULL DEFAULT '0',
    status           TEXT NOT NULL DEFAULT 'active',
    strategy_id      TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS precision_bins (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    set_id               TEXT NOT NULL,
    strategy_id          TEXT NOT NULL,
    bin_index            INTEGER NOT NULL,
    lower_price          REAL NOT NULL,
    upper_price          REAL NOT NULL,
    liquidity_allocation REAL NOT NULL,
    active               INTEGER NOT NULL DEFAULT 1,
    created_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bins_active ON precision_bins(strategy_id, active, bin_index);

CREATE TABLE IF NOT EXISTS price_history (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    pool_id   TEXT NOT NULL,
    price     REAL NOT NULL,
    volume    REAL NOT NULL DEFAULT 0,
    timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_pool_ts ON price_history(pool_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS keeper_jobs (
    id            TEXT PRIMARY KEY,
    job_type      TEXT NOT NULL,
    trigger_type  TEXT NOT NULL DEFAULT 'manual',
    position_id   TEXT NOT NULL DEFAULT '',
    strategy_id   TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'pending',
    priority      INTEGER NOT NULL DEFAULT 5,
    retry_count   INTEGER NOT NULL DEFAULT 0,
    max_retries   INTEGER NOT NULL DEFAULT 3,
    created_at    INTEGER NOT NULL,
    started_at    INTEGER,
    completed_at  INTEGER,
    result        TEXT,
    error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_jobs_pending ON keeper_jobs(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_jobs_position ON keeper_jobs(position_id, status);

CREATE TABLE IF NOT EXISTS ml_signals (
    id                   TEXT PRIMARY KEY,
    pool_id              TEXT NOT NULL,
    action               TEXT NOT NULL,
    confidence           REAL NOT NULL,
    predicted_price      REAL NOT NULL DEFAULT 0,
    predicted_volatility REAL NOT NULL DEFAULT 0,
    urgency              TEXT NOT NULL,
    reasoning            TEXT NOT NULL DEFAULT '',
    model                TEXT NOT NULL DEFAULT '',
    executed             INTEGER NOT NULL DEFAULT 0,
    created_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rebalance_history (
    id              TEXT PRIMARY KEY,
    position_id     TEXT NOT NULL,
    strategy_id     TEXT NOT NULL DEFAULT '',
    job_id          TEXT NOT NULL DEFAULT '',
    old_lower_price REAL NOT NULL DEFAULT 0,
    old_upper_price REAL NOT NULL DEFAULT 0,
    old_liquidity   TEXT NOT NULL DEFAULT '0',
    new_lower_price REAL NOT NULL DEFAULT 0,
    new_upper_price REAL NOT NULL DEFAULT 0,
    new_liquidity   TEXT NOT NULL DEFAULT '0',
    tx_signature    TEXT NOT NULL DEFAULT '',
    trigger_type    TEXT NOT NULL DEFAULT '',
    success         INTEGER NOT NULL,
    error_message   TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    impermanent_loss_pct REAL
);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT NOT NULL,
    detail     TEXT,
    created_at INTEGER NOT NULL
);
`

// DB is an open keeper database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); path != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// Single writer. Every store method must finish with its rows before
	// issuing the next statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// Repository returns every store backed by this database.
func (d *DB) Repository() domain.Repository {
	return domain.Repository{
		Positions:  &PositionStore{db: d.db},
		Strategies: &StrategyStore{db: d.db},
		Bins:       &BinStore{db: d.db},
		Prices:     &PriceStore{db: d.db},
		Pools:      &PoolStore{db: d.db},
		Jobs:       &JobStore{db: d.db},
		Signals:    &SignalStore{db: d.db},
		Rebalances: &RebalanceStore{db: d.db},
		Audit:      &AuditStore{db: d.db},
	}
}

// Ping checks the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
