package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest prices. GetPrice reports
// ErrNotFound for entries older than the cache's TTL. Entries older than the
// cache's stale horizon are evicted on read by both GetPrice and Peek.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
	// Peek returns the last stored price even when it is past the TTL.
	Peek(ctx context.Context, symbol string) (float64, time.Time, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock is a held distributed lock.
type Lock interface {
	// Refresh resets the TTL. It returns ErrLockLost once the lock has
	// expired or is held by someone else.
	Refresh(ctx context.Context, ttl time.Duration) error
	// Release drops the lock if it is still held. It is idempotent.
	Release()
}

// SignalBus publishes keeper events to other processes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// RateLimiter provides distributed rate limiting over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
