package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per symbol holding
// "price" and "ts" (Unix nanoseconds). Redis expires a key at the stale
// horizon; reads compare ts with the TTL themselves so Peek can still serve
// a fallback.
type PriceCache struct {
	c          *Client
	ttl        time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

// NewPriceCache creates a PriceCache. Fresh reads expire after ttl; entries
// disappear entirely after staleAfter.
func NewPriceCache(c *Client, ttl, staleAfter time.Duration) *PriceCache {
	if staleAfter < ttl {
		staleAfter = ttl
	}
	return &PriceCache{c: c, ttl: ttl, staleAfter: staleAfter, now: time.Now}
}

// SetPrice stores the latest price for a symbol.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	key := pc.c.key("price", symbol)
	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, pc.staleAfter)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// GetPrice returns the cached price while it is younger than the TTL.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	price, ts, err := pc.read(ctx, symbol)
	if err != nil {
		return 0, time.Time{}, err
	}
	if pc.now().Sub(ts) > pc.ttl {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return price, ts, nil
}

// Peek returns the cached price regardless of the TTL.
func (pc *PriceCache) Peek(ctx context.Context, symbol string) (float64, time.Time, error) {
	return pc.read(ctx, symbol)
}

func (pc *PriceCache) read(ctx context.Context, symbol string) (float64, time.Time, error) {
	key := pc.c.key("price", symbol)
	vals, err := pc.c.rdb.HGetAll(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}

	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", symbol, err)
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", symbol, err)
	}
	ts := time.Unix(0, tsNano)

	// The key TTL bounds age from the last write, not from ts.
	if pc.now().Sub(ts) > pc.staleAfter {
		_ = pc.c.rdb.Del(ctx, key).Err()
		return 0, time.Time{}, domain.ErrNotFound
	}
	return price, ts, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
