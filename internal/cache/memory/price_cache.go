// Package memory provides an in-process domain.PriceCache for single
// instance deployments that run without Redis.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

type entry struct {
	price float64
	ts    time.Time
}

// PriceCache is a mutex-guarded map with the same TTL and stale-horizon
// semantics as the Redis cache.
type PriceCache struct {
	mu         sync.RWMutex
	entries    map[string]entry
	ttl        time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

// NewPriceCache creates a PriceCache. staleAfter is raised to ttl if lower.
func NewPriceCache(ttl, staleAfter time.Duration) *PriceCache {
	if staleAfter < ttl {
		staleAfter = ttl
	}
	return &PriceCache{
		entries:    make(map[string]entry),
		ttl:        ttl,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (c *PriceCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *PriceCache) SetPrice(_ context.Context, symbol string, price float64, ts time.Time) error {
	c.mu.Lock()
	c.entries[symbol] = entry{price: price, ts: ts}
	c.mu.Unlock()
	return nil
}

func (c *PriceCache) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	e, err := c.read(symbol)
	if err != nil {
		return 0, time.Time{}, err
	}
	c.mu.RLock()
	age := c.now().Sub(e.ts)
	c.mu.RUnlock()
	if age > c.ttl {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return e.price, e.ts, nil
}

func (c *PriceCache) Peek(_ context.Context, symbol string) (float64, time.Time, error) {
	e, err := c.read(symbol)
	if err != nil {
		return 0, time.Time{}, err
	}
	return e.price, e.ts, nil
}

// read returns the entry, evicting it once it is past the stale horizon.
func (c *PriceCache) read(symbol string) (entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[symbol]
	if !ok {
		return entry{}, domain.ErrNotFound
	}
	if c.now().Sub(e.ts) > c.staleAfter {
		delete(c.entries, symbol)
		return entry{}, domain.ErrNotFound
	}
	return e, nil
}

// Len returns the number of entries held, stale ones included.
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

var _ domain.PriceCache = (*PriceCache)(nil)
