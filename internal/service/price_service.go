package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// PriceFeed fetches a spot price for an exchange symbol.
type PriceFeed interface {
	TickerPrice(ctx context.Context, symbol string) (float64, error)
}

// PriceService resolves pair prices through the cache and the exchange feed
// and records pool price history.
type PriceService struct {
	cache  domain.PriceCache
	feed   PriceFeed
	prices domain.PriceStore
	bus    domain.SignalBus
	logger *slog.Logger
	now    func() time.Time
}

// NewPriceService creates a PriceService with all required dependencies.
func NewPriceService(
	cache domain.PriceCache,
	feed PriceFeed,
	prices domain.PriceStore,
	bus domain.SignalBus,
	logger *slog.Logger,
) *PriceService {
	return &PriceService{
		cache:  cache,
		feed:   feed,
		prices: prices,
		bus:    bus,
		logger: logger.With(slog.String("component", "price_service")),
		now:    time.Now,
	}
}

// GetPrice returns the price for symbol and whether one is known. A fresh
// cache hit wins; otherwise the feed is asked, and if that fails the last
// cached value is served even when stale. No data is not an error.
func (s *PriceService) GetPrice(ctx context.Context, symbol string) (float64, bool) {
	q, ok := s.lookup(ctx, symbol)
	return q.price, ok
}

// quote is a resolved price and when it was observed.
type quote struct {
	price float64
	at    time.Time
	stale bool
}

func (s *PriceService) lookup(ctx context.Context, symbol string) (quote, bool) {
	if price, ts, err := s.cache.GetPrice(ctx, symbol); err == nil {
		return quote{price: price, at: ts}, true
	} else if !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "price cache read failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}

	price, err := s.feed.TickerPrice(ctx, symbol)
	if err == nil {
		now := s.now()
		if err := s.cache.SetPrice(ctx, symbol, price, now); err != nil {
			s.logger.WarnContext(ctx, "price cache write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
		return quote{price: price, at: now}, true
	}
	s.logger.WarnContext(ctx, "price feed failed",
		slog.String("symbol", symbol),
		slog.String("error", err.Error()),
	)

	if stale, ts, perr := s.cache.Peek(ctx, symbol); perr == nil {
		s.logger.InfoContext(ctx, "serving stale price",
			slog.String("symbol", symbol),
			slog.Duration("age", s.now().Sub(ts)),
		)
		return quote{price: stale, at: ts, stale: true}, true
	}
	return quote{}, false
}

// RecordPoolPrice fetches the pool's pair price and appends it to the pool's
// price history, stamped with the time it was observed. A stale cached price
// is not recorded again: like a missing price it returns
// domain.ErrDataUnavailable.
func (s *PriceService) RecordPoolPrice(ctx context.Context, pool domain.Pool) (domain.PricePoint, error) {
	symbol := pool.PairSymbol()
	q, ok := s.lookup(ctx, symbol)
	if !ok {
		return domain.PricePoint{}, fmt.Errorf("price_service: %s: %w", symbol, domain.ErrDataUnavailable)
	}
	if q.stale {
		return domain.PricePoint{}, fmt.Errorf("price_service: %s: only a stale price from %s: %w",
			symbol, q.at.UTC().Format(time.RFC3339), domain.ErrDataUnavailable)
	}

	pp := domain.PricePoint{
		PoolID:    pool.ID,
		Price:     q.price,
		Volume:    pool.Volume24h,
		Timestamp: q.at.UTC(),
	}
	if err := s.prices.Append(ctx, pp); err != nil {
		return domain.PricePoint{}, fmt.Errorf("price_service: record %s: %w", pool.ID, err)
	}
	return pp, nil
}

// HandleTick stores a pushed price in the cache and announces it.
func (s *PriceService) HandleTick(ctx context.Context, symbol string, price float64, ts time.Time) error {
	if err := s.cache.SetPrice(ctx, symbol, price, ts); err != nil {
		return fmt.Errorf("price_service: set price %s: %w", symbol, err)
	}

	evt, _ := json.Marshal(map[string]any{
		"event":     "price_tick",
		"symbol":    symbol,
		"price":     price,
		"timestamp": ts.Format(time.RFC3339Nano),
	})
	if pubErr := s.bus.Publish(ctx, "prices", evt); pubErr != nil {
		s.logger.WarnContext(ctx, "publish price tick failed",
			slog.String("symbol", symbol),
			slog.String("error", pubErr.Error()),
		)
	}
	return nil
}
