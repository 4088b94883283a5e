package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpkeeper/internal/cache/memory"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- fakes -----------------------------------------------------------------

type fakeFeed struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
	calls  int
}

func (f *fakeFeed) TickerPrice(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	p, ok := f.prices[symbol]
	if !ok {
		return 0, domain.ErrDataUnavailable
	}
	return p, nil
}

type fakePriceStore struct {
	mu      sync.Mutex
	history map[string][]domain.PricePoint // newest first
}

func newFakePriceStore() *fakePriceStore {
	return &fakePriceStore{history: map[string][]domain.PricePoint{}}
}

func (s *fakePriceStore) Latest(_ context.Context, poolID string) (domain.PricePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[poolID]
	if len(h) == 0 {
		return domain.PricePoint{}, domain.ErrNotFound
	}
	return h[0], nil
}

func (s *fakePriceStore) History(_ context.Context, poolID string, limit int) ([]domain.PricePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[poolID]
	if len(h) > limit {
		h = h[:limit]
	}
	return append([]domain.PricePoint(nil), h...), nil
}

func (s *fakePriceStore) Append(_ context.Context, points ...domain.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		s.history[p.PoolID] = append([]domain.PricePoint{p}, s.history[p.PoolID]...)
	}
	return nil
}

type fakeSignalStore struct {
	mu   sync.Mutex
	sigs []domain.AdvisorySignal
}

func (s *fakeSignalStore) Insert(_ context.Context, sig domain.AdvisorySignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigs = append(s.sigs, sig)
	return nil
}

func (s *fakeSignalStore) ListActive(_ context.Context, poolID string, minConf float64, limit int) ([]domain.AdvisorySignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AdvisorySignal
	for _, sig := range s.sigs {
		if sig.PoolID == poolID && sig.Confidence >= minConf && len(out) < limit {
			out = append(out, sig)
		}
	}
	return out, nil
}

type fakeAdvisor struct {
	byPool map[string]domain.AdvisorySignal
	errs   map[string]error
}

func (a *fakeAdvisor) GenerateSignal(_ context.Context, snap domain.PoolSnapshot) (domain.AdvisorySignal, error) {
	if err := a.errs[snap.PoolID]; err != nil {
		return domain.AdvisorySignal{}, err
	}
	sig := a.byPool[snap.PoolID]
	sig.PoolID = snap.PoolID
	return sig, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

// --- price service ---------------------------------------------------------

func TestPriceService_CacheHitSkipsFeed(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewPriceCache(30*time.Second, 10*time.Minute)
	require.NoError(t, cache.SetPrice(ctx, "SOLUSDC", 140, time.Now()))
	feed := &fakeFeed{prices: map[string]float64{"SOLUSDC": 150}}

	svc := service.NewPriceService(cache, feed, newFakePriceStore(), memory.NewSignalBus(10), discardLogger())
	price, ok := svc.GetPrice(ctx, "SOLUSDC")
	assert.True(t, ok)
	assert.Equal(t, 140.0, price)
	assert.Equal(t, 0, feed.calls)
}

func TestPriceService_MissFetchesAndCaches(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewPriceCache(30*time.Second, 10*time.Minute)
	feed := &fakeFeed{prices: map[string]float64{"SOLUSDC": 150}}

	svc := service.NewPriceService(cache, feed, newFakePriceStore(), memory.NewSignalBus(10), discardLogger())
	price, ok := svc.GetPrice(ctx, "SOLUSDC")
	assert.True(t, ok)
	assert.Equal(t, 150.0, price)

	cached, _, err := cache.GetPrice(ctx, "SOLUSDC")
	require.NoError(t, err)
	assert.Equal(t, 150.0, cached)
}

func TestPriceService_StaleFallbackOnFeedFailure(t *testing.T) {
	ctx := context.Background()
	start := time.Now()
	cache := memory.NewPriceCache(30*time.Second, 10*time.Minute)
	require.NoError(t, cache.SetPrice(ctx, "SOLUSDC", 140, start.Add(-2*time.Minute)))
	feed := &fakeFeed{err: errors.New("connection refused")}

	svc := service.NewPriceService(cache, feed, newFakePriceStore(), memory.NewSignalBus(10), discardLogger())
	price, ok := svc.GetPrice(ctx, "SOLUSDC")
	assert.True(t, ok)
	assert.Equal(t, 140.0, price)
	assert.Equal(t, 1, feed.calls)
}

func TestPriceService_NoData(t *testing.T) {
	cache := memory.NewPriceCache(30*time.Second, 10*time.Minute)
	feed := &fakeFeed{err: errors.New("down")}
	svc := service.NewPriceService(cache, feed, newFakePriceStore(), memory.NewSignalBus(10), discardLogger())

	_, ok := svc.GetPrice(context.Background(), "SOLUSDC")
	assert.False(t, ok)

	_, err := svc.RecordPoolPrice(context.Background(), domain.Pool{ID: "pool-1", TokenA: "sol", TokenB: "usdc"})
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
}

func TestPriceService_RecordPoolPrice(t *testing.T) {
	ctx := context.Background()
	store := newFakePriceStore()
	feed := &fakeFeed{prices: map[string]float64{"SOLUSDC": 151.25}}
	svc := service.NewPriceService(memory.NewPriceCache(time.Second, time.Minute), feed, store, memory.NewSignalBus(10), discardLogger())

	pp, err := svc.RecordPoolPrice(ctx, domain.Pool{ID: "pool-1", TokenA: "sol", TokenB: "usdc", Volume24h: 9000})
	require.NoError(t, err)
	assert.Equal(t, 151.25, pp.Price)

	latest, err := store.Latest(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, 151.25, latest.Price)
	assert.Equal(t, 9000.0, latest.Volume)
}

func TestPriceService_RecordPoolPriceKeepsObservationTime(t *testing.T) {
	ctx := context.Background()
	observed := time.Now().Add(-5 * time.Second).UTC()
	cache := memory.NewPriceCache(30*time.Second, 10*time.Minute)
	require.NoError(t, cache.SetPrice(ctx, "SOLUSDC", 149.5, observed))
	store := newFakePriceStore()
	svc := service.NewPriceService(cache, &fakeFeed{}, store, memory.NewSignalBus(10), discardLogger())

	pp, err := svc.RecordPoolPrice(ctx, domain.Pool{ID: "pool-1", TokenA: "sol", TokenB: "usdc"})
	require.NoError(t, err)
	assert.True(t, observed.Equal(pp.Timestamp), "got %s, want %s", pp.Timestamp, observed)
}

func TestPriceService_RecordPoolPriceSkipsStalePrice(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewPriceCache(30*time.Second, 10*time.Minute)
	require.NoError(t, cache.SetPrice(ctx, "SOLUSDC", 140, time.Now().Add(-2*time.Minute)))
	store := newFakePriceStore()
	feed := &fakeFeed{err: errors.New("connection refused")}
	svc := service.NewPriceService(cache, feed, store, memory.NewSignalBus(10), discardLogger())

	_, err := svc.RecordPoolPrice(ctx, domain.Pool{ID: "pool-1", TokenA: "sol", TokenB: "usdc"})
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)

	_, err = store.Latest(ctx, "pool-1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "stale price must not enter history")

	// Lookups still fall back to it.
	price, ok := svc.GetPrice(ctx, "SOLUSDC")
	assert.True(t, ok)
	assert.Equal(t, 140.0, price)
}

func TestPriceService_HandleTick(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewPriceCache(30*time.Second, time.Minute)
	bus := memory.NewSignalBus(10)
	svc := service.NewPriceService(cache, &fakeFeed{}, newFakePriceStore(), bus, discardLogger())

	require.NoError(t, svc.HandleTick(ctx, "SOLUSDC", 143, time.Now()))
	price, _, err := cache.GetPrice(ctx, "SOLUSDC")
	require.NoError(t, err)
	assert.Equal(t, 143.0, price)
	assert.Len(t, bus.Events("prices"), 1)
}

// --- signal service --------------------------------------------------------

func seedHistory(store *fakePriceStore, poolID string, n int) {
	base := time.Now().Add(-time.Duration(n) * time.Minute)
	for i := 0; i < n; i++ {
		_ = store.Append(context.Background(), domain.PricePoint{
			PoolID: poolID, Price: 1 + float64(i)/100, Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
}

func signalConfig() service.SignalConfig {
	return service.SignalConfig{
		ConfidenceFloor: 90,
		MinHistory:      20,
		HistoryLimit:    100,
		Concurrency:     2,
		Timeout:         time.Second,
	}
}

func TestSignalService_Refresh(t *testing.T) {
	ctx := context.Background()
	prices := newFakePriceStore()
	seedHistory(prices, "confident", 25)
	seedHistory(prices, "unsure", 25)
	seedHistory(prices, "broken", 25)
	seedHistory(prices, "young", 5)

	advisor := &fakeAdvisor{
		byPool: map[string]domain.AdvisorySignal{
			"confident": {Action: domain.ActionRebalance, Confidence: 95, Urgency: domain.UrgencyHigh, Model: "m"},
			"unsure":    {Action: domain.ActionHold, Confidence: 60, Urgency: domain.UrgencyLow},
		},
		errs: map[string]error{"broken": errors.New("model overloaded")},
	}
	signals := &fakeSignalStore{}
	bus := memory.NewSignalBus(10)

	svc := service.NewSignalService(advisor, prices, signals, nil, bus, signalConfig(), discardLogger())
	stats, err := svc.Refresh(ctx, []domain.Pool{{ID: "confident"}, {ID: "unsure"}, {ID: "broken"}, {ID: "young"}})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Accepted)
	assert.Equal(t, 1, stats.Discarded)
	assert.Equal(t, 1, stats.Skipped)
	require.Len(t, stats.Failures, 1)
	assert.Equal(t, "broken", stats.Failures[0].ItemID)
	assert.Equal(t, domain.StageSignals, stats.Failures[0].Stage)

	require.Len(t, signals.sigs, 1)
	assert.Equal(t, "confident", signals.sigs[0].PoolID)
	assert.NotEmpty(t, signals.sigs[0].ID)
	assert.Len(t, bus.Events("signals"), 1)

	active, err := svc.ActiveSignals(ctx, "confident", 90)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestSignalService_CooldownSkipsPool(t *testing.T) {
	prices := newFakePriceStore()
	seedHistory(prices, "pool-1", 25)
	advisor := &fakeAdvisor{byPool: map[string]domain.AdvisorySignal{
		"pool-1": {Action: domain.ActionHold, Confidence: 99, Urgency: domain.UrgencyLow},
	}}
	signals := &fakeSignalStore{}
	cfg := signalConfig()
	cfg.PoolCooldown = time.Minute

	svc := service.NewSignalService(advisor, prices, signals, denyLimiter{}, memory.NewSignalBus(10), cfg, discardLogger())
	stats, err := svc.Refresh(context.Background(), []domain.Pool{{ID: "pool-1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Empty(t, signals.sigs)
}
