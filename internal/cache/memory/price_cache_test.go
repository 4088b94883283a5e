package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpkeeper/internal/cache/memory"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

func TestPriceCache_TTLAndStaleHorizon(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	now := start

	c := memory.NewPriceCache(30*time.Second, 10*time.Minute)
	c.SetClock(func() time.Time { return now })
	require.NoError(t, c.SetPrice(ctx, "SOLUSDC", 142.5, start))

	price, ts, err := c.GetPrice(ctx, "SOLUSDC")
	require.NoError(t, err)
	assert.Equal(t, 142.5, price)
	assert.True(t, ts.Equal(start))

	now = start.Add(time.Minute)
	_, _, err = c.GetPrice(ctx, "SOLUSDC")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	price, _, err = c.Peek(ctx, "SOLUSDC")
	require.NoError(t, err)
	assert.Equal(t, 142.5, price)
	assert.Equal(t, 1, c.Len())

	now = start.Add(11 * time.Minute)
	_, _, err = c.Peek(ctx, "SOLUSDC")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, c.Len())
}

func TestPriceCache_Missing(t *testing.T) {
	c := memory.NewPriceCache(time.Second, time.Minute)
	_, _, err := c.GetPrice(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPriceCache_OverwriteRefreshes(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(time.Minute)

	c := memory.NewPriceCache(30*time.Second, 10*time.Minute)
	c.SetClock(func() time.Time { return now })
	require.NoError(t, c.SetPrice(ctx, "SOLUSDC", 140, start))
	require.NoError(t, c.SetPrice(ctx, "SOLUSDC", 141, now))

	price, _, err := c.GetPrice(ctx, "SOLUSDC")
	require.NoError(t, err)
	assert.Equal(t, 141.0, price)
}

func TestSignalBus_RetainsLatest(t *testing.T) {
	ctx := context.Background()
	bus := memory.NewSignalBus(2)
	require.NoError(t, bus.Publish(ctx, "jobs", []byte("a")))
	require.NoError(t, bus.Publish(ctx, "cycles", []byte("b")))
	require.NoError(t, bus.StreamAppend(ctx, "jobs", []byte("c")))

	all := bus.Events("")
	require.Len(t, all, 2)
	assert.Equal(t, "b", string(all[0].Payload))

	jobs := bus.Events("jobs")
	require.Len(t, jobs, 1)
	assert.Equal(t, "c", string(jobs[0].Payload))
}
