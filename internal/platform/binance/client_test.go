package binance

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

func testClient(url string) *Client {
	c := NewClient(url, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.retryWait = time.Millisecond
	return c
}

func TestTickerPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ticker/price", r.URL.Path)
		assert.Equal(t, "SOLUSDC", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"SOLUSDC","price":"142.51000000"}`))
	}))
	defer srv.Close()

	price, err := testClient(srv.URL).TickerPrice(context.Background(), "solusdc")
	require.NoError(t, err)
	assert.Equal(t, 142.51, price)
}

func TestTickerPrice_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"symbol":"SOLUSDC","price":"1.5"}`))
	}))
	defer srv.Close()

	price, err := testClient(srv.URL).TickerPrice(context.Background(), "SOLUSDC")
	require.NoError(t, err)
	assert.Equal(t, 1.5, price)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTickerPrice_UnknownSymbol(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).TickerPrice(context.Background(), "NOPE")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
	assert.Contains(t, err.Error(), "Invalid symbol.")
	assert.Equal(t, int32(1), calls.Load())
}

func TestTickerPrice_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).TickerPrice(context.Background(), "SOLUSDC")
	require.Error(t, err)
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestKlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		w.Write([]byte(`[[1700000000000,"1.0","1.2","0.9","1.1","500",1700003599999,"550",10,"1","1","0"]]`))
	}))
	defer srv.Close()

	ks, err := testClient(srv.URL).Klines(context.Background(), "SOLUSDC", "1h", 1)
	require.NoError(t, err)
	require.Len(t, ks, 1)
	assert.Equal(t, 1.1, ks[0].Close)
	assert.Equal(t, 500.0, ks[0].Volume)
	assert.Equal(t, int64(1700003599999), ks[0].CloseTime.UnixMilli())
}

func TestStreamURL(t *testing.T) {
	u, err := streamURL(DefaultStreamURL, []string{"SOLUSDC", " ", "jupusdc"})
	require.NoError(t, err)
	assert.Equal(t, "wss://stream.binance.com:9443/stream?streams=solusdc@miniTicker/jupusdc@miniTicker", u)

	_, err = streamURL(DefaultStreamURL, nil)
	assert.Error(t, err)
}

func TestDecodeTick(t *testing.T) {
	tick, err := decodeTick([]byte(`{"stream":"solusdc@miniTicker","data":{"e":"24hrMiniTicker","E":1700000000000,"s":"SOLUSDC","c":"142.5","q":"1000.5"}}`))
	require.NoError(t, err)
	assert.Equal(t, "SOLUSDC", tick.Symbol)
	assert.Equal(t, 142.5, tick.Price)
	assert.Equal(t, 1000.5, tick.QuoteVolume)

	_, err = decodeTick([]byte(`{"result":null,"id":1}`))
	assert.Error(t, err)
}
