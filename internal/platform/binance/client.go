// Package binance reads spot prices from the Binance public market-data API,
// over REST for on-demand lookups and over the combined mini-ticker stream
// for push updates.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

const (
	DefaultBaseURL = "https://api.binance.com/api/v3"

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// Client is the REST client for Binance spot market data.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	retryWait  time.Duration
	logger     *slog.Logger
}

// NewClient creates a Client. ratePerSec bounds outbound requests; zero or
// less disables limiting.
func NewClient(baseURL string, ratePerSec float64, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	limit := rate.Inf
	burst := 1
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
		burst = max(1, int(ratePerSec))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(limit, burst),
		retryWait:  baseRetryWait,
		logger:     logger.With(slog.String("component", "binance")),
	}
}

// TickerPrice returns the last traded price for symbol, e.g. "SOLUSDC".
// Unknown symbols yield domain.ErrDataUnavailable.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))

	body, err := c.doGet(ctx, "/ticker/price?"+params.Encode())
	if err != nil {
		return 0, fmt.Errorf("binance: ticker price %s: %w", symbol, err)
	}

	var tp tickerPrice
	if err := json.Unmarshal(body, &tp); err != nil {
		return 0, fmt.Errorf("binance: decode ticker price %s: %w", symbol, err)
	}
	price, err := strconv.ParseFloat(tp.Price, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("binance: ticker price %s: bad value %q: %w", symbol, tp.Price, domain.ErrDataUnavailable)
	}
	return price, nil
}

// Klines returns up to limit candles for symbol at interval ("1m", "1h",
// ...), oldest first.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.doGet(ctx, "/klines?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("binance: klines %s: %w", symbol, err)
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decode klines %s: %w", symbol, err)
	}
	out := make([]Kline, 0, len(raw))
	for _, row := range raw {
		k, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("binance: klines %s: %w", symbol, err)
		}
		out = append(out, k)
	}
	return out, nil
}

// doGet issues a rate-limited GET, retrying on transport errors, 429 and 5xx
// with exponential backoff.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt-1); err != nil {
				return nil, err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
			c.logger.Warn("rate limited by binance", slog.Int("attempt", attempt+1), slog.Int("status", resp.StatusCode))
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error %d", resp.StatusCode)
			continue
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("client error %d: %s: %w", resp.StatusCode, apiMessage(body), domain.ErrDataUnavailable)
		}
		if readErr != nil {
			return nil, fmt.Errorf("read response: %w", readErr)
		}
		return body, nil
	}
	return nil, fmt.Errorf("exhausted %d retries: %w", maxRetries, lastErr)
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(c.retryWait << attempt)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func apiMessage(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Msg != "" {
		return fmt.Sprintf("%d %s", e.Code, e.Msg)
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

var errShortKline = errors.New("short kline row")

func parseKline(row []json.RawMessage) (Kline, error) {
	if len(row) < 7 {
		return Kline{}, errShortKline
	}
	var k Kline
	var openMs, closeMs int64
	var o, h, l, cl, v string
	for i, dst := range []any{&openMs, &o, &h, &l, &cl, &v, &closeMs} {
		if err := json.Unmarshal(row[i], dst); err != nil {
			return Kline{}, fmt.Errorf("kline field %d: %w", i, err)
		}
	}
	k.OpenTime = time.UnixMilli(openMs).UTC()
	k.CloseTime = time.UnixMilli(closeMs).UTC()
	var err error
	for _, f := range []struct {
		src string
		dst *float64
	}{{o, &k.Open}, {h, &k.High}, {l, &k.Low}, {cl, &k.Close}, {v, &k.Volume}} {
		if *f.dst, err = strconv.ParseFloat(f.src, 64); err != nil {
			return Kline{}, fmt.Errorf("kline value %q: %w", f.src, err)
		}
	}
	return k, nil
}
