package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultStreamURL = "wss://stream.binance.com:9443/stream"

	wsHandshakeTimeout = 15 * time.Second
	// Binance pings every 3 minutes; allow one missed ping.
	wsReadTimeout       = 6 * time.Minute
	wsReconnectDelay    = time.Second
	wsMaxReconnectDelay = time.Minute
)

// TickHandler receives every decoded mini-ticker update.
type TickHandler func(Tick)

// Stream follows the combined mini-ticker stream for a set of symbols,
// reconnecting with exponential backoff until its context ends.
type Stream struct {
	baseURL string
	logger  *slog.Logger
	dialer  websocket.Dialer
}

// NewStream creates a Stream against baseURL (the combined /stream endpoint).
func NewStream(baseURL string, logger *slog.Logger) *Stream {
	if baseURL == "" {
		baseURL = DefaultStreamURL
	}
	return &Stream{
		baseURL: baseURL,
		logger:  logger.With(slog.String("component", "binance_ws")),
		dialer:  websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout},
	}
}

// Run blocks, delivering ticks to handle, until ctx is cancelled.
func (s *Stream) Run(ctx context.Context, symbols []string, handle TickHandler) error {
	u, err := streamURL(s.baseURL, symbols)
	if err != nil {
		return err
	}

	delay := wsReconnectDelay
	for {
		connected, err := s.session(ctx, u, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = wsReconnectDelay
		}
		s.logger.Warn("stream disconnected",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, wsMaxReconnectDelay)
	}
}

// session runs one connection. It reports whether the dial succeeded.
func (s *Stream) session(ctx context.Context, u string, handle TickHandler) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return false, fmt.Errorf("binance/ws: dial: %w", err)
	}
	defer conn.Close()
	s.logger.Info("stream connected")

	// Unblock ReadMessage when the caller cancels.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("binance/ws: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		tick, err := decodeTick(data)
		if err != nil {
			s.logger.Debug("skip stream message", slog.String("error", err.Error()))
			continue
		}
		handle(tick)
	}
}

func streamURL(base string, symbols []string) (string, error) {
	streams := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToLower(strings.TrimSpace(sym))
		if sym != "" {
			streams = append(streams, sym+"@miniTicker")
		}
	}
	if len(streams) == 0 {
		return "", errors.New("binance/ws: no symbols")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("binance/ws: parse url: %w", err)
	}
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return u.String(), nil
}

func decodeTick(data []byte) (Tick, error) {
	var msg combinedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Tick{}, fmt.Errorf("decode: %w", err)
	}
	if msg.Data.Symbol == "" {
		return Tick{}, errors.New("not a ticker message")
	}
	price, err := strconv.ParseFloat(msg.Data.Close, 64)
	if err != nil || price <= 0 {
		return Tick{}, fmt.Errorf("bad close %q", msg.Data.Close)
	}
	vol, _ := strconv.ParseFloat(msg.Data.QuoteVolume, 64)
	return Tick{
		Symbol:      msg.Data.Symbol,
		Price:       price,
		QuoteVolume: vol,
		Time:        time.UnixMilli(msg.Data.EventTime).UTC(),
	}, nil
}
