package openrouter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

func reply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
	})
	return string(b)
}

func TestParsePrediction(t *testing.T) {
	sig, err := parsePrediction("Sure! Here it is:\n```json\n" +
		`{"confidence": 93, "action": "Rebalance", "predictedPrice": 1.05, "predictedVolatility": 12.5, "urgency": "high", "reasoning": "breakout"}` +
		"\n```")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionRebalance, sig.Action)
	assert.Equal(t, domain.UrgencyHigh, sig.Urgency)
	assert.Equal(t, 93.0, sig.Confidence)
	assert.Equal(t, 1.05, sig.PredictedPrice)
}

func TestParsePrediction_Rejects(t *testing.T) {
	cases := map[string]string{
		"no json":        "I cannot help with that.",
		"bad action":     `{"confidence": 95, "action": "moon", "urgency": "low"}`,
		"bad urgency":    `{"confidence": 95, "action": "hold", "urgency": "now"}`,
		"confidence>100": `{"confidence": 150, "action": "hold", "urgency": "low"}`,
		"broken json":    `{"confidence": 95, "action": }`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parsePrediction(text)
			assert.ErrorIs(t, err, ErrBadReply)
		})
	}
}

func TestGenerateSignal_FallsBackToSecondModel(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		models = append(models, req.Model)
		if req.Model == "primary" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(reply(`{"confidence": 91, "action": "hold", "predictedPrice": 1, "predictedVolatility": 2, "urgency": "low", "reasoning": "flat"}`)))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "secret", PrimaryModel: "primary", FallbackModel: "fallback"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	sig, err := c.GenerateSignal(context.Background(), domain.PoolSnapshot{PoolID: "pool-1", CurrentPrice: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "fallback"}, models)
	assert.Equal(t, "fallback", sig.Model)
	assert.Equal(t, "pool-1", sig.PoolID)
	assert.Equal(t, domain.ActionHold, sig.Action)
}

func TestGenerateSignal_AllModelsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(reply("no idea")))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, PrimaryModel: "a", FallbackModel: "b"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := c.GenerateSignal(context.Background(), domain.PoolSnapshot{PoolID: "pool-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadReply)
}

func TestBuildPrompt_OldestFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := domain.PoolSnapshot{
		PoolID:       "pool-1",
		CurrentPrice: 1.1,
		History: []domain.PricePoint{
			{Price: 1.05, Timestamp: base.Add(2 * time.Hour)},
			{Price: 1.02, Timestamp: base.Add(time.Hour)},
			{Price: 1.00, Timestamp: base},
		},
	}
	p := buildPrompt(snap)
	assert.Contains(t, p, "Price Change over window: 10.00%")
	assert.Less(t, strings.Index(p, "2026-01-01T00:00:00Z: 1"), strings.Index(p, "2026-01-01T02:00:00Z: 1.05"))
}
