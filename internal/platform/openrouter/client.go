// Package openrouter is an advisory signal source backed by the OpenRouter
// chat-completions API. Its output is a hint only; callers decide whether to
// keep a signal.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

const (
	DefaultBaseURL       = "https://openrouter.ai/api/v1"
	DefaultPrimaryModel  = "minimax/minimax-m2.5"
	DefaultFallbackModel = "deepseek/deepseek-chat-v3.1"

	temperature = 0.3
	maxTokens   = 1000
)

// ErrBadReply is returned when a model reply holds no usable prediction.
var ErrBadReply = errors.New("openrouter: unusable model reply")

// Config configures a Client.
type Config struct {
	BaseURL       string
	APIKey        string
	PrimaryModel  string
	FallbackModel string
	RatePerSec    float64
}

// Client asks the primary model for a prediction and falls back to the
// second model on any failure.
type Client struct {
	baseURL    string
	apiKey     string
	models     []string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PrimaryModel == "" {
		cfg.PrimaryModel = DefaultPrimaryModel
	}
	models := []string{cfg.PrimaryModel}
	if cfg.FallbackModel != "" && cfg.FallbackModel != cfg.PrimaryModel {
		models = append(models, cfg.FallbackModel)
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		models:     models,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With(slog.String("component", "openrouter")),
	}
}

// GenerateSignal returns the first valid prediction across the configured
// models. The returned signal has no ID and is not yet persisted.
func (c *Client) GenerateSignal(ctx context.Context, snap domain.PoolSnapshot) (domain.AdvisorySignal, error) {
	prompt := buildPrompt(snap)

	var errs []error
	for _, model := range c.models {
		sig, err := c.callModel(ctx, model, prompt)
		if err == nil {
			sig.PoolID = snap.PoolID
			return sig, nil
		}
		if ctx.Err() != nil {
			return domain.AdvisorySignal{}, ctx.Err()
		}
		c.logger.Warn("model failed",
			slog.String("model", model),
			slog.String("pool_id", snap.PoolID),
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("%s: %w", model, err))
	}
	return domain.AdvisorySignal{}, fmt.Errorf("openrouter: generate signal %s: %w", snap.PoolID, errors.Join(errs...))
}

func (c *Client) callModel(ctx context.Context, model, prompt string) (domain.AdvisorySignal, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.AdvisorySignal{}, fmt.Errorf("rate limiter: %w", err)
	}

	reqBody, err := json.Marshal(chatRequest{
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return domain.AdvisorySignal{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return domain.AdvisorySignal{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.AdvisorySignal{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.AdvisorySignal{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > 200 {
			body = body[:200]
		}
		return domain.AdvisorySignal{}, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return domain.AdvisorySignal{}, fmt.Errorf("decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return domain.AdvisorySignal{}, fmt.Errorf("no choices: %w", ErrBadReply)
	}

	sig, err := parsePrediction(cr.Choices[0].Message.Content)
	if err != nil {
		return domain.AdvisorySignal{}, err
	}
	sig.Model = model
	return sig, nil
}

// parsePrediction extracts the outermost JSON object from a model reply and
// validates it.
func parsePrediction(text string) (domain.AdvisorySignal, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return domain.AdvisorySignal{}, fmt.Errorf("no json object: %w", ErrBadReply)
	}

	var p prediction
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return domain.AdvisorySignal{}, fmt.Errorf("decode prediction: %v: %w", err, ErrBadReply)
	}

	action := domain.AdvisoryAction(strings.ToLower(p.Action))
	urgency := domain.SignalUrgency(strings.ToLower(p.Urgency))
	switch {
	case p.Confidence < 0 || p.Confidence > 100:
		return domain.AdvisorySignal{}, fmt.Errorf("confidence %v out of range: %w", p.Confidence, ErrBadReply)
	case !action.Valid():
		return domain.AdvisorySignal{}, fmt.Errorf("action %q: %w", p.Action, ErrBadReply)
	case !urgency.Valid():
		return domain.AdvisorySignal{}, fmt.Errorf("urgency %q: %w", p.Urgency, ErrBadReply)
	}

	return domain.AdvisorySignal{
		Action:              action,
		Confidence:          p.Confidence,
		PredictedPrice:      p.PredictedPrice,
		PredictedVolatility: p.PredictedVolatility,
		Urgency:             urgency,
		Reasoning:           p.Reasoning,
	}, nil
}
