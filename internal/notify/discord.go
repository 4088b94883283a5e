package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	discordMaxDescription = 4096
	discordMaxAttempts    = 3
)

// DiscordSender delivers notifications via a Discord webhook as a single
// embed.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// Send posts an embed to the webhook. A 429 reply is retried after the
// Retry-After delay Discord asks for.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	if len(message) > discordMaxDescription {
		message = message[:discordMaxDescription-3] + "..."
	}
	body, err := json.Marshal(discordPayload{
		Username: "lpkeeper",
		Embeds: []discordEmbed{{
			Title:       title,
			Description: "```\n" + message + "\n```",
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	for attempt := 1; ; attempt++ {
		wait, err := d.post(ctx, body)
		if wait == 0 || attempt == discordMaxAttempts {
			return err
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("discord: %w", ctx.Err())
		case <-t.C:
		}
	}
}

// post sends one request. A non-zero wait asks the caller to retry.
func (d *DiscordSender) post(ctx context.Context, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	// Discord returns 204 No Content on success.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return 0, nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode == http.StatusTooManyRequests {
		return retryAfter(resp.Header.Get("Retry-After")), err
	}
	return 0, err
}

func retryAfter(h string) time.Duration {
	secs, err := strconv.ParseFloat(h, 64)
	if err != nil || secs <= 0 {
		return time.Second
	}
	return min(time.Duration(secs*float64(time.Second)), 30*time.Second)
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
