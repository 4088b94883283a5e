package openrouter

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// promptHistory is how many recent price points go into the prompt.
const promptHistory = 20

const systemPrompt = `You are a DeFi liquidity-provision analyst for concentrated-liquidity pools.
Analyse the pool data and predict the best action for the position manager.

Output ONLY valid JSON with this exact structure:
{
  "confidence": 0-100,
  "action": "buy" | "sell" | "hold" | "rebalance",
  "predictedPrice": number,
  "predictedVolatility": number,
  "urgency": "low" | "medium" | "high" | "critical",
  "reasoning": "brief explanation"
}`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type prediction struct {
	Confidence          float64 `json:"confidence"`
	Action              string  `json:"action"`
	PredictedPrice      float64 `json:"predictedPrice"`
	PredictedVolatility float64 `json:"predictedVolatility"`
	Urgency             string  `json:"urgency"`
	Reasoning           string  `json:"reasoning"`
}

// buildPrompt renders a snapshot. History arrives newest first and is
// printed oldest first.
func buildPrompt(snap domain.PoolSnapshot) string {
	recent := snap.History
	if len(recent) > promptHistory {
		recent = recent[:promptHistory]
	}

	change := 0.0
	if n := len(recent); n > 0 && recent[n-1].Price > 0 {
		oldest := recent[n-1].Price
		change = (snap.CurrentPrice - oldest) / oldest * 100
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Analyse this concentrated-liquidity pool for a rebalancing decision:\n\n")
	fmt.Fprintf(&b, "Pool ID: %s\n", snap.PoolID)
	fmt.Fprintf(&b, "Current Price: %g\n", snap.CurrentPrice)
	fmt.Fprintf(&b, "24h Volume: %g\n", snap.Volume24h)
	fmt.Fprintf(&b, "Total Liquidity: %g\n", snap.Liquidity)
	fmt.Fprintf(&b, "Price Change over window: %.2f%%\n\n", change)
	fmt.Fprintf(&b, "Recent Price History (last %d data points):\n", len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "%s: %g\n", recent[i].Timestamp.UTC().Format(time.RFC3339), recent[i].Price)
	}
	b.WriteString(`
Consider trend and momentum, volume relative to liquidity, realised volatility,
a 69-bin precision curve with optional upward bias, and impermanent-loss risk.
Only answer with high confidence.`)
	return b.String()
}
