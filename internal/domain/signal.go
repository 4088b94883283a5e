package domain

import "time"

// AdvisoryAction is the action an advisory signal recommends.
type AdvisoryAction string

const (
	ActionBuy       AdvisoryAction = "buy"
	ActionSell      AdvisoryAction = "sell"
	ActionHold      AdvisoryAction = "hold"
	ActionRebalance AdvisoryAction = "rebalance"
)

// Valid reports whether a is a known action.
func (a AdvisoryAction) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold, ActionRebalance:
		return true
	}
	return false
}

// SignalUrgency indicates how quickly an advisory signal should be acted upon.
type SignalUrgency string

const (
	UrgencyLow      SignalUrgency = "low"
	UrgencyMedium   SignalUrgency = "medium"
	UrgencyHigh     SignalUrgency = "high"
	UrgencyCritical SignalUrgency = "critical"
)

// Valid reports whether u is a known urgency.
func (u SignalUrgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// AdvisorySignal is an untrusted hint about a pool. Nothing in the keeper
// requires one to be present.
type AdvisorySignal struct {
	ID                  string
	PoolID              string
	Action              AdvisoryAction
	Confidence          float64 // 0-100
	PredictedPrice      float64
	PredictedVolatility float64
	Urgency             SignalUrgency
	Reasoning           string
	Model               string
	Executed            bool
	CreatedAt           time.Time
}

// PoolSnapshot is the input handed to an advisory source.
type PoolSnapshot struct {
	PoolID       string
	CurrentPrice float64
	Volume24h    float64
	Liquidity    float64
	// History is ordered newest first.
	History []PricePoint
}
