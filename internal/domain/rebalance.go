package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RebalanceRecord is an append-only audit row written for every rebalance
// attempt that reached the execution adapter.
type RebalanceRecord struct {
	ID           string
	PositionID   string
	StrategyID   string
	JobID        string
	OldLower     float64
	OldUpper     float64
	OldLiquidity decimal.Decimal
	NewLower     float64
	NewUpper     float64
	NewLiquidity decimal.Decimal
	TxSignature  string
	Trigger      JobTrigger
	Success      bool
	ErrorMessage string
	CreatedAt    time.Time

	// ImpermanentLossPct is the loss of the old range at the rebalance
	// price, nil when the old range or entry price was unusable.
	ImpermanentLossPct *float64
}
