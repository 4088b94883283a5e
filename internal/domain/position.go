package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks whether a liquidity position is live. Positions are
// never deleted, only moved to closed.
type PositionStatus string

const (
	PositionStatusActive PositionStatus = "active"
	PositionStatusClosed PositionStatus = "closed"
)

// Position is a deployed concentrated-liquidity range on a pool.
type Position struct {
	ID         string
	UserID     string
	PoolID     string
	Address    string
	LowerPrice float64
	UpperPrice float64
	// EntryPrice is the price at deployment when known; zero otherwise.
	EntryPrice float64
	Liquidity  decimal.Decimal
	StrategyID string // empty when no strategy is attached
	Status     PositionStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReferenceEntryPrice is the price stop-loss and take-profit moves are
// measured from. Positions without a recorded entry fall back to the lower
// bound of their range.
func (p Position) ReferenceEntryPrice() float64 {
	if p.EntryPrice > 0 {
		return p.EntryPrice
	}
	return p.LowerPrice
}

// HasStrategy reports whether a strategy is attached to the position.
func (p Position) HasStrategy() bool {
	return p.StrategyID != ""
}
