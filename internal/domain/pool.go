package domain

import (
	"strings"
	"time"
)

// Pool is an AMM pool tracked by the keeper.
type Pool struct {
	ID        string
	Address   string
	TokenA    string
	TokenB    string
	DEX       string
	PoolType  string
	TVL       float64
	Volume24h float64
	FeeTier   float64
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PairSymbol returns the exchange ticker symbol for the pool's token pair,
// e.g. "SOLUSDC".
func (p Pool) PairSymbol() string {
	return strings.ToUpper(p.TokenA) + strings.ToUpper(p.TokenB)
}

// PricePoint is one observation in a pool's price history.
type PricePoint struct {
	PoolID    string
	Price     float64
	Volume    float64
	Timestamp time.Time
}
