package domain

import "time"

// PriceBin is one contiguous price sub-range of a precision curve together
// with the percentage of the position's liquidity allocated to it.
type PriceBin struct {
	Index         int
	LowerPrice    float64
	UpperPrice    float64
	AllocationPct float64
}

// Contains reports whether price lies inside [LowerPrice, UpperPrice].
func (b PriceBin) Contains(price float64) bool {
	return price >= b.LowerPrice && price <= b.UpperPrice
}

// BinSet is a full precision curve generated for a strategy. Only the most
// recent set of a strategy is active; a regeneration always writes a new set.
type BinSet struct {
	ID         string
	StrategyID string
	Bins       []PriceBin
	CreatedAt  time.Time
}

// Range returns the lowest and highest price covered by the set.
func (s BinSet) Range() (lower, upper float64) {
	if len(s.Bins) == 0 {
		return 0, 0
	}
	return s.Bins[0].LowerPrice, s.Bins[len(s.Bins)-1].UpperPrice
}
