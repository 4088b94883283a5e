// Package curve implements the precision-curve model: a Gaussian-shaped
// allocation of liquidity across equal-width price bins, and the checks that
// decide whether a position has drifted far enough to be rebalanced.
//
// Every function is pure. Invalid numeric arguments are rejected with an
// error wrapping domain.ErrInvalidInput and are never clamped.
package curve

import (
	"fmt"
	"math"
	"sort"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

const (
	DefaultTotalBins           = 69
	DefaultConcentrationFactor = 2.5
	DefaultRangeMultiplier     = 2.0
	DefaultMCUBiasFactor       = 1.3

	// baseVolatilityMultiplier is the range multiplier at zero volatility.
	baseVolatilityMultiplier = 2.0
)

// Config holds the two tunables of the curve.
type Config struct {
	TotalBins           int
	ConcentrationFactor float64
}

// DefaultConfig returns the 69-bin curve with a concentration of 2.5.
func DefaultConfig() Config {
	return Config{
		TotalBins:           DefaultTotalBins,
		ConcentrationFactor: DefaultConcentrationFactor,
	}
}

// Engine evaluates precision curves for a fixed configuration. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	totalBins     int
	concentration float64
}

// NewEngine validates cfg and returns an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.TotalBins < 2 {
		return nil, fmt.Errorf("curve: total bins %d must be >= 2: %w", cfg.TotalBins, domain.ErrInvalidInput)
	}
	if !isFinite(cfg.ConcentrationFactor) || cfg.ConcentrationFactor < 0 {
		return nil, fmt.Errorf("curve: concentration factor %v must be >= 0: %w", cfg.ConcentrationFactor, domain.ErrInvalidInput)
	}
	return &Engine{
		totalBins:     cfg.TotalBins,
		concentration: cfg.ConcentrationFactor,
	}, nil
}

// WithBins returns an engine with the same concentration and n bins. A
// non-positive n, or n equal to the current count, returns e itself.
func (e *Engine) WithBins(n int) (*Engine, error) {
	if n <= 0 || n == e.totalBins {
		return e, nil
	}
	return NewEngine(Config{TotalBins: n, ConcentrationFactor: e.concentration})
}

// TotalBins returns the number of bins a generated curve has.
func (e *Engine) TotalBins() int { return e.totalBins }

// CenterBin returns the index of the bin the curve is centred on.
func (e *Engine) CenterBin() int { return e.totalBins / 2 }

// GenerateBins spreads [currentPrice/rangeMultiplier, currentPrice*rangeMultiplier]
// over TotalBins equal-width bins and weights each bin by
// exp(-(d/(TotalBins/4))^2 * concentration), d being its index distance from
// the center bin. Allocations are normalised against the computed weight sum
// so they add up to 100.
func (e *Engine) GenerateBins(currentPrice, rangeMultiplier float64) ([]domain.PriceBin, error) {
	if err := requirePositive("current price", currentPrice); err != nil {
		return nil, fmt.Errorf("curve: generate bins: %w", err)
	}
	if !isFinite(rangeMultiplier) || rangeMultiplier <= 1 {
		return nil, fmt.Errorf("curve: generate bins: range multiplier %v must be > 1: %w", rangeMultiplier, domain.ErrInvalidInput)
	}

	n := e.totalBins
	center := e.CenterBin()
	spread := float64(n) / 4

	minPrice := currentPrice / rangeMultiplier
	maxPrice := currentPrice * rangeMultiplier
	if !isFinite(maxPrice) || minPrice <= 0 {
		return nil, fmt.Errorf("curve: generate bins: range [%v, %v] is not representable: %w", minPrice, maxPrice, domain.ErrInvalidInput)
	}
	step := (maxPrice - minPrice) / float64(n)

	// Edges are computed once so adjacent bins share the exact same bound.
	edges := make([]float64, n+1)
	for i := 0; i < n; i++ {
		edges[i] = minPrice + float64(i)*step
	}
	edges[n] = maxPrice

	weights := make([]float64, n)
	var total float64
	for i := 0; i < n; i++ {
		d := math.Abs(float64(i-center)) / spread
		weights[i] = math.Exp(-(d * d) * e.concentration)
		total += weights[i]
	}

	bins := make([]domain.PriceBin, n)
	for i := 0; i < n; i++ {
		bins[i] = domain.PriceBin{
			Index:         i,
			LowerPrice:    edges[i],
			UpperPrice:    edges[i+1],
			AllocationPct: weights[i] / total * 100,
		}
	}
	return bins, nil
}

// ShouldRebalance reports whether too little of the position's liquidity
// sits in bins containing currentPrice. An empty bin set, or a price outside
// every bin, always needs a rebalance.
func (e *Engine) ShouldRebalance(currentPrice float64, activeBins []domain.PriceBin, thresholdPct float64) (bool, error) {
	if err := requirePositive("current price", currentPrice); err != nil {
		return false, fmt.Errorf("curve: should rebalance: %w", err)
	}
	if !isFinite(thresholdPct) || thresholdPct < 0 {
		return false, fmt.Errorf("curve: should rebalance: threshold %v must be >= 0: %w", thresholdPct, domain.ErrInvalidInput)
	}
	if len(activeBins) == 0 {
		return true, nil
	}

	var total, active float64
	inRange := false
	for _, b := range activeBins {
		total += b.AllocationPct
		if b.Contains(currentPrice) {
			inRange = true
			active += b.AllocationPct
		}
	}
	if !inRange {
		return true, nil
	}
	if total <= 0 {
		return false, fmt.Errorf("curve: should rebalance: bins carry no allocation: %w", domain.ErrInvalidInput)
	}

	return active/total*100 < thresholdPct, nil
}

// ImpermanentLoss returns the divergence loss in percent of a position
// entered at entryPrice. Out of [lowerPrice, upperPrice] it is 100.
//
// In range it uses the constant-product formula |2*sqrt(r)/(1+r) - 1|,
// r = currentPrice/entryPrice. This ignores the leverage a concentrated
// range adds and understates the real loss.
func ImpermanentLoss(entryPrice, currentPrice, lowerPrice, upperPrice float64) (float64, error) {
	for _, p := range []struct {
		name string
		v    float64
	}{
		{"entry price", entryPrice},
		{"current price", currentPrice},
		{"lower price", lowerPrice},
		{"upper price", upperPrice},
	} {
		if err := requirePositive(p.name, p.v); err != nil {
			return 0, fmt.Errorf("curve: impermanent loss: %w", err)
		}
	}
	if lowerPrice > upperPrice {
		return 0, fmt.Errorf("curve: impermanent loss: lower %v above upper %v: %w", lowerPrice, upperPrice, domain.ErrInvalidInput)
	}

	if currentPrice < lowerPrice || currentPrice > upperPrice {
		return 100, nil
	}

	r := currentPrice / entryPrice
	il := 2*math.Sqrt(r)/(1+r) - 1
	return math.Abs(il) * 100, nil
}

// ApplyMCUBias skews allocation toward the bins above the center. A bin whose
// Index is d above the engine's center bin is multiplied by
// 1 + (d/TotalBins)*(biasFactor-1); the whole set is then renormalised to 100.
// Bins are matched by Index, so a partial set is biased the same way as the
// full curve. The input slice is not modified.
func (e *Engine) ApplyMCUBias(bins []domain.PriceBin, biasFactor float64) ([]domain.PriceBin, error) {
	if len(bins) == 0 {
		return nil, fmt.Errorf("curve: apply mcu bias: empty bin set: %w", domain.ErrInvalidInput)
	}
	if !isFinite(biasFactor) || biasFactor < 1 {
		return nil, fmt.Errorf("curve: apply mcu bias: bias factor %v must be >= 1: %w", biasFactor, domain.ErrInvalidInput)
	}

	out := sortedCopy(bins)
	center := e.CenterBin()

	var total float64
	for i := range out {
		if idx := out[i].Index; idx > center {
			d := float64(idx - center)
			out[i].AllocationPct *= 1 + (d/float64(e.totalBins))*(biasFactor-1)
		}
		total += out[i].AllocationPct
	}
	if total <= 0 {
		return nil, fmt.Errorf("curve: apply mcu bias: bins carry no allocation: %w", domain.ErrInvalidInput)
	}
	for i := range out {
		out[i].AllocationPct = out[i].AllocationPct / total * 100
	}
	return out, nil
}

// AdjustForVolatility regenerates the curve around currentPrice with a range
// multiplier of (1 + volatilityPct/100) * 2, so higher volatility gives a
// wider, flatter curve. bins is the set being replaced and must not be empty.
func (e *Engine) AdjustForVolatility(bins []domain.PriceBin, currentPrice, volatilityPct float64) ([]domain.PriceBin, error) {
	if len(bins) == 0 {
		return nil, fmt.Errorf("curve: adjust for volatility: empty bin set: %w", domain.ErrInvalidInput)
	}
	if !isFinite(volatilityPct) || volatilityPct < 0 {
		return nil, fmt.Errorf("curve: adjust for volatility: volatility %v must be >= 0: %w", volatilityPct, domain.ErrInvalidInput)
	}
	return e.GenerateBins(currentPrice, VolatilityRangeMultiplier(volatilityPct))
}

// VolatilityRangeMultiplier maps a volatility percentage to a range multiplier.
func VolatilityRangeMultiplier(volatilityPct float64) float64 {
	return (1 + volatilityPct/100) * baseVolatilityMultiplier
}

// TotalAllocation sums the allocation of a bin set.
func TotalAllocation(bins []domain.PriceBin) float64 {
	var total float64
	for _, b := range bins {
		total += b.AllocationPct
	}
	return total
}

func sortedCopy(bins []domain.PriceBin) []domain.PriceBin {
	out := make([]domain.PriceBin, len(bins))
	copy(out, bins)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func requirePositive(name string, v float64) error {
	if !isFinite(v) || v <= 0 {
		return fmt.Errorf("%s %v must be > 0: %w", name, v, domain.ErrInvalidInput)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
