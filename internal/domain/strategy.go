package domain

import (
	"encoding/json"
	"fmt"
)

// StrategyType selects how a strategy's precision curve is shaped.
type StrategyType string

const (
	StrategyPrecisionCurve     StrategyType = "precision_curve"
	StrategyVolatilityAdjusted StrategyType = "volatility_adjusted"
)

// Strategy is the policy attached to a position. It is read-only to the
// keeper and edited out-of-band by its owner.
type Strategy struct {
	ID                    string
	UserID                string
	Name                  string
	PoolID                string
	Type                  StrategyType
	RebalanceThresholdPct float64
	PrecisionBins         int
	MCUEnabled            bool
	MCUBiasFactor         float64
	StopLossPct           *float64
	TakeProfitPct         *float64
	AutoRebalance         bool
	Active                bool
	Params                StrategyParams
}

// HasExitRules reports whether a stop-loss or take-profit is configured.
func (s Strategy) HasExitRules() bool {
	return (s.StopLossPct != nil && *s.StopLossPct > 0) || (s.TakeProfitPct != nil && *s.TakeProfitPct > 0)
}

// StrategyParams is the typed per-strategy configuration. The concrete type
// is fixed by Strategy.Type and decoded at the repository boundary.
type StrategyParams interface {
	StrategyType() StrategyType
}

// PrecisionCurveParams configures a plain Gaussian precision curve.
type PrecisionCurveParams struct {
	RangeMultiplier float64 `json:"range_multiplier,omitempty"`
}

func (PrecisionCurveParams) StrategyType() StrategyType { return StrategyPrecisionCurve }

// VolatilityAdjustedParams widens the curve by the observed volatility.
type VolatilityAdjustedParams struct {
	VolatilityPct float64 `json:"volatility_pct"`
}

func (VolatilityAdjustedParams) StrategyType() StrategyType { return StrategyVolatilityAdjusted }

// DecodeStrategyParams decodes the raw JSON config column for the given
// strategy type. An empty payload yields the zero params for the type.
func DecodeStrategyParams(t StrategyType, raw []byte) (StrategyParams, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}
	switch t {
	case StrategyPrecisionCurve, "":
		var p PrecisionCurveParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", StrategyPrecisionCurve, err)
		}
		return p, nil
	case StrategyVolatilityAdjusted:
		var p VolatilityAdjustedParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", t, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("decode params: unknown strategy type %q: %w", t, ErrInvalidInput)
	}
}

// EncodeStrategyParams is the inverse of DecodeStrategyParams.
func EncodeStrategyParams(p StrategyParams) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}
