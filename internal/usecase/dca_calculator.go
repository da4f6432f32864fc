package usecase

import (
	"errors"
	"fmt"
	"math"

	"github.com/vitos/crypto_liq_dca/internal/domain"
)

// MinRiskHeadroomPct is the smallest remaining risk budget (percent of
// balance) a scaled-down ladder is still worth opening against.
const MinRiskHeadroomPct = 0.05

// ErrInsufficientHeadroom rejects an entry whose remaining account risk
// budget is below MinRiskHeadroomPct.
var ErrInsufficientHeadroom = errors.New("dca: insufficient risk headroom")

// DCAInput is everything BuildDCAPlan needs besides the strategy shape.
type DCAInput struct {
	EntryPrice       float64 // P0
	Side             domain.Side
	Balance          float64
	VolatilityPct    float64 // current ATR%
	RemainingRiskPct float64 // account headroom as percent of balance
}

// BuildDCAPlan derives the full ladder from the strategy shape. The base
// size q1 is solved so that the dollar loss when every level fills and the
// stop triggers equals the reserved risk, i.e. the reservation covers the
// worst case, not level 1 alone.
//
//	distance(k)   = Δ1 · k^p · max(1, vol/Vref)
//	weight(k)     = g^(k-1)
//	q1            = riskDollars / (|avg - stop| · Σweight)
func BuildDCAPlan(strat *domain.Strategy, in DCAInput) (*domain.DCAPlan, error) {
	if err := strat.Validate(); err != nil {
		return nil, err
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	// Clamp the per-position reservation to the account's remaining
	// headroom, scaling the whole ladder down proportionally instead of
	// rejecting outright.
	riskPct := strat.MaxPositionRiskPct
	if riskPct > in.RemainingRiskPct {
		if in.RemainingRiskPct < MinRiskHeadroomPct {
			return nil, fmt.Errorf("%w: %.4f%% remaining", ErrInsufficientHeadroom, in.RemainingRiskPct)
		}
		riskPct = in.RemainingRiskPct
	}
	riskDollars := riskPct / 100 * in.Balance

	volFactor := 1.0
	if strat.VolatilityRefPct > 0 && in.VolatilityPct > strat.VolatilityRefPct {
		volFactor = in.VolatilityPct / strat.VolatilityRefPct
	}

	dir := 1.0 // price sign: long ladders step down, short ladders step up
	if in.Side == domain.SideLong {
		dir = -1.0
	}

	levels := make([]domain.DCALevel, strat.MaxLayers)
	totalWeight := 0.0
	weightedPrice := 0.0
	for k := 1; k <= strat.MaxLayers; k++ {
		distPct := strat.StartStepPct * math.Pow(float64(k), strat.SpacingConvexity) * volFactor
		price := in.EntryPrice * (1 + dir*distPct/100)
		weight := math.Pow(strat.SizeGrowth, float64(k-1))

		levels[k-1] = domain.DCALevel{Index: k, DistancePct: distPct, Price: price}
		totalWeight += weight
		weightedPrice += weight * price
	}
	avgPrice := weightedPrice / totalWeight

	stopPrice := in.EntryPrice * (1 + dir*strat.StopLossPct/100)
	stopDist := math.Abs(avgPrice - stopPrice)
	if stopDist <= 0 {
		return nil, fmt.Errorf("dca: stop distance collapsed (avg %.8f, stop %.8f)", avgPrice, stopPrice)
	}

	q1 := riskDollars / (stopDist * totalWeight)

	totalNotional := 0.0
	for k := range levels {
		qty := q1 * math.Pow(strat.SizeGrowth, float64(k))
		levels[k].Quantity = qty
		totalNotional += qty * levels[k].Price
	}

	takeProfit := avgPrice * (1 - dir*strat.ExitCushion*in.VolatilityPct/100)

	return &domain.DCAPlan{
		Side:            in.Side,
		EntryPrice:      in.EntryPrice,
		Levels:          levels,
		BaseQty:         q1,
		GrowthFactor:    strat.SizeGrowth,
		TotalWeight:     totalWeight,
		AvgFillPrice:    avgPrice,
		StopPrice:       stopPrice,
		TakeProfitPrice: takeProfit,
		ReservedRisk:    domain.ReservedRisk{Dollars: riskDollars, Percent: riskPct},
		TotalNotional:   totalNotional,
	}, nil
}

func validateInput(in DCAInput) error {
	fields := []struct {
		name string
		v    float64
	}{
		{"entry price", in.EntryPrice},
		{"balance", in.Balance},
		{"volatility", in.VolatilityPct},
	}
	for _, f := range fields {
		if f.v <= 0 || math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("dca: invalid %s: %v", f.name, f.v)
		}
	}
	if in.Side != domain.SideLong && in.Side != domain.SideShort {
		return fmt.Errorf("dca: invalid side: %q", in.Side)
	}
	return nil
}
