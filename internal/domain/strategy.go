package domain

import (
	"fmt"
	"math"
	"time"
)

// Strategy holds the per-session trading parameters. Read-mostly; mutated
// only through explicit settings updates.
type Strategy struct {
	SessionID string

	// Signal gates
	PercentileThreshold float64 // minimum liquidation-value rank, 0-100
	MaxOpenPositions    int
	MaxPortfolioRiskPct float64 // account-wide reserved-risk budget, % of balance

	// DCA ladder shape
	MaxLayers          int
	MaxPositionRiskPct float64 // Rmax, % of balance reserved per position
	StartStepPct       float64 // Δ1, distance of layer 1 in %
	SpacingConvexity   float64 // p, exponent on the layer index
	SizeGrowth         float64 // g, geometric size growth per layer
	VolatilityRefPct   float64 // Vref, spacing widens when ATR% exceeds this
	StopLossPct        float64
	ExitCushion        float64 // TP distance in ATR multiples

	// Execution
	Leverage        int
	MarginType      string // "ISOLATED" or "CROSSED"
	CooldownMs      int64  // minimum delay between layer placements
	RetryDurationMs int64
	SlippagePct     float64
	PriceChase      bool

	Paused    bool
	UpdatedAt time.Time
}

// Cooldown returns the layer cooldown as a duration.
func (s *Strategy) Cooldown() time.Duration {
	return time.Duration(s.CooldownMs) * time.Millisecond
}

// Validate rejects strategies with missing or non-finite ladder parameters.
// Required parameters are never guessed.
func (s *Strategy) Validate() error {
	checks := []struct {
		name string
		v    float64
	}{
		{"start_step_pct", s.StartStepPct},
		{"spacing_convexity", s.SpacingConvexity},
		{"size_growth", s.SizeGrowth},
		{"max_position_risk_pct", s.MaxPositionRiskPct},
		{"volatility_ref_pct", s.VolatilityRefPct},
		{"stop_loss_pct", s.StopLossPct},
		{"exit_cushion", s.ExitCushion},
	}
	for _, c := range checks {
		if c.v <= 0 || math.IsNaN(c.v) || math.IsInf(c.v, 0) {
			return fmt.Errorf("strategy %s: invalid %s: %v", s.SessionID, c.name, c.v)
		}
	}
	if s.MaxLayers < 1 {
		return fmt.Errorf("strategy %s: max_layers must be >= 1", s.SessionID)
	}
	if s.Leverage < 1 {
		return fmt.Errorf("strategy %s: leverage must be >= 1", s.SessionID)
	}
	return nil
}
