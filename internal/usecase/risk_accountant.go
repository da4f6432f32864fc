package usecase

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/vitos/crypto_liq_dca/internal/domain"
)

// RiskSnapshot aggregates the session's risk usage at one instant.
type RiskSnapshot struct {
	Balance         float64
	ReservedDollars float64 // full ladder potential across open positions
	ReservedPercent float64
	FilledDollars   float64 // quantity actually on the book x stop distance
	OpenPositions   int
}

// RemainingPct returns the unreserved slice of the portfolio budget, as a
// percent of balance. Never negative.
func (s *RiskSnapshot) RemainingPct(maxPortfolioRiskPct float64) float64 {
	rem := maxPortfolioRiskPct - s.ReservedPercent
	if rem < 0 {
		return 0
	}
	return rem
}

// RiskAccountant aggregates filled versus reserved risk across a session's
// open positions, deduplicated by symbol+side and reconciled against the
// live exchange positions.
type RiskAccountant struct {
	repo     domain.PositionRepository
	exchange domain.Exchange
	logger   *zap.Logger
}

func NewRiskAccountant(repo domain.PositionRepository, exchange domain.Exchange, logger *zap.Logger) *RiskAccountant {
	return &RiskAccountant{repo: repo, exchange: exchange, logger: logger}
}

// Snapshot reads the current balance, open positions and live exchange state.
// A local record with no live counterpart contributes reserved risk (the
// ladder could still fill) but zero filled risk.
func (a *RiskAccountant) Snapshot(ctx context.Context, sessionID string) (*RiskSnapshot, error) {
	balance, err := a.exchange.GetBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk snapshot: balance: %w", err)
	}

	positions, err := a.repo.ListOpenPositions(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("risk snapshot: positions: %w", err)
	}

	live, err := a.exchange.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk snapshot: exchange positions: %w", err)
	}
	liveByKey := make(map[string]*domain.ExchangePosition, len(live))
	for _, lp := range live {
		liveByKey[lp.Symbol+"|"+string(lp.Side)] = lp
	}

	snap := &RiskSnapshot{Balance: balance}
	seen := make(map[string]bool)
	for _, pos := range positions {
		key := pos.Symbol + "|" + string(pos.Side)
		if seen[key] {
			a.logger.Warn("duplicate open position record skipped",
				zap.String("symbol", pos.Symbol), zap.String("side", string(pos.Side)))
			continue
		}
		seen[key] = true

		snap.OpenPositions++
		snap.ReservedDollars += pos.ReservedRisk.Dollars

		lp, onExchange := liveByKey[key]
		if !onExchange || lp.Quantity == 0 || pos.Schedule == nil {
			continue
		}
		snap.FilledDollars += lp.Quantity * math.Abs(lp.EntryPrice-pos.Schedule.StopPrice)
	}

	if balance > 0 {
		snap.ReservedPercent = 100 * snap.ReservedDollars / balance
	}
	return snap, nil
}
