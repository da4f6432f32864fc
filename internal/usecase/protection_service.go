package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/crypto_liq_dca/internal/domain"
)

const (
	// Tolerances for comparing desired protective orders against the live
	// ones. Minor ATR drift between syncs must not churn orders.
	protPriceTolerancePct = 0.1
	protQtyTolerancePct   = 0.5

	// Clamps on the ATR-adaptive take-profit distance.
	minTPDistancePct = 0.2
	maxTPDistancePct = 5.0

	// Fixed fallback when no volatility reading is available.
	fallbackTPPct = 1.0
)

// ProtectionResult reports the protective-order set live after a sync.
type ProtectionResult struct {
	TPPrice    float64
	SLPrice    float64
	TPOrderIDs []string
	SLOrderIDs []string
	Changed    bool // false when the existing set already matched
}

// ProtectionService keeps exactly the right TP/SL orders live for each open
// position using a zero-gap place-then-cancel transition: the new set is
// placed first and the old one cancelled only after every placement
// succeeded, so the position is never unprotected, not even transiently.
type ProtectionService struct {
	exchange   domain.Exchange
	volatility *VolatilityService
	logger     *zap.Logger

	locks *KeyLocks

	mu     sync.Mutex
	synced map[string]string // position key -> last applied signature
}

func NewProtectionService(exchange domain.Exchange, volatility *VolatilityService, logger *zap.Logger) *ProtectionService {
	return &ProtectionService{
		exchange:   exchange,
		volatility: volatility,
		logger:     logger,
		locks:      NewKeyLocks(),
		synced:     make(map[string]string),
	}
}

// Invalidate drops the sync signature so the next Sync does a full pass.
func (p *ProtectionService) Invalidate(symbol string, side domain.Side) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.synced, symbol+"|"+string(side))
}

// Sync reconciles the exchange TP/SL orders with the position. When force is
// false and the position is unchanged since the last successful sync, it
// returns immediately without touching the exchange.
func (p *ProtectionService) Sync(ctx context.Context, strat *domain.Strategy, pos *domain.Position, force bool) (*ProtectionResult, error) {
	key := pos.Symbol + "|" + string(pos.Side)
	sig := fmt.Sprintf("%d|%.10f|%.10f|%d", pos.ID, pos.Quantity, pos.AvgEntryPrice, pos.LayersFilled)

	if !force {
		p.mu.Lock()
		applied := p.synced[key]
		p.mu.Unlock()
		if applied == sig {
			return &ProtectionResult{Changed: false}, nil
		}
	}

	if err := p.locks.Acquire(ctx, key); err != nil {
		return nil, err
	}
	defer p.locks.Release(key)

	// Always size protection from the live position, not the possibly-stale
	// local record. Filtered by side for hedge-mode accounts.
	live, err := p.exchange.GetPosition(ctx, pos.Symbol, pos.Side)
	if err != nil {
		return nil, fmt.Errorf("protection %s: live position: %w", key, err)
	}
	if live == nil || live.Quantity == 0 {
		p.logger.Info("no live position, skipping protection sync", zap.String("key", key))
		return &ProtectionResult{Changed: false}, nil
	}

	rules, err := p.exchange.GetSymbolRules(ctx, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("protection %s: symbol rules: %w", key, err)
	}

	tpPrice, slPrice := p.exitPrices(ctx, strat, pos, live)
	desired := p.desiredOrders(pos, live, rules, tpPrice, slPrice)

	existing, err := p.listProtective(ctx, pos.Symbol, pos.Side)
	if err != nil {
		return nil, fmt.Errorf("protection %s: open orders: %w", key, err)
	}

	toPlace, stale := diffOrders(desired, existing)
	if len(toPlace) == 0 && len(stale) == 0 {
		p.markSynced(key, sig)
		return p.result(existing, tpPrice, slPrice, false), nil
	}

	placed, err := p.placeAll(ctx, toPlace)
	if err != nil {
		p.rollback(ctx, pos.Symbol, placed)
		if errors.Is(err, domain.ErrReduceOnlyRejected) {
			// A stale overlapping order blocks reduce-only placement.
			// Forced path: clear everything, then place the full set.
			return p.forceReplace(ctx, key, sig, pos.Symbol, desired, existing, tpPrice, slPrice)
		}
		return nil, fmt.Errorf("protection %s: place: %w", key, err)
	}

	// New set is live; the old orders can go now.
	for _, o := range stale {
		if err := p.exchange.CancelOrder(ctx, pos.Symbol, o.OrderID); err != nil {
			p.logger.Warn("stale protective order cancel failed",
				zap.String("symbol", pos.Symbol), zap.String("order_id", o.OrderID), zap.Error(err))
		}
	}

	p.markSynced(key, sig)

	kept := matchedExisting(desired, existing)
	return p.result(append(kept, placed...), tpPrice, slPrice, true), nil
}

// exitPrices computes the adaptive TP and the ladder-anchored SL. The stop
// stays anchored at the schedule's price so the reserved-risk accounting
// taken at entry remains exact; adopted positions without a schedule fall
// back to the fixed stop percent off the live entry.
func (p *ProtectionService) exitPrices(ctx context.Context, strat *domain.Strategy, pos *domain.Position, live *domain.ExchangePosition) (tp, sl float64) {
	dir := 1.0
	if pos.Side == domain.SideShort {
		dir = -1.0
	}

	tpDistPct := fallbackTPPct
	if atrPct, err := p.volatility.ATRPercent(ctx, pos.Symbol); err == nil {
		tpDistPct = strat.ExitCushion * atrPct
	} else {
		p.logger.Warn("ATR unavailable, using fixed take-profit distance",
			zap.String("symbol", pos.Symbol), zap.Error(err))
	}
	if tpDistPct < minTPDistancePct {
		tpDistPct = minTPDistancePct
	}
	if tpDistPct > maxTPDistancePct {
		tpDistPct = maxTPDistancePct
	}
	tp = live.EntryPrice * (1 + dir*tpDistPct/100)

	// Never hand the exchange a take-profit on the wrong side of the
	// current market; it would trigger on arrival.
	if mark, err := p.exchange.GetMarkPrice(ctx, pos.Symbol); err == nil && mark > 0 {
		floor := mark * (1 + dir*minTPDistancePct/100)
		if dir > 0 && tp < floor {
			tp = floor
		}
		if dir < 0 && tp > floor {
			tp = floor
		}
	}

	if pos.Schedule != nil {
		sl = pos.Schedule.StopPrice
	} else {
		sl = live.EntryPrice * (1 - dir*strat.StopLossPct/100)
	}
	return tp, sl
}

// desiredOrders builds the reduce-only TP/SL set for the live quantity,
// splitting any order that exceeds the exchange's per-order cap.
func (p *ProtectionService) desiredOrders(pos *domain.Position, live *domain.ExchangePosition, rules *domain.SymbolRules, tpPrice, slPrice float64) []*domain.OrderRequest {
	exit := domain.ExitSide(pos.Side)
	var reqs []*domain.OrderRequest
	for _, qty := range SplitQuantity(live.Quantity, rules.MaxStopQty) {
		reqs = append(reqs, &domain.OrderRequest{
			Symbol:       pos.Symbol,
			Side:         exit,
			PositionSide: pos.Side,
			Type:         domain.OrderTypeTakeProfitMarket,
			Quantity:     RoundToStep(qty, rules.StepSize),
			StopPrice:    RoundToStep(tpPrice, rules.TickSize),
			ReduceOnly:   true,
			ClientID:     uuid.NewString(),
		})
	}
	for _, qty := range SplitQuantity(live.Quantity, rules.MaxStopQty) {
		reqs = append(reqs, &domain.OrderRequest{
			Symbol:       pos.Symbol,
			Side:         exit,
			PositionSide: pos.Side,
			Type:         domain.OrderTypeStopMarket,
			Quantity:     RoundToStep(qty, rules.StepSize),
			StopPrice:    RoundToStep(slPrice, rules.TickSize),
			ReduceOnly:   true,
			ClientID:     uuid.NewString(),
		})
	}
	return reqs
}

func (p *ProtectionService) listProtective(ctx context.Context, symbol string, side domain.Side) ([]*domain.OrderResult, error) {
	orders, err := p.exchange.ListOpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	var out []*domain.OrderResult
	for _, o := range orders {
		if o.PositionSide != side {
			continue
		}
		if o.Type == domain.OrderTypeTakeProfitMarket || o.Type == domain.OrderTypeStopMarket {
			out = append(out, o)
		}
	}
	return out, nil
}

func (p *ProtectionService) placeAll(ctx context.Context, reqs []*domain.OrderRequest) ([]*domain.OrderResult, error) {
	var placed []*domain.OrderResult
	for _, req := range reqs {
		res, err := p.exchange.PlaceOrder(ctx, req)
		if err != nil {
			return placed, err
		}
		placed = append(placed, res)
	}
	return placed, nil
}

// rollback cancels the orders placed by a partially-failed transition so the
// previous protective set stays authoritative.
func (p *ProtectionService) rollback(ctx context.Context, symbol string, placed []*domain.OrderResult) {
	for _, o := range placed {
		if err := p.exchange.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			p.logger.Error("rollback cancel failed",
				zap.String("symbol", symbol), zap.String("order_id", o.OrderID), zap.Error(err))
		}
	}
}

// forceReplace cancels every existing protective order and places the
// desired set once more. Only used for the reduce-only conflict.
func (p *ProtectionService) forceReplace(ctx context.Context, key, sig, symbol string, desired []*domain.OrderRequest, existing []*domain.OrderResult, tpPrice, slPrice float64) (*ProtectionResult, error) {
	p.logger.Warn("reduce-only conflict, forcing full protective replace", zap.String("key", key))
	for _, o := range existing {
		if err := p.exchange.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			p.logger.Warn("forced cancel failed",
				zap.String("symbol", symbol), zap.String("order_id", o.OrderID), zap.Error(err))
		}
	}
	placed, err := p.placeAll(ctx, desired)
	if err != nil {
		p.rollback(ctx, symbol, placed)
		return nil, fmt.Errorf("protection %s: forced replace: %w", key, err)
	}
	p.markSynced(key, sig)
	return p.result(placed, tpPrice, slPrice, true), nil
}

func (p *ProtectionService) markSynced(key, sig string) {
	p.mu.Lock()
	p.synced[key] = sig
	p.mu.Unlock()
}

func (p *ProtectionService) result(orders []*domain.OrderResult, tpPrice, slPrice float64, changed bool) *ProtectionResult {
	res := &ProtectionResult{TPPrice: tpPrice, SLPrice: slPrice, Changed: changed}
	for _, o := range orders {
		switch o.Type {
		case domain.OrderTypeTakeProfitMarket:
			res.TPOrderIDs = append(res.TPOrderIDs, o.OrderID)
		case domain.OrderTypeStopMarket:
			res.SLOrderIDs = append(res.SLOrderIDs, o.OrderID)
		}
	}
	return res
}

// diffOrders matches desired orders against existing ones with price and
// quantity tolerance, returning what still must be placed and which existing
// orders are no longer wanted.
func diffOrders(desired []*domain.OrderRequest, existing []*domain.OrderResult) (toPlace []*domain.OrderRequest, stale []*domain.OrderResult) {
	used := make([]bool, len(existing))
	for _, d := range desired {
		matched := false
		for i, e := range existing {
			if used[i] {
				continue
			}
			if ordersMatch(d, e) {
				used[i] = true
				matched = true
				break
			}
		}
		if !matched {
			toPlace = append(toPlace, d)
		}
	}
	for i, e := range existing {
		if !used[i] {
			stale = append(stale, e)
		}
	}
	return toPlace, stale
}

func matchedExisting(desired []*domain.OrderRequest, existing []*domain.OrderResult) []*domain.OrderResult {
	used := make([]bool, len(existing))
	var kept []*domain.OrderResult
	for _, d := range desired {
		for i, e := range existing {
			if !used[i] && ordersMatch(d, e) {
				used[i] = true
				kept = append(kept, e)
				break
			}
		}
	}
	return kept
}

func ordersMatch(d *domain.OrderRequest, e *domain.OrderResult) bool {
	if d.Type != e.Type || d.Side != e.Side {
		return false
	}
	if e.StopPrice <= 0 || e.Quantity <= 0 {
		return false
	}
	priceDiff := math.Abs(d.StopPrice-e.StopPrice) / e.StopPrice * 100
	qtyDiff := math.Abs(d.Quantity-e.Quantity) / e.Quantity * 100
	return priceDiff <= protPriceTolerancePct && qtyDiff <= protQtyTolerancePct
}

// SplitQuantity breaks qty into exchange-acceptable chunks no larger than
// max. A zero max means no cap.
func SplitQuantity(qty, max float64) []float64 {
	if max <= 0 || qty <= max {
		return []float64{qty}
	}
	var parts []float64
	remaining := qty
	for remaining > max {
		parts = append(parts, max)
		remaining -= max
	}
	if remaining > 0 {
		parts = append(parts, remaining)
	}
	return parts
}
