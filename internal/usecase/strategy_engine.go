package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/crypto_liq_dca/internal/domain"
	"github.com/vitos/crypto_liq_dca/internal/monitor"
	"github.com/vitos/crypto_liq_dca/internal/signals"
)

// riskEpsilon absorbs float noise when checking a layer against the
// position's reserved budget.
const riskEpsilon = 1e-6

// StrategyEngine turns the stream of liquidation events into at most one
// safe order action per opportunity. Events for the same (session, symbol,
// side) key are strictly serialized; different keys interleave freely.
type StrategyEngine struct {
	sessionID string

	strategies domain.StrategyRepository
	positions  domain.PositionRepository
	exchange   domain.Exchange
	executor   *OrderExecutor
	protection *ProtectionService
	risk       *RiskAccountant
	volatility *VolatilityService
	history    *PercentileHistory
	hub        *signals.Hub
	logger     *zap.Logger

	locks *KeyLocks
	dedup *dedupSet

	mu            sync.Mutex
	cooldowns     map[string]time.Time
	pendingLayers map[string]int              // placed on exchange, not yet durable
	pendingPos    map[string]*domain.Position // created, persistence still uncertain
	reservations  map[string]float64          // budget charged, not yet durable
	marginReady   map[string]bool             // leverage/margin mode configured

	blockAll func() bool // kill-switch from the market-quality collaborator
	timeNow  func() time.Time
}

func NewStrategyEngine(
	sessionID string,
	strategies domain.StrategyRepository,
	positions domain.PositionRepository,
	exchange domain.Exchange,
	executor *OrderExecutor,
	protection *ProtectionService,
	risk *RiskAccountant,
	volatility *VolatilityService,
	hub *signals.Hub,
	logger *zap.Logger,
) *StrategyEngine {
	return &StrategyEngine{
		sessionID:     sessionID,
		strategies:    strategies,
		positions:     positions,
		exchange:      exchange,
		executor:      executor,
		protection:    protection,
		risk:          risk,
		volatility:    volatility,
		history:       NewPercentileHistory(10000),
		hub:           hub,
		logger:        logger,
		locks:         NewKeyLocks(),
		dedup:         newDedupSet(4096),
		cooldowns:     make(map[string]time.Time),
		pendingLayers: make(map[string]int),
		pendingPos:    make(map[string]*domain.Position),
		reservations:  make(map[string]float64),
		marginReady:   make(map[string]bool),
		blockAll:      func() bool { return false },
		timeNow:       time.Now,
	}
}

// SetBlockAll installs the system-wide kill-switch probe.
func (e *StrategyEngine) SetBlockAll(fn func() bool) {
	if fn != nil {
		e.blockAll = fn
	}
}

// Run consumes liquidation events until ctx is cancelled. Each event is
// evaluated in its own goroutine; a panic in one evaluation never stops the
// loop.
func (e *StrategyEngine) Run(ctx context.Context, events <-chan *domain.LiquidationEvent) {
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			e.Stop()
			return
		case ev, ok := <-events:
			if !ok {
				wg.Wait()
				e.Stop()
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						e.logger.Error("event handler panic",
							zap.String("event_id", ev.ID), zap.Any("panic", r))
					}
				}()
				if err := e.HandleLiquidation(ctx, ev); err != nil {
					e.logger.Error("liquidation handling failed",
						zap.String("symbol", ev.Symbol), zap.String("event_id", ev.ID), zap.Error(err))
				}
			}()
		}
	}
}

// Stop clears all locks, cooldowns and provisional markers unconditionally.
func (e *StrategyEngine) Stop() {
	e.locks.Reset()
	e.mu.Lock()
	e.cooldowns = make(map[string]time.Time)
	e.pendingLayers = make(map[string]int)
	e.reservations = make(map[string]float64)
	e.mu.Unlock()
}

// HandleLiquidation runs the full gate chain for one event.
func (e *StrategyEngine) HandleLiquidation(ctx context.Context, ev *domain.LiquidationEvent) error {
	if !e.dedup.Add(ev.ID) {
		// Duplicate delivery. Skipped silently, not an error.
		return nil
	}

	monitor.Liquidations.WithLabelValues(ev.Symbol).Inc()
	e.hub.PublishLiquidation(ev)
	e.history.Record(ev.Symbol, ev.ValueUSD)

	strat, err := e.strategies.GetStrategy(ctx, e.sessionID)
	if err != nil {
		return fmt.Errorf("engine: load strategy: %w", err)
	}
	if strat.Paused || e.blockAll() {
		e.block(ev, "paused", "strategy paused or system-wide block active")
		return nil
	}
	if err := strat.Validate(); err != nil {
		e.block(ev, "config", err.Error())
		return nil
	}

	// A cascade of long liquidations marks a flush low worth buying; the
	// counter-trade takes the liquidated side.
	side := ev.Side
	key := PositionKey(e.sessionID, ev.Symbol, side)

	// A second event for the same key waits for the holder and then
	// re-evaluates against fresh state rather than being dropped.
	if err := e.locks.Acquire(ctx, key); err != nil {
		return err
	}
	defer e.locks.Release(key)

	// Cooldown gate, set provisionally before any I/O and rolled back when
	// no order results. This closes the window where two events both pass
	// the check before either writes state.
	now := e.timeNow()
	e.mu.Lock()
	last, had := e.cooldowns[key]
	if had && now.Sub(last) < strat.Cooldown() {
		e.mu.Unlock()
		e.block(ev, "cooldown", fmt.Sprintf("last placement %s ago", now.Sub(last)))
		return nil
	}
	e.cooldowns[key] = now
	e.mu.Unlock()

	placed := false
	defer func() {
		if placed {
			return
		}
		e.mu.Lock()
		if had {
			e.cooldowns[key] = last
		} else {
			delete(e.cooldowns, key)
		}
		e.mu.Unlock()
	}()

	pos, err := e.freshPosition(ctx, key, ev.Symbol, side)
	if err != nil {
		return fmt.Errorf("engine: load position %s: %w", key, err)
	}

	if pos == nil {
		placed, err = e.evaluateEntry(ctx, strat, ev, side, key)
	} else {
		placed, err = e.evaluateLayer(ctx, strat, ev, pos, key)
	}
	return err
}

// freshPosition loads position state from storage, preferring the in-memory
// not-yet-durable cache so a waiter re-evaluates what the previous holder
// just did even when its write has not landed.
func (e *StrategyEngine) freshPosition(ctx context.Context, key, symbol string, side domain.Side) (*domain.Position, error) {
	e.mu.Lock()
	if p, ok := e.pendingPos[key]; ok && p.IsOpen {
		e.mu.Unlock()
		return p, nil
	}
	e.mu.Unlock()

	pos, err := e.positions.GetOpenPosition(ctx, e.sessionID, symbol, side)
	if err == nil && pos != nil {
		// The durable row carries the reservation; drop any stale
		// in-memory charge (e.g. after reconciler adoption).
		e.mu.Lock()
		delete(e.reservations, key)
		e.mu.Unlock()
	}
	return pos, err
}

func (e *StrategyEngine) evaluateEntry(ctx context.Context, strat *domain.Strategy, ev *domain.LiquidationEvent, side domain.Side, key string) (bool, error) {
	rank, ok := e.history.Rank(ev.Symbol, ev.ValueUSD)
	if !ok || rank < strat.PercentileThreshold {
		e.block(ev, "percentile", fmt.Sprintf("rank %.0f below threshold %.0f", rank, strat.PercentileThreshold))
		return false, nil
	}

	snap, err := e.risk.Snapshot(ctx, e.sessionID)
	if err != nil {
		return false, fmt.Errorf("engine: risk snapshot: %w", err)
	}

	// The snapshot sees only durable storage. Reservations charged for
	// entries whose write has not landed yet still consume budget.
	e.mu.Lock()
	pendingReserved := 0.0
	for _, d := range e.reservations {
		pendingReserved += d
	}
	pendingCount := len(e.reservations)
	e.mu.Unlock()
	monitor.ReservedRisk.Set(snap.ReservedDollars + pendingReserved)

	if snap.OpenPositions+pendingCount >= strat.MaxOpenPositions {
		e.block(ev, "positions", fmt.Sprintf("%d open positions at limit",
			snap.OpenPositions+pendingCount))
		return false, nil
	}

	atrPct, err := e.volatility.ATRPercent(ctx, ev.Symbol)
	if err != nil {
		// No volatility reading and no fallback: entry sizing would be a
		// guess, so the event is dropped.
		e.block(ev, "config", fmt.Sprintf("no volatility available: %v", err))
		return false, nil
	}

	// Projected risk check: the full ladder reservation must fit the
	// remaining portfolio headroom. The calculator scales the ladder down
	// to the headroom before giving up.
	remaining := snap.RemainingPct(strat.MaxPortfolioRiskPct)
	if snap.Balance > 0 {
		remaining -= 100 * pendingReserved / snap.Balance
	}
	if remaining < 0 {
		remaining = 0
	}
	plan, err := BuildDCAPlan(strat, DCAInput{
		EntryPrice:       ev.Price,
		Side:             side,
		Balance:          snap.Balance,
		VolatilityPct:    atrPct,
		RemainingRiskPct: remaining,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientHeadroom) {
			e.block(ev, "risk", err.Error())
			return false, nil
		}
		e.block(ev, "config", err.Error())
		return false, nil
	}

	// Charge the budget in memory before the order goes out, re-checked
	// under the lock: an interleaved entry on another key must see this
	// reservation even though nothing is durable yet.
	budget := strat.MaxPortfolioRiskPct / 100 * snap.Balance
	e.mu.Lock()
	total := snap.ReservedDollars + plan.ReservedRisk.Dollars
	for k, d := range e.reservations {
		if k != key {
			total += d
		}
	}
	if total > budget*(1+riskEpsilon) {
		e.mu.Unlock()
		e.block(ev, "risk", fmt.Sprintf("projected reserve %.2f exceeds budget %.2f", total, budget))
		return false, nil
	}
	e.reservations[key] = plan.ReservedRisk.Dollars
	e.mu.Unlock()

	if err := e.ensureMarginConfig(ctx, strat, ev.Symbol); err != nil {
		e.logger.Warn("margin config failed, proceeding with exchange defaults",
			zap.String("symbol", ev.Symbol), zap.Error(err))
	}

	res, err := e.executor.Execute(ctx, &ExecRequest{
		Symbol:        ev.Symbol,
		Side:          domain.EntrySide(side),
		PositionSide:  side,
		Quantity:      plan.Levels[0].Quantity,
		TargetPrice:   ev.Price,
		SlippagePct:   strat.SlippagePct,
		PriceChase:    strat.PriceChase,
		RetryDuration: time.Duration(strat.RetryDurationMs) * time.Millisecond,
		ClientID:      uuid.NewString(),
	})
	if err != nil {
		e.mu.Lock()
		delete(e.reservations, key)
		e.mu.Unlock()
		e.logger.Error("entry execution failed",
			zap.String("symbol", ev.Symbol), zap.String("side", string(side)), zap.Error(err))
		return false, nil
	}

	// Exchange confirmed: refresh the cooldown to the confirmation time so
	// nothing slips in during the placement window.
	e.mu.Lock()
	e.cooldowns[key] = e.timeNow()
	e.mu.Unlock()

	pos := &domain.Position{
		SessionID:     e.sessionID,
		Symbol:        ev.Symbol,
		Side:          side,
		Quantity:      res.FillQty,
		AvgEntryPrice: res.FillPrice,
		InitialPrice:  ev.Price,
		LayersFilled:  1,
		LayersPlaced:  1,
		MaxLayers:     strat.MaxLayers,
		BaseQty:       plan.BaseQty,
		Schedule:      plan,
		ReservedRisk:  plan.ReservedRisk,
		Leverage:      strat.Leverage,
		MarginType:    strat.MarginType,
		IsOpen:        true,
		OpenedAt:      e.timeNow(),
	}

	e.mu.Lock()
	e.pendingPos[key] = pos
	e.pendingLayers[key]++
	e.mu.Unlock()

	if err := e.persistFill(ctx, pos, res, 1, plan); err != nil {
		// The exchange order is live but the local write failed. The
		// pending markers and the budget charge stay set; the reconciler
		// adopts the orphan.
		e.logger.Error("entry persisted on exchange but not locally, left for reconciler",
			zap.String("symbol", ev.Symbol), zap.Error(err))
		return true, nil
	}

	e.mu.Lock()
	e.pendingLayers[key]--
	delete(e.pendingPos, key)
	delete(e.reservations, key) // the durable row carries the charge now
	e.mu.Unlock()

	e.syncProtection(ctx, strat, pos)

	monitor.Orders.WithLabelValues("entry", string(side)).Inc()
	e.hub.PublishTrade(signals.TradeEvent{
		SessionID: e.sessionID, Symbol: ev.Symbol, Side: side,
		Kind: "entry", Layer: 1, Price: res.FillPrice, Quantity: res.FillQty,
	})
	e.logger.Info("entry filled",
		zap.String("symbol", ev.Symbol), zap.String("side", string(side)),
		zap.Float64("rank", rank), zap.Float64("price", res.FillPrice),
		zap.Float64("qty", res.FillQty), zap.Float64("reserved_usd", plan.ReservedRisk.Dollars))
	return true, nil
}

func (e *StrategyEngine) evaluateLayer(ctx context.Context, strat *domain.Strategy, ev *domain.LiquidationEvent, pos *domain.Position, key string) (bool, error) {
	plan := pos.Schedule
	if plan == nil {
		e.block(ev, "config", "position has no persisted DCA schedule")
		return false, nil
	}

	e.mu.Lock()
	pending := e.pendingLayers[key]
	e.mu.Unlock()

	if pos.LayersFilled+pending >= pos.MaxLayers {
		e.block(ev, "positions", fmt.Sprintf("layers exhausted (%d filled, %d pending, max %d)",
			pos.LayersFilled, pending, pos.MaxLayers))
		return false, nil
	}

	next := pos.LayersFilled + pending + 1
	level := plan.Level(next)
	if level == nil {
		e.block(ev, "config", fmt.Sprintf("schedule has no level %d", next))
		return false, nil
	}

	// Price must have moved at least the rung's distance away from entry.
	moved := movedAgainstPct(pos.Side, pos.InitialPrice, ev.Price)
	if moved < level.DistancePct {
		e.block(ev, "cooldown", fmt.Sprintf("moved %.3f%%, rung %d needs %.3f%%", moved, next, level.DistancePct))
		return false, nil
	}

	rank, ok := e.history.Rank(ev.Symbol, ev.ValueUSD)
	if !ok || rank < strat.PercentileThreshold {
		e.block(ev, "percentile", fmt.Sprintf("rank %.0f below threshold %.0f", rank, strat.PercentileThreshold))
		return false, nil
	}

	// The layer must stay inside the position's own reservation. The global
	// budget was charged in full at entry, so it is not consulted again.
	newQty := pos.Quantity + level.Quantity
	newAvg := (pos.AvgEntryPrice*pos.Quantity + level.Quantity*ev.Price) / newQty
	riskAfter := newQty * math.Abs(newAvg-plan.StopPrice)
	if riskAfter > pos.ReservedRisk.Dollars*(1+riskEpsilon) {
		e.block(ev, "risk", fmt.Sprintf("layer %d risk %.2f exceeds reservation %.2f",
			next, riskAfter, pos.ReservedRisk.Dollars))
		return false, nil
	}

	e.mu.Lock()
	e.pendingLayers[key]++
	e.mu.Unlock()

	res, err := e.executor.Execute(ctx, &ExecRequest{
		Symbol:        ev.Symbol,
		Side:          domain.EntrySide(pos.Side),
		PositionSide:  pos.Side,
		Quantity:      level.Quantity,
		TargetPrice:   ev.Price,
		SlippagePct:   strat.SlippagePct,
		PriceChase:    strat.PriceChase,
		RetryDuration: time.Duration(strat.RetryDurationMs) * time.Millisecond,
		ClientID:      uuid.NewString(),
	})
	if err != nil {
		e.mu.Lock()
		e.pendingLayers[key]--
		e.mu.Unlock()
		e.logger.Error("layer execution failed",
			zap.String("symbol", ev.Symbol), zap.Int("layer", next), zap.Error(err))
		return false, nil
	}

	e.mu.Lock()
	e.cooldowns[key] = e.timeNow()
	e.mu.Unlock()

	pos.ApplyFill(&domain.Fill{Price: res.FillPrice, Quantity: res.FillQty})
	pos.LayersPlaced++

	e.mu.Lock()
	e.pendingPos[key] = pos
	e.mu.Unlock()

	if err := e.persistFill(ctx, pos, res, next, plan); err != nil {
		// Deliberately leave the pending-layer marker set: over-counting
		// pending layers blocks further layering until the reconciler
		// repairs, which is the safe direction.
		e.logger.Error("layer persisted on exchange but not locally, left for reconciler",
			zap.String("symbol", ev.Symbol), zap.Int("layer", next), zap.Error(err))
		return true, nil
	}

	e.mu.Lock()
	e.pendingLayers[key]--
	delete(e.pendingPos, key)
	delete(e.reservations, key)
	e.mu.Unlock()

	e.syncProtection(ctx, strat, pos)

	monitor.Orders.WithLabelValues("layer", string(pos.Side)).Inc()
	e.hub.PublishTrade(signals.TradeEvent{
		SessionID: e.sessionID, Symbol: ev.Symbol, Side: pos.Side,
		Kind: "layer", Layer: next, Price: res.FillPrice, Quantity: res.FillQty,
	})
	e.logger.Info("layer filled",
		zap.String("symbol", ev.Symbol), zap.Int("layer", next),
		zap.Float64("price", res.FillPrice), zap.Float64("qty", res.FillQty),
		zap.Float64("avg_entry", pos.AvgEntryPrice))
	return true, nil
}

// persistFill writes the position, its new layer and the fill. Not
// transactional; the reconciler converges any partial write.
func (e *StrategyEngine) persistFill(ctx context.Context, pos *domain.Position, res *ExecResult, layerIdx int, plan *domain.DCAPlan) error {
	if pos.ID == 0 {
		if err := e.positions.CreatePosition(ctx, pos); err != nil {
			return err
		}
	} else {
		if err := e.positions.UpdatePosition(ctx, pos); err != nil {
			return err
		}
	}

	layer := &domain.PositionLayer{
		PositionID: pos.ID,
		Index:      layerIdx,
		EntryPrice: res.FillPrice,
		Quantity:   res.FillQty,
		TPPrice:    plan.TakeProfitPrice,
		SLPrice:    plan.StopPrice,
		CreatedAt:  e.timeNow(),
	}
	if err := e.positions.CreateLayer(ctx, layer); err != nil {
		return err
	}

	return e.positions.RecordFill(ctx, &domain.Fill{
		PositionID: pos.ID,
		OrderID:    res.OrderID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Price:      res.FillPrice,
		Quantity:   res.FillQty,
		Fee:        res.Fee,
		FilledAt:   e.timeNow(),
	})
}

// syncProtection refreshes the TP/SL set after a fill and writes the live
// order ids back onto the newest layer. Protection failure is logged, never
// fatal: the reconciler re-invokes it.
func (e *StrategyEngine) syncProtection(ctx context.Context, strat *domain.Strategy, pos *domain.Position) {
	e.protection.Invalidate(pos.Symbol, pos.Side)
	res, err := e.protection.Sync(ctx, strat, pos, false)
	if err != nil {
		e.logger.Error("protection sync failed after fill",
			zap.String("symbol", pos.Symbol), zap.Error(err))
		return
	}
	if !res.Changed {
		return
	}

	layers, err := e.positions.ListLayers(ctx, pos.ID)
	if err != nil || len(layers) == 0 {
		return
	}
	newest := layers[len(layers)-1]
	newest.TPPrice = res.TPPrice
	newest.SLPrice = res.SLPrice
	if len(res.TPOrderIDs) > 0 {
		newest.TPOrderID = res.TPOrderIDs[0]
	}
	if len(res.SLOrderIDs) > 0 {
		newest.SLOrderID = res.SLOrderIDs[0]
	}
	if err := e.positions.UpdateLayer(ctx, newest); err != nil {
		e.logger.Warn("layer order-id writeback failed",
			zap.String("symbol", pos.Symbol), zap.Error(err))
	}
}

func (e *StrategyEngine) ensureMarginConfig(ctx context.Context, strat *domain.Strategy, symbol string) error {
	e.mu.Lock()
	ready := e.marginReady[symbol]
	e.mu.Unlock()
	if ready {
		return nil
	}
	// Both calls fail when the mode is already set; the adapter swallows
	// that specific code, anything else surfaces here.
	if err := e.exchange.SetMarginType(ctx, symbol, strat.MarginType); err != nil {
		return err
	}
	if err := e.exchange.SetLeverage(ctx, symbol, strat.Leverage); err != nil {
		return err
	}
	e.mu.Lock()
	e.marginReady[symbol] = true
	e.mu.Unlock()
	return nil
}

// closeQtyEpsilon treats a residual quantity below it as fully closed, so
// step-size dust never keeps a dead position open.
const closeQtyEpsilon = 1e-9

// RecordExit folds an exit fill reported by the user-data stream into the
// position. Protective orders can be split across several reduce-only orders
// (per-order quantity caps), so one fill may cover only part of the position:
// partial exits reduce the quantity and accumulate realized PnL, and the
// record closes only when nothing is left.
func (e *StrategyEngine) RecordExit(ctx context.Context, symbol string, side domain.Side, exitPrice, qty, fee float64) error {
	key := PositionKey(e.sessionID, symbol, side)
	if err := e.locks.Acquire(ctx, key); err != nil {
		return err
	}
	defer e.locks.Release(key)

	pos, err := e.positions.GetOpenPosition(ctx, e.sessionID, symbol, side)
	if err != nil {
		return err
	}
	if pos == nil {
		return nil
	}

	pnl := (exitPrice - pos.AvgEntryPrice) * qty
	if side == domain.SideShort {
		pnl = -pnl
	}
	pos.RealizedPnL += pnl - fee

	remaining := pos.Quantity - qty
	if remaining > closeQtyEpsilon {
		pos.Quantity = remaining
		if err := e.positions.UpdatePosition(ctx, pos); err != nil {
			return fmt.Errorf("engine: reduce position %s: %w", key, err)
		}
		e.protection.Invalidate(symbol, side)
		e.hub.PublishTrade(signals.TradeEvent{
			SessionID: e.sessionID, Symbol: symbol, Side: side,
			Kind: "exit", Price: exitPrice, Quantity: qty,
		})
		e.logger.Info("position reduced",
			zap.String("symbol", symbol), zap.String("side", string(side)),
			zap.Float64("exit", exitPrice), zap.Float64("exit_qty", qty),
			zap.Float64("remaining_qty", remaining))
		return nil
	}

	pos.Quantity = 0
	pos.IsOpen = false
	pos.ClosedAt = e.timeNow()
	if err := e.positions.UpdatePosition(ctx, pos); err != nil {
		return fmt.Errorf("engine: close position %s: %w", key, err)
	}

	e.protection.Invalidate(symbol, side)
	e.mu.Lock()
	delete(e.pendingPos, key)
	delete(e.pendingLayers, key)
	delete(e.reservations, key)
	e.mu.Unlock()

	e.hub.PublishTrade(signals.TradeEvent{
		SessionID: e.sessionID, Symbol: symbol, Side: side,
		Kind: "closed", Price: exitPrice, Quantity: qty,
	})
	e.logger.Info("position closed",
		zap.String("symbol", symbol), zap.String("side", string(side)),
		zap.Float64("exit", exitPrice), zap.Float64("pnl", pos.RealizedPnL))
	return nil
}

func (e *StrategyEngine) block(ev *domain.LiquidationEvent, kind, reason string) {
	monitor.Blocks.WithLabelValues(kind).Inc()
	e.hub.PublishBlocked(signals.BlockedEvent{
		SessionID: e.sessionID, Symbol: ev.Symbol, Side: ev.Side,
		Kind: kind, Reason: reason,
	})
	e.logger.Debug("trade blocked",
		zap.String("symbol", ev.Symbol), zap.String("kind", kind), zap.String("reason", reason))
}

// movedAgainstPct measures how far price has moved against the position
// (below entry for longs, above for shorts), in percent of entry. Negative
// when price moved favorably.
func movedAgainstPct(side domain.Side, entry, price float64) float64 {
	if side == domain.SideLong {
		return (entry - price) / entry * 100
	}
	return (price - entry) / entry * 100
}

// dedupSet is a bounded FIFO membership set for event ids.
type dedupSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	seen  map[string]bool
}

func newDedupSet(cap int) *dedupSet {
	return &dedupSet{cap: cap, seen: make(map[string]bool, cap)}
}

// Add returns false when the id was already present; evicts oldest ids past
// the cap.
func (d *dedupSet) Add(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[id] {
		return false
	}
	if len(d.order) >= d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.order = append(d.order, id)
	d.seen[id] = true
	return true
}
