package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_liq_dca/internal/domain"
	"github.com/vitos/crypto_liq_dca/internal/monitor"
)

// Reconciler is the periodic self-healing loop: it converges local state and
// exchange state after partial failures. Overlapping runs are skipped, not
// queued; only one instance of the loop is ever scheduled, so a plain
// boolean guard suffices.
type Reconciler struct {
	sessionID  string
	positions  domain.PositionRepository
	strategies domain.StrategyRepository
	exchange   domain.Exchange
	protection *ProtectionService
	logger     *zap.Logger

	interval time.Duration

	mu      sync.Mutex
	running bool
	timeNow func() time.Time
}

func NewReconciler(
	sessionID string,
	positions domain.PositionRepository,
	strategies domain.StrategyRepository,
	exchange domain.Exchange,
	protection *ProtectionService,
	interval time.Duration,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		sessionID:  sessionID,
		positions:  positions,
		strategies: strategies,
		exchange:   exchange,
		protection: protection,
		interval:   interval,
		logger:     logger,
		timeNow:    time.Now,
	}
}

// Start runs the loop until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconciliation failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs one reconciliation pass. Returns nil immediately when a
// pass is already in flight.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	strat, err := r.strategies.GetStrategy(ctx, r.sessionID)
	if err != nil {
		return fmt.Errorf("reconciler: strategy: %w", err)
	}

	if err := r.adoptUnknownPositions(ctx, strat); err != nil {
		r.logger.Error("adopt pass failed", zap.Error(err))
	}
	if err := r.closeVanishedPositions(ctx); err != nil {
		r.logger.Error("close pass failed", zap.Error(err))
	}
	if err := r.cancelOrphanOrders(ctx); err != nil {
		r.logger.Error("orphan pass failed", zap.Error(err))
	}
	if err := r.healProtection(ctx, strat); err != nil {
		r.logger.Error("protection pass failed", zap.Error(err))
	}
	return nil
}

// adoptUnknownPositions creates a local record for any live exchange
// position the store does not know about, e.g. after a persistence failure
// between order confirmation and the local write.
func (r *Reconciler) adoptUnknownPositions(ctx context.Context, strat *domain.Strategy) error {
	live, err := r.exchange.GetPositions(ctx)
	if err != nil {
		return err
	}

	for _, lp := range live {
		if lp.Quantity == 0 {
			continue
		}
		local, err := r.positions.GetOpenPosition(ctx, r.sessionID, lp.Symbol, lp.Side)
		if err != nil {
			return err
		}
		if local != nil {
			continue
		}

		dir := 1.0
		if lp.Side == domain.SideLong {
			dir = -1.0
		}
		stop := lp.EntryPrice * (1 + dir*strat.StopLossPct/100)
		adopted := &domain.Position{
			SessionID:     r.sessionID,
			Symbol:        lp.Symbol,
			Side:          lp.Side,
			Quantity:      lp.Quantity,
			AvgEntryPrice: lp.EntryPrice,
			InitialPrice:  lp.EntryPrice,
			LayersFilled:  1,
			LayersPlaced:  1,
			MaxLayers:     strat.MaxLayers,
			ReservedRisk: domain.ReservedRisk{
				Dollars: lp.Quantity * math.Abs(lp.EntryPrice-stop),
			},
			Leverage:   lp.Leverage,
			MarginType: lp.MarginType,
			IsOpen:     true,
			OpenedAt:   r.timeNow(),
		}
		if err := r.positions.CreatePosition(ctx, adopted); err != nil {
			r.logger.Error("failed to adopt exchange position",
				zap.String("symbol", lp.Symbol), zap.Error(err))
			continue
		}
		monitor.ReconcilerRepairs.WithLabelValues("adopt_position").Inc()
		r.logger.Warn("adopted exchange position with no local record",
			zap.String("symbol", lp.Symbol), zap.String("side", string(lp.Side)),
			zap.Float64("qty", lp.Quantity))
	}
	return nil
}

// closeVanishedPositions closes local records whose exchange position is
// gone, e.g. a TP/SL fired while the user-data stream was disconnected. The
// missed exit price is approximated with the current mark price.
func (r *Reconciler) closeVanishedPositions(ctx context.Context) error {
	open, err := r.positions.ListOpenPositions(ctx, r.sessionID)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}

	live, err := r.exchange.GetPositions(ctx)
	if err != nil {
		return err
	}
	liveByKey := make(map[string]bool, len(live))
	for _, lp := range live {
		if lp.Quantity != 0 {
			liveByKey[lp.Symbol+"|"+string(lp.Side)] = true
		}
	}

	for _, pos := range open {
		if liveByKey[pos.Symbol+"|"+string(pos.Side)] {
			continue
		}

		if mark, err := r.exchange.GetMarkPrice(ctx, pos.Symbol); err == nil && mark > 0 {
			pnl := (mark - pos.AvgEntryPrice) * pos.Quantity
			if pos.Side == domain.SideShort {
				pnl = -pnl
			}
			pos.RealizedPnL += pnl
		}
		pos.IsOpen = false
		pos.ClosedAt = r.timeNow()
		if err := r.positions.UpdatePosition(ctx, pos); err != nil {
			r.logger.Error("failed to close vanished position",
				zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}
		r.protection.Invalidate(pos.Symbol, pos.Side)
		monitor.ReconcilerRepairs.WithLabelValues("close_position").Inc()
		r.logger.Warn("closed local position with no exchange counterpart",
			zap.String("symbol", pos.Symbol), zap.String("side", string(pos.Side)),
			zap.Float64("qty", pos.Quantity))
	}
	return nil
}

// cancelOrphanOrders removes exchange orders whose (symbol, side) has no
// open local position. Restricted to symbols this session has actually
// traded so manually-placed orders are never touched.
func (r *Reconciler) cancelOrphanOrders(ctx context.Context) error {
	symbols, err := r.positions.ListTradedSymbols(ctx, r.sessionID)
	if err != nil {
		return err
	}

	for _, symbol := range symbols {
		orders, err := r.exchange.ListOpenOrders(ctx, symbol)
		if err != nil {
			r.logger.Warn("open-order listing failed",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		for _, o := range orders {
			pos, err := r.positions.GetOpenPosition(ctx, r.sessionID, symbol, o.PositionSide)
			if err != nil {
				return err
			}
			if pos != nil {
				continue
			}
			if err := r.exchange.CancelOrder(ctx, symbol, o.OrderID); err != nil {
				r.logger.Warn("orphan cancel failed",
					zap.String("symbol", symbol), zap.String("order_id", o.OrderID), zap.Error(err))
				continue
			}
			monitor.ReconcilerRepairs.WithLabelValues("cancel_orphan").Inc()
			r.logger.Info("cancelled orphan order",
				zap.String("symbol", symbol), zap.String("order_id", o.OrderID),
				zap.String("type", string(o.Type)))
		}
	}
	return nil
}

// healProtection re-invokes the protection service for every open position
// and refreshes layers whose stored TP/SL order ids the exchange no longer
// lists.
func (r *Reconciler) healProtection(ctx context.Context, strat *domain.Strategy) error {
	open, err := r.positions.ListOpenPositions(ctx, r.sessionID)
	if err != nil {
		return err
	}

	for _, pos := range open {
		stale, err := r.clearStaleLayerOrders(ctx, pos)
		if err != nil {
			r.logger.Warn("layer order verification failed",
				zap.String("symbol", pos.Symbol), zap.Error(err))
		}

		res, err := r.protection.Sync(ctx, strat, pos, true)
		if err != nil {
			r.logger.Error("protection self-heal failed",
				zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}
		if res.Changed {
			monitor.ReconcilerRepairs.WithLabelValues("protection_sync").Inc()
		}
		if stale > 0 {
			r.writeBackLayerOrders(ctx, pos, res)
		}
	}
	return nil
}

// clearStaleLayerOrders drops TP/SL order ids the exchange no longer knows,
// returning how many were cleared.
func (r *Reconciler) clearStaleLayerOrders(ctx context.Context, pos *domain.Position) (int, error) {
	layers, err := r.positions.ListLayers(ctx, pos.ID)
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, layer := range layers {
		changed := false
		if layer.TPOrderID != "" && !r.orderExists(ctx, pos.Symbol, layer.TPOrderID) {
			layer.TPOrderID = ""
			changed = true
		}
		if layer.SLOrderID != "" && !r.orderExists(ctx, pos.Symbol, layer.SLOrderID) {
			layer.SLOrderID = ""
			changed = true
		}
		if !changed {
			continue
		}
		if err := r.positions.UpdateLayer(ctx, layer); err != nil {
			return cleared, err
		}
		cleared++
		monitor.ReconcilerRepairs.WithLabelValues("layer_order_refresh").Inc()
		r.logger.Info("cleared stale layer order ids",
			zap.String("symbol", pos.Symbol), zap.Int("layer", layer.Index))
	}
	return cleared, nil
}

func (r *Reconciler) orderExists(ctx context.Context, symbol, orderID string) bool {
	order, err := r.exchange.GetOrder(ctx, symbol, orderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return false
	}
	if err != nil {
		// Transient failure: assume it exists rather than churn orders.
		return true
	}
	return order.Status == domain.OrderStatusNew
}

func (r *Reconciler) writeBackLayerOrders(ctx context.Context, pos *domain.Position, res *ProtectionResult) {
	layers, err := r.positions.ListLayers(ctx, pos.ID)
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
	if err := r.positions.UpdateLayer(ctx, newest); err != nil {
		r.logger.Warn("layer order-id writeback failed",
			zap.String("symbol", pos.Symbol), zap.Error(err))
	}
}
