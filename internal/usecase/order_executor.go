package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_liq_dca/internal/domain"
)

// ErrExecutionTimeout means the price never came within the slippage
// tolerance before the retry deadline.
var ErrExecutionTimeout = errors.New("executor: retry deadline exceeded")

const (
	backoffInitial    = 500 * time.Millisecond
	backoffMax        = 8 * time.Second
	backoffMaxRetries = 5

	confirmAttempts = 5
	confirmDelay    = 300 * time.Millisecond
)

// ExecRequest describes one order to push through the pipeline.
type ExecRequest struct {
	Symbol        string
	Side          domain.OrderSide
	PositionSide  domain.Side
	Quantity      float64
	TargetPrice   float64
	SlippagePct   float64
	PriceChase    bool
	RetryDuration time.Duration
	ClientID      string
}

// ExecResult carries the exchange's actual fill when confirmation succeeded,
// the requested values otherwise.
type ExecResult struct {
	OrderID   string
	FillPrice float64
	FillQty   float64
	Fee       float64
	Confirmed bool
}

// OrderExecutor places a single market order with price-chasing retry
// against the slippage tolerance and exponential backoff on rate limits.
type OrderExecutor struct {
	exchange domain.Exchange
	logger   *zap.Logger
	timeNow  func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewOrderExecutor(exchange domain.Exchange, logger *zap.Logger) *OrderExecutor {
	return &OrderExecutor{
		exchange: exchange,
		logger:   logger,
		timeNow:  time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs the Pricing -> Chasing -> Placed|TimedOut loop.
func (e *OrderExecutor) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	if req.Quantity <= 0 || math.IsNaN(req.Quantity) {
		return nil, fmt.Errorf("executor: invalid quantity %v", req.Quantity)
	}
	if req.TargetPrice <= 0 || math.IsNaN(req.TargetPrice) {
		return nil, fmt.Errorf("executor: invalid target price %v", req.TargetPrice)
	}

	rules, err := e.exchange.GetSymbolRules(ctx, req.Symbol)
	if err != nil {
		// No limits means no safe minimum-notional check. Abort.
		return nil, fmt.Errorf("executor: symbol rules %s: %w", req.Symbol, err)
	}

	deadline := e.timeNow().Add(req.RetryDuration)
	target := req.TargetPrice

	for {
		if e.timeNow().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionTimeout, req.Symbol)
		}

		price, err := e.exchange.GetMarkPrice(ctx, req.Symbol)
		if err != nil {
			e.logger.Warn("price fetch failed, retrying",
				zap.String("symbol", req.Symbol), zap.Error(err))
			if err := e.sleep(ctx, backoffInitial); err != nil {
				return nil, err
			}
			continue
		}

		deviation := math.Abs(price-target) / target * 100
		if deviation > req.SlippagePct {
			if !req.PriceChase {
				if err := e.sleep(ctx, backoffInitial); err != nil {
					return nil, err
				}
				continue
			}
			e.logger.Debug("chasing price",
				zap.String("symbol", req.Symbol),
				zap.Float64("target", target), zap.Float64("price", price))
			target = price
		}

		qty := RoundToStep(req.Quantity, rules.StepSize)
		if qty < rules.MinQty || qty <= 0 {
			return nil, fmt.Errorf("executor: quantity %f below minimum %f for %s", qty, rules.MinQty, req.Symbol)
		}
		if rules.MinNotional > 0 && qty*price < rules.MinNotional {
			return nil, fmt.Errorf("executor: notional %f below minimum %f for %s", qty*price, rules.MinNotional, req.Symbol)
		}

		result, err := e.placeWithBackoff(ctx, &domain.OrderRequest{
			Symbol:       req.Symbol,
			Side:         req.Side,
			PositionSide: req.PositionSide,
			Type:         domain.OrderTypeMarket,
			Quantity:     qty,
			ClientID:     req.ClientID,
		}, deadline)
		if err != nil {
			return nil, err
		}

		return e.confirmFill(ctx, req.Symbol, result, price, qty), nil
	}
}

// placeWithBackoff retries rate-limited placements with bounded exponential
// backoff. Any other exchange error aborts.
func (e *OrderExecutor) placeWithBackoff(ctx context.Context, req *domain.OrderRequest, deadline time.Time) (*domain.OrderResult, error) {
	delay := backoffInitial
	for attempt := 0; ; attempt++ {
		result, err := e.exchange.PlaceOrder(ctx, req)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, domain.ErrRateLimited) {
			return nil, fmt.Errorf("executor: place %s %s: %w", req.Side, req.Symbol, err)
		}
		if attempt >= backoffMaxRetries || e.timeNow().Add(delay).After(deadline) {
			return nil, fmt.Errorf("executor: rate limited, retries exhausted for %s: %w", req.Symbol, err)
		}
		e.logger.Warn("rate limited, backing off",
			zap.String("symbol", req.Symbol), zap.Duration("delay", delay))
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
		if delay > backoffMax {
			delay = backoffMax
		}
	}
}

// confirmFill polls briefly for the actual fill; fills can lag order
// acceptance. Falls back to the requested values when confirmation never
// arrives so the caller always has usable numbers.
func (e *OrderExecutor) confirmFill(ctx context.Context, symbol string, placed *domain.OrderResult, reqPrice, reqQty float64) *ExecResult {
	for i := 0; i < confirmAttempts; i++ {
		order, err := e.exchange.GetOrder(ctx, symbol, placed.OrderID)
		if err == nil && order.Status == domain.OrderStatusFilled && order.FilledQty > 0 {
			return &ExecResult{
				OrderID:   order.OrderID,
				FillPrice: order.AvgFillPrice,
				FillQty:   order.FilledQty,
				Fee:       order.Fee,
				Confirmed: true,
			}
		}
		if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
			e.logger.Warn("fill confirmation failed",
				zap.String("symbol", symbol), zap.String("order_id", placed.OrderID), zap.Error(err))
		}
		if e.sleep(ctx, confirmDelay) != nil {
			break
		}
	}

	e.logger.Warn("fill unconfirmed, using requested values",
		zap.String("symbol", symbol), zap.String("order_id", placed.OrderID))
	return &ExecResult{
		OrderID:   placed.OrderID,
		FillPrice: reqPrice,
		FillQty:   reqQty,
		Confirmed: false,
	}
}

// RoundToStep floors v to the exchange increment. The epsilon keeps an exact
// multiple from flooring one step down on division noise.
func RoundToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Floor(v/step+1e-9) * step
}
