package domain

import (
	"context"
	"errors"
)

// Sentinel errors the adapter maps exchange error codes onto so usecases can
// branch without parsing response bodies.
var (
	// ErrRateLimited marks an HTTP 429; callers back off and retry.
	ErrRateLimited = errors.New("exchange: rate limited")
	// ErrReduceOnlyRejected marks the reduce-only conflict thrown when a
	// stale protective order overlaps the requested one.
	ErrReduceOnlyRejected = errors.New("exchange: reduce-only order rejected")
	// ErrOrderNotFound marks a query for an order id the exchange no longer lists.
	ErrOrderNotFound = errors.New("exchange: order not found")
)

// Exchange defines the interface for the perpetual-futures venue.
type Exchange interface {
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetBalance(ctx context.Context) (float64, error)
	GetPositions(ctx context.Context) ([]*ExchangePosition, error)
	GetPosition(ctx context.Context, symbol string, side Side) (*ExchangePosition, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol, marginType string) error

	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	ListOpenOrders(ctx context.Context, symbol string) ([]*OrderResult, error)

	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetSymbolRules(ctx context.Context, symbol string) (*SymbolRules, error)
}

// PositionRepository defines storage operations for positions, layers and fills.
type PositionRepository interface {
	CreatePosition(ctx context.Context, p *Position) error
	UpdatePosition(ctx context.Context, p *Position) error
	GetOpenPosition(ctx context.Context, sessionID, symbol string, side Side) (*Position, error)
	ListOpenPositions(ctx context.Context, sessionID string) ([]*Position, error)
	ListTradedSymbols(ctx context.Context, sessionID string) ([]string, error)

	CreateLayer(ctx context.Context, l *PositionLayer) error
	UpdateLayer(ctx context.Context, l *PositionLayer) error
	ListLayers(ctx context.Context, positionID int64) ([]*PositionLayer, error)

	RecordFill(ctx context.Context, f *Fill) error
}

// StrategyRepository defines storage operations for strategy settings.
type StrategyRepository interface {
	GetStrategy(ctx context.Context, sessionID string) (*Strategy, error)
	SaveStrategy(ctx context.Context, s *Strategy) error
}
