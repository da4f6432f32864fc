package domain

import "time"

type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// EntrySide maps a position side to the order side that grows it.
func EntrySide(s Side) OrderSide {
	if s == SideLong {
		return OrderBuy
	}
	return OrderSell
}

// ExitSide maps a position side to the order side that reduces it.
func ExitSide(s Side) OrderSide {
	if s == SideLong {
		return OrderSell
	}
	return OrderBuy
}

type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "NEW"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// OrderRequest describes one order to be placed on the exchange.
type OrderRequest struct {
	Symbol       string
	Side         OrderSide
	PositionSide Side // hedge-mode position the order belongs to
	Type         OrderType
	Quantity     float64
	Price        float64 // limit orders
	StopPrice    float64 // stop / take-profit market orders
	ReduceOnly   bool
	ClientID     string
}

// OrderResult is the exchange's view of a placed order, numeric fields
// parsed once at the adapter boundary.
type OrderResult struct {
	OrderID      string
	ClientID     string
	Symbol       string
	Side         OrderSide
	PositionSide Side
	Type         OrderType
	Status       OrderStatus
	Price        float64
	StopPrice    float64
	Quantity     float64
	FilledQty    float64
	AvgFillPrice float64
	Fee          float64
	UpdatedAt    time.Time
}
