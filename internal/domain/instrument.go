package domain

// SymbolRules are the exchange precision and size limits for one contract.
// Fetched once and cached by the adapter.
type SymbolRules struct {
	Symbol       string
	TickSize     float64 // price increment
	StepSize     float64 // quantity increment
	MinQty       float64
	MinNotional  float64
	MaxMarketQty float64 // per-order cap for MARKET
	MaxStopQty   float64 // per-order cap for STOP_MARKET / TAKE_PROFIT_MARKET
}

// ExchangePosition is the live position as reported by the exchange.
type ExchangePosition struct {
	Symbol        string
	Side          Side
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
	MarginType    string
}

// Candle is one kline used for volatility input.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}
