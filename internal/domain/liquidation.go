package domain

import "time"

// LiquidationEvent captures one forced closure seen on the exchange
// liquidation stream. Side is the side that got liquidated; the strategy
// counter-trades the cascade by entering the same side (a burst of long
// liquidations marks a flush low).
type LiquidationEvent struct {
	ID        string
	Symbol    string
	Side      Side
	Price     float64
	ValueUSD  float64
	EventTime time.Time
}
