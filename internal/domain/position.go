package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other position side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// ReservedRisk is the dollar loss if the entire DCA ladder fills and the
// stop-loss triggers. It is snapshotted at entry and gated against the
// account risk budget; later layers never grow it.
type ReservedRisk struct {
	Dollars float64 `json:"dollars"`
	Percent float64 `json:"percent"`
}

// Position is the local record of one open trade per (session, symbol, side).
type Position struct {
	ID            int64
	SessionID     string
	Symbol        string
	Side          Side
	Quantity      float64
	AvgEntryPrice float64
	InitialPrice  float64 // P0, anchor for ladder math
	LayersFilled  int
	LayersPlaced  int
	MaxLayers     int
	BaseQty       float64 // q1
	Schedule      *DCAPlan
	ReservedRisk  ReservedRisk
	Leverage      int
	MarginType    string
	IsOpen        bool
	RealizedPnL   float64
	OpenedAt      time.Time
	ClosedAt      time.Time
}

// ApplyFill folds a fill into the position using weighted-average math.
// Fills are the only mutator of Quantity/AvgEntryPrice.
func (p *Position) ApplyFill(f *Fill) {
	total := p.Quantity + f.Quantity
	if total <= 0 {
		return
	}
	p.AvgEntryPrice = (p.AvgEntryPrice*p.Quantity + f.Price*f.Quantity) / total
	p.Quantity = total
	p.LayersFilled++
}

// FilledRisk is the dollar loss of the currently filled quantity at the
// scheduled stop price.
func (p *Position) FilledRisk() float64 {
	if p.Schedule == nil || p.Quantity == 0 {
		return 0
	}
	d := p.AvgEntryPrice - p.Schedule.StopPrice
	if d < 0 {
		d = -d
	}
	return p.Quantity * d
}

// PositionLayer is one DCA rung that has been placed on the exchange.
// TP/SL order ids are cleared when the exchange no longer lists them so the
// reconciler can re-place fresh protection.
type PositionLayer struct {
	ID         int64
	PositionID int64
	Index      int
	EntryPrice float64
	Quantity   float64
	TPPrice    float64
	SLPrice    float64
	TPOrderID  string
	SLOrderID  string
	CreatedAt  time.Time
}

// Fill is the realized execution of a placed order.
type Fill struct {
	ID         int64
	PositionID int64
	OrderID    string
	Symbol     string
	Side       Side
	Price      float64
	Quantity   float64
	Fee        float64
	FilledAt   time.Time
}
