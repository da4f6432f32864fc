package domain

// DCALevel is one rung of the computed ladder.
type DCALevel struct {
	Index       int     `json:"index"` // 1-based
	DistancePct float64 `json:"distance_pct"`
	Price       float64 `json:"price"`
	Quantity    float64 `json:"quantity"`
}

// DCAPlan is the full ladder computed at entry time. It is persisted with
// the position so later layers reuse the original sizing instead of
// recomputing against a drifted balance.
type DCAPlan struct {
	Side            Side         `json:"side"`
	EntryPrice      float64      `json:"entry_price"` // P0
	Levels          []DCALevel   `json:"levels"`
	BaseQty         float64      `json:"base_qty"` // q1
	GrowthFactor    float64      `json:"growth_factor"`
	TotalWeight     float64      `json:"total_weight"`
	AvgFillPrice    float64      `json:"avg_fill_price"` // if every level fills
	StopPrice       float64      `json:"stop_price"`
	TakeProfitPrice float64      `json:"take_profit_price"`
	ReservedRisk    ReservedRisk `json:"reserved_risk"`
	TotalNotional   float64      `json:"total_notional"`
}

// Level returns the 1-based rung k, or nil when out of range.
func (p *DCAPlan) Level(k int) *DCALevel {
	if k < 1 || k > len(p.Levels) {
		return nil
	}
	return &p.Levels[k-1]
}

// TotalQuantity is the position size if every level fills.
func (p *DCAPlan) TotalQuantity() float64 {
	var q float64
	for _, l := range p.Levels {
		q += l.Quantity
	}
	return q
}
