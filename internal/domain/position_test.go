package domain

import (
	"math"
	"testing"
)

func TestApplyFill_WeightedAverage(t *testing.T) {
	p := &Position{Quantity: 1, AvgEntryPrice: 100, LayersFilled: 1}
	p.ApplyFill(&Fill{Price: 97, Quantity: 2})

	if p.Quantity != 3 {
		t.Errorf("quantity = %f, want 3", p.Quantity)
	}
	want := (100.0 + 97.0*2) / 3
	if math.Abs(p.AvgEntryPrice-want) > 1e-9 {
		t.Errorf("avg entry = %f, want %f", p.AvgEntryPrice, want)
	}
	if p.LayersFilled != 2 {
		t.Errorf("layers filled = %d, want 2", p.LayersFilled)
	}
}

func TestApplyFill_IgnoresNonPositiveTotal(t *testing.T) {
	p := &Position{Quantity: 0, AvgEntryPrice: 0}
	p.ApplyFill(&Fill{Price: 100, Quantity: 0})
	if p.Quantity != 0 || p.LayersFilled != 0 {
		t.Errorf("zero fill mutated the position: %+v", p)
	}
}

func TestFilledRisk(t *testing.T) {
	p := &Position{
		Quantity:      2,
		AvgEntryPrice: 100,
		Schedule:      &DCAPlan{StopPrice: 97},
	}
	if got := p.FilledRisk(); math.Abs(got-6) > 1e-9 {
		t.Errorf("filled risk = %f, want 6", got)
	}

	p.Schedule = nil
	if got := p.FilledRisk(); got != 0 {
		t.Errorf("filled risk without schedule = %f, want 0", got)
	}
}

func TestSideOpposite(t *testing.T) {
	if SideLong.Opposite() != SideShort || SideShort.Opposite() != SideLong {
		t.Error("Opposite mapping broken")
	}
}

func TestEntryExitSides(t *testing.T) {
	if EntrySide(SideLong) != OrderBuy || EntrySide(SideShort) != OrderSell {
		t.Error("EntrySide mapping broken")
	}
	if ExitSide(SideLong) != OrderSell || ExitSide(SideShort) != OrderBuy {
		t.Error("ExitSide mapping broken")
	}
}

func TestDCAPlanLevel(t *testing.T) {
	plan := &DCAPlan{Levels: []DCALevel{
		{Index: 1, Quantity: 1},
		{Index: 2, Quantity: 1.8},
	}}

	if lvl := plan.Level(1); lvl == nil || lvl.Index != 1 {
		t.Error("Level(1) wrong")
	}
	if lvl := plan.Level(2); lvl == nil || lvl.Index != 2 {
		t.Error("Level(2) wrong")
	}
	if plan.Level(0) != nil || plan.Level(3) != nil {
		t.Error("out-of-range levels must be nil")
	}
	if math.Abs(plan.TotalQuantity()-2.8) > 1e-9 {
		t.Errorf("total quantity = %f, want 2.8", plan.TotalQuantity())
	}
}

func TestStrategyValidate(t *testing.T) {
	valid := &Strategy{
		SessionID: "s1", MaxLayers: 3, MaxPositionRiskPct: 1,
		StartStepPct: 0.4, SpacingConvexity: 1.2, SizeGrowth: 1.8,
		VolatilityRefPct: 1, StopLossPct: 3, ExitCushion: 1.5, Leverage: 5,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid strategy rejected: %v", err)
	}

	broken := *valid
	broken.SizeGrowth = 0
	if err := broken.Validate(); err == nil {
		t.Error("zero growth factor accepted")
	}

	broken = *valid
	broken.StartStepPct = math.NaN()
	if err := broken.Validate(); err == nil {
		t.Error("NaN step accepted")
	}

	broken = *valid
	broken.MaxLayers = 0
	if err := broken.Validate(); err == nil {
		t.Error("zero layers accepted")
	}
}
