package usecase

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/vitos/crypto_liq_dca/internal/domain"
)

func protectionFixture() (*ProtectionService, *mockExchange, *domain.Position) {
	ex := newMockExchange()
	ex.markPrice = 100
	ex.candles = flatCandles(15, 100, 2.0) // ATR% = 2.0
	ex.positions = []*domain.ExchangePosition{{
		Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 1, EntryPrice: 100,
	}}

	svc := NewProtectionService(ex, NewVolatilityService(ex, zap.NewNop()), zap.NewNop())

	pos := &domain.Position{
		ID:            1,
		SessionID:     "s1",
		Symbol:        "BTCUSDT",
		Side:          domain.SideLong,
		Quantity:      1,
		AvgEntryPrice: 100,
		LayersFilled:  1,
		IsOpen:        true,
		Schedule:      &domain.DCAPlan{StopPrice: 97},
	}
	return svc, ex, pos
}

func TestProtectionSync_PlacesReduceOnlyPair(t *testing.T) {
	svc, ex, pos := protectionFixture()
	strat := testStrategy()

	res, err := svc.Sync(context.Background(), strat, pos, false)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !res.Changed {
		t.Error("expected Changed=true on first sync")
	}
	if len(res.TPOrderIDs) != 1 || len(res.SLOrderIDs) != 1 {
		t.Fatalf("order ids = %v / %v, want one of each", res.TPOrderIDs, res.SLOrderIDs)
	}

	// TP distance = ExitCushion 1.5 x ATR% 2.0 = 3%, entry 100 -> 103.
	if diff := res.TPPrice - 103; diff > 0.01 || diff < -0.01 {
		t.Errorf("TP price = %f, want ~103", res.TPPrice)
	}
	// SL anchored at the schedule's stop.
	if diff := res.SLPrice - 97; diff > 0.01 || diff < -0.01 {
		t.Errorf("SL price = %f, want ~97", res.SLPrice)
	}

	for _, req := range ex.placedReqs {
		if !req.ReduceOnly {
			t.Errorf("%s order not reduce-only", req.Type)
		}
		if req.Side != domain.OrderSell {
			t.Errorf("%s side = %s, want SELL for a long exit", req.Type, req.Side)
		}
	}
}

func TestProtectionSync_UnchangedPositionMakesZeroCalls(t *testing.T) {
	svc, ex, pos := protectionFixture()
	strat := testStrategy()
	ctx := context.Background()

	if _, err := svc.Sync(ctx, strat, pos, false); err != nil {
		t.Fatal(err)
	}

	before := ex.totalCalls()
	res, err := svc.Sync(ctx, strat, pos, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed {
		t.Error("expected Changed=false for an unchanged position")
	}
	if after := ex.totalCalls(); after != before {
		t.Errorf("made %d exchange calls for an unchanged position, want 0", after-before)
	}
}

func TestProtectionSync_InvalidateForcesFullPass(t *testing.T) {
	svc, ex, pos := protectionFixture()
	strat := testStrategy()
	ctx := context.Background()

	if _, err := svc.Sync(ctx, strat, pos, false); err != nil {
		t.Fatal(err)
	}
	svc.Invalidate(pos.Symbol, pos.Side)

	before := ex.totalCalls()
	if _, err := svc.Sync(ctx, strat, pos, false); err != nil {
		t.Fatal(err)
	}
	if ex.totalCalls() == before {
		t.Error("expected a full exchange pass after Invalidate")
	}
}

func TestProtectionSync_ToleranceKeepsMatchingOrders(t *testing.T) {
	svc, ex, pos := protectionFixture()
	strat := testStrategy()

	// Existing protective pair within tolerance of the desired one: TP 103
	// (0.05% off), SL 97, both full size.
	ex.openOrders = []*domain.OrderResult{
		{
			OrderID: "tp-old", Symbol: "BTCUSDT", Side: domain.OrderSell,
			PositionSide: domain.SideLong, Type: domain.OrderTypeTakeProfitMarket,
			Status: domain.OrderStatusNew, StopPrice: 103.05, Quantity: 1,
		},
		{
			OrderID: "sl-old", Symbol: "BTCUSDT", Side: domain.OrderSell,
			PositionSide: domain.SideLong, Type: domain.OrderTypeStopMarket,
			Status: domain.OrderStatusNew, StopPrice: 97, Quantity: 1,
		},
	}

	res, err := svc.Sync(context.Background(), strat, pos, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed {
		t.Error("expected Changed=false, existing set matches within tolerance")
	}
	if got := ex.calls["PlaceOrder"]; got != 0 {
		t.Errorf("PlaceOrder called %d times, want 0", got)
	}
	if len(ex.cancelled) != 0 {
		t.Errorf("cancelled %v, want none", ex.cancelled)
	}
}

func TestProtectionSync_RollbackOnPartialFailure(t *testing.T) {
	svc, ex, pos := protectionFixture()
	strat := testStrategy()
	ex.placeErrs = []error{nil, errors.New("insufficient margin")}

	_, err := svc.Sync(context.Background(), strat, pos, false)
	if err == nil {
		t.Fatal("expected sync error on partial placement failure")
	}

	// The one order that made it on must be pulled so the old set stays
	// authoritative.
	if len(ex.cancelled) != 1 {
		t.Fatalf("cancelled %v, want exactly the partially placed order", ex.cancelled)
	}
}

func TestProtectionSync_ReduceOnlyConflictForcesReplace(t *testing.T) {
	svc, ex, pos := protectionFixture()
	strat := testStrategy()

	// A stale protective order far from the desired prices.
	ex.openOrders = []*domain.OrderResult{{
		OrderID: "stale-1", Symbol: "BTCUSDT", Side: domain.OrderSell,
		PositionSide: domain.SideLong, Type: domain.OrderTypeTakeProfitMarket,
		Status: domain.OrderStatusNew, StopPrice: 120, Quantity: 1,
	}}
	ex.placeErrs = []error{domain.ErrReduceOnlyRejected}

	res, err := svc.Sync(context.Background(), strat, pos, false)
	if err != nil {
		t.Fatalf("expected forced replace to recover, got %v", err)
	}
	if !res.Changed {
		t.Error("expected Changed=true after forced replace")
	}
	if len(res.TPOrderIDs) != 1 || len(res.SLOrderIDs) != 1 {
		t.Fatalf("order ids = %v / %v, want one of each", res.TPOrderIDs, res.SLOrderIDs)
	}

	staleCancelled := false
	for _, id := range ex.cancelled {
		if id == "stale-1" {
			staleCancelled = true
		}
	}
	if !staleCancelled {
		t.Error("conflicting stale order was not cancelled")
	}
}

func TestProtectionSync_SkipsWhenNoLivePosition(t *testing.T) {
	svc, ex, pos := protectionFixture()
	ex.positions = nil
	strat := testStrategy()

	res, err := svc.Sync(context.Background(), strat, pos, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed {
		t.Error("expected no-op when the exchange reports no position")
	}
	if got := ex.calls["PlaceOrder"]; got != 0 {
		t.Errorf("PlaceOrder called %d times, want 0", got)
	}
}

func TestProtectionExitPrices_Clamps(t *testing.T) {
	svc, ex, pos := protectionFixture()
	strat := testStrategy()
	ctx := context.Background()
	live := &domain.ExchangePosition{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 1, EntryPrice: 100}

	// ATR% 10 -> cushion distance 15%, clamped to 5%.
	ex.mu.Lock()
	ex.candles = flatCandles(15, 100, 10.0)
	ex.mu.Unlock()
	tp, sl := svc.exitPrices(ctx, strat, pos, live)
	if diff := tp - 105; diff > 0.01 || diff < -0.01 {
		t.Errorf("clamped TP = %f, want ~105", tp)
	}
	if diff := sl - 97; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("SL = %f, want schedule stop 97", sl)
	}
}

func TestProtectionExitPrices_NeverBehindMark(t *testing.T) {
	svc, ex, pos := protectionFixture()
	strat := testStrategy()
	ctx := context.Background()
	live := &domain.ExchangePosition{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 1, EntryPrice: 100}

	// Market already ran past the computed TP: a long TP at 103 with the mark
	// at 110 would trigger on arrival.
	ex.mu.Lock()
	ex.markPrice = 110
	ex.mu.Unlock()

	tp, _ := svc.exitPrices(ctx, strat, pos, live)
	if tp <= 110 {
		t.Errorf("TP = %f, must sit above the 110 mark", tp)
	}
}

func TestProtectionExitPrices_FallbackWithoutATR(t *testing.T) {
	svc, ex, pos := protectionFixture()
	strat := testStrategy()
	live := &domain.ExchangePosition{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 1, EntryPrice: 100}

	ex.mu.Lock()
	ex.candlesErr = errors.New("binance down")
	ex.mu.Unlock()

	tp, _ := svc.exitPrices(context.Background(), strat, pos, live)
	// Fixed 1% fallback distance.
	if diff := tp - 101; diff > 0.01 || diff < -0.01 {
		t.Errorf("fallback TP = %f, want ~101", tp)
	}
}

func TestSplitQuantity(t *testing.T) {
	cases := []struct {
		qty, max float64
		want     []float64
	}{
		{1500, 1000, []float64{1000, 500}},
		{3000, 1000, []float64{1000, 1000, 1000}},
		{500, 1000, []float64{500}},
		{1500, 0, []float64{1500}}, // no cap
	}
	for _, c := range cases {
		got := SplitQuantity(c.qty, c.max)
		if len(got) != len(c.want) {
			t.Errorf("SplitQuantity(%f, %f) = %v, want %v", c.qty, c.max, got, c.want)
			continue
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("SplitQuantity(%f, %f)[%d] = %f, want %f", c.qty, c.max, i, got[i], c.want[i])
			}
		}
	}
}
