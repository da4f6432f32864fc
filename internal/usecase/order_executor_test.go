package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_liq_dca/internal/domain"
)

// fakeClock advances on every sleep so retry loops run instantly.
type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) timeNow() time.Time { return c.now }

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	return nil
}

func testExecutor(ex *mockExchange) (*OrderExecutor, *fakeClock) {
	e := NewOrderExecutor(ex, zap.NewNop())
	clock := newFakeClock()
	e.timeNow = clock.timeNow
	e.sleep = clock.sleep
	return e, clock
}

func execRequest() *ExecRequest {
	return &ExecRequest{
		Symbol:        "BTCUSDT",
		Side:          domain.OrderBuy,
		PositionSide:  domain.SideLong,
		Quantity:      0.5,
		TargetPrice:   100,
		SlippagePct:   0.5,
		PriceChase:    false,
		RetryDuration: 30 * time.Second,
		ClientID:      "c1",
	}
}

func TestOrderExecutor_FillsAtMarket(t *testing.T) {
	ex := newMockExchange()
	ex.markPrice = 100
	e, _ := testExecutor(ex)

	res, err := e.Execute(context.Background(), execRequest())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Confirmed {
		t.Error("expected confirmed fill")
	}
	if res.FillQty != 0.5 || res.FillPrice != 100 {
		t.Errorf("fill = %f @ %f, want 0.5 @ 100", res.FillQty, res.FillPrice)
	}

	orders := ex.marketOrders()
	if len(orders) != 1 {
		t.Fatalf("placed %d market orders, want 1", len(orders))
	}
	if orders[0].ClientID != "c1" {
		t.Errorf("client id = %q, want c1", orders[0].ClientID)
	}
}

func TestOrderExecutor_RateLimitBackoff(t *testing.T) {
	ex := newMockExchange()
	ex.markPrice = 100
	ex.placeErrs = []error{domain.ErrRateLimited, domain.ErrRateLimited, nil}
	e, clock := testExecutor(ex)

	res, err := e.Execute(context.Background(), execRequest())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.FillQty != 0.5 {
		t.Errorf("fill qty = %f, want 0.5", res.FillQty)
	}

	// Backoff doubles: 500ms then 1s.
	if len(clock.slept) < 2 {
		t.Fatalf("slept %d times, want at least 2", len(clock.slept))
	}
	if clock.slept[0] != 500*time.Millisecond || clock.slept[1] != time.Second {
		t.Errorf("backoff delays = %v, want [500ms 1s ...]", clock.slept[:2])
	}
}

func TestOrderExecutor_RateLimitExhausted(t *testing.T) {
	ex := newMockExchange()
	ex.markPrice = 100
	ex.placeErrs = []error{
		domain.ErrRateLimited, domain.ErrRateLimited, domain.ErrRateLimited,
		domain.ErrRateLimited, domain.ErrRateLimited, domain.ErrRateLimited,
		domain.ErrRateLimited,
	}
	e, _ := testExecutor(ex)

	req := execRequest()
	req.RetryDuration = 5 * time.Minute
	_, err := e.Execute(context.Background(), req)
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Errorf("error = %v, want wrapped ErrRateLimited", err)
	}
}

func TestOrderExecutor_NonRetryableErrorAborts(t *testing.T) {
	ex := newMockExchange()
	ex.markPrice = 100
	ex.placeErrs = []error{errors.New("margin is insufficient")}
	e, _ := testExecutor(ex)

	_, err := e.Execute(context.Background(), execRequest())
	if err == nil {
		t.Fatal("expected placement error to abort")
	}
	if got := ex.calls["PlaceOrder"]; got != 1 {
		t.Errorf("PlaceOrder called %d times, want 1 (no retry)", got)
	}
}

func TestOrderExecutor_ChasesPrice(t *testing.T) {
	ex := newMockExchange()
	ex.markPrice = 103 // 3% off the 100 target, beyond 0.5% slippage
	e, _ := testExecutor(ex)

	req := execRequest()
	req.PriceChase = true
	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.FillPrice != 103 {
		t.Errorf("fill price = %f, want chased to 103", res.FillPrice)
	}
}

func TestOrderExecutor_TimesOutWithoutChase(t *testing.T) {
	ex := newMockExchange()
	ex.markPrice = 103
	e, _ := testExecutor(ex)

	req := execRequest()
	req.PriceChase = false
	req.RetryDuration = 3 * time.Second
	_, err := e.Execute(context.Background(), req)
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("error = %v, want ErrExecutionTimeout", err)
	}
	if got := ex.calls["PlaceOrder"]; got != 0 {
		t.Errorf("PlaceOrder called %d times, want 0", got)
	}
}

func TestOrderExecutor_RejectsBelowMinimums(t *testing.T) {
	ex := newMockExchange()
	ex.markPrice = 100
	ex.rules = &domain.SymbolRules{
		Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001, MinQty: 0.001, MinNotional: 100,
	}
	e, _ := testExecutor(ex)

	req := execRequest()
	req.Quantity = 0.5 // notional 50, below the 100 minimum
	if _, err := e.Execute(context.Background(), req); err == nil {
		t.Fatal("expected minimum-notional rejection")
	}

	req = execRequest()
	req.Quantity = 0.0004 // floors to 0, below MinQty
	if _, err := e.Execute(context.Background(), req); err == nil {
		t.Fatal("expected minimum-quantity rejection")
	}
}

func TestOrderExecutor_UnconfirmedFillFallsBack(t *testing.T) {
	ex := newMockExchange()
	ex.markPrice = 100
	e, _ := testExecutor(ex)

	// Force every status probe to fail so confirmation never lands.
	ex.mu.Lock()
	ex.getOrderErrs["1"] = errors.New("timeout")
	ex.mu.Unlock()

	res, err := e.Execute(context.Background(), execRequest())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Confirmed {
		t.Error("expected unconfirmed result")
	}
	if res.FillQty != 0.5 || res.FillPrice != 100 {
		t.Errorf("fallback fill = %f @ %f, want requested 0.5 @ 100", res.FillQty, res.FillPrice)
	}
}

func TestRoundToStep(t *testing.T) {
	cases := []struct {
		v, step, want float64
	}{
		{0.12345, 0.001, 0.123},
		{1.999, 0.5, 1.5},
		{10, 0, 10}, // no step, unchanged
		{0.0009, 0.001, 0},
	}
	for _, c := range cases {
		if got := RoundToStep(c.v, c.step); got != c.want {
			t.Errorf("RoundToStep(%f, %f) = %f, want %f", c.v, c.step, got, c.want)
		}
	}
}
