package usecase

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/vitos/crypto_liq_dca/internal/domain"
)

// mockExchange is an in-memory venue. PlaceOrder fills market orders
// immediately at the mark price; errors are injected via placeErrs, consumed
// one per call.
type mockExchange struct {
	mu sync.Mutex

	markPrice    float64
	markPriceErr error
	balance      float64
	positions    []*domain.ExchangePosition
	rules        *domain.SymbolRules
	candles      []domain.Candle
	candlesErr   error
	openOrders   []*domain.OrderResult

	placeErrs    []error
	getOrderErrs map[string]error

	orders     map[string]*domain.OrderResult
	placedReqs []*domain.OrderRequest
	cancelled  []string
	nextID     int
	calls      map[string]int
}

func newMockExchange() *mockExchange {
	return &mockExchange{
		markPrice: 100,
		balance:   10000,
		rules: &domain.SymbolRules{
			Symbol:      "BTCUSDT",
			TickSize:    0.0001,
			StepSize:    0.0001,
			MinQty:      0.0001,
			MinNotional: 0,
		},
		orders:       make(map[string]*domain.OrderResult),
		getOrderErrs: make(map[string]error),
		calls:        make(map[string]int),
	}
}

func (m *mockExchange) count(method string) {
	m.calls[method]++
}

func (m *mockExchange) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

func (m *mockExchange) marketOrders() []*domain.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.OrderRequest
	for _, r := range m.placedReqs {
		if r.Type == domain.OrderTypeMarket {
			out = append(out, r)
		}
	}
	return out
}

func (m *mockExchange) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetMarkPrice")
	if m.markPriceErr != nil {
		return 0, m.markPriceErr
	}
	return m.markPrice, nil
}

func (m *mockExchange) GetBalance(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetBalance")
	return m.balance, nil
}

func (m *mockExchange) GetPositions(ctx context.Context) ([]*domain.ExchangePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetPositions")
	return m.positions, nil
}

func (m *mockExchange) GetPosition(ctx context.Context, symbol string, side domain.Side) (*domain.ExchangePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetPosition")
	for _, p := range m.positions {
		if p.Symbol == symbol && p.Side == side {
			return p, nil
		}
	}
	return nil, nil
}

func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("SetLeverage")
	return nil
}

func (m *mockExchange) SetMarginType(ctx context.Context, symbol, marginType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("SetMarginType")
	return nil
}

func (m *mockExchange) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("PlaceOrder")

	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	m.nextID++
	res := &domain.OrderResult{
		OrderID:      strconv.Itoa(m.nextID),
		ClientID:     req.ClientID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		PositionSide: req.PositionSide,
		Type:         req.Type,
		Status:       domain.OrderStatusNew,
		StopPrice:    req.StopPrice,
		Quantity:     req.Quantity,
	}
	if req.Type == domain.OrderTypeMarket {
		res.Status = domain.OrderStatusFilled
		res.FilledQty = req.Quantity
		res.AvgFillPrice = m.markPrice
	}
	m.orders[res.OrderID] = res
	m.placedReqs = append(m.placedReqs, req)
	return res, nil
}

func (m *mockExchange) GetOrder(ctx context.Context, symbol, orderID string) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetOrder")
	if err, ok := m.getOrderErrs[orderID]; ok {
		return nil, err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", domain.ErrOrderNotFound, orderID)
	}
	return o, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("CancelOrder")
	m.cancelled = append(m.cancelled, orderID)
	delete(m.orders, orderID)
	return nil
}

func (m *mockExchange) ListOpenOrders(ctx context.Context, symbol string) ([]*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("ListOpenOrders")
	return m.openOrders, nil
}

func (m *mockExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetCandles")
	if m.candlesErr != nil {
		return nil, m.candlesErr
	}
	return m.candles, nil
}

func (m *mockExchange) GetSymbolRules(ctx context.Context, symbol string) (*domain.SymbolRules, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetSymbolRules")
	return m.rules, nil
}

// mockPositionRepo keeps positions, layers and fills in memory with
// injectable errors per operation.
type mockPositionRepo struct {
	mu sync.Mutex

	createPosErr   error
	updatePosErr   error
	createLayerErr error

	nextID    int64
	positions []*domain.Position
	layers    map[int64][]*domain.PositionLayer
	fills     []*domain.Fill
}

func newMockPositionRepo() *mockPositionRepo {
	return &mockPositionRepo{layers: make(map[int64][]*domain.PositionLayer)}
}

func (r *mockPositionRepo) CreatePosition(ctx context.Context, p *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createPosErr != nil {
		return r.createPosErr
	}
	r.nextID++
	p.ID = r.nextID
	cp := *p
	r.positions = append(r.positions, &cp)
	return nil
}

func (r *mockPositionRepo) UpdatePosition(ctx context.Context, p *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updatePosErr != nil {
		return r.updatePosErr
	}
	for i, ex := range r.positions {
		if ex.ID == p.ID {
			cp := *p
			r.positions[i] = &cp
			return nil
		}
	}
	return fmt.Errorf("position %d not found", p.ID)
}

func (r *mockPositionRepo) GetOpenPosition(ctx context.Context, sessionID, symbol string, side domain.Side) (*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.positions {
		if p.SessionID == sessionID && p.Symbol == symbol && p.Side == side && p.IsOpen {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *mockPositionRepo) ListOpenPositions(ctx context.Context, sessionID string) ([]*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Position
	for _, p := range r.positions {
		if p.SessionID == sessionID && p.IsOpen {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *mockPositionRepo) ListTradedSymbols(ctx context.Context, sessionID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, p := range r.positions {
		if p.SessionID == sessionID && !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	return out, nil
}

// positionByID reads a position regardless of open state.
func (r *mockPositionRepo) positionByID(id int64) *domain.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.positions {
		if p.ID == id {
			cp := *p
			return &cp
		}
	}
	return nil
}

func (r *mockPositionRepo) CreateLayer(ctx context.Context, l *domain.PositionLayer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createLayerErr != nil {
		return r.createLayerErr
	}
	r.nextID++
	l.ID = r.nextID
	cp := *l
	r.layers[l.PositionID] = append(r.layers[l.PositionID], &cp)
	return nil
}

func (r *mockPositionRepo) UpdateLayer(ctx context.Context, l *domain.PositionLayer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ex := range r.layers[l.PositionID] {
		if ex.ID == l.ID {
			cp := *l
			r.layers[l.PositionID][i] = &cp
			return nil
		}
	}
	return fmt.Errorf("layer %d not found", l.ID)
}

func (r *mockPositionRepo) ListLayers(ctx context.Context, positionID int64) ([]*domain.PositionLayer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.PositionLayer, 0, len(r.layers[positionID]))
	for _, l := range r.layers[positionID] {
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

func (r *mockPositionRepo) RecordFill(ctx context.Context, f *domain.Fill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	f.ID = r.nextID
	cp := *f
	r.fills = append(r.fills, &cp)
	return nil
}

type mockStrategyRepo struct {
	mu    sync.Mutex
	strat *domain.Strategy
	err   error
}

func (r *mockStrategyRepo) GetStrategy(ctx context.Context, sessionID string) (*domain.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	cp := *r.strat
	return &cp, nil
}

func (r *mockStrategyRepo) SaveStrategy(ctx context.Context, s *domain.Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.strat = &cp
	return nil
}

// testStrategy is a valid baseline every test tweaks from.
func testStrategy() *domain.Strategy {
	return &domain.Strategy{
		SessionID:           "s1",
		PercentileThreshold: 60,
		MaxOpenPositions:    3,
		MaxPortfolioRiskPct: 5,
		MaxLayers:           3,
		MaxPositionRiskPct:  1,
		StartStepPct:        0.4,
		SpacingConvexity:    1.2,
		SizeGrowth:          1.8,
		VolatilityRefPct:    1.0,
		StopLossPct:         3.0,
		ExitCushion:         1.5,
		Leverage:            5,
		MarginType:          "ISOLATED",
		CooldownMs:          1000,
		RetryDurationMs:     5000,
		SlippagePct:         0.5,
		PriceChase:          true,
		UpdatedAt:           time.Now(),
	}
}

// flatCandles yields a constant-range series so the ATR is exact:
// range high-low = spreadPct% of close.
func flatCandles(n int, close, spreadPct float64) []domain.Candle {
	candles := make([]domain.Candle, n)
	spread := close * spreadPct / 100
	for i := range candles {
		candles[i] = domain.Candle{
			Time:  int64(i) * 3600_000,
			Open:  close,
			High:  close + spread/2,
			Low:   close - spread/2,
			Close: close,
		}
	}
	return candles
}
