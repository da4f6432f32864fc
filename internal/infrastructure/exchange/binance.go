package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vitos/crypto_liq_dca/internal/domain"
)

const (
	BinanceBaseURL = "https://fapi.binance.com"
	BinanceWSURL   = "wss://fstream.binance.com"
)

// Binance USDT-M futures error codes the usecases branch on.
const (
	codeOrderNotFound      = -2013
	codeReduceOnlyRejected = -2022
	codeNoNeedChangeMargin = -4046
)

// BinanceAdapter implements domain.Exchange against the USDT-M futures API.
// Requests are signed with HMAC-SHA256 over the query string. All numeric
// response fields are decimal strings; they are parsed exactly once here.
type BinanceAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	client    *http.Client

	mu         sync.Mutex
	rulesCache map[string]*domain.SymbolRules
	timeNow    func() time.Time
}

func NewBinanceAdapter(apiKey, apiSecret, baseURL string) *BinanceAdapter {
	if baseURL == "" {
		baseURL = BinanceBaseURL
	}
	return &BinanceAdapter{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		rulesCache: make(map[string]*domain.SymbolRules),
		timeNow:    time.Now,
	}
}

// --- REST plumbing ---

func (b *BinanceAdapter) sign(query string) string {
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (b *BinanceAdapter) sendRequest(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(b.timeNow().UnixMilli(), 10))
		params.Set("recvWindow", "5000")
		query := params.Encode()
		params.Set("signature", b.sign(query))
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if b.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil {
			switch apiErr.Code {
			case codeOrderNotFound:
				return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, apiErr.Msg)
			case codeReduceOnlyRejected:
				return nil, fmt.Errorf("%w: %s", domain.ErrReduceOnlyRejected, apiErr.Msg)
			}
			return nil, fmt.Errorf("binance error %d: %s", apiErr.Code, apiErr.Msg)
		}
		return nil, fmt.Errorf("binance HTTP %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// --- Market data ---

func (b *BinanceAdapter) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{"symbol": {symbol}}
	body, err := b.sendRequest(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false)
	if err != nil {
		return 0, err
	}
	var out struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, err
	}
	price := parseF(out.MarkPrice)
	if price <= 0 {
		return 0, fmt.Errorf("invalid mark price %q for %s", out.MarkPrice, symbol)
	}
	return price, nil
}

func (b *BinanceAdapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	params := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	body, err := b.sendRequest(ctx, http.MethodGet, "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, err
	}

	// Klines come as arrays: [openTime, open, high, low, close, volume, ...]
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		openTime, _ := k[0].(float64)
		c := domain.Candle{Time: int64(openTime)}
		if s, ok := k[1].(string); ok {
			c.Open = parseF(s)
		}
		if s, ok := k[2].(string); ok {
			c.High = parseF(s)
		}
		if s, ok := k[3].(string); ok {
			c.Low = parseF(s)
		}
		if s, ok := k[4].(string); ok {
			c.Close = parseF(s)
		}
		if s, ok := k[5].(string); ok {
			c.Volume = parseF(s)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func (b *BinanceAdapter) GetSymbolRules(ctx context.Context, symbol string) (*domain.SymbolRules, error) {
	b.mu.Lock()
	cached, ok := b.rulesCache[symbol]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	body, err := b.sendRequest(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return nil, err
	}

	var out struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				MaxQty     string `json:"maxQty"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range out.Symbols {
		rules := &domain.SymbolRules{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				rules.TickSize = parseF(f.TickSize)
			case "LOT_SIZE":
				rules.StepSize = parseF(f.StepSize)
				rules.MinQty = parseF(f.MinQty)
			case "MARKET_LOT_SIZE":
				rules.MaxMarketQty = parseF(f.MaxQty)
				rules.MaxStopQty = parseF(f.MaxQty)
			case "MIN_NOTIONAL":
				rules.MinNotional = parseF(f.Notional)
			}
		}
		b.rulesCache[s.Symbol] = rules
	}

	rules, ok := b.rulesCache[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s not listed", symbol)
	}
	return rules, nil
}

// --- Account ---

func (b *BinanceAdapter) GetBalance(ctx context.Context) (float64, error) {
	body, err := b.sendRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil, true)
	if err != nil {
		return 0, err
	}
	var out []struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, err
	}
	for _, a := range out {
		if a.Asset == "USDT" {
			return parseF(a.Balance), nil
		}
	}
	return 0, fmt.Errorf("no USDT balance entry")
}

func (b *BinanceAdapter) GetPositions(ctx context.Context) ([]*domain.ExchangePosition, error) {
	body, err := b.sendRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, err
	}
	var out []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		MarginType       string `json:"marginType"`
		PositionSide     string `json:"positionSide"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}

	var positions []*domain.ExchangePosition
	for _, p := range out {
		amt := parseF(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := domain.SideLong
		qty := amt
		switch p.PositionSide {
		case "LONG":
			side = domain.SideLong
		case "SHORT":
			side = domain.SideShort
			qty = -amt
		default: // one-way mode reports BOTH, sign carries the side
			if amt < 0 {
				side = domain.SideShort
				qty = -amt
			}
		}
		lev, _ := strconv.Atoi(p.Leverage)
		positions = append(positions, &domain.ExchangePosition{
			Symbol:        p.Symbol,
			Side:          side,
			Quantity:      qty,
			EntryPrice:    parseF(p.EntryPrice),
			MarkPrice:     parseF(p.MarkPrice),
			UnrealizedPnL: parseF(p.UnRealizedProfit),
			Leverage:      lev,
			MarginType:    strings.ToUpper(p.MarginType),
		})
	}
	return positions, nil
}

func (b *BinanceAdapter) GetPosition(ctx context.Context, symbol string, side domain.Side) (*domain.ExchangePosition, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.Side == side {
			return p, nil
		}
	}
	return nil, nil
}

func (b *BinanceAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{
		"symbol":   {symbol},
		"leverage": {strconv.Itoa(leverage)},
	}
	_, err := b.sendRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, true)
	return err
}

func (b *BinanceAdapter) SetMarginType(ctx context.Context, symbol, marginType string) error {
	params := url.Values{
		"symbol":     {symbol},
		"marginType": {strings.ToUpper(marginType)},
	}
	_, err := b.sendRequest(ctx, http.MethodPost, "/fapi/v1/marginType", params, true)
	if err != nil && strings.Contains(err.Error(), strconv.Itoa(codeNoNeedChangeMargin)) {
		// Already in the requested mode.
		return nil
	}
	return err
}

// --- Orders ---

type binanceOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func (o *binanceOrder) toDomain() *domain.OrderResult {
	side := domain.SideLong
	if o.PositionSide == "SHORT" {
		side = domain.SideShort
	}
	return &domain.OrderResult{
		OrderID:      strconv.FormatInt(o.OrderID, 10),
		ClientID:     o.ClientOrderID,
		Symbol:       o.Symbol,
		Side:         domain.OrderSide(o.Side),
		PositionSide: side,
		Type:         domain.OrderType(o.Type),
		Status:       domain.OrderStatus(o.Status),
		Price:        parseF(o.Price),
		StopPrice:    parseF(o.StopPrice),
		Quantity:     parseF(o.OrigQty),
		FilledQty:    parseF(o.ExecutedQty),
		AvgFillPrice: parseF(o.AvgPrice),
		UpdatedAt:    time.UnixMilli(o.UpdateTime),
	}
}

func (b *BinanceAdapter) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	params := url.Values{
		"symbol":           {req.Symbol},
		"side":             {string(req.Side)},
		"positionSide":     {string(req.PositionSide)},
		"type":             {string(req.Type)},
		"quantity":         {strconv.FormatFloat(req.Quantity, 'f', -1, 64)},
		"newOrderRespType": {"RESULT"},
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.Price > 0 {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}
	if req.StopPrice > 0 {
		params.Set("stopPrice", strconv.FormatFloat(req.StopPrice, 'f', -1, 64))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := b.sendRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}
	var out binanceOrder
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

func (b *BinanceAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*domain.OrderResult, error) {
	params := url.Values{
		"symbol":  {symbol},
		"orderId": {orderID},
	}
	body, err := b.sendRequest(ctx, http.MethodGet, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}
	var out binanceOrder
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

func (b *BinanceAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{
		"symbol":  {symbol},
		"orderId": {orderID},
	}
	_, err := b.sendRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	return err
}

func (b *BinanceAdapter) ListOpenOrders(ctx context.Context, symbol string) ([]*domain.OrderResult, error) {
	params := url.Values{"symbol": {symbol}}
	body, err := b.sendRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, err
	}
	var out []binanceOrder
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	orders := make([]*domain.OrderResult, 0, len(out))
	for i := range out {
		orders = append(orders, out[i].toDomain())
	}
	return orders, nil
}

// --- User-data stream listen key lifecycle ---

func (b *BinanceAdapter) CreateListenKey(ctx context.Context) (string, error) {
	body, err := b.sendRequest(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, true)
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

func (b *BinanceAdapter) KeepAliveListenKey(ctx context.Context) error {
	_, err := b.sendRequest(ctx, http.MethodPut, "/fapi/v1/listenKey", nil, true)
	return err
}

func (b *BinanceAdapter) CloseListenKey(ctx context.Context) error {
	_, err := b.sendRequest(ctx, http.MethodDelete, "/fapi/v1/listenKey", nil, true)
	return err
}
