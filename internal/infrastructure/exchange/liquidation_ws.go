package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vitos/crypto_liq_dca/internal/domain"
)

const reconnectDelay = 5 * time.Second

// LiquidationStream consumes the all-market forced-liquidation websocket
// feed and decodes it into domain events. The engine only sees decoded
// events, never the wire framing.
type LiquidationStream struct {
	wsURL  string
	out    chan<- *domain.LiquidationEvent
	logger *zap.Logger
}

func NewLiquidationStream(wsURL string, out chan<- *domain.LiquidationEvent, logger *zap.Logger) *LiquidationStream {
	if wsURL == "" {
		wsURL = BinanceWSURL
	}
	return &LiquidationStream{wsURL: wsURL, out: out, logger: logger}
}

// forceOrderMsg is the wire shape of one liquidation:
// {"e":"forceOrder","o":{"s":"BTCUSDT","S":"SELL","q":"0.014","ap":"9910","T":1568014460893}}
type forceOrderMsg struct {
	Event string `json:"e"`
	Order struct {
		Symbol    string `json:"s"`
		Side      string `json:"S"` // order side of the forced close
		Quantity  string `json:"q"`
		AvgPrice  string `json:"ap"`
		TradeTime int64  `json:"T"`
	} `json:"o"`
}

// Run dials and pumps until ctx is cancelled, reconnecting on read errors.
func (s *LiquidationStream) Run(ctx context.Context) {
	for {
		if err := s.pump(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("liquidation stream dropped, reconnecting", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *LiquidationStream) pump(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL+"/ws/!forceOrder@arr", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// The closer is bound to this pump's lifetime, not the process ctx, so
	// reconnects do not accumulate goroutines.
	closerCtx, stopCloser := context.WithCancel(ctx)
	defer stopCloser()
	go func() {
		<-closerCtx.Done()
		conn.Close()
	}()

	s.logger.Info("liquidation stream connected")
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg forceOrderMsg
		if err := json.Unmarshal(message, &msg); err != nil || msg.Event != "forceOrder" {
			continue
		}

		ev, err := decodeForceOrder(&msg)
		if err != nil {
			s.logger.Debug("skipping malformed liquidation", zap.Error(err))
			continue
		}

		select {
		case s.out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func decodeForceOrder(msg *forceOrderMsg) (*domain.LiquidationEvent, error) {
	price, err := strconv.ParseFloat(msg.Order.AvgPrice, 64)
	if err != nil || price <= 0 {
		return nil, fmt.Errorf("bad price %q", msg.Order.AvgPrice)
	}
	qty, err := strconv.ParseFloat(msg.Order.Quantity, 64)
	if err != nil || qty <= 0 {
		return nil, fmt.Errorf("bad quantity %q", msg.Order.Quantity)
	}

	// A forced SELL closes a long position, so the liquidated side is LONG.
	side := domain.SideLong
	if msg.Order.Side == "BUY" {
		side = domain.SideShort
	}

	return &domain.LiquidationEvent{
		// Deterministic id so a replay after reconnect deduplicates.
		ID:        fmt.Sprintf("%s-%d-%s-%s", msg.Order.Symbol, msg.Order.TradeTime, msg.Order.Side, msg.Order.Quantity),
		Symbol:    msg.Order.Symbol,
		Side:      side,
		Price:     price,
		ValueUSD:  price * qty,
		EventTime: time.UnixMilli(msg.Order.TradeTime),
	}, nil
}
