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

// Binance expires a listen key after 60 minutes without a keepalive.
const listenKeyKeepAlive = 30 * time.Minute

// ExitFill is a reduce-only order fill reported by the user-data stream. It
// is the trigger for closing the local position record.
type ExitFill struct {
	Symbol   string
	Side     domain.Side // position side being reduced
	Price    float64
	Quantity float64
	Fee      float64
}

type listenKeys interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
}

// UserDataStream consumes the authenticated account stream and surfaces
// reduce-only fills, i.e. TP/SL orders firing on the exchange.
type UserDataStream struct {
	wsURL  string
	keys   listenKeys
	out    chan<- ExitFill
	logger *zap.Logger
}

func NewUserDataStream(wsURL string, keys listenKeys, out chan<- ExitFill, logger *zap.Logger) *UserDataStream {
	if wsURL == "" {
		wsURL = BinanceWSURL
	}
	return &UserDataStream{wsURL: wsURL, keys: keys, out: out, logger: logger}
}

// orderUpdateMsg is the ORDER_TRADE_UPDATE wire shape, reduced to the fields
// the exit path needs.
type orderUpdateMsg struct {
	Event string `json:"e"`
	Order struct {
		Symbol       string `json:"s"`
		Side         string `json:"S"`
		Status       string `json:"X"`
		AvgPrice     string `json:"ap"`
		FilledQty    string `json:"z"`
		Commission   string `json:"n"`
		ReduceOnly   bool   `json:"R"`
		PositionSide string `json:"ps"`
	} `json:"o"`
}

// Run dials and pumps until ctx is cancelled, reconnecting with a fresh
// listen key on any error.
func (s *UserDataStream) Run(ctx context.Context) {
	for {
		if err := s.pump(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("user-data stream dropped, reconnecting", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *UserDataStream) pump(ctx context.Context) error {
	key, err := s.keys.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("listen key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL+"/ws/"+key, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	keepCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	go s.keepAlive(keepCtx, conn)

	s.logger.Info("user-data stream connected")
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg orderUpdateMsg
		if err := json.Unmarshal(message, &msg); err != nil || msg.Event != "ORDER_TRADE_UPDATE" {
			continue
		}

		fill, ok := decodeExitFill(&msg)
		if !ok {
			continue
		}

		select {
		case s.out <- fill:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *UserDataStream) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			if err := s.keys.KeepAliveListenKey(ctx); err != nil {
				s.logger.Warn("listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

// decodeExitFill keeps only fully-filled reduce-only orders; everything else
// on the stream (entries, partial fills, cancels) is not an exit.
func decodeExitFill(msg *orderUpdateMsg) (ExitFill, bool) {
	o := &msg.Order
	if !o.ReduceOnly || o.Status != "FILLED" {
		return ExitFill{}, false
	}

	price, err := strconv.ParseFloat(o.AvgPrice, 64)
	if err != nil || price <= 0 {
		return ExitFill{}, false
	}
	qty, err := strconv.ParseFloat(o.FilledQty, 64)
	if err != nil || qty <= 0 {
		return ExitFill{}, false
	}

	// Hedge mode reports the position side directly; one-way mode reports
	// BOTH, and a reduce-only SELL can only be closing a long.
	side := domain.SideLong
	switch o.PositionSide {
	case "SHORT":
		side = domain.SideShort
	case "LONG":
	default:
		if o.Side == "BUY" {
			side = domain.SideShort
		}
	}

	fee := 0.0
	if o.Commission != "" {
		fee, _ = strconv.ParseFloat(o.Commission, 64)
	}

	return ExitFill{
		Symbol:   o.Symbol,
		Side:     side,
		Price:    price,
		Quantity: qty,
		Fee:      fee,
	}, true
}
