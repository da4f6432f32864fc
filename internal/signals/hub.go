// Package signals is the internal event surface consumed by the dashboard
// and notification collaborators. The engine publishes; it never subscribes.
package signals

import (
	"github.com/asaskevich/EventBus"

	"github.com/vitos/crypto_liq_dca/internal/domain"
)

const (
	TopicLiquidation = "liquidation.received"
	TopicBlocked     = "trade.blocked"
	TopicTrade       = "trade.notification"
)

// BlockedEvent reports a vetoed trade with the gate that rejected it.
type BlockedEvent struct {
	SessionID string
	Symbol    string
	Side      domain.Side
	Kind      string // "paused", "percentile", "risk", "positions", "cooldown", "config"
	Reason    string
}

// TradeEvent reports an entry, layer or protective-order action.
type TradeEvent struct {
	SessionID string
	Symbol    string
	Side      domain.Side
	Kind      string // "entry", "layer", "tp_updated", "sl_updated", "closed"
	Layer     int
	Price     float64
	Quantity  float64
}

type Hub struct {
	bus EventBus.Bus
}

func NewHub() *Hub {
	return &Hub{bus: EventBus.New()}
}

func (h *Hub) PublishLiquidation(ev *domain.LiquidationEvent) {
	h.bus.Publish(TopicLiquidation, ev)
}

func (h *Hub) PublishBlocked(ev BlockedEvent) {
	h.bus.Publish(TopicBlocked, ev)
}

func (h *Hub) PublishTrade(ev TradeEvent) {
	h.bus.Publish(TopicTrade, ev)
}

// Subscribe registers an async consumer for a topic.
func (h *Hub) Subscribe(topic string, fn interface{}) error {
	return h.bus.SubscribeAsync(topic, fn, false)
}
