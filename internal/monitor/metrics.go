// Package monitor exposes Prometheus metrics the bot updates during
// operation, served at /metrics:
//   - bot_liquidations_total{symbol}        liquidation events consumed
//   - bot_orders_total{kind,side}           orders placed (entry|layer|tp|sl)
//   - bot_blocks_total{reason}              vetoed trades by gate
//   - bot_reserved_risk_usd                 reserved risk snapshot (gauge)
//   - bot_reconciler_repairs_total{action}  reconciler interventions
package monitor

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Liquidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_liquidations_total",
			Help: "Liquidation events consumed",
		},
		[]string{"symbol"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed",
		},
		[]string{"kind", "side"},
	)

	Blocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_blocks_total",
			Help: "Trades vetoed by gate",
		},
		[]string{"reason"},
	)

	ReservedRisk = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_reserved_risk_usd",
			Help: "Reserved risk across open positions in USD",
		},
	)

	ReconcilerRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_reconciler_repairs_total",
			Help: "Reconciler interventions",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(Liquidations, Orders, Blocks, ReservedRisk, ReconcilerRepairs)
}

// Serve starts the metrics endpoint. Blocks; run it in a goroutine.
func Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
