// Package metrics экспортирует Prometheus-метрики движка исполнения.
// Регистрируются в init() и отдаются API-сервером на /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// IntentsTotal intent'ы по действию и исходу (executed/skipped/failed)
	IntentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_intents_total",
			Help: "Trading intents processed, by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// OrdersPlacedTotal размещённые биржевые ордера
	OrdersPlacedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_orders_placed_total",
			Help: "Exchange orders placed, by kind",
		},
		[]string{"kind"}, // entry / stop_loss / take_profit / advanced_slice
	)

	// BracketReconcilesTotal исходы сверки защитных ордеров
	BracketReconcilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_bracket_reconciles_total",
			Help: "Protective bracket reconciliations, by outcome",
		},
		[]string{"outcome"}, // replaced / unchanged / override_skip / failed
	)

	// TriggerFiresTotal срабатывания триггеров
	TriggerFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_trigger_fires_total",
			Help: "Trigger supervisor fires, by kind",
		},
		[]string{"kind"}, // crossing / near_miss_timeout
	)

	// AdvancedSlicesTotal слайсы advanced-ордеров
	AdvancedSlicesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_advanced_slices_total",
			Help: "Advanced order slices executed, by order type and outcome",
		},
		[]string{"order_type", "outcome"},
	)

	// OpenPositions число открытых позиций
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_open_positions",
			Help: "Open positions currently reported by the exchange",
		},
	)
)

func init() {
	prometheus.MustRegister(
		IntentsTotal,
		OrdersPlacedTotal,
		BracketReconcilesTotal,
		TriggerFiresTotal,
		AdvancedSlicesTotal,
		OpenPositions,
	)
}
