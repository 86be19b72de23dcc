// Package metrics collects engine-wide Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// Module provides the metrics components
var Module = fx.Options(
	fx.Provide(NewPrometheusRegistry),
	fx.Provide(NewEngineMetrics),
)

// NewPrometheusRegistry creates a new Prometheus registry
func NewPrometheusRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// EngineMetrics collects metrics for the trading engine
type EngineMetrics struct {
	// Event bus
	BusPublished prometheus.Counter
	BusDropped   *prometheus.CounterVec

	// Market data
	StaleTicks     *prometheus.CounterVec
	DuplicateTicks *prometheus.CounterVec
	Reconnects     *prometheus.CounterVec

	// Indicators
	IndicatorEmits  *prometheus.CounterVec
	IndicatorErrors *prometheus.CounterVec

	// Orders
	OrdersSubmitted *prometheus.CounterVec
	OrderFailures   *prometheus.CounterVec

	// Evaluators
	ActiveInstances prometheus.Gauge
	Transitions     *prometheus.CounterVec
}

// NewEngineMetrics creates and registers the engine metrics
func NewEngineMetrics(registry *prometheus.Registry) *EngineMetrics {
	m := &EngineMetrics{
		BusPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradepulse_bus_published_total",
			Help: "Total number of events published to the bus",
		}),
		BusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradepulse_bus_dropped_total",
			Help: "Events dropped per subscription due to overflow",
		}, []string{"subscription"}),
		StaleTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradepulse_marketdata_stale_ticks_total",
			Help: "Ticks dropped for arriving older than the lateness tolerance",
		}, []string{"symbol"}),
		DuplicateTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradepulse_marketdata_duplicate_ticks_total",
			Help: "Ticks dropped as duplicates of the last-seen timestamp",
		}, []string{"symbol"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradepulse_marketdata_reconnects_total",
			Help: "Venue connections re-established after an interruption",
		}, []string{"venue"}),
		IndicatorEmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradepulse_indicator_emits_total",
			Help: "Indicator values emitted per variant",
		}, []string{"variant"}),
		IndicatorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradepulse_indicator_errors_total",
			Help: "Indicator computations suppressed for NaN/Inf/invalid input",
		}, []string{"variant"}),
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradepulse_orders_submitted_total",
			Help: "Orders submitted per venue mode",
		}, []string{"mode"}),
		OrderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradepulse_order_failures_total",
			Help: "Orders that reached a failure terminal status",
		}, []string{"reason"}),
		ActiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradepulse_active_instances",
			Help: "Number of active strategy instances",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradepulse_state_transitions_total",
			Help: "Strategy state machine transitions",
		}, []string{"to_state"}),
	}

	registry.MustRegister(
		m.BusPublished, m.BusDropped,
		m.StaleTicks, m.DuplicateTicks, m.Reconnects,
		m.IndicatorEmits, m.IndicatorErrors,
		m.OrdersSubmitted, m.OrderFailures,
		m.ActiveInstances, m.Transitions,
	)

	return m
}

// NewNopMetrics returns metrics registered on a throwaway registry, for
// tests and components constructed without fx.
func NewNopMetrics() *EngineMetrics {
	return NewEngineMetrics(prometheus.NewRegistry())
}
