// Package metrics exposes the engine's Prometheus series.
//
//	curvebot_cycles_total                  – completed control-loop ticks
//	curvebot_cycle_errors_total            – ticks that ended in an error
//	curvebot_decisions_total{action}       – gate decisions (approved|rejected|halted)
//	curvebot_orders_total{side,state}      – orders by terminal state
//	curvebot_stop_losses_total             – stop-loss sells issued
//	curvebot_exposure_units                – total open exposure
//	curvebot_daily_volume_units            – rolling 24h traded size
//	curvebot_drawdown_pct                  – drawdown from peak portfolio value
//	curvebot_breaker_state                 – 0=closed, 1=half_open, 2=open
//	curvebot_fill_rate                     – filled / terminal orders
//	curvebot_price                         – last observed price
//	curvebot_utilization_pct               – deployed share of the budget
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	cycles      prometheus.Counter
	cycleErrors prometheus.Counter
	decisions   *prometheus.CounterVec
	orders      *prometheus.CounterVec
	stopLosses  prometheus.Counter

	exposure    prometheus.Gauge
	dailyVolume prometheus.Gauge
	drawdown    prometheus.Gauge
	breaker     prometheus.Gauge
	fillRate    prometheus.Gauge
	price       prometheus.Gauge
	utilization prometheus.Gauge
}

// New creates and registers the engine metrics plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curvebot_cycles_total",
			Help: "Completed control-loop ticks",
		}),
		cycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curvebot_cycle_errors_total",
			Help: "Ticks that ended in an error",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curvebot_decisions_total",
			Help: "Risk gate decisions",
		}, []string{"action"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curvebot_orders_total",
			Help: "Orders by terminal state",
		}, []string{"side", "state"}),
		stopLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curvebot_stop_losses_total",
			Help: "Stop-loss sells issued",
		}),
		exposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curvebot_exposure_units",
			Help: "Total open exposure in base units",
		}),
		dailyVolume: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curvebot_daily_volume_units",
			Help: "Traded size over the rolling 24h window",
		}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curvebot_drawdown_pct",
			Help: "Drawdown from peak portfolio value",
		}),
		breaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curvebot_breaker_state",
			Help: "0=closed, 1=half_open, 2=open",
		}),
		fillRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curvebot_fill_rate",
			Help: "Filled orders over terminal orders",
		}),
		price: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curvebot_price",
			Help: "Last observed asset price",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curvebot_utilization_pct",
			Help: "Deployed capital as a percentage of the budget",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.cycleErrors, m.decisions, m.orders, m.stopLosses,
		m.exposure, m.dailyVolume, m.drawdown, m.breaker,
		m.fillRate, m.price, m.utilization,
	)
	return m
}

// Registry returns the backing registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) CycleCompleted()                  { m.cycles.Inc() }
func (m *Metrics) CycleFailed()                     { m.cycleErrors.Inc() }
func (m *Metrics) Decision(action string)           { m.decisions.WithLabelValues(action).Inc() }
func (m *Metrics) OrderFinished(side, state string) { m.orders.WithLabelValues(side, state).Inc() }
func (m *Metrics) StopLoss()                        { m.stopLosses.Inc() }

// ObserveRisk updates the risk gauges. breakerState is the breaker's
// string state.
func (m *Metrics) ObserveRisk(exposure, dailyVolume, drawdownPct float64, breakerState string) {
	m.exposure.Set(exposure)
	m.dailyVolume.Set(dailyVolume)
	m.drawdown.Set(drawdownPct)
	m.breaker.Set(breakerValue(breakerState))
}

// ObserveMarket updates the price, utilization and fill-rate gauges.
func (m *Metrics) ObserveMarket(price, utilizationPct, fillRate float64) {
	m.price.Set(price)
	m.utilization.Set(utilizationPct)
	m.fillRate.Set(fillRate)
}

func breakerValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
