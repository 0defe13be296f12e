// Package monitoring exposes Prometheus metrics and a process health probe
// for running scenarios.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vela_trades_total",
			Help: "Trades booked, by scenario, symbol and side",
		},
		[]string{"scenario", "symbol", "side"},
	)

	tradeReturns = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vela_trade_return",
			Help:    "Per-trade return fraction on closing trades",
			Buckets: prometheus.LinearBuckets(-0.10, 0.01, 21),
		},
		[]string{"scenario"},
	)

	equity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vela_equity",
			Help: "Mark-to-market scenario equity in quote currency",
		},
		[]string{"scenario"},
	)

	cashBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vela_cash",
			Help: "Free scenario cash in quote currency",
		},
		[]string{"scenario"},
	)

	openPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vela_open_positions",
			Help: "Open positions held by the scenario",
		},
		[]string{"scenario"},
	)

	scenarioPaused = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vela_scenario_paused",
			Help: "1 while the scenario is paused, 0 while trading",
		},
		[]string{"scenario"},
	)

	lastPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vela_last_price",
			Help: "Last observed price per symbol",
		},
		[]string{"symbol"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vela_errors_total",
			Help: "Engine errors, by scenario and kind",
		},
		[]string{"scenario", "kind"},
	)
)

func init() {
	prometheus.MustRegister(tradesTotal)
	prometheus.MustRegister(tradeReturns)
	prometheus.MustRegister(equity)
	prometheus.MustRegister(cashBalance)
	prometheus.MustRegister(openPositions)
	prometheus.MustRegister(scenarioPaused)
	prometheus.MustRegister(lastPrice)
	prometheus.MustRegister(errorsTotal)
}

// RecordTrade counts a booked trade.
func RecordTrade(scenario, symbol, side string) {
	tradesTotal.WithLabelValues(scenario, symbol, side).Inc()
}

// ObserveTradeReturn records the return fraction of a closing trade.
func ObserveTradeReturn(scenario string, pct float64) {
	tradeReturns.WithLabelValues(scenario).Observe(pct)
}

// UpdatePrice updates the last-price gauge for a symbol.
func UpdatePrice(symbol string, price float64) {
	lastPrice.WithLabelValues(symbol).Set(price)
}

// UpdateAccount refreshes the scenario account gauges.
func UpdateAccount(scenario string, equityValue, cash float64, positions int, paused bool) {
	equity.WithLabelValues(scenario).Set(equityValue)
	cashBalance.WithLabelValues(scenario).Set(cash)
	openPositions.WithLabelValues(scenario).Set(float64(positions))

	pausedValue := 0.0
	if paused {
		pausedValue = 1.0
	}
	scenarioPaused.WithLabelValues(scenario).Set(pausedValue)
}

// RecordError counts an engine error of the given kind.
func RecordError(scenario, kind string) {
	errorsTotal.WithLabelValues(scenario, kind).Inc()
}
