// Package metrics exposes Prometheus metrics for observability into a
// running backtest. They are registered in init() and served by the
// replay server's /metrics handler (internal/api).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// EventsProcessed counts events consumed off the merged stream, by class
	// (open|trade|close).
	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_events_processed_total",
			Help: "Events processed from the merged market/trade stream.",
		},
		[]string{"class"},
	)

	// Fills counts fills applied to the portfolio, by market.
	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_fills_total",
			Help: "Fills applied to the portfolio.",
		},
		[]string{"market_id"},
	)

	// Equity reports the most recently sampled portfolio equity (cash +
	// mark-to-market value of all positions).
	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "backtest_equity_usd",
			Help: "Portfolio equity at the most recent snapshot.",
		},
	)

	// AccountingResidual reports the most recently observed accounting
	// identity residual; should stay within the engine's tolerance.
	AccountingResidual = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "backtest_accounting_residual",
			Help: "cash - initialCash - realizedPnL + sum(cost basis), most recent snapshot.",
		},
	)

	// ShortDisallowed counts non-fatal ShortDisallowed rejections, by market.
	ShortDisallowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_short_disallowed_total",
			Help: "Fills rejected because they would have crossed zero with short-selling disabled.",
		},
		[]string{"market_id"},
	)

	// RunDurationSeconds observes wall-clock time to complete a run.
	RunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backtest_run_duration_seconds",
			Help:    "Wall-clock duration of a completed backtest run.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RiskKills counts risk-limiter kill signals, by market ("" for a
	// global kill affecting every market).
	RiskKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_risk_kills_total",
			Help: "Risk limiter kill signals fired, by affected market.",
		},
		[]string{"market_id"},
	)
)

func init() {
	prometheus.MustRegister(EventsProcessed, Fills, Equity, AccountingResidual)
	prometheus.MustRegister(ShortDisallowed, RunDurationSeconds, RiskKills)
}

// ObserveSnapshot updates the gauges from a freshly produced snapshot.
func ObserveSnapshot(equity, residual float64) {
	Equity.Set(equity)
	AccountingResidual.Set(residual)
}
