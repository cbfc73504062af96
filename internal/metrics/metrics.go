// Package metrics exposes Prometheus counters/gauges for the quote
// pipeline, the portfolio validator, and the worker loop. Registration
// style (package-level CounterVec/GaugeVec variables, registered once in
// init()) keeps every metric discoverable in one place.
// repo that wires prometheus/client_golang against a trading bot.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// QuotesTotal counts quote pipeline outcomes: source in
	// {streaming, rest}, outcome in
	// {ok, fallback, error, both_zero, suspicious, stale}.
	QuotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalance_quotes_total",
			Help: "Quote pipeline results by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	// CircuitBreakerTripped counts equity circuit breaker trips by run id
	// label cardinality is avoided by labeling on strategy id instead.
	CircuitBreakerTripped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalance_circuit_breaker_tripped_total",
			Help: "Equity deployment circuit breaker trips.",
		},
		[]string{"strategy_id"},
	)

	// SellFailureGuardTripped counts BUY-phase aborts caused by excessive
	// sell failures.
	SellFailureGuardTripped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalance_sell_failure_guard_tripped_total",
			Help: "BUY phase aborted due to sell failure threshold.",
		},
		[]string{"strategy_id"},
	)

	// TradesProcessed counts single-trade worker outcomes.
	TradesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalance_trades_processed_total",
			Help: "Trades processed by the single-trade worker, by phase and result.",
		},
		[]string{"phase", "result"},
	)

	// ExecutionDuration observes how long a strategy took to reach a
	// terminal ExecutionResult, by policy.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rebalance_execution_duration_seconds",
			Help:    "Execution strategy wall-clock duration by policy.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"policy"},
	)

	// ValidatorReconciliationAttempts counts post-execution reconciliation
	// polling attempts before either success or giving up.
	ValidatorReconciliationAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rebalance_validator_reconciliation_attempts",
			Help:    "Reconciliation polling attempts until match or give-up.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
		[]string{"outcome"},
	)

	// PendingExecutionsOpen is a point-in-time gauge of in-flight
	// time-aware executions, refreshed by the tick loop.
	PendingExecutionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebalance_pending_executions_open",
			Help: "Currently open (non-terminal) time-aware pending executions.",
		},
	)
)

func init() {
	prometheus.MustRegister(QuotesTotal, CircuitBreakerTripped, SellFailureGuardTripped)
	prometheus.MustRegister(TradesProcessed, ExecutionDuration)
	prometheus.MustRegister(ValidatorReconciliationAttempts, PendingExecutionsOpen)
}
