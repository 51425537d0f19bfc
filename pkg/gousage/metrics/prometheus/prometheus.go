package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements gousage.Metrics using Prometheus.
type Metrics struct {
	cyclesTotal                *prometheus.CounterVec
	cycleDuration              *prometheus.HistogramVec
	deltaRequestsTotal         *prometheus.CounterVec
	deltaTokensTotal           *prometheus.CounterVec
	deltaCostTotal             *prometheus.CounterVec
	restartsTotal              *prometheus.CounterVec
	falseStartsTotal           *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	remainingRatio             *prometheus.GaugeVec
	rolloversTotal             *prometheus.CounterVec
	manualResetsTotal          *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		cyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Total number of poll cycles by outcome.",
		}, []string{"outcome"}),

		cycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Latency of poll cycles.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		deltaRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_requests_total",
			Help:      "Requests attributed to poll intervals.",
		}, []string{"model"}),

		deltaTokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_tokens_total",
			Help:      "Tokens attributed to poll intervals.",
		}, []string{"model"}),

		deltaCostTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_cost_total",
			Help:      "Cost attributed to poll intervals.",
		}, []string{"model"}),

		restartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_restarts_total",
			Help:      "Total number of detected upstream counter restarts.",
		}, []string{"model"}),

		falseStartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "false_starts_total",
			Help:      "Total number of first sightings skipped as false starts.",
		}, []string{"model"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		remainingRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limit_remaining_ratio",
			Help:      "Fraction of quota remaining in the current window.",
		}, []string{"config"}),

		rolloversTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rollovers_total",
			Help:      "Total number of natural window rollovers.",
		}, []string{"config"}),

		manualResetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_manual_resets_total",
			Help:      "Total number of operator-triggered resets.",
		}, []string{"config"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordCycle(outcome string, duration time.Duration) {
	m.cyclesTotal.WithLabelValues(outcome).Inc()
	m.cycleDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordDelta(model string, requests, tokens int64, cost float64) {
	m.deltaRequestsTotal.WithLabelValues(model).Add(float64(requests))
	m.deltaTokensTotal.WithLabelValues(model).Add(float64(tokens))
	if cost > 0 {
		m.deltaCostTotal.WithLabelValues(model).Add(cost)
	}
}

func (m *Metrics) RecordRestart(model string) {
	m.restartsTotal.WithLabelValues(model).Inc()
}

func (m *Metrics) RecordFalseStart(model string) {
	m.falseStartsTotal.WithLabelValues(model).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordRemaining(configID string, ratio float64) {
	m.remainingRatio.WithLabelValues(configID).Set(ratio)
}

func (m *Metrics) RecordRollover(configID string) {
	m.rolloversTotal.WithLabelValues(configID).Inc()
}

func (m *Metrics) RecordManualReset(configID string) {
	m.manualResetsTotal.WithLabelValues(configID).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}
