package gousage

import "time"

// Metrics defines the interface for tracking poll cycles, reconciliation and quota state.
type Metrics interface {
	// RecordCycle records the outcome ("ok", "bootstrap", "stale", "upstream_error", "storage_error") and duration of a poll cycle.
	RecordCycle(outcome string, duration time.Duration)

	// RecordDelta records usage attributed to a model for one interval.
	RecordDelta(model string, requests, tokens int64, cost float64)

	// RecordRestart records a detected upstream counter restart.
	RecordRestart(model string)

	// RecordFalseStart records a first sighting skipped by the false-start guard.
	RecordFalseStart(model string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordRemaining records the fraction of quota remaining for a config.
	RecordRemaining(configID string, ratio float64)

	// RecordRollover records a natural window rollover.
	RecordRollover(configID string)

	// RecordManualReset records an operator-triggered reset.
	RecordManualReset(configID string)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordCycle(outcome string, duration time.Duration)                         {}
func (n *NoopMetrics) RecordDelta(model string, requests, tokens int64, cost float64)             {}
func (n *NoopMetrics) RecordRestart(model string)                                                 {}
func (n *NoopMetrics) RecordFalseStart(model string)                                              {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordRemaining(configID string, ratio float64)                             {}
func (n *NoopMetrics) RecordRollover(configID string)                                             {}
func (n *NoopMetrics) RecordManualReset(configID string)                                          {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
