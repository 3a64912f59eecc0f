// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the relay.
//
// # Description
//
// Counters and gauges covering the decision pipeline (decisions by action),
// the ML path (score calls, observations, last retrain time), the ephemeral
// store (live entries, wipe passes), and the audit trail (records written).
// Exposed via /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all relay metrics.
const metricsNamespace = "relay"

// Metrics holds every Prometheus metric the relay emits. Construct once via
// Init at startup, or New with a private registry in tests.
type Metrics struct {
	// MLScoreCallsTotal counts POST /ml/score evaluations.
	MLScoreCallsTotal prometheus.Counter

	// MLObservationsTotal counts vectors accepted into the training buffer.
	MLObservationsTotal prometheus.Counter

	// MLLastRetrainTimestamp is the Unix time of the last successful
	// retrain, 0 until one happens.
	MLLastRetrainTimestamp prometheus.Gauge

	// DecisionsTotal counts policy decisions by resulting action.
	// Labels: action (allow, require_reauth, block, pending_approval)
	DecisionsTotal *prometheus.CounterVec

	// StoreEntries tracks messages currently held in the ephemeral store.
	StoreEntries prometheus.Gauge

	// WipePassesTotal counts secure-wipe overwrite passes performed.
	WipePassesTotal prometheus.Counter

	// AuditRecordsTotal counts audit records written across both trails.
	AuditRecordsTotal prometheus.Counter
}

// Default is the process-wide metrics instance, set by Init.
var Default *Metrics

// New creates and registers all relay metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MLScoreCallsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ml_score_calls_total",
			Help:      "Total risk score evaluations served",
		}),

		MLObservationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ml_observations_total",
			Help:      "Total observation vectors accepted into the training buffer",
		}),

		MLLastRetrainTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "ml_last_retrain_timestamp",
			Help:      "Unix time of the last successful model retrain",
		}),

		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decisions_total",
			Help:      "Total policy decisions by resulting action",
		}, []string{"action"}),

		StoreEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "store_entries",
			Help:      "Messages currently held in the ephemeral store",
		}),

		WipePassesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "wipe_passes_total",
			Help:      "Secure-wipe overwrite passes performed",
		}),

		AuditRecordsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "audit_records_total",
			Help:      "Audit records written across both trails",
		}),
	}
}

// Init registers the metrics on the default Prometheus registry and sets
// Default. Call once at startup; a second call panics on duplicate
// registration.
func Init() *Metrics {
	Default = New(prometheus.DefaultRegisterer)
	return Default
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordScoreCall counts one /ml/score evaluation.
func (m *Metrics) RecordScoreCall() {
	m.MLScoreCallsTotal.Inc()
}

// RecordObservation counts one accepted observation vector.
func (m *Metrics) RecordObservation() {
	m.MLObservationsTotal.Inc()
}

// RecordRetrain stamps the last successful retrain time.
func (m *Metrics) RecordRetrain(ts time.Time) {
	m.MLLastRetrainTimestamp.Set(float64(ts.Unix()))
}

// RecordDecision counts one policy decision by its resulting action.
func (m *Metrics) RecordDecision(action string) {
	m.DecisionsTotal.WithLabelValues(action).Inc()
}

// SetStoreEntries updates the live entry gauge.
func (m *Metrics) SetStoreEntries(n int) {
	m.StoreEntries.Set(float64(n))
}

// AddWipePasses counts completed overwrite passes.
func (m *Metrics) AddWipePasses(n int) {
	m.WipePassesTotal.Add(float64(n))
}

// RecordAuditRecord counts one written audit record.
func (m *Metrics) RecordAuditRecord() {
	m.AuditRecordsTotal.Inc()
}
