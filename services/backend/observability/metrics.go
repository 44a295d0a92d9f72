// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "dental"

// Metrics holds the Prometheus metrics exposed at /metrics/prometheus.
//
// # Fields
//
//   - RequestsTotal: requests by endpoint and status class
//   - RequestDuration: request latency histogram by endpoint
//   - ErrorsTotal: errors by endpoint and error kind
//   - ActiveStreams: currently open SSE streams
//   - QueueWaiting / QueueRunning: scheduler occupancy by queue
//   - AuditFailuresTotal, JournalCorruptTotal, RateLimitedTotal: counters
//     mirrored from the in-process Collector
//
// # Thread Safety
//
// All operations are thread-safe via Prometheus's internal locking.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec
	ActiveStreams   prometheus.Gauge

	QueueWaiting *prometheus.GaugeVec
	QueueRunning *prometheus.GaugeVec

	AuditFailuresTotal  prometheus.Counter
	JournalCorruptTotal prometheus.Counter
	RateLimitedTotal    prometheus.Counter
	DownloadsTotal      *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance on its own registry. A private
// registry keeps tests independent and avoids duplicate-registration panics
// on restart paths.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 15, 30, 60, 120},
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "errors_total",
				Help:      "Total request errors by endpoint and error kind",
			},
			[]string{"endpoint", "error_code"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_streams",
				Help:      "Currently open SSE streams",
			},
		),

		QueueWaiting: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "queue_waiting",
				Help:      "Tasks waiting per inference queue",
			},
			[]string{"queue"},
		),

		QueueRunning: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "queue_running",
				Help:      "Tasks running per inference queue",
			},
			[]string{"queue"},
		),

		AuditFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "audit_failures_total",
				Help:      "Audit trail writes that failed",
			},
		),

		JournalCorruptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "journal_corrupt_lines_total",
				Help:      "Corrupt journal lines skipped during scans",
			},
		),

		RateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),

		DownloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "model_downloads_total",
				Help:      "Model download attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Registry exposes the underlying registry for the /metrics/prometheus
// handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(endpoint string, status string, seconds float64, errKind string) {
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(seconds)
	if errKind != "" {
		m.ErrorsTotal.WithLabelValues(endpoint, errKind).Inc()
	}
}
