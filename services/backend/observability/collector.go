// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the dental assistant backend.
//
// Two surfaces are exposed: an in-process Collector serving the JSON
// snapshot at /metrics (what the desktop shell's diagnostics panel reads),
// and a Prometheus registry at /metrics/prometheus for anyone running the
// backend under conventional scrape-based monitoring.
//
// # Thread Safety
//
// All Collector and Metrics operations are safe for concurrent use.
package observability

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Error reports
// =============================================================================

// Report lifecycle states.
const (
	ReportPending   = "pending"
	ReportReported  = "reported"
	ReportDismissed = "dismissed"
)

// errorRingCap bounds the recent-error ring. Old reports fall off the back.
const errorRingCap = 100

// Report is one captured request failure, kept so the practitioner can
// review and file it from the shell's error panel.
type Report struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	ErrorCode string `json:"error_code"`
	Endpoint  string `json:"endpoint"`
	Message   string `json:"message"`
	Status    string `json:"status"`
}

// =============================================================================
// Latency reservoir
// =============================================================================

// reservoirCap bounds per-endpoint latency samples. Algorithm R keeps a
// uniform sample without remembering every request.
const reservoirCap = 512

type reservoir struct {
	samples []float64
	seen    int64
}

func (r *reservoir) add(v float64) {
	r.seen++
	if len(r.samples) < reservoirCap {
		r.samples = append(r.samples, v)
		return
	}
	if i := rand.Int63n(r.seen); i < reservoirCap {
		r.samples[i] = v
	}
}

// percentiles returns p50/p95/p99 of the current sample, zeros when empty.
func (r *reservoir) percentiles() (p50, p95, p99 float64) {
	if len(r.samples) == 0 {
		return 0, 0, 0
	}
	sorted := make([]float64, len(r.samples))
	copy(sorted, r.samples)
	sort.Float64s(sorted)
	at := func(p float64) float64 {
		i := int(p * float64(len(sorted)-1))
		return sorted[i]
	}
	return at(0.50), at(0.95), at(0.99)
}

// =============================================================================
// Collector
// =============================================================================

type endpointStats struct {
	count   int64
	errors  int64
	latency reservoir
}

// EndpointSnapshot is the JSON view of one endpoint's counters.
type EndpointSnapshot struct {
	Count     int64   `json:"count"`
	Errors    int64   `json:"errors"`
	P50Millis float64 `json:"p50_ms"`
	P95Millis float64 `json:"p95_ms"`
	P99Millis float64 `json:"p99_ms"`
}

// Snapshot is the JSON body of GET /metrics.
type Snapshot struct {
	UptimeSeconds float64                     `json:"uptime_seconds"`
	Endpoints     map[string]EndpointSnapshot `json:"endpoints"`
	ErrorsByKind  map[string]int64            `json:"errors_by_kind"`
	AuditFailures int64                       `json:"audit_failures"`
	CorruptLines  int64                       `json:"journal_corrupt_lines"`
	RateLimited   int64                       `json:"rate_limited"`
	PendingErrors int                         `json:"pending_errors"`
}

// Collector accumulates in-process request statistics.
type Collector struct {
	start time.Time

	mu           sync.Mutex
	endpoints    map[string]*endpointStats
	errorsByKind map[string]int64
	ring         []*Report

	auditFailures atomic.Int64
	corruptLines  atomic.Int64
	rateLimited   atomic.Int64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		start:        time.Now(),
		endpoints:    make(map[string]*endpointStats),
		errorsByKind: make(map[string]int64),
	}
}

// ObserveRequest records one completed request. errKind is empty for
// successes.
func (c *Collector) ObserveRequest(endpoint string, status int, errKind string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.endpoints[endpoint]
	if !ok {
		s = &endpointStats{}
		c.endpoints[endpoint] = s
	}
	s.count++
	s.latency.add(float64(duration.Milliseconds()))
	if status >= 400 || errKind != "" {
		s.errors++
		if errKind == "" {
			errKind = "unknown"
		}
		c.errorsByKind[errKind]++
	}
}

// CaptureError files a failure into the recent-error ring and returns the
// report id. The oldest report is evicted when the ring is full.
func (c *Collector) CaptureError(endpoint, errorCode, message string) string {
	r := &Report{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().UnixMilli(),
		ErrorCode: errorCode,
		Endpoint:  endpoint,
		Message:   message,
		Status:    ReportPending,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring = append(c.ring, r)
	if len(c.ring) > errorRingCap {
		c.ring = c.ring[1:]
	}
	return r.ID
}

// PendingErrors returns reports still awaiting triage, oldest first.
func (c *Collector) PendingErrors() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Report, 0, len(c.ring))
	for _, r := range c.ring {
		if r.Status == ReportPending {
			out = append(out, *r)
		}
	}
	return out
}

// MarkReported transitions a pending report to reported. Returns false for
// unknown ids or reports already triaged.
func (c *Collector) MarkReported(id string) bool {
	return c.transition(id, ReportReported)
}

// MarkDismissed transitions a pending report to dismissed.
func (c *Collector) MarkDismissed(id string) bool {
	return c.transition(id, ReportDismissed)
}

func (c *Collector) transition(id, to string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.ring {
		if r.ID == id && r.Status == ReportPending {
			r.Status = to
			return true
		}
	}
	return false
}

// AuditFailure is the hook handed to the audit trail.
func (c *Collector) AuditFailure() { c.auditFailures.Add(1) }

// JournalCorrupt is the hook handed to the journal scanner.
func (c *Collector) JournalCorrupt() { c.corruptLines.Add(1) }

// RateLimited counts requests shed by the rate limiter.
func (c *Collector) RateLimited() { c.rateLimited.Add(1) }

// Snapshot returns the current statistics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	endpoints := make(map[string]EndpointSnapshot, len(c.endpoints))
	for name, s := range c.endpoints {
		p50, p95, p99 := s.latency.percentiles()
		endpoints[name] = EndpointSnapshot{
			Count:     s.count,
			Errors:    s.errors,
			P50Millis: p50,
			P95Millis: p95,
			P99Millis: p99,
		}
	}
	byKind := make(map[string]int64, len(c.errorsByKind))
	for k, v := range c.errorsByKind {
		byKind[k] = v
	}
	pending := 0
	for _, r := range c.ring {
		if r.Status == ReportPending {
			pending++
		}
	}

	return Snapshot{
		UptimeSeconds: time.Since(c.start).Seconds(),
		Endpoints:     endpoints,
		ErrorsByKind:  byKind,
		AuditFailures: c.auditFailures.Load(),
		CorruptLines:  c.corruptLines.Load(),
		RateLimited:   c.rateLimited.Load(),
		PendingErrors: pending,
	}
}
