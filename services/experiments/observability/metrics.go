// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus instrumentation for the
// experiments service.
//
// # Description
//
// Metrics cover the HTTP surface, tracking ingest, metric analyses, the
// background job worker and audit delivery. They register on a caller
// supplied registry so tests and embedded servers never collide on the
// global one.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is a no-op on a nil *Metrics.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace = "aleutian"
	httpSubsystem    = "experiments_http"
	trackSubsystem   = "experiments_track"
	analysisSubsys   = "experiments_analysis"
	jobsSubsystem    = "experiments_jobs"
	auditSubsystem   = "experiments_audit"
)

// Metrics holds the Prometheus collectors of the experiments service.
//
// # Fields
//
//   - RequestsTotal: HTTP requests by route, method and status code.
//   - RequestDurationSeconds: HTTP latency by route and method.
//   - TrackedTotal: Accepted tracking calls by kind.
//   - TrackRejectedTotal: Rejected tracking calls by reason.
//   - AnalysesTotal: Finished analyses by final status.
//   - AnalysisDurationSeconds: Analysis wall time by final status.
//   - JobsTotal: Job handler results by job type and outcome.
//   - AuditEventsTotal: Audit deliveries by outcome.
type Metrics struct {
	RequestsTotal           *prometheus.CounterVec
	RequestDurationSeconds  *prometheus.HistogramVec
	TrackedTotal            *prometheus.CounterVec
	TrackRejectedTotal      *prometheus.CounterVec
	AnalysesTotal           *prometheus.CounterVec
	AnalysisDurationSeconds *prometheus.HistogramVec
	JobsTotal               *prometheus.CounterVec
	AuditEventsTotal        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
//
// # Limitations
//
//   - Panics if the collectors are already registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "requests_total",
				Help:      "Total HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "code"},
		),
		RequestDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"route", "method"},
		),
		TrackedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: trackSubsystem,
				Name:      "accepted_total",
				Help:      "Accepted tracking calls by kind",
			},
			[]string{"kind"},
		),
		TrackRejectedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: trackSubsystem,
				Name:      "rejected_total",
				Help:      "Rejected tracking calls by reason",
			},
			[]string{"reason"},
		),
		AnalysesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: analysisSubsys,
				Name:      "runs_total",
				Help:      "Finished metric analyses by final status",
			},
			[]string{"status"},
		),
		AnalysisDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: analysisSubsys,
				Name:      "duration_seconds",
				Help:      "Metric analysis wall time in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		JobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: jobsSubsystem,
				Name:      "processed_total",
				Help:      "Background job handler calls by type and result",
			},
			[]string{"type", "result"},
		),
		AuditEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: auditSubsystem,
				Name:      "events_total",
				Help:      "Audit events by delivery result",
			},
			[]string{"result"},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// Middleware records one request sample per handled request. Requests that
// match no route are labelled "unmatched".
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDurationSeconds.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// RecordTracked counts an accepted tracking call.
func (m *Metrics) RecordTracked(kind string) {
	if m == nil {
		return
	}
	m.TrackedTotal.WithLabelValues(kind).Inc()
}

// RecordTrackRejected counts a rejected tracking call.
func (m *Metrics) RecordTrackRejected(reason string) {
	if m == nil {
		return
	}
	m.TrackRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordAnalysis records a finished analysis.
func (m *Metrics) RecordAnalysis(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.AnalysesTotal.WithLabelValues(status).Inc()
	m.AnalysisDurationSeconds.WithLabelValues(status).Observe(elapsed.Seconds())
}

// RecordJob records one handler call. permanent reports whether the error
// ends the job without retry.
func (m *Metrics) RecordJob(jobType string, err error, permanent bool) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case err == nil:
	case permanent:
		result = "dropped"
	default:
		result = "retry"
	}
	m.JobsTotal.WithLabelValues(jobType, result).Inc()
}

// RecordAudit records the delivery outcome of one audit event.
func (m *Metrics) RecordAudit(failures int) {
	if m == nil {
		return
	}
	result := "delivered"
	if failures > 0 {
		result = "failed"
	}
	m.AuditEventsTotal.WithLabelValues(result).Inc()
}
