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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	require.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}

func TestMiddleware_LabelsByRoute(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/v1/metric/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/metric/met_"+string(rune('a'+i)), nil))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/v1/metric/:id", "GET", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("unmatched", "GET", "404")))
}

func TestRecorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordTracked("event")
	m.RecordTracked("event")
	m.RecordTrackRejected("rate_limited")
	m.RecordAnalysis("succeeded", 2*time.Second)
	m.RecordJob("create-auto-generated-metrics", nil, false)
	m.RecordJob("create-auto-generated-metrics", errors.New("boom"), false)
	m.RecordJob("create-auto-generated-metrics", errors.New("bad payload"), true)
	m.RecordAudit(0)
	m.RecordAudit(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TrackedTotal.WithLabelValues("event")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrackRejectedTotal.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AnalysesTotal.WithLabelValues("succeeded")))
	for _, result := range []string{"success", "retry", "dropped"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("create-auto-generated-metrics", result)), result)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditEventsTotal.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditEventsTotal.WithLabelValues("failed")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTracked("event")
		m.RecordTrackRejected("invalid")
		m.RecordAnalysis("failed", time.Second)
		m.RecordJob("x", nil, false)
		m.RecordAudit(0)

		r := gin.New()
		r.Use(m.Middleware())
		r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}
