// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/gin-gonic/gin"
)

// analysisRequest is the optional body of POST /metric/:id/analysis.
type analysisRequest struct {
	Days int `json:"days,omitempty"`
}

func ListMetrics(svc MetricService) gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics, err := svc.List(c.Request.Context(), principal(c))
		if err != nil {
			respondError(c, err)
			return
		}
		if metrics == nil {
			metrics = []datatypes.Metric{}
		}
		respond(c, http.StatusOK, gin.H{"metrics": metrics})
	}
}

func GetMetric(svc MetricService) gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := svc.Get(c.Request.Context(), principal(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"metric": detail.Metric, "experiments": detail.Experiments})
	}
}

func GetMetricUsage(svc MetricService) gin.HandlerFunc {
	return func(c *gin.Context) {
		usage, err := svc.Usage(c.Request.Context(), principal(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"experiments": usage.Experiments, "ideas": usage.Ideas})
	}
}

func PostMetric(svc MetricService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in datatypes.MetricInput
		if !bind(c, &in) {
			return
		}
		m, err := svc.Create(c.Request.Context(), principal(c), in)
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"metric": m})
	}
}

func PutMetric(svc MetricService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch datatypes.MetricPatch
		if !bind(c, &patch) {
			return
		}
		if err := svc.Update(c.Request.Context(), principal(c), c.Param("id"), patch); err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, nil)
	}
}

func DeleteMetric(svc MetricService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Delete(c.Request.Context(), principal(c), c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, nil)
	}
}

// PostMetricAnalysis starts an analysis. The body is optional; without one
// the organization's default window applies.
func PostMetricAnalysis(svc MetricService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req analysisRequest
		if c.Request.ContentLength != 0 && !bind(c, &req) {
			return
		}
		id := c.Param("id")
		if err := svc.TriggerAnalysis(c.Request.Context(), principal(c), id, req.Days); err != nil {
			respondError(c, err)
			return
		}
		slog.Info("Metric analysis started", "metric_id", id)
		respond(c, http.StatusOK, nil)
	}
}

func CancelMetricAnalysis(svc MetricService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.CancelAnalysis(c.Request.Context(), principal(c), c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, nil)
	}
}
