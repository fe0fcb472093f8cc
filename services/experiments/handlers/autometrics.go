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
	"net/http"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/gin-gonic/gin"
)

// GetTrackedEvents lists auto-metric candidates for a datasource. A
// datasource that cannot produce candidates answers 200 with an empty list
// and a message.
func GetTrackedEvents(svc AutoMetricService) gin.HandlerFunc {
	return func(c *gin.Context) {
		proposal, err := svc.Propose(c.Request.Context(), principal(c), c.Param("datasourceId"))
		if err != nil {
			respondError(c, err)
			return
		}
		body := gin.H{"trackedEvents": proposal.TrackedEvents}
		if proposal.Message != "" {
			body["message"] = proposal.Message
		}
		respond(c, http.StatusOK, body)
	}
}

// PostAutoMetrics enqueues creation of the selected candidates.
func PostAutoMetrics(svc AutoMetricService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.AutoMetricsRequest
		if !bind(c, &req) {
			return
		}
		if err := svc.Commit(c.Request.Context(), principal(c), req); err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, nil)
	}
}
