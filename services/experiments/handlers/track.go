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
	"errors"
	"net/http"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/services"
	"github.com/gin-gonic/gin"
)

// maxTrackBody caps SDK payloads.
const maxTrackBody = 64 << 10

func rejectTrack(c *gin.Context, rec RejectionRecorder, err error) {
	if rec != nil {
		reason := "invalid"
		switch {
		case errors.Is(err, services.ErrRateLimited):
			reason = "rate_limited"
		case statusFor(err) >= http.StatusInternalServerError:
			reason = "error"
		}
		rec.RecordTrackRejected(reason)
	}
	respondError(c, err)
}

func decodeTrack(c *gin.Context, rec RejectionRecorder, dst any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxTrackBody)
	if bind(c, dst) {
		return true
	}
	if rec != nil {
		rec.RecordTrackRejected("invalid")
	}
	return false
}

// PostEvent ingests one SDK event for the client key in the path.
func PostEvent(svc TrackService, rec RejectionRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in datatypes.TrackEventInput
		if !decodeTrack(c, rec, &in) {
			return
		}
		if err := svc.TrackEvent(c.Request.Context(), c.Param("clientKey"), in); err != nil {
			rejectTrack(c, rec, err)
			return
		}
		respond(c, http.StatusOK, nil)
	}
}

// PostFeatureUsage ingests one feature evaluation report.
func PostFeatureUsage(svc TrackService, rec RejectionRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in datatypes.FeatureUsageInput
		if !decodeTrack(c, rec, &in) {
			return
		}
		if err := svc.TrackFeatureUsage(c.Request.Context(), c.Param("clientKey"), in); err != nil {
			rejectTrack(c, rec, err)
			return
		}
		respond(c, http.StatusOK, nil)
	}
}
