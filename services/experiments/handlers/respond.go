// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP surface of the experiments service.
//
// Every JSON response carries a numeric "status" equal to the HTTP code.
// Errors are {"status": code, "message": text}; validation failures add
// "fields".
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/AleutianAI/AleutianExperiments/pkg/validation"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/middleware"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/services"
	"github.com/gin-gonic/gin"
)

func respond(c *gin.Context, code int, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["status"] = code
	c.JSON(code, body)
}

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	var (
		verr *services.ValidationError
		oerr *services.OperationError
		perr *validation.Error
	)
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, extensions.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &verr), errors.As(err, &oerr), errors.As(err, &perr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	code := statusFor(err)
	body := gin.H{"message": err.Error()}
	var perr *validation.Error
	if errors.As(err, &perr) && len(perr.Fields) > 0 {
		body["fields"] = perr.Fields
	}
	if code == http.StatusInternalServerError {
		slog.Error("Request failed",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"error", err)
		body["message"] = "internal server error"
	}
	c.Abort()
	respond(c, code, body)
}

// bind strictly decodes the request body into dst, answering 400 on
// failure.
func bind(c *gin.Context, dst any) bool {
	if err := validation.DecodeStrict(c.Request.Body, dst); err != nil {
		respondError(c, &services.ValidationError{Err: err})
		return false
	}
	return true
}

func principal(c *gin.Context) *extensions.AuthInfo {
	return middleware.GetAuthInfo(c)
}

// HealthCheck answers liveness probes.
func HealthCheck(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{"message": "ok"})
}
