// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the experiments service.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo)
//
// With NopAuthProvider every request is the local administrator of
// extensions.LocalOrganizationID. The JWT provider in package auth maps
// token claims onto the principal.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/gin-gonic/gin"
)

// authInfoKey is the context key for storing AuthInfo.
const authInfoKey = "aleutian_auth_info"

// SetAuthInfo stores the authenticated principal in the Gin context.
//
// # Description
//
// Called by AuthMiddleware after successful authentication. Handlers read
// the principal back with GetAuthInfo; tests use it to skip the token
// round trip.
//
// # Limitations
//
//   - Request-scoped; overwrites any principal already stored.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the principal stored by AuthMiddleware, or nil.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// AuthMiddleware authenticates requests with provider.
//
// # Description
//
// Extracts the bearer token from the Authorization header, validates it
// with provider and stores the resulting AuthInfo in the Gin context for
// downstream handlers. A principal without an organization is rejected,
// since every metric, template and datasource lookup is keyed by it.
//
// # Token Extraction
//
// Tokens are read from:
//
//	Authorization: Bearer <token>
//
// A missing or malformed header yields an empty token. NopAuthProvider
// accepts it as the local administrator; the JWT provider rejects it.
//
// # Inputs
//
//   - provider: Validates tokens. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Aborts with 401 {"status":401,"message":"unauthorized"}
//     on any failure, otherwise calls the next handler.
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
//
// # Limitations
//
//   - Bearer tokens only.
//   - Validates on every request; nothing is cached.
//   - Provider errors other than extensions.ErrUnauthorized are logged
//     but still answered with 401, so callers cannot tell them apart.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, extensions.ErrUnauthorized) {
				slog.Warn("Auth provider failure", "path", c.FullPath(), "error", err)
			}
			abortUnauthorized(c)
			return
		}
		if authInfo == nil || authInfo.OrganizationID == "" {
			abortUnauthorized(c)
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"status":  http.StatusUnauthorized,
		"message": "unauthorized",
	})
}

// extractBearerToken parses "Authorization: Bearer <token>". The scheme is
// case-insensitive per RFC 7235. Returns "" when missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
