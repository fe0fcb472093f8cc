// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned by AuthProvider implementations when the
// presented token is missing, malformed, expired or otherwise invalid.
var ErrUnauthorized = errors.New("unauthorized")

// LocalOrganizationID is the organization assigned to the no-op local user.
const LocalOrganizationID = "org_local"

// AuthInfo is the authenticated principal attached to every request.
//
// # Description
//
// AuthInfo carries identity (UserID, Email, Name), tenancy (OrganizationID)
// and role assignments. Role is the organization-wide role; ProjectRoles
// overrides it for individual projects.
//
// # Thread Safety
//
// AuthInfo is treated as immutable once stored on a request context.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	// Required and never empty for a validated principal.
	UserID string

	// Email is the user's email address. May be empty.
	Email string

	// Name is the user's display name. May be empty.
	Name string

	// OrganizationID scopes every read and write the principal performs.
	OrganizationID string

	// Role is the organization-wide role, e.g. "admin", "analyst", "readonly".
	Role string

	// ProjectRoles maps project ids to a role that overrides Role within
	// that project.
	ProjectRoles map[string]string
}

// DisplayName returns the identity used for ownership fields.
//
// Falls back from Name to Email to UserID.
func (a *AuthInfo) DisplayName() string {
	switch {
	case a == nil:
		return ""
	case a.Name != "":
		return a.Name
	case a.Email != "":
		return a.Email
	default:
		return a.UserID
	}
}

// RoleFor returns the effective role for a project. An empty project id
// yields the organization-wide role.
func (a *AuthInfo) RoleFor(project string) string {
	if a == nil {
		return ""
	}
	if project != "" {
		if role, ok := a.ProjectRoles[project]; ok && role != "" {
			return role
		}
	}
	return a.Role
}

// AuthProvider validates a bearer token and returns the principal.
type AuthProvider interface {
	// Validate checks the token and returns the user's identity.
	//
	// Returns ErrUnauthorized (or an error wrapping it) when the token is
	// rejected. Other errors signal provider failures.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider authenticates every request as a local administrator.
//
// Used when no signing secret is configured, so the CLI and local
// development work without an identity provider.
type NopAuthProvider struct{}

// Validate always succeeds with the local admin principal.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID:         "local-user",
		Name:           "Local User",
		OrganizationID: LocalOrganizationID,
		Role:           "admin",
	}, nil
}

var _ AuthProvider = (*NopAuthProvider)(nil)
