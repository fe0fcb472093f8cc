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

// ErrForbidden is returned (possibly wrapped) by a PermissionGate when the
// principal is not allowed to perform the requested action.
var ErrForbidden = errors.New("forbidden")

// Action names a permission-checked operation.
type Action string

const (
	// ActionCreateMetrics covers creating and editing metrics and
	// proposing or committing auto-generated metrics.
	ActionCreateMetrics Action = "createMetrics"

	// ActionDeleteMetrics covers metric deletion. It is a
	// separate key from ActionCreateMetrics.
	ActionDeleteMetrics Action = "deleteMetrics"

	// ActionRunQueries covers triggering and cancelling metric analyses.
	ActionRunQueries Action = "runQueries"

	// ActionManageTemplates covers experiment template writes.
	ActionManageTemplates Action = "manageTemplates"

	// ActionCreateDatasources covers datasource registration.
	ActionCreateDatasources Action = "createDatasources"

	// ActionViewAuditLog covers reading change history.
	ActionViewAuditLog Action = "viewAuditLog"
)

// PermissionGate evaluates whether a principal may perform an action.
//
// # Description
//
// projects is the scope of the action. An empty slice means the action is
// unscoped and requires organization-wide authorization; a non-empty slice
// requires authorization in every listed project.
//
// # Outputs
//
//   - nil when allowed
//   - an error wrapping ErrForbidden when denied
type PermissionGate interface {
	Check(ctx context.Context, user *AuthInfo, action Action, projects []string) error
}

// NopPermissionGate allows every action.
type NopPermissionGate struct{}

// Check always returns nil.
func (g *NopPermissionGate) Check(_ context.Context, _ *AuthInfo, _ Action, _ []string) error {
	return nil
}

var _ PermissionGate = (*NopPermissionGate)(nil)
