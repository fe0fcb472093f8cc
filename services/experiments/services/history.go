// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/AleutianAI/AleutianExperiments/pkg/validation"
)

// historyObjects are the entity types with an audit trail.
var historyObjects = map[string]bool{
	auditObjectMetric:     true,
	auditObjectTemplate:   true,
	auditObjectDatasource: true,
}

// HistoryService reads the audit trail of a single entity.
type HistoryService struct {
	audit extensions.AuditLogger
	gate  extensions.PermissionGate
	limit int
}

// NewHistoryService creates the service. limit caps returned events; zero
// means 100.
func NewHistoryService(auditLog extensions.AuditLogger, gate extensions.PermissionGate, limit int) *HistoryService {
	if gate == nil {
		gate = &extensions.NopPermissionGate{}
	}
	if limit <= 0 {
		limit = 100
	}
	return &HistoryService{audit: auditLog, gate: gate, limit: limit}
}

// History returns audit events for object/id in the principal's
// organization, newest first. Requires viewAuditLog.
func (s *HistoryService) History(ctx context.Context, p *extensions.AuthInfo, object, id string) ([]extensions.AuditEvent, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if !historyObjects[object] {
		return nil, invalid(validation.Errorf("unknown entity type %q", object))
	}
	if id == "" {
		return nil, invalid(validation.Errorf("entity id is required"))
	}
	if err := s.gate.Check(ctx, p, extensions.ActionViewAuditLog, nil); err != nil {
		return nil, err
	}
	events, err := s.audit.Query(ctx, extensions.AuditFilter{
		OrganizationID: p.OrganizationID,
		EntityObject:   object,
		EntityID:       id,
		Limit:          s.limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	if events == nil {
		events = []extensions.AuditEvent{}
	}
	return events, nil
}
