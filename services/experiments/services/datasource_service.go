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
	"github.com/AleutianAI/AleutianExperiments/services/experiments/audit"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/google/uuid"
)

// Audit event names for datasources.
const (
	EventDatasourceCreate = "datasource.create"

	auditObjectDatasource = "datasource"
)

// DatasourceServiceConfig wires a DatasourceService.
type DatasourceServiceConfig struct {
	Datasources DatasourceStore
	Gate        extensions.PermissionGate
	Audit       extensions.AuditLogger
}

// DatasourceService registers datasources. Every record it returns has its
// credentials removed.
type DatasourceService struct {
	cfg DatasourceServiceConfig
}

// NewDatasourceService creates the service.
func NewDatasourceService(cfg DatasourceServiceConfig) *DatasourceService {
	if cfg.Gate == nil {
		cfg.Gate = &extensions.NopPermissionGate{}
	}
	if cfg.Audit == nil {
		cfg.Audit = &extensions.NopAuditLogger{}
	}
	return &DatasourceService{cfg: cfg}
}

// List returns the organization's datasources.
func (s *DatasourceService) List(ctx context.Context, p *extensions.AuthInfo) ([]datatypes.Datasource, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	all, err := s.cfg.Datasources.ListDatasources(ctx, p.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list datasources: %w", err)
	}
	out := make([]datatypes.Datasource, 0, len(all))
	for _, ds := range all {
		out = append(out, ds.Redacted())
	}
	return out, nil
}

// Get returns one datasource.
func (s *DatasourceService) Get(ctx context.Context, p *extensions.AuthInfo, id string) (*datatypes.Datasource, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	ds, err := s.cfg.Datasources.GetDatasource(ctx, id, p.OrganizationID)
	if err != nil {
		return nil, translate(err, "datasource", id)
	}
	r := ds.Redacted()
	return &r, nil
}

// Create registers a datasource. Requires createDatasources on in.Projects.
func (s *DatasourceService) Create(ctx context.Context, p *extensions.AuthInfo, in datatypes.DatasourceInput) (ds datatypes.Datasource, err error) {
	ctx, span := tracer.Start(ctx, "DatasourceService.Create")
	defer func() { endSpan(span, err) }()

	if err := requirePrincipal(p); err != nil {
		return ds, err
	}
	if err := in.Validate(); err != nil {
		return ds, invalid(err)
	}
	if err := s.cfg.Gate.Check(ctx, p, extensions.ActionCreateDatasources, in.Projects); err != nil {
		return ds, err
	}

	projects := in.Projects
	if projects == nil {
		projects = []string{}
	}
	created, err := s.cfg.Datasources.CreateDatasource(ctx, datatypes.Datasource{
		ID:           "ds_" + uuid.NewString(),
		Organization: p.OrganizationID,
		Name:         in.Name,
		Type:         in.Type,
		Projects:     projects,
		Settings:     in.Settings,
	})
	if err != nil {
		return ds, fmt.Errorf("create datasource: %w", err)
	}
	created = created.Redacted()
	recordAudit(ctx, s.cfg.Audit, p, extensions.AuditEvent{
		Event:   EventDatasourceCreate,
		Entity:  extensions.AuditEntity{Object: auditObjectDatasource, ID: created.ID},
		Details: audit.DetailsCreate(created),
	})
	return created, nil
}
