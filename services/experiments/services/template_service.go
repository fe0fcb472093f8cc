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
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/AleutianAI/AleutianExperiments/pkg/validation"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/audit"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/store"
	"github.com/google/uuid"
)

// Audit event names for experiment templates.
const (
	EventTemplateCreate = "experimentTemplate.create"
	EventTemplateUpdate = "experimentTemplate.update"
	EventTemplateDelete = "experimentTemplate.delete"

	auditObjectTemplate = "experimentTemplate"
)

// TemplateServiceConfig wires a TemplateService.
type TemplateServiceConfig struct {
	Templates   TemplateStore
	Metrics     MetricStore
	Datasources DatasourceStore
	Gate        extensions.PermissionGate
	Audit       extensions.AuditLogger
}

// TemplateService manages experiment templates. Writes require
// manageTemplates on the template's projects.
type TemplateService struct {
	cfg TemplateServiceConfig
}

// NewTemplateService creates the service.
func NewTemplateService(cfg TemplateServiceConfig) *TemplateService {
	if cfg.Gate == nil {
		cfg.Gate = &extensions.NopPermissionGate{}
	}
	if cfg.Audit == nil {
		cfg.Audit = &extensions.NopAuditLogger{}
	}
	return &TemplateService{cfg: cfg}
}

// List returns the templates of the principal's organization.
func (s *TemplateService) List(ctx context.Context, p *extensions.AuthInfo) ([]datatypes.ExperimentTemplate, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return s.cfg.Templates.ListTemplates(ctx, p.OrganizationID)
}

// Get returns one template.
func (s *TemplateService) Get(ctx context.Context, p *extensions.AuthInfo, id string) (*datatypes.ExperimentTemplate, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	t, err := s.cfg.Templates.GetTemplate(ctx, id, p.OrganizationID)
	if err != nil {
		return nil, translate(err, "template", id)
	}
	return t, nil
}

// Create validates in and stores a new template.
func (s *TemplateService) Create(ctx context.Context, p *extensions.AuthInfo, in datatypes.TemplateInput) (t datatypes.ExperimentTemplate, err error) {
	ctx, span := tracer.Start(ctx, "TemplateService.Create")
	defer func() { endSpan(span, err) }()

	if err := requirePrincipal(p); err != nil {
		return t, err
	}
	if err := in.Validate(); err != nil {
		return t, invalid(err)
	}
	if err := s.cfg.Gate.Check(ctx, p, extensions.ActionManageTemplates, in.Projects); err != nil {
		return t, err
	}
	t = in.ToTemplate()
	if err := s.checkReferences(ctx, p.OrganizationID, t); err != nil {
		return datatypes.ExperimentTemplate{}, err
	}

	t.ID = "tmp_" + uuid.NewString()
	t.Organization = p.OrganizationID
	t.Owner = p.DisplayName()
	created, err := s.cfg.Templates.CreateTemplate(ctx, t)
	if err != nil {
		return datatypes.ExperimentTemplate{}, fmt.Errorf("create template: %w", err)
	}

	recordAudit(ctx, s.cfg.Audit, p, extensions.AuditEvent{
		Event:   EventTemplateCreate,
		Entity:  extensions.AuditEntity{Object: auditObjectTemplate, ID: created.ID},
		Details: audit.DetailsCreate(created),
	})
	return created, nil
}

// Update applies the present fields of patch. Identity fields in the
// patch are ignored.
func (s *TemplateService) Update(ctx context.Context, p *extensions.AuthInfo, id string, patch datatypes.TemplatePatch) (t *datatypes.ExperimentTemplate, err error) {
	ctx, span := tracer.Start(ctx, "TemplateService.Update")
	defer func() { endSpan(span, err) }()

	if err := patch.Validate(); err != nil {
		return nil, invalid(err)
	}
	existing, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Gate.Check(ctx, p, extensions.ActionManageTemplates, existing.Projects); err != nil {
		return nil, err
	}
	if patch.Projects.Set && len(patch.Projects.Value) > 0 {
		if err := s.cfg.Gate.Check(ctx, p, extensions.ActionManageTemplates, patch.Projects.Value); err != nil {
			return nil, err
		}
	}

	preview := *existing
	patch.Apply(&preview)
	if err := s.checkReferences(ctx, p.OrganizationID, preview); err != nil {
		return nil, err
	}

	updated, err := s.cfg.Templates.UpdateTemplate(ctx, id, p.OrganizationID, patch)
	if err != nil {
		return nil, translate(err, "template", id)
	}
	recordAudit(ctx, s.cfg.Audit, p, extensions.AuditEvent{
		Event:   EventTemplateUpdate,
		Entity:  extensions.AuditEntity{Object: auditObjectTemplate, ID: id},
		Details: audit.DetailsUpdate(existing, updated),
	})
	return updated, nil
}

// Delete removes a template.
func (s *TemplateService) Delete(ctx context.Context, p *extensions.AuthInfo, id string) error {
	existing, err := s.Get(ctx, p, id)
	if err != nil {
		return err
	}
	if err := s.cfg.Gate.Check(ctx, p, extensions.ActionManageTemplates, existing.Projects); err != nil {
		return err
	}
	if err := s.cfg.Templates.DeleteTemplate(ctx, id, p.OrganizationID); err != nil {
		return translate(err, "template", id)
	}
	recordAudit(ctx, s.cfg.Audit, p, extensions.AuditEvent{
		Event:   EventTemplateDelete,
		Entity:  extensions.AuditEntity{Object: auditObjectTemplate, ID: id},
		Details: audit.DetailsDelete(existing),
	})
	return nil
}

// checkReferences verifies the datasource and every referenced metric
// exist in org.
func (s *TemplateService) checkReferences(ctx context.Context, org string, t datatypes.ExperimentTemplate) error {
	if s.cfg.Datasources != nil && t.Datasource != "" {
		_, err := s.cfg.Datasources.GetDatasource(ctx, t.Datasource, org)
		if errors.Is(err, store.ErrNotFound) {
			return invalid(validation.Errorf("datasource %q does not exist", t.Datasource))
		}
		if err != nil {
			return err
		}
	}
	if s.cfg.Metrics == nil {
		return nil
	}
	var missing []string
	for _, id := range t.MetricIDs() {
		_, err := s.cfg.Metrics.GetMetric(ctx, id, org, false)
		if errors.Is(err, store.ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return err
		}
	}
	if len(missing) > 0 {
		return invalid(validation.Errorf("unknown metrics: %s", strings.Join(missing, ", ")))
	}
	return nil
}
