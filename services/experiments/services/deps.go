// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services holds the business logic of the experiments service.
//
// Every operation takes the authenticated principal explicitly, scopes
// reads and writes to its organization, checks permissions through the
// PermissionGate before mutating, persists, and only then records an
// audit event. Audit failures are logged and never undo a mutation.
package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/integrations"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.experiments.services")

// =============================================================================
// Consumer-side interfaces
// =============================================================================

// MetricStore persists metrics.
type MetricStore interface {
	GetMetric(ctx context.Context, id, org string, includeInternal bool) (*datatypes.Metric, error)
	ListMetrics(ctx context.Context, org string) ([]datatypes.Metric, error)
	ListMetricsByDatasource(ctx context.Context, datasourceID, org string) ([]datatypes.Metric, error)
	CreateMetric(ctx context.Context, m datatypes.Metric) (datatypes.Metric, error)
	UpdateMetric(ctx context.Context, id, org string, patch datatypes.MetricPatch, guard func(current datatypes.Metric) error) (*datatypes.Metric, error)
	DeleteMetric(ctx context.Context, id, org string) error
}

// DatasourceStore persists datasources.
type DatasourceStore interface {
	GetDatasource(ctx context.Context, id, org string) (*datatypes.Datasource, error)
	ListDatasources(ctx context.Context, org string) ([]datatypes.Datasource, error)
	CreateDatasource(ctx context.Context, ds datatypes.Datasource) (datatypes.Datasource, error)
}

// UsageStore answers which experiments and ideas reference a metric.
type UsageStore interface {
	ListExperimentsByMetric(ctx context.Context, metricID, org string, limit int) ([]datatypes.ExperimentRef, error)
	ListImpactEstimatesByMetric(ctx context.Context, metricID, org string) ([]datatypes.ImpactEstimate, error)
	GetIdeaByEstimate(ctx context.Context, estimateID, org string) (*datatypes.Idea, error)
}

// SettingsStore reads organization settings.
type SettingsStore interface {
	GetOrganizationSettings(ctx context.Context, org string) (datatypes.OrganizationSettings, error)
}

// UserDirectory resolves user ids.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*datatypes.User, error)
}

// TemplateStore persists experiment templates.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id, org string) (*datatypes.ExperimentTemplate, error)
	ListTemplates(ctx context.Context, org string) ([]datatypes.ExperimentTemplate, error)
	CreateTemplate(ctx context.Context, t datatypes.ExperimentTemplate) (datatypes.ExperimentTemplate, error)
	UpdateTemplate(ctx context.Context, id, org string, patch datatypes.TemplatePatch) (*datatypes.ExperimentTemplate, error)
	DeleteTemplate(ctx context.Context, id, org string) error
}

// TrackStore appends tracked events.
type TrackStore interface {
	AppendTracked(ctx context.Context, rec datatypes.TrackedRecord) error
}

// IntegrationResolver returns the integration of a datasource.
type IntegrationResolver interface {
	Resolve(ctx context.Context, datasourceID, org string) (integrations.Integration, error)
}

// AnalysisRunner runs metric analyses in the background.
type AnalysisRunner interface {
	Start(ctx context.Context, metric datatypes.Metric, integration integrations.Integration, days int) error
	Cancel(metricID string) bool
}

// =============================================================================
// Shared helpers
// =============================================================================

// requirePrincipal rejects calls without an authenticated organization
// member.
func requirePrincipal(p *extensions.AuthInfo) error {
	if p == nil || p.OrganizationID == "" {
		return &ForbiddenError{Message: "no authenticated principal"}
	}
	return nil
}

// recordAudit emits ev. Failures are logged; the caller's mutation stands.
func recordAudit(ctx context.Context, logger extensions.AuditLogger, p *extensions.AuthInfo, ev extensions.AuditEvent) {
	ev.OrganizationID = p.OrganizationID
	ev.User = extensions.AuditUserFrom(p)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := logger.Record(ctx, ev); err != nil {
		slog.Warn("Failed to record audit event",
			"event", ev.Event,
			"entity_id", ev.Entity.ID,
			"error", err)
	}
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
