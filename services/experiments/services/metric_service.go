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
	"log/slog"
	"slices"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/audit"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/integrations"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Audit event names for metrics.
const (
	EventMetricCreate     = "metric.create"
	EventMetricUpdate     = "metric.update"
	EventMetricDelete     = "metric.delete"
	EventMetricAnalysis   = "metric.analysis"
	EventMetricAutoCreate = "metric.autocreate"

	auditObjectMetric = "metric"
)

// DefaultAnalysisDays is the analysis window used when neither the request
// nor the organization settings name one.
const DefaultAnalysisDays = 90

// MetricServiceConfig wires a MetricService.
type MetricServiceConfig struct {
	Metrics      MetricStore
	Datasources  DatasourceStore
	Usage        UsageStore
	Settings     SettingsStore
	Gate         extensions.PermissionGate
	Audit        extensions.AuditLogger
	Integrations IntegrationResolver
	Runner       AnalysisRunner

	// DefaultAnalysisDays overrides DefaultAnalysisDays when positive.
	DefaultAnalysisDays int

	// RecentExperiments caps the experiments returned by Get. Default: 10.
	RecentExperiments int

	// UsageConcurrency bounds concurrent idea lookups. Default: 8.
	UsageConcurrency int
}

// MetricService implements the metric lifecycle.
//
// # Thread Safety
//
// Stateless; safe for concurrent use. Concurrent updates to one metric are
// last-writer-wins.
type MetricService struct {
	cfg MetricServiceConfig
}

// NewMetricService creates the service.
func NewMetricService(cfg MetricServiceConfig) *MetricService {
	if cfg.DefaultAnalysisDays <= 0 {
		cfg.DefaultAnalysisDays = DefaultAnalysisDays
	}
	if cfg.RecentExperiments <= 0 {
		cfg.RecentExperiments = 10
	}
	if cfg.UsageConcurrency <= 0 {
		cfg.UsageConcurrency = 8
	}
	if cfg.Gate == nil {
		cfg.Gate = &extensions.NopPermissionGate{}
	}
	if cfg.Audit == nil {
		cfg.Audit = &extensions.NopAuditLogger{}
	}
	return &MetricService{cfg: cfg}
}

func (s *MetricService) startSpan(ctx context.Context, op, metricID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "MetricService."+op,
		trace.WithAttributes(attribute.String("metric.id", metricID)))
}

// load fetches a metric of the principal's organization.
func (s *MetricService) load(ctx context.Context, p *extensions.AuthInfo, id string, includeInternal bool) (*datatypes.Metric, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	m, err := s.cfg.Metrics.GetMetric(ctx, id, p.OrganizationID, includeInternal)
	if err != nil {
		return nil, translate(err, "metric", id)
	}
	return m, nil
}

// List returns every metric of the principal's organization.
func (s *MetricService) List(ctx context.Context, p *extensions.AuthInfo) ([]datatypes.Metric, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return s.cfg.Metrics.ListMetrics(ctx, p.OrganizationID)
}

// Create validates in and stores a new metric.
//
// # Description
//
// Requires createMetrics on in.Projects (unscoped when empty). A supplied
// datasource must exist in the principal's organization. Status is always
// active and owner is always the principal, whatever the input says.
//
// # Outputs
//
//   - The created record.
//   - *ValidationError, ErrForbidden or ErrNotFound (unknown datasource).
func (s *MetricService) Create(ctx context.Context, p *extensions.AuthInfo, in datatypes.MetricInput) (m datatypes.Metric, err error) {
	ctx, span := s.startSpan(ctx, "Create", "")
	defer func() { endSpan(span, err) }()

	if err := requirePrincipal(p); err != nil {
		return datatypes.Metric{}, err
	}
	if err := in.Validate(); err != nil {
		return datatypes.Metric{}, invalid(err)
	}
	if err := s.cfg.Gate.Check(ctx, p, extensions.ActionCreateMetrics, in.Projects); err != nil {
		return datatypes.Metric{}, err
	}
	if in.Datasource != "" {
		if err := s.checkDatasource(ctx, p, in.Datasource); err != nil {
			return datatypes.Metric{}, err
		}
	}

	m = in.ToMetric()
	m.ID = "met_" + uuid.NewString()
	m.Organization = p.OrganizationID
	m.Owner = p.DisplayName()
	m.Status = datatypes.MetricStatusActive
	if m.Projects == nil {
		m.Projects = []string{}
	}

	created, err := s.cfg.Metrics.CreateMetric(ctx, m)
	if err != nil {
		return datatypes.Metric{}, fmt.Errorf("create metric: %w", err)
	}
	span.SetAttributes(attribute.String("metric.id", created.ID))

	recordAudit(ctx, s.cfg.Audit, p, extensions.AuditEvent{
		Event:   EventMetricCreate,
		Entity:  extensions.AuditEntity{Object: auditObjectMetric, ID: created.ID},
		Details: audit.DetailsCreate(created),
	})
	slog.Info("Metric created", "metric_id", created.ID, "organization", p.OrganizationID)
	return created, nil
}

func (s *MetricService) checkDatasource(ctx context.Context, p *extensions.AuthInfo, id string) error {
	if s.cfg.Datasources == nil {
		return nil
	}
	_, err := s.cfg.Datasources.GetDatasource(ctx, id, p.OrganizationID)
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Kind: "datasource", ID: id, Message: "Invalid data source: " + id}
	}
	return err
}

// Read returns the metric without derived analysis fields.
func (s *MetricService) Read(ctx context.Context, p *extensions.AuthInfo, id string) (*datatypes.Metric, error) {
	return s.load(ctx, p, id, false)
}

// Get is the rich read: the metric with its derived analysis state and
// the experiments that most recently used it.
func (s *MetricService) Get(ctx context.Context, p *extensions.AuthInfo, id string) (detail *datatypes.MetricDetail, err error) {
	ctx, span := s.startSpan(ctx, "Get", id)
	defer func() { endSpan(span, err) }()

	m, err := s.load(ctx, p, id, true)
	if err != nil {
		return nil, err
	}
	experiments := []datatypes.ExperimentRef{}
	if s.cfg.Usage != nil {
		experiments, err = s.cfg.Usage.ListExperimentsByMetric(ctx, id, p.OrganizationID, s.cfg.RecentExperiments)
		if err != nil {
			return nil, fmt.Errorf("list experiments for metric %s: %w", id, err)
		}
	}
	return &datatypes.MetricDetail{Metric: *m, Experiments: experiments}, nil
}

// Usage lists the experiments referencing the metric and the ideas that
// cite it through an impact estimate.
//
// # Description
//
// Each estimate is resolved to its parent idea concurrently. An idea
// reached through several estimates is returned once, in the order of its
// first estimate. Estimates without an idea are skipped.
func (s *MetricService) Usage(ctx context.Context, p *extensions.AuthInfo, id string) (usage *datatypes.MetricUsage, err error) {
	ctx, span := s.startSpan(ctx, "Usage", id)
	defer func() { endSpan(span, err) }()

	if _, err := s.load(ctx, p, id, false); err != nil {
		return nil, err
	}
	usage = &datatypes.MetricUsage{Experiments: []datatypes.ExperimentRef{}, Ideas: []datatypes.Idea{}}
	if s.cfg.Usage == nil {
		return usage, nil
	}
	org := p.OrganizationID

	experiments, err := s.cfg.Usage.ListExperimentsByMetric(ctx, id, org, 0)
	if err != nil {
		return nil, fmt.Errorf("list experiments for metric %s: %w", id, err)
	}
	usage.Experiments = experiments

	estimates, err := s.cfg.Usage.ListImpactEstimatesByMetric(ctx, id, org)
	if err != nil {
		return nil, fmt.Errorf("list estimates for metric %s: %w", id, err)
	}

	found := make([]*datatypes.Idea, len(estimates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.UsageConcurrency)
	for i, est := range estimates {
		g.Go(func() error {
			idea, err := s.cfg.Usage.GetIdeaByEstimate(gctx, est.ID, org)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("idea for estimate %s: %w", est.ID, err)
			}
			found[i] = idea
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(found))
	for _, idea := range found {
		if idea == nil || seen[idea.ID] {
			continue
		}
		seen[idea.ID] = true
		usage.Ideas = append(usage.Ideas, *idea)
	}
	return usage, nil
}

// Update applies the present fields of patch.
//
// # Description
//
// Requires createMetrics on the metric's current projects and, when the
// patch moves it to a non-empty project set, on the new projects too.
// When a concurrent write moved the metric to other projects after the
// first read, the check is repeated against the stored projects inside
// the write transaction.
// Nothing is written unless every check passes. Fields absent from the
// patch keep their stored values.
//
// # Outputs
//
//   - *ValidationError, ErrNotFound or ErrForbidden.
func (s *MetricService) Update(ctx context.Context, p *extensions.AuthInfo, id string, patch datatypes.MetricPatch) (err error) {
	ctx, span := s.startSpan(ctx, "Update", id)
	defer func() { endSpan(span, err) }()

	if err := patch.Validate(); err != nil {
		return invalid(err)
	}
	existing, err := s.load(ctx, p, id, false)
	if err != nil {
		return err
	}
	if err := s.cfg.Gate.Check(ctx, p, extensions.ActionCreateMetrics, existing.Projects); err != nil {
		return err
	}
	if patch.ChangesProjects() {
		if err := s.cfg.Gate.Check(ctx, p, extensions.ActionCreateMetrics, patch.Projects.Value); err != nil {
			return err
		}
	}

	pre := *existing
	guard := func(current datatypes.Metric) error {
		if slices.Equal(current.Projects, existing.Projects) {
			return nil
		}
		if err := s.cfg.Gate.Check(ctx, p, extensions.ActionCreateMetrics, current.Projects); err != nil {
			return err
		}
		current.StripInternal()
		pre = current
		return nil
	}
	updated, err := s.cfg.Metrics.UpdateMetric(ctx, id, p.OrganizationID, patch, guard)
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			return err
		}
		return translate(err, "metric", id)
	}
	updated.StripInternal()

	recordAudit(ctx, s.cfg.Audit, p, extensions.AuditEvent{
		Event:   EventMetricUpdate,
		Entity:  extensions.AuditEntity{Object: auditObjectMetric, ID: id},
		Details: audit.DetailsUpdate(&pre, updated),
	})
	return nil
}

// Delete removes the metric. Requires deleteMetrics on its projects.
func (s *MetricService) Delete(ctx context.Context, p *extensions.AuthInfo, id string) (err error) {
	ctx, span := s.startSpan(ctx, "Delete", id)
	defer func() { endSpan(span, err) }()

	existing, err := s.load(ctx, p, id, false)
	if err != nil {
		return err
	}
	if err := s.cfg.Gate.Check(ctx, p, extensions.ActionDeleteMetrics, existing.Projects); err != nil {
		return err
	}
	if err := s.cfg.Metrics.DeleteMetric(ctx, id, p.OrganizationID); err != nil {
		return translate(err, "metric", id)
	}

	recordAudit(ctx, s.cfg.Audit, p, extensions.AuditEvent{
		Event:   EventMetricDelete,
		Entity:  extensions.AuditEntity{Object: auditObjectMetric, ID: id},
		Details: audit.DetailsDelete(existing),
	})
	slog.Info("Metric deleted", "metric_id", id, "organization", p.OrganizationID)
	return nil
}

// TriggerAnalysis starts a background analysis of the metric.
//
// # Inputs
//
//   - days: Window length. Zero or negative uses the organization's
//     metricAnalysisDays, then the configured default.
//
// # Outputs
//
//   - ErrNotFound, ErrForbidden, or *OperationError carrying the reason
//     the analysis could not start. Failures are not retried.
func (s *MetricService) TriggerAnalysis(ctx context.Context, p *extensions.AuthInfo, id string, days int) (err error) {
	ctx, span := s.startSpan(ctx, "TriggerAnalysis", id)
	defer func() { endSpan(span, err) }()

	m, err := s.load(ctx, p, id, true)
	if err != nil {
		return err
	}
	if err := s.cfg.Gate.Check(ctx, p, extensions.ActionRunQueries, m.Projects); err != nil {
		return err
	}
	if m.Datasource == "" {
		return &OperationError{Op: "analysis", Err: errors.New("metric has no datasource")}
	}
	integration, err := s.resolve(ctx, m.Datasource, p.OrganizationID)
	if err != nil {
		return err
	}

	window, err := s.analysisWindow(ctx, p.OrganizationID, days)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("analysis.window_days", window))

	if err := s.cfg.Runner.Start(ctx, *m, integration, window); err != nil {
		return &OperationError{Op: "analysis", Err: err}
	}

	recordAudit(ctx, s.cfg.Audit, p, extensions.AuditEvent{
		Event:  EventMetricAnalysis,
		Entity: extensions.AuditEntity{Object: auditObjectMetric, ID: id},
	})
	return nil
}

func (s *MetricService) analysisWindow(ctx context.Context, org string, days int) (int, error) {
	if days > 0 {
		return days, nil
	}
	if s.cfg.Settings != nil {
		st, err := s.cfg.Settings.GetOrganizationSettings(ctx, org)
		if err != nil {
			return 0, fmt.Errorf("organization settings: %w", err)
		}
		if st.MetricAnalysisDays > 0 {
			return st.MetricAnalysisDays, nil
		}
	}
	return s.cfg.DefaultAnalysisDays, nil
}

// resolve maps resolver failures onto the service taxonomy.
func (s *MetricService) resolve(ctx context.Context, datasourceID, org string) (integrations.Integration, error) {
	integration, err := s.cfg.Integrations.Resolve(ctx, datasourceID, org)
	switch {
	case err == nil:
		return integration, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, &NotFoundError{Kind: "datasource", ID: datasourceID, Message: "Invalid data source: " + datasourceID}
	default:
		return nil, &OperationError{Op: "resolve datasource", Err: err}
	}
}

// CancelAnalysis stops the metric's in-flight analysis, if any. Cancelling
// an idle metric succeeds.
func (s *MetricService) CancelAnalysis(ctx context.Context, p *extensions.AuthInfo, id string) (err error) {
	ctx, span := s.startSpan(ctx, "CancelAnalysis", id)
	defer func() { endSpan(span, err) }()

	m, err := s.load(ctx, p, id, true)
	if err != nil {
		return err
	}
	if err := s.cfg.Gate.Check(ctx, p, extensions.ActionRunQueries, m.Projects); err != nil {
		return err
	}
	if m.Datasource != "" {
		if _, err := s.resolve(ctx, m.Datasource, p.OrganizationID); err != nil {
			return err
		}
	}
	cancelled := s.cfg.Runner.Cancel(id)
	span.SetAttributes(attribute.Bool("analysis.cancelled", cancelled))
	return nil
}
