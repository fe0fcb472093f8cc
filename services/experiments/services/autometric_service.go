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
	"strconv"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/audit"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/integrations"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/jobs"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AutoMetricServiceConfig wires an AutoMetricService.
type AutoMetricServiceConfig struct {
	Metrics      MetricStore
	Datasources  DatasourceStore
	Users        UserDirectory
	Gate         extensions.PermissionGate
	Audit        extensions.AuditLogger
	Integrations IntegrationResolver
	Queue        jobs.Queue
}

// AutoMetricService proposes metrics from tracked events and materialises
// the ones a user picks.
type AutoMetricService struct {
	cfg AutoMetricServiceConfig
}

// NewAutoMetricService creates the service.
func NewAutoMetricService(cfg AutoMetricServiceConfig) *AutoMetricService {
	if cfg.Gate == nil {
		cfg.Gate = &extensions.NopPermissionGate{}
	}
	if cfg.Audit == nil {
		cfg.Audit = &extensions.NopAuditLogger{}
	}
	return &AutoMetricService{cfg: cfg}
}

func softFail(reason string, attrs ...any) *datatypes.AutoMetricsProposal {
	slog.Info("No auto-generated metrics proposed", append([]any{"reason", reason}, attrs...)...)
	return &datatypes.AutoMetricsProposal{
		TrackedEvents: []datatypes.TrackedEvent{},
		Message:       datatypes.AutoMetricMessage,
	}
}

// Propose lists metric candidates derived from the datasource's tracked
// events. Nothing is persisted.
//
// # Description
//
// Requires createMetrics on the datasource's projects. When the
// integration cannot list tracked events, has no schema format, lacks the
// auto-metric capability, fails to query, or finds nothing, the result is
// an empty list with an explanatory message rather than an error.
//
// # Outputs
//
//   - The proposal, possibly empty with Message set.
//   - ErrNotFound for an unknown datasource, or ErrForbidden.
func (s *AutoMetricService) Propose(ctx context.Context, p *extensions.AuthInfo, datasourceID string) (proposal *datatypes.AutoMetricsProposal, err error) {
	ctx, span := tracer.Start(ctx, "AutoMetricService.Propose",
		trace.WithAttributes(attribute.String("datasource.id", datasourceID)))
	defer func() { endSpan(span, err) }()

	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	ds, err := s.cfg.Datasources.GetDatasource(ctx, datasourceID, p.OrganizationID)
	if err != nil {
		return nil, translate(err, "datasource", datasourceID)
	}
	if err := s.cfg.Gate.Check(ctx, p, extensions.ActionCreateMetrics, ds.Projects); err != nil {
		return nil, err
	}

	integration, err := s.cfg.Integrations.Resolve(ctx, ds.ID, p.OrganizationID)
	if err != nil {
		return softFail("integration unavailable", "datasource_id", ds.ID, "error", err), nil
	}
	source, ok := integration.(integrations.TrackedEventSource)
	if !ok {
		return softFail("no tracked event support", "datasource_id", ds.ID), nil
	}
	format := integration.SchemaFormat()
	if format == "" {
		return softFail("no schema format", "datasource_id", ds.ID), nil
	}
	if !integration.Properties().SupportsAutoGeneratedMetrics {
		return softFail("auto-generated metrics unsupported", "datasource_id", ds.ID, "schema_format", format), nil
	}

	existing, err := s.cfg.Metrics.ListMetricsByDatasource(ctx, ds.ID, p.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list metrics for datasource %s: %w", ds.ID, err)
	}
	events, err := source.EventsTrackedByDatasource(ctx, format, existing)
	if err != nil {
		return softFail("tracked events query failed", "datasource_id", ds.ID, "error", err), nil
	}
	if len(events) == 0 {
		return softFail("no tracked events", "datasource_id", ds.ID), nil
	}
	span.SetAttributes(attribute.Int("tracked_events.count", len(events)))
	return &datatypes.AutoMetricsProposal{TrackedEvents: events}, nil
}

// Commit enqueues creation of the chosen candidates.
//
// # Description
//
// The acting user must exist in the user directory; authorship of the
// created metrics is attributed to them. Requires createMetrics on
// req.Projects. Returns once the job is enqueued; an empty candidate list
// enqueues nothing and still succeeds.
//
// # Outputs
//
//   - *ValidationError, ErrForbidden ("User not found" or denied),
//     ErrNotFound (unknown datasource), or a queue error.
func (s *AutoMetricService) Commit(ctx context.Context, p *extensions.AuthInfo, req datatypes.AutoMetricsRequest) (err error) {
	ctx, span := tracer.Start(ctx, "AutoMetricService.Commit",
		trace.WithAttributes(
			attribute.String("datasource.id", req.DatasourceID),
			attribute.Int("metrics.count", len(req.MetricsToCreate)),
		))
	defer func() { endSpan(span, err) }()

	if err := requirePrincipal(p); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return invalid(err)
	}
	user, err := s.cfg.Users.GetUser(ctx, p.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return &ForbiddenError{Message: "User not found"}
	}
	if err != nil {
		return fmt.Errorf("resolve user %s: %w", p.UserID, err)
	}
	if err := s.cfg.Gate.Check(ctx, p, extensions.ActionCreateMetrics, req.Projects); err != nil {
		return err
	}
	if _, err := s.cfg.Datasources.GetDatasource(ctx, req.DatasourceID, p.OrganizationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &NotFoundError{Kind: "datasource", ID: req.DatasourceID, Message: "Invalid data source: " + req.DatasourceID}
		}
		return fmt.Errorf("datasource %s: %w", req.DatasourceID, err)
	}

	if len(req.MetricsToCreate) == 0 {
		return nil
	}
	projects := req.Projects
	if projects == nil {
		projects = []string{}
	}
	job, err := jobs.NewJob(jobs.TypeCreateAutoGeneratedMetrics, jobs.AutoMetricsPayload{
		DatasourceID: req.DatasourceID,
		Organization: p.OrganizationID,
		Projects:     projects,
		Metrics:      req.MetricsToCreate,
		User:         *user,
	})
	if err != nil {
		return err
	}
	if err := s.cfg.Queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue auto-generated metrics: %w", err)
	}
	slog.Info("Auto-generated metrics enqueued",
		"job_id", job.ID,
		"datasource_id", req.DatasourceID,
		"count", len(req.MetricsToCreate))
	return nil
}

// HandleCreateJob is the worker handler for TypeCreateAutoGeneratedMetrics.
//
// # Description
//
// Metric ids are derived from the job id and candidate position, so a
// retried job skips the metrics an earlier attempt already created.
// Candidates flagged Exists are skipped.
func (s *AutoMetricService) HandleCreateJob(ctx context.Context, job jobs.Job) error {
	var payload jobs.AutoMetricsPayload
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", jobs.ErrPermanent, err)
	}
	if payload.Organization == "" || payload.DatasourceID == "" {
		return fmt.Errorf("%w: job %s lacks organization or datasource", jobs.ErrPermanent, job.ID)
	}

	actor := &extensions.AuthInfo{
		UserID:         payload.User.ID,
		Email:          payload.User.Email,
		Name:           payload.User.Name,
		OrganizationID: payload.Organization,
	}
	var errs []error
	created := 0
	for i, cand := range payload.Metrics {
		if cand.Exists {
			continue
		}
		m := datatypes.MetricInput{
			Datasource: payload.DatasourceID,
			Name:       cand.Name,
			Type:       cand.Type,
			SQL:        cand.SQL,
			Projects:   payload.Projects,
		}.ToMetric()
		m.ID = "met_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(job.ID+"/"+strconv.Itoa(i))).String()
		m.Organization = payload.Organization
		m.Owner = payload.User.DisplayName()
		m.Status = datatypes.MetricStatusActive
		if m.Projects == nil {
			m.Projects = []string{}
		}

		rec, err := s.cfg.Metrics.CreateMetric(ctx, m)
		if errors.Is(err, store.ErrExists) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("create %q: %w", cand.Name, err))
			continue
		}
		created++
		recordAudit(ctx, s.cfg.Audit, actor, extensions.AuditEvent{
			Event:   EventMetricAutoCreate,
			Entity:  extensions.AuditEntity{Object: auditObjectMetric, ID: rec.ID},
			Details: audit.DetailsCreate(rec),
		})
	}
	slog.Info("Auto-generated metrics created",
		"job_id", job.ID,
		"organization", payload.Organization,
		"created", created,
		"failed", len(errs))
	return errors.Join(errs...)
}
