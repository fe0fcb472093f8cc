// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
)

// MetricService is the metric lifecycle as the handlers use it.
type MetricService interface {
	List(ctx context.Context, p *extensions.AuthInfo) ([]datatypes.Metric, error)
	Create(ctx context.Context, p *extensions.AuthInfo, in datatypes.MetricInput) (datatypes.Metric, error)
	Get(ctx context.Context, p *extensions.AuthInfo, id string) (*datatypes.MetricDetail, error)
	Usage(ctx context.Context, p *extensions.AuthInfo, id string) (*datatypes.MetricUsage, error)
	Update(ctx context.Context, p *extensions.AuthInfo, id string, patch datatypes.MetricPatch) error
	Delete(ctx context.Context, p *extensions.AuthInfo, id string) error
	TriggerAnalysis(ctx context.Context, p *extensions.AuthInfo, id string, days int) error
	CancelAnalysis(ctx context.Context, p *extensions.AuthInfo, id string) error
}

// AutoMetricService proposes and commits auto-generated metrics.
type AutoMetricService interface {
	Propose(ctx context.Context, p *extensions.AuthInfo, datasourceID string) (*datatypes.AutoMetricsProposal, error)
	Commit(ctx context.Context, p *extensions.AuthInfo, req datatypes.AutoMetricsRequest) error
}

// DatasourceService registers and lists datasources.
type DatasourceService interface {
	List(ctx context.Context, p *extensions.AuthInfo) ([]datatypes.Datasource, error)
	Get(ctx context.Context, p *extensions.AuthInfo, id string) (*datatypes.Datasource, error)
	Create(ctx context.Context, p *extensions.AuthInfo, in datatypes.DatasourceInput) (datatypes.Datasource, error)
}

// TemplateService manages experiment templates.
type TemplateService interface {
	List(ctx context.Context, p *extensions.AuthInfo) ([]datatypes.ExperimentTemplate, error)
	Get(ctx context.Context, p *extensions.AuthInfo, id string) (*datatypes.ExperimentTemplate, error)
	Create(ctx context.Context, p *extensions.AuthInfo, in datatypes.TemplateInput) (datatypes.ExperimentTemplate, error)
	Update(ctx context.Context, p *extensions.AuthInfo, id string, patch datatypes.TemplatePatch) (*datatypes.ExperimentTemplate, error)
	Delete(ctx context.Context, p *extensions.AuthInfo, id string) error
}

// TrackService ingests SDK tracking calls.
type TrackService interface {
	TrackEvent(ctx context.Context, clientKey string, in datatypes.TrackEventInput) error
	TrackFeatureUsage(ctx context.Context, clientKey string, in datatypes.FeatureUsageInput) error
}

// HistoryService reads audit trails.
type HistoryService interface {
	History(ctx context.Context, p *extensions.AuthInfo, object, id string) ([]extensions.AuditEvent, error)
}

// RejectionRecorder counts rejected tracking calls. *observability.Metrics
// satisfies it.
type RejectionRecorder interface {
	RecordTrackRejected(reason string)
}
