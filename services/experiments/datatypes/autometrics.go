// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"

	"github.com/AleutianAI/AleutianExperiments/pkg/validation"
)

// AutoMetricMessage is returned when no candidates can be proposed.
const AutoMetricMessage = "We were unable to identify any metrics to generate for you automatically. You can still create metrics manually."

// MetricCandidate is a metric the discovery service proposes.
type MetricCandidate struct {
	Name   string     `json:"name" validate:"required,max=256"`
	SQL    string     `json:"sql" validate:"required"`
	Type   MetricType `json:"type" validate:"required,oneof=binomial count duration revenue"`
	Exists bool       `json:"exists,omitempty"`
}

// TrackedEvent is an event found in a datasource, with the metrics that
// could be derived from it.
type TrackedEvent struct {
	Event           string            `json:"event"`
	DisplayName     string            `json:"displayName"`
	HasUserID       bool              `json:"hasUserId"`
	Count           int64             `json:"count"`
	LastTrackedAt   time.Time         `json:"lastTrackedAt"`
	MetricsToCreate []MetricCandidate `json:"metricsToCreate"`
}

// AutoMetricsProposal is the response of a propose call. Message is set
// when TrackedEvents is empty.
type AutoMetricsProposal struct {
	TrackedEvents []TrackedEvent `json:"trackedEvents"`
	Message       string         `json:"message,omitempty"`
}

// AutoMetricsRequest is the body of POST /auto-metrics.
type AutoMetricsRequest struct {
	DatasourceID    string            `json:"datasourceId" validate:"required"`
	Projects        []string          `json:"projects,omitempty"`
	MetricsToCreate []MetricCandidate `json:"metricsToCreate" validate:"dive"`
}

// Validate runs the struct rules.
func (in AutoMetricsRequest) Validate() error {
	return validation.Struct(in)
}
