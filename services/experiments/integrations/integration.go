// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package integrations connects the experiments service to the warehouses
// that hold experiment and metric data.
//
// An Integration is built from a Datasource record by a Factory registered
// for the datasource type. The Resolver looks up datasources, builds
// integrations on first use and caches them until the datasource record
// changes.
package integrations

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
)

// ErrUnsupported is returned when an integration lacks a capability.
var ErrUnsupported = errors.New("not supported by this datasource")

// Properties are the capability flags of an integration.
type Properties struct {
	// SupportsAutoGeneratedMetrics is set when tracked events can be turned
	// into metric candidates.
	SupportsAutoGeneratedMetrics bool `json:"supportsAutoGeneratedMetrics"`

	// SupportsMetricAnalysis is set when RunMetricAnalysis can run.
	SupportsMetricAnalysis bool `json:"supportsMetricAnalysis"`
}

// Integration executes queries against one datasource.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. RunMetricAnalysis must
// stop promptly when ctx is cancelled; that is how analyses are cancelled.
type Integration interface {
	// Properties reports capability flags.
	Properties() Properties

	// SchemaFormat returns the configured tracking schema, or "".
	SchemaFormat() datatypes.SchemaFormat

	// RunMetricAnalysis computes the daily summary of metric over
	// [from, to).
	RunMetricAnalysis(ctx context.Context, metric datatypes.Metric, from, to time.Time) (*datatypes.MetricAnalysis, error)

	// Close releases connections.
	Close() error
}

// TrackedEventSource is implemented by integrations that can list the
// events an event pipeline has written.
type TrackedEventSource interface {
	// EventsTrackedByDatasource lists recent events and proposes metrics
	// for them. Candidates matching an entry of existing are marked Exists.
	EventsTrackedByDatasource(ctx context.Context, format datatypes.SchemaFormat, existing []datatypes.Metric) ([]datatypes.TrackedEvent, error)
}

// Factory builds an Integration for a datasource.
type Factory func(ds datatypes.Datasource) (Integration, error)
