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

import "time"

// ExperimentRef is the part of an experiment the metrics service reads:
// enough to report which experiments use a metric.
type ExperimentRef struct {
	ID           string    `json:"id"`
	Organization string    `json:"organization"`
	Name         string    `json:"name"`
	Status       string    `json:"status,omitempty"`
	Metrics      []string  `json:"metrics"`
	DateUpdated  time.Time `json:"dateUpdated"`
}

// UsesMetric reports whether the experiment references metricID.
func (e ExperimentRef) UsesMetric(metricID string) bool {
	for _, m := range e.Metrics {
		if m == metricID {
			return true
		}
	}
	return false
}

// EstimateParams link an idea to its impact estimate.
type EstimateParams struct {
	Estimate       string  `json:"estimate"`
	ImprovementPct float64 `json:"improvement,omitempty"`
	NumVariations  int     `json:"numVariations,omitempty"`
	UserAdjustment float64 `json:"userAdjustment,omitempty"`
}

// Idea is a proposed experiment.
type Idea struct {
	ID             string          `json:"id"`
	Organization   string          `json:"organization"`
	Text           string          `json:"text"`
	EstimateParams *EstimateParams `json:"estimateParams,omitempty"`
}

// ImpactEstimate is a sizing calculation for an idea, tied to a metric.
type ImpactEstimate struct {
	ID           string    `json:"id"`
	Organization string    `json:"organization"`
	Metric       string    `json:"metric"`
	Segment      string    `json:"segment,omitempty"`
	Value        float64   `json:"value"`
	DateCreated  time.Time `json:"dateCreated"`
}

// MetricUsage is the response of a usage lookup.
type MetricUsage struct {
	Experiments []ExperimentRef `json:"experiments"`
	Ideas       []Idea          `json:"ideas"`
}

// MetricDetail is a rich read: the metric with derived state plus the
// experiments that recently used it.
type MetricDetail struct {
	Metric      Metric          `json:"metric"`
	Experiments []ExperimentRef `json:"experiments"`
}
