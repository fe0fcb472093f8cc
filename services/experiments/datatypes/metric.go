// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the records, request payloads and result shapes
// of the experiments service.
//
// # Ownership of Metric fields
//
// Metric fields fall into two groups:
//
//   - user fields, settable on create and through MetricPatch
//   - derived fields (Analysis, AnalysisState), written only by the
//     analysis runner through the store's SetMetricAnalysis
//
// MetricPatch is the only update path for user fields and contains exactly
// the allow-listed fields, so derived state cannot be overwritten by a
// request body.
package datatypes

import (
	"time"

	"github.com/AleutianAI/AleutianExperiments/pkg/validation"
)

// MetricType classifies how a metric is aggregated per user.
type MetricType string

const (
	MetricTypeBinomial MetricType = "binomial"
	MetricTypeCount    MetricType = "count"
	MetricTypeDuration MetricType = "duration"
	MetricTypeRevenue  MetricType = "revenue"
)

// MetricStatus is the lifecycle status of a metric.
type MetricStatus string

const (
	MetricStatusActive   MetricStatus = "active"
	MetricStatusArchived MetricStatus = "archived"
)

// Default statistical tuning applied when a create request omits them.
const (
	DefaultWinRisk               = 0.0025
	DefaultLoseRisk              = 0.0125
	DefaultMaxPercentChange      = 0.5
	DefaultMinPercentChange      = 0.005
	DefaultMinSampleSize         = 150
	DefaultConversionWindowHours = 72
	DefaultRegressionAdjustDays  = 14
)

// Condition filters metric rows in builder-format metrics.
type Condition struct {
	Column   string `json:"column" validate:"required"`
	Operator string `json:"operator" validate:"required"`
	Value    string `json:"value"`
}

// conditionOperators are the comparison operators a Condition may use.
var conditionOperators = map[string]bool{
	"=": true, "!=": true, ">": true, "<": true, ">=": true, "<=": true, "~": true, "!~": true,
}

func validateConditions(conds []Condition) error {
	for i, c := range conds {
		if !conditionOperators[c.Operator] {
			return validation.Errorf("conditions[%d].operator %q is not supported", i, c.Operator)
		}
	}
	return nil
}

// TemplateVariables parameterise templated metric SQL.
type TemplateVariables struct {
	EventName   string `json:"eventName,omitempty"`
	ValueColumn string `json:"valueColumn,omitempty"`
}

// MetricAnalysisDate is one day of a metric analysis.
type MetricAnalysisDate struct {
	Date    time.Time `json:"d"`
	Count   int64     `json:"c"`
	Average float64   `json:"v"`
	Stddev  float64   `json:"s"`
}

// MetricAnalysis is the derived summary computed by the analysis runner.
type MetricAnalysis struct {
	CreatedAt time.Time            `json:"createdAt"`
	Segment   string               `json:"segment,omitempty"`
	Count     int64                `json:"count"`
	Average   float64              `json:"average"`
	Stddev    float64              `json:"stddev"`
	Dates     []MetricAnalysisDate `json:"dates"`
}

// AnalysisStatus is the state of the latest analysis run.
type AnalysisStatus string

const (
	AnalysisRunning   AnalysisStatus = "running"
	AnalysisSucceeded AnalysisStatus = "succeeded"
	AnalysisFailed    AnalysisStatus = "failed"
	AnalysisCancelled AnalysisStatus = "cancelled"
)

// AnalysisState tracks the latest analysis run of a metric.
type AnalysisState struct {
	Status     AnalysisStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	WindowDays int            `json:"windowDays"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}

// Metric is a named, reusable measurement definition.
type Metric struct {
	ID           string `json:"id"`
	Organization string `json:"organization"`
	Owner        string `json:"owner"`
	Datasource   string `json:"datasource"`

	Name        string       `json:"name"`
	Description string       `json:"description"`
	Type        MetricType   `json:"type"`
	Status      MetricStatus `json:"status"`
	Tags        []string     `json:"tags"`
	Projects    []string     `json:"projects"`

	Inverse     bool    `json:"inverse"`
	IgnoreNulls bool    `json:"ignoreNulls"`
	Capping     string  `json:"capping"`
	CapValue    float64 `json:"capValue"`
	Denominator string  `json:"denominator,omitempty"`

	ConversionWindowHours float64 `json:"conversionWindowHours"`
	ConversionDelayHours  float64 `json:"conversionDelayHours"`

	SQL               string             `json:"sql"`
	Table             string             `json:"table,omitempty"`
	Column            string             `json:"column,omitempty"`
	Aggregation       string             `json:"aggregation,omitempty"`
	QueryFormat       string             `json:"queryFormat,omitempty"`
	Segment           string             `json:"segment,omitempty"`
	Conditions        []Condition        `json:"conditions,omitempty"`
	UserIDColumns     map[string]string  `json:"userIdColumns,omitempty"`
	UserIDTypes       []string           `json:"userIdTypes,omitempty"`
	TimestampColumn   string             `json:"timestampColumn,omitempty"`
	TemplateVariables *TemplateVariables `json:"templateVariables,omitempty"`

	WinRisk          float64 `json:"winRisk"`
	LoseRisk         float64 `json:"loseRisk"`
	MaxPercentChange float64 `json:"maxPercentChange"`
	MinPercentChange float64 `json:"minPercentChange"`
	MinSampleSize    float64 `json:"minSampleSize"`

	RegressionAdjustmentOverride bool    `json:"regressionAdjustmentOverride"`
	RegressionAdjustmentEnabled  bool    `json:"regressionAdjustmentEnabled"`
	RegressionAdjustmentDays     float64 `json:"regressionAdjustmentDays"`

	DateCreated time.Time `json:"dateCreated"`
	DateUpdated time.Time `json:"dateUpdated"`

	// Derived fields. Written only by the analysis runner.
	Analysis      *MetricAnalysis `json:"analysis,omitempty"`
	AnalysisState *AnalysisState  `json:"analysisState,omitempty"`
}

// StripInternal clears derived analysis fields.
func (m *Metric) StripInternal() {
	m.Analysis = nil
	m.AnalysisState = nil
}

// Clone returns a deep copy of the metric.
func (m Metric) Clone() Metric {
	out := m
	out.Tags = cloneStrings(m.Tags)
	out.Projects = cloneStrings(m.Projects)
	out.UserIDTypes = cloneStrings(m.UserIDTypes)
	if m.Conditions != nil {
		out.Conditions = append([]Condition(nil), m.Conditions...)
	}
	if m.UserIDColumns != nil {
		out.UserIDColumns = make(map[string]string, len(m.UserIDColumns))
		for k, v := range m.UserIDColumns {
			out.UserIDColumns[k] = v
		}
	}
	if m.TemplateVariables != nil {
		tv := *m.TemplateVariables
		out.TemplateVariables = &tv
	}
	if m.Analysis != nil {
		a := *m.Analysis
		a.Dates = append([]MetricAnalysisDate(nil), m.Analysis.Dates...)
		out.Analysis = &a
	}
	if m.AnalysisState != nil {
		s := *m.AnalysisState
		out.AnalysisState = &s
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

// MetricInput is the body of a create request.
//
// Identity, ownership, status and timestamps are not part of the input;
// the lifecycle service assigns them. Status and Owner are accepted so a
// client may echo back a metric it read, but ToMetric never copies them.
// Pointer fields fall back to the package defaults when nil.
type MetricInput struct {
	Status string `json:"status,omitempty"`
	Owner  string `json:"owner,omitempty"`

	Datasource  string     `json:"datasource,omitempty"`
	Name        string     `json:"name" validate:"required,max=256"`
	Description string     `json:"description,omitempty"`
	Type        MetricType `json:"type" validate:"required,oneof=binomial count duration revenue"`
	Tags        []string   `json:"tags,omitempty"`
	Projects    []string   `json:"projects,omitempty"`

	Inverse     bool    `json:"inverse,omitempty"`
	IgnoreNulls bool    `json:"ignoreNulls,omitempty"`
	Capping     string  `json:"capping,omitempty" validate:"omitempty,oneof=absolute percentile"`
	CapValue    float64 `json:"capValue,omitempty" validate:"gte=0"`
	Denominator string  `json:"denominator,omitempty"`

	ConversionWindowHours *float64 `json:"conversionWindowHours,omitempty" validate:"omitempty,gt=0"`
	ConversionDelayHours  float64  `json:"conversionDelayHours,omitempty"`

	SQL               string             `json:"sql,omitempty"`
	Table             string             `json:"table,omitempty"`
	Column            string             `json:"column,omitempty"`
	Aggregation       string             `json:"aggregation,omitempty"`
	QueryFormat       string             `json:"queryFormat,omitempty" validate:"omitempty,oneof=sql builder"`
	Segment           string             `json:"segment,omitempty"`
	Conditions        []Condition        `json:"conditions,omitempty" validate:"dive"`
	UserIDColumns     map[string]string  `json:"userIdColumns,omitempty"`
	UserIDTypes       []string           `json:"userIdTypes,omitempty"`
	TimestampColumn   string             `json:"timestampColumn,omitempty"`
	TemplateVariables *TemplateVariables `json:"templateVariables,omitempty"`

	WinRisk          *float64 `json:"winRisk,omitempty" validate:"omitempty,gte=0,lte=1"`
	LoseRisk         *float64 `json:"loseRisk,omitempty" validate:"omitempty,gte=0,lte=1"`
	MaxPercentChange *float64 `json:"maxPercentChange,omitempty" validate:"omitempty,gte=0"`
	MinPercentChange *float64 `json:"minPercentChange,omitempty" validate:"omitempty,gte=0"`
	MinSampleSize    *float64 `json:"minSampleSize,omitempty" validate:"omitempty,gte=0"`

	RegressionAdjustmentOverride bool     `json:"regressionAdjustmentOverride,omitempty"`
	RegressionAdjustmentEnabled  bool     `json:"regressionAdjustmentEnabled,omitempty"`
	RegressionAdjustmentDays     *float64 `json:"regressionAdjustmentDays,omitempty" validate:"omitempty,gte=0"`
}

// Validate runs the struct rules.
func (in MetricInput) Validate() error {
	if err := validation.Struct(in); err != nil {
		return err
	}
	return validateConditions(in.Conditions)
}

// ToMetric builds a metric from the input, applying defaults. Identity,
// owner, status and timestamps are left for the caller.
func (in MetricInput) ToMetric() Metric {
	return Metric{
		Datasource:                   in.Datasource,
		Name:                         in.Name,
		Description:                  in.Description,
		Type:                         in.Type,
		Tags:                         cloneStrings(in.Tags),
		Projects:                     cloneStrings(in.Projects),
		Inverse:                      in.Inverse,
		IgnoreNulls:                  in.IgnoreNulls,
		Capping:                      in.Capping,
		CapValue:                     in.CapValue,
		Denominator:                  in.Denominator,
		ConversionWindowHours:        orDefault(in.ConversionWindowHours, DefaultConversionWindowHours),
		ConversionDelayHours:         in.ConversionDelayHours,
		SQL:                          in.SQL,
		Table:                        in.Table,
		Column:                       in.Column,
		Aggregation:                  in.Aggregation,
		QueryFormat:                  in.QueryFormat,
		Segment:                      in.Segment,
		Conditions:                   in.Conditions,
		UserIDColumns:                in.UserIDColumns,
		UserIDTypes:                  cloneStrings(in.UserIDTypes),
		TimestampColumn:              in.TimestampColumn,
		TemplateVariables:            in.TemplateVariables,
		WinRisk:                      orDefault(in.WinRisk, DefaultWinRisk),
		LoseRisk:                     orDefault(in.LoseRisk, DefaultLoseRisk),
		MaxPercentChange:             orDefault(in.MaxPercentChange, DefaultMaxPercentChange),
		MinPercentChange:             orDefault(in.MinPercentChange, DefaultMinPercentChange),
		MinSampleSize:                orDefault(in.MinSampleSize, DefaultMinSampleSize),
		RegressionAdjustmentOverride: in.RegressionAdjustmentOverride,
		RegressionAdjustmentEnabled:  in.RegressionAdjustmentEnabled,
		RegressionAdjustmentDays:     orDefault(in.RegressionAdjustmentDays, DefaultRegressionAdjustDays),
	}
}

func orDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
