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
	"github.com/AleutianAI/AleutianExperiments/pkg/validation"
)

// MetricPatch is a partial update of the user-editable metric fields.
//
// # Description
//
// Each field is an Optional: only fields present in the request body are
// applied, whatever their value. Fields that are not listed here (id,
// organization, datasource, derived analysis state, creation time) cannot
// be changed through an update. Unknown keys are rejected at decode time.
type MetricPatch struct {
	Name        Optional[string]       `json:"name"`
	Description Optional[string]       `json:"description"`
	Owner       Optional[string]       `json:"owner"`
	Segment     Optional[string]       `json:"segment"`
	Type        Optional[MetricType]   `json:"type"`
	Inverse     Optional[bool]         `json:"inverse"`
	IgnoreNulls Optional[bool]         `json:"ignoreNulls"`
	Capping     Optional[string]       `json:"capping"`
	CapValue    Optional[float64]      `json:"capValue"`
	Denominator Optional[string]       `json:"denominator"`
	Status      Optional[MetricStatus] `json:"status"`
	Tags        Optional[[]string]     `json:"tags"`
	Projects    Optional[[]string]     `json:"projects"`

	ConversionWindowHours Optional[float64] `json:"conversionWindowHours"`
	ConversionDelayHours  Optional[float64] `json:"conversionDelayHours"`

	SQL               Optional[string]             `json:"sql"`
	Aggregation       Optional[string]             `json:"aggregation"`
	QueryFormat       Optional[string]             `json:"queryFormat"`
	Conditions        Optional[[]Condition]        `json:"conditions"`
	Table             Optional[string]             `json:"table"`
	Column            Optional[string]             `json:"column"`
	UserIDColumns     Optional[map[string]string]  `json:"userIdColumns"`
	UserIDTypes       Optional[[]string]           `json:"userIdTypes"`
	TimestampColumn   Optional[string]             `json:"timestampColumn"`
	TemplateVariables Optional[*TemplateVariables] `json:"templateVariables"`

	WinRisk          Optional[float64] `json:"winRisk"`
	LoseRisk         Optional[float64] `json:"loseRisk"`
	MaxPercentChange Optional[float64] `json:"maxPercentChange"`
	MinPercentChange Optional[float64] `json:"minPercentChange"`
	MinSampleSize    Optional[float64] `json:"minSampleSize"`

	RegressionAdjustmentOverride Optional[bool]    `json:"regressionAdjustmentOverride"`
	RegressionAdjustmentEnabled  Optional[bool]    `json:"regressionAdjustmentEnabled"`
	RegressionAdjustmentDays     Optional[float64] `json:"regressionAdjustmentDays"`
}

// Validate checks the enum and range rules of the present fields.
func (p MetricPatch) Validate() error {
	if p.Name.Set {
		if err := validation.Var("name", p.Name.Value, "required,max=256"); err != nil {
			return err
		}
	}
	if p.Type.Set {
		if err := validation.Var("type", string(p.Type.Value), "oneof=binomial count duration revenue"); err != nil {
			return err
		}
	}
	if p.Status.Set {
		if err := validation.Var("status", string(p.Status.Value), "oneof=active archived"); err != nil {
			return err
		}
	}
	if p.Capping.Set {
		if err := validation.Var("capping", p.Capping.Value, "omitempty,oneof=absolute percentile"); err != nil {
			return err
		}
	}
	if p.QueryFormat.Set {
		if err := validation.Var("queryFormat", p.QueryFormat.Value, "omitempty,oneof=sql builder"); err != nil {
			return err
		}
	}
	for field, v := range map[string]Optional[float64]{"winRisk": p.WinRisk, "loseRisk": p.LoseRisk} {
		if v.Set {
			if err := validation.Var(field, v.Value, "gte=0,lte=1"); err != nil {
				return err
			}
		}
	}
	if p.Conditions.Set {
		for _, c := range p.Conditions.Value {
			if err := validation.Struct(c); err != nil {
				return err
			}
		}
		if err := validateConditions(p.Conditions.Value); err != nil {
			return err
		}
	}
	return nil
}

// ChangesProjects reports whether the patch moves the metric into a
// non-empty project set, which requires authorization in the new scope.
func (p MetricPatch) ChangesProjects() bool {
	return p.Projects.Set && len(p.Projects.Value) > 0
}

// IsEmpty reports whether no field is present.
func (p MetricPatch) IsEmpty() bool {
	return !p.anySet()
}

// Apply copies every present field into m.
func (p MetricPatch) Apply(m *Metric) {
	p.Name.ApplyTo(&m.Name)
	p.Description.ApplyTo(&m.Description)
	p.Owner.ApplyTo(&m.Owner)
	p.Segment.ApplyTo(&m.Segment)
	p.Type.ApplyTo(&m.Type)
	p.Inverse.ApplyTo(&m.Inverse)
	p.IgnoreNulls.ApplyTo(&m.IgnoreNulls)
	p.Capping.ApplyTo(&m.Capping)
	p.CapValue.ApplyTo(&m.CapValue)
	p.Denominator.ApplyTo(&m.Denominator)
	p.Status.ApplyTo(&m.Status)
	if p.Tags.Set {
		m.Tags = cloneStrings(p.Tags.Value)
	}
	if p.Projects.Set {
		m.Projects = cloneStrings(p.Projects.Value)
	}
	p.ConversionWindowHours.ApplyTo(&m.ConversionWindowHours)
	p.ConversionDelayHours.ApplyTo(&m.ConversionDelayHours)
	p.SQL.ApplyTo(&m.SQL)
	p.Aggregation.ApplyTo(&m.Aggregation)
	p.QueryFormat.ApplyTo(&m.QueryFormat)
	if p.Conditions.Set {
		m.Conditions = append([]Condition(nil), p.Conditions.Value...)
	}
	p.Table.ApplyTo(&m.Table)
	p.Column.ApplyTo(&m.Column)
	p.UserIDColumns.ApplyTo(&m.UserIDColumns)
	if p.UserIDTypes.Set {
		m.UserIDTypes = cloneStrings(p.UserIDTypes.Value)
	}
	p.TimestampColumn.ApplyTo(&m.TimestampColumn)
	p.TemplateVariables.ApplyTo(&m.TemplateVariables)
	p.WinRisk.ApplyTo(&m.WinRisk)
	p.LoseRisk.ApplyTo(&m.LoseRisk)
	p.MaxPercentChange.ApplyTo(&m.MaxPercentChange)
	p.MinPercentChange.ApplyTo(&m.MinPercentChange)
	p.MinSampleSize.ApplyTo(&m.MinSampleSize)
	p.RegressionAdjustmentOverride.ApplyTo(&m.RegressionAdjustmentOverride)
	p.RegressionAdjustmentEnabled.ApplyTo(&m.RegressionAdjustmentEnabled)
	p.RegressionAdjustmentDays.ApplyTo(&m.RegressionAdjustmentDays)
}

func (p MetricPatch) anySet() bool {
	return p.Name.Set || p.Description.Set || p.Owner.Set || p.Segment.Set ||
		p.Type.Set || p.Inverse.Set || p.IgnoreNulls.Set || p.Capping.Set ||
		p.CapValue.Set || p.Denominator.Set || p.Status.Set || p.Tags.Set ||
		p.Projects.Set || p.ConversionWindowHours.Set || p.ConversionDelayHours.Set ||
		p.SQL.Set || p.Aggregation.Set || p.QueryFormat.Set || p.Conditions.Set ||
		p.Table.Set || p.Column.Set || p.UserIDColumns.Set || p.UserIDTypes.Set ||
		p.TimestampColumn.Set || p.TemplateVariables.Set || p.WinRisk.Set ||
		p.LoseRisk.Set || p.MaxPercentChange.Set || p.MinPercentChange.Set ||
		p.MinSampleSize.Set || p.RegressionAdjustmentOverride.Set ||
		p.RegressionAdjustmentEnabled.Set || p.RegressionAdjustmentDays.Set
}
