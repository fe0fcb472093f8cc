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

// StatsEngine selects the statistics engine used to analyse an experiment.
type StatsEngine string

const (
	StatsEngineBayesian    StatsEngine = "bayesian"
	StatsEngineFrequentist StatsEngine = "frequentist"
)

// TemplateMetadata names and describes a template.
type TemplateMetadata struct {
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// SavedGroupTargeting includes or excludes saved groups.
type SavedGroupTargeting struct {
	Match string   `json:"match" validate:"required,oneof=all none any"`
	IDs   []string `json:"ids" validate:"required"`
}

// FeaturePrerequisite gates an experiment on another feature's value.
type FeaturePrerequisite struct {
	ID        string `json:"id" validate:"required"`
	Condition string `json:"condition" validate:"required"`
}

// Targeting is the audience definition of a template.
type Targeting struct {
	Coverage      *float64              `json:"coverage" validate:"required,gte=0,lte=1"`
	SavedGroups   []SavedGroupTargeting `json:"savedGroups,omitempty" validate:"omitempty,dive"`
	Prerequisites []FeaturePrerequisite `json:"prerequisites,omitempty" validate:"omitempty,dive"`
	Condition     string                `json:"condition,omitempty"`
}

// ExperimentTemplate is a reusable experiment configuration.
type ExperimentTemplate struct {
	ID           string    `json:"id"`
	Organization string    `json:"organization"`
	Projects     []string  `json:"projects"`
	Owner        string    `json:"owner"`
	DateCreated  time.Time `json:"dateCreated"`
	DateUpdated  time.Time `json:"dateUpdated"`

	TemplateMetadata TemplateMetadata `json:"templateMetadata"`

	Type        string   `json:"type"`
	Hypothesis  string   `json:"hypothesis,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	Datasource      string `json:"datasource"`
	UserIDType      string `json:"userIdType,omitempty"`
	ExposureQueryID string `json:"exposureQueryId"`

	HashAttribute          string `json:"hashAttribute,omitempty"`
	FallbackAttribute      string `json:"fallbackAttribute,omitempty"`
	DisableStickyBucketing *bool  `json:"disableStickyBucketing,omitempty"`

	GoalMetrics      []string    `json:"goalMetrics,omitempty"`
	SecondaryMetrics []string    `json:"secondaryMetrics,omitempty"`
	GuardrailMetrics []string    `json:"guardrailMetrics,omitempty"`
	ActivationMetric string      `json:"activationMetric,omitempty"`
	StatsEngine      StatsEngine `json:"statsEngine"`

	Targeting Targeting `json:"targeting"`
}

// MetricIDs returns every metric id the template references, in order of
// goal, secondary, guardrail and activation, without duplicates.
func (t ExperimentTemplate) MetricIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(list ...string) {
		for _, id := range list {
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	add(t.GoalMetrics...)
	add(t.SecondaryMetrics...)
	add(t.GuardrailMetrics...)
	add(t.ActivationMetric)
	return ids
}

// TemplateInput is the body of a create request: the template shape
// without id, organization, owner and timestamps. Decoded strictly.
type TemplateInput struct {
	Projects []string `json:"projects,omitempty"`

	TemplateMetadata TemplateMetadata `json:"templateMetadata" validate:"required"`

	Type        string   `json:"type" validate:"required,oneof=standard"`
	Hypothesis  string   `json:"hypothesis,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	Datasource      string `json:"datasource" validate:"required"`
	UserIDType      string `json:"userIdType,omitempty" validate:"omitempty,oneof=anonymous user"`
	ExposureQueryID string `json:"exposureQueryId" validate:"required"`

	HashAttribute          string `json:"hashAttribute,omitempty"`
	FallbackAttribute      string `json:"fallbackAttribute,omitempty"`
	DisableStickyBucketing *bool  `json:"disableStickyBucketing,omitempty"`

	GoalMetrics      []string    `json:"goalMetrics,omitempty"`
	SecondaryMetrics []string    `json:"secondaryMetrics,omitempty"`
	GuardrailMetrics []string    `json:"guardrailMetrics,omitempty"`
	ActivationMetric string      `json:"activationMetric,omitempty"`
	StatsEngine      StatsEngine `json:"statsEngine" validate:"required,oneof=bayesian frequentist"`

	Targeting Targeting `json:"targeting" validate:"required"`
}

// Validate runs the struct rules.
func (in TemplateInput) Validate() error {
	return validation.Struct(in)
}

// ToTemplate builds a template record, defaulting projects to an empty
// list and the targeting condition to "{}".
func (in TemplateInput) ToTemplate() ExperimentTemplate {
	t := ExperimentTemplate{
		Projects:               cloneStrings(in.Projects),
		TemplateMetadata:       in.TemplateMetadata,
		Type:                   in.Type,
		Hypothesis:             in.Hypothesis,
		Description:            in.Description,
		Tags:                   cloneStrings(in.Tags),
		Datasource:             in.Datasource,
		UserIDType:             in.UserIDType,
		ExposureQueryID:        in.ExposureQueryID,
		HashAttribute:          in.HashAttribute,
		FallbackAttribute:      in.FallbackAttribute,
		DisableStickyBucketing: in.DisableStickyBucketing,
		GoalMetrics:            cloneStrings(in.GoalMetrics),
		SecondaryMetrics:       cloneStrings(in.SecondaryMetrics),
		GuardrailMetrics:       cloneStrings(in.GuardrailMetrics),
		ActivationMetric:       in.ActivationMetric,
		StatsEngine:            in.StatsEngine,
		Targeting:              in.Targeting,
	}
	if t.Projects == nil {
		t.Projects = []string{}
	}
	if t.Targeting.Condition == "" {
		t.Targeting.Condition = "{}"
	}
	return t
}

// TemplatePatch is the body of an update request: every template field
// optional. Identity fields are accepted by the schema but ignored by the
// service.
type TemplatePatch struct {
	ID           Optional[string]    `json:"id"`
	Organization Optional[string]    `json:"organization"`
	Owner        Optional[string]    `json:"owner"`
	DateCreated  Optional[time.Time] `json:"dateCreated"`
	DateUpdated  Optional[time.Time] `json:"dateUpdated"`

	Projects         Optional[[]string]         `json:"projects"`
	TemplateMetadata Optional[TemplateMetadata] `json:"templateMetadata"`
	Type             Optional[string]           `json:"type"`
	Hypothesis       Optional[string]           `json:"hypothesis"`
	Description      Optional[string]           `json:"description"`
	Tags             Optional[[]string]         `json:"tags"`

	Datasource      Optional[string] `json:"datasource"`
	UserIDType      Optional[string] `json:"userIdType"`
	ExposureQueryID Optional[string] `json:"exposureQueryId"`

	HashAttribute          Optional[string] `json:"hashAttribute"`
	FallbackAttribute      Optional[string] `json:"fallbackAttribute"`
	DisableStickyBucketing Optional[*bool]  `json:"disableStickyBucketing"`

	GoalMetrics      Optional[[]string]    `json:"goalMetrics"`
	SecondaryMetrics Optional[[]string]    `json:"secondaryMetrics"`
	GuardrailMetrics Optional[[]string]    `json:"guardrailMetrics"`
	ActivationMetric Optional[string]      `json:"activationMetric"`
	StatsEngine      Optional[StatsEngine] `json:"statsEngine"`
	Targeting        Optional[Targeting]   `json:"targeting"`
}

// Validate checks the rules of the present fields.
func (p TemplatePatch) Validate() error {
	if p.TemplateMetadata.Set {
		if err := validation.Struct(p.TemplateMetadata.Value); err != nil {
			return err
		}
	}
	if p.Type.Set {
		if err := validation.Var("type", p.Type.Value, "oneof=standard"); err != nil {
			return err
		}
	}
	if p.UserIDType.Set {
		if err := validation.Var("userIdType", p.UserIDType.Value, "omitempty,oneof=anonymous user"); err != nil {
			return err
		}
	}
	if p.StatsEngine.Set {
		if err := validation.Var("statsEngine", string(p.StatsEngine.Value), "oneof=bayesian frequentist"); err != nil {
			return err
		}
	}
	if p.Targeting.Set {
		if err := validation.Struct(p.Targeting.Value); err != nil {
			return err
		}
	}
	return nil
}

// Apply copies every present, user-editable field into t.
func (p TemplatePatch) Apply(t *ExperimentTemplate) {
	if p.Projects.Set {
		t.Projects = cloneStrings(p.Projects.Value)
		if t.Projects == nil {
			t.Projects = []string{}
		}
	}
	p.TemplateMetadata.ApplyTo(&t.TemplateMetadata)
	p.Type.ApplyTo(&t.Type)
	p.Hypothesis.ApplyTo(&t.Hypothesis)
	p.Description.ApplyTo(&t.Description)
	p.Tags.ApplyTo(&t.Tags)
	p.Datasource.ApplyTo(&t.Datasource)
	p.UserIDType.ApplyTo(&t.UserIDType)
	p.ExposureQueryID.ApplyTo(&t.ExposureQueryID)
	p.HashAttribute.ApplyTo(&t.HashAttribute)
	p.FallbackAttribute.ApplyTo(&t.FallbackAttribute)
	p.DisableStickyBucketing.ApplyTo(&t.DisableStickyBucketing)
	p.GoalMetrics.ApplyTo(&t.GoalMetrics)
	p.SecondaryMetrics.ApplyTo(&t.SecondaryMetrics)
	p.GuardrailMetrics.ApplyTo(&t.GuardrailMetrics)
	p.ActivationMetric.ApplyTo(&t.ActivationMetric)
	p.StatsEngine.ApplyTo(&t.StatsEngine)
	if p.Targeting.Set {
		t.Targeting = p.Targeting.Value
		if t.Targeting.Condition == "" {
			t.Targeting.Condition = "{}"
		}
	}
}
