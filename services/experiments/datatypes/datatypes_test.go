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
	"encoding/json"
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianExperiments/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptional_DistinguishesAbsentFromZero(t *testing.T) {
	var p MetricPatch
	require.NoError(t, validation.DecodeStrictBytes([]byte(`{"inverse":false,"projects":[],"capValue":0}`), &p))

	assert.True(t, p.Inverse.Set)
	assert.False(t, p.Inverse.Value)
	assert.True(t, p.Projects.Set)
	assert.Empty(t, p.Projects.Value)
	assert.True(t, p.CapValue.Set)
	assert.False(t, p.Name.Set)
	assert.False(t, p.SQL.Set)
}

func TestOptional_NullIsPresentZero(t *testing.T) {
	var p MetricPatch
	require.NoError(t, json.Unmarshal([]byte(`{"templateVariables":null}`), &p))

	assert.True(t, p.TemplateVariables.Set)
	assert.Nil(t, p.TemplateVariables.Value)
}

func TestMetricPatch_RejectsDerivedFields(t *testing.T) {
	var p MetricPatch
	err := validation.DecodeStrictBytes([]byte(`{"analysis":{"count":3}}`), &p)

	var verr *validation.Error
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Message, "analysis")
}

func TestMetricPatch_ApplyOnlyPresentFields(t *testing.T) {
	m := Metric{
		Name:     "Old",
		SQL:      "SELECT 1",
		Inverse:  true,
		Projects: []string{"p1"},
		WinRisk:  DefaultWinRisk,
	}
	p := MetricPatch{Name: Some("Signups"), Inverse: Some(false)}

	p.Apply(&m)

	assert.Equal(t, "Signups", m.Name)
	assert.False(t, m.Inverse)
	assert.Equal(t, "SELECT 1", m.SQL)
	assert.Equal(t, []string{"p1"}, m.Projects)
	assert.Equal(t, DefaultWinRisk, m.WinRisk)
}

func TestMetricPatch_ChangesProjects(t *testing.T) {
	assert.False(t, MetricPatch{}.ChangesProjects())
	assert.False(t, MetricPatch{Projects: Some([]string{})}.ChangesProjects())
	assert.True(t, MetricPatch{Projects: Some([]string{"p2"})}.ChangesProjects())
}

func TestMetricPatch_IsEmpty(t *testing.T) {
	assert.True(t, MetricPatch{}.IsEmpty())
	assert.False(t, MetricPatch{Description: Some("")}.IsEmpty())
}

func TestMetricPatch_Validate(t *testing.T) {
	assert.NoError(t, MetricPatch{Type: Some(MetricTypeCount)}.Validate())
	assert.Error(t, MetricPatch{Type: Some(MetricType("ratio"))}.Validate())
	assert.Error(t, MetricPatch{Status: Some(MetricStatus("deleted"))}.Validate())
	assert.Error(t, MetricPatch{WinRisk: Some(1.5)}.Validate())
	assert.Error(t, MetricPatch{Name: Some("")}.Validate())
	assert.Error(t, MetricPatch{Conditions: Some([]Condition{{Column: "c", Operator: "LIKE"}})}.Validate())
}

func TestMetricInput_DefaultsAndValidation(t *testing.T) {
	in := MetricInput{Name: "Clicks", Type: MetricTypeBinomial}
	require.NoError(t, in.Validate())

	m := in.ToMetric()
	assert.Equal(t, DefaultWinRisk, m.WinRisk)
	assert.Equal(t, DefaultLoseRisk, m.LoseRisk)
	assert.Equal(t, float64(DefaultConversionWindowHours), m.ConversionWindowHours)
	assert.Equal(t, float64(DefaultMinSampleSize), m.MinSampleSize)

	assert.Error(t, MetricInput{Type: MetricTypeBinomial}.Validate())
	assert.Error(t, MetricInput{Name: "x", Type: "ratio"}.Validate())
}

func TestMetric_CloneIsDeep(t *testing.T) {
	m := Metric{
		Tags:          []string{"a"},
		UserIDColumns: map[string]string{"user_id": "uid"},
		Analysis:      &MetricAnalysis{Count: 3, Dates: []MetricAnalysisDate{{Count: 1}}},
	}
	c := m.Clone()
	c.Tags[0] = "b"
	c.UserIDColumns["user_id"] = "other"
	c.Analysis.Dates[0].Count = 9

	assert.Equal(t, "a", m.Tags[0])
	assert.Equal(t, "uid", m.UserIDColumns["user_id"])
	assert.Equal(t, int64(1), m.Analysis.Dates[0].Count)
}

const validTemplate = `{
	"templateMetadata": {"name": "Checkout"},
	"type": "standard",
	"datasource": "ds_1",
	"exposureQueryId": "user_exposure",
	"statsEngine": "bayesian",
	"goalMetrics": ["met_a", "met_b"],
	"activationMetric": "met_a",
	"targeting": {"coverage": 0.5, "savedGroups": [{"match": "any", "ids": ["g1"]}]}
}`

func TestTemplateInput_StrictDecodeAndDefaults(t *testing.T) {
	var in TemplateInput
	require.NoError(t, validation.DecodeStrictBytes([]byte(validTemplate), &in))
	require.NoError(t, in.Validate())

	tpl := in.ToTemplate()
	assert.Equal(t, "{}", tpl.Targeting.Condition)
	assert.Equal(t, []string{}, tpl.Projects)
	assert.Equal(t, []string{"met_a", "met_b"}, tpl.MetricIDs())
}

func TestTemplateInput_RejectsUnknownAndIdentityFields(t *testing.T) {
	var in TemplateInput
	assert.Error(t, validation.DecodeStrictBytes([]byte(`{"owner":"someone"}`), &in))
	assert.Error(t, validation.DecodeStrictBytes([]byte(`{"bogus":1}`), &in))
}

func TestTemplateInput_Rules(t *testing.T) {
	var in TemplateInput
	require.NoError(t, validation.DecodeStrictBytes([]byte(validTemplate), &in))

	bad := in
	bad.StatsEngine = "magic"
	assert.Error(t, bad.Validate())

	bad = in
	bad.Targeting.SavedGroups = []SavedGroupTargeting{{Match: "some", IDs: []string{"g"}}}
	assert.Error(t, bad.Validate())

	bad = in
	over := 1.5
	bad.Targeting.Coverage = &over
	assert.Error(t, bad.Validate())

	bad = in
	bad.Targeting.Coverage = nil
	assert.Error(t, bad.Validate())
}

func TestTemplatePatch_Apply(t *testing.T) {
	tpl := ExperimentTemplate{Type: "standard", Hypothesis: "h", StatsEngine: StatsEngineBayesian}
	var p TemplatePatch
	require.NoError(t, validation.DecodeStrictBytes([]byte(`{"statsEngine":"frequentist","hypothesis":""}`), &p))
	require.NoError(t, p.Validate())

	p.Apply(&tpl)

	assert.Equal(t, StatsEngineFrequentist, tpl.StatsEngine)
	assert.Equal(t, "", tpl.Hypothesis)
	assert.Equal(t, "standard", tpl.Type)

	bad := TemplatePatch{UserIDType: Some("device")}
	assert.Error(t, bad.Validate())
}

const engineResponse = `[{
	"id": "exp_1",
	"results": [{
		"metric": "met_1",
		"analyses": [{
			"unknownVariations": [],
			"multipleExposures": 0,
			"dimensions": [{
				"dimension": "All",
				"srm": 0.9,
				"variations": [
					{"cr": 0.1, "value": 10, "users": 100, "stats": {"users": 100, "count": 100, "stddev": 0.3, "mean": 0.1}, "chanceToWin": 0.4, "pValue": 0.2, "risk": [0.01, 0.02], "riskType": "relative"},
					{"cr": 0.12, "value": 12, "users": 100, "stats": {"users": 100, "count": 100, "stddev": 0.32, "mean": 0.12}, "ci": [-0.1, 0.3]}
				]
			}]
		}]
	}],
	"banditResult": {"currentWeights": [0.5, 0.5], "updatedWeights": [0.25, 0.75], "srm": 1, "seed": 42}
}]`

func TestDecodeAnalyses_EngineDirected(t *testing.T) {
	out, err := DecodeAnalyses(StatsEngineBayesian, []byte(engineResponse))
	require.NoError(t, err)
	require.Len(t, out, 1)

	v := out[0].Results[0].Analyses[0].Dimensions[0].Variations[0]
	assert.Equal(t, StatsEngineBayesian, v.Engine)
	require.NotNil(t, v.Bayesian)
	assert.Nil(t, v.Frequentist)
	assert.InDelta(t, 0.4, *v.Bayesian.ChanceToWin, 1e-9)
	assert.Equal(t, 0.1, v.CR)

	out, err = DecodeAnalyses(StatsEngineFrequentist, []byte(engineResponse))
	require.NoError(t, err)
	v = out[0].Results[0].Analyses[0].Dimensions[0].Variations[0]
	require.NotNil(t, v.Frequentist)
	assert.Nil(t, v.Bayesian)
	assert.InDelta(t, 0.2, *v.Frequentist.PValue, 1e-9)
}

func TestDecodeAnalyses_UnknownEngine(t *testing.T) {
	_, err := DecodeAnalyses("magic", []byte(engineResponse))
	assert.Error(t, err)
}

func TestVariationResponse_ValidateXor(t *testing.T) {
	both := VariationResponse{
		Engine:      StatsEngineBayesian,
		Bayesian:    &BayesianFields{},
		Frequentist: &FrequentistFields{},
	}
	assert.Error(t, both.Validate())

	assert.Error(t, VariationResponse{Engine: StatsEngineFrequentist}.Validate())
	assert.NoError(t, NewFrequentistVariation(BaseVariation{}, FrequentistFields{}).Validate())
	assert.Error(t, NewBayesianVariation(BaseVariation{}, BayesianFields{RiskType: "scaled"}).Validate())
}

func TestVariationResponse_MarshalFlattens(t *testing.T) {
	p := 0.03
	data, err := json.Marshal(NewFrequentistVariation(BaseVariation{CR: 0.5}, FrequentistFields{PValue: &p}))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 0.5, got["cr"])
	assert.Equal(t, 0.03, got["pValue"])
	assert.NotContains(t, got, "chanceToWin")
	assert.NotContains(t, got, "Engine")
}

func TestBanditResult_Validate(t *testing.T) {
	ok := BanditResult{CurrentWeights: []float64{0.5, 0.5}, UpdatedWeights: []float64{0.2, 0.8}}
	assert.NoError(t, ok.Validate())

	tests := map[string]BanditResult{
		"length mismatch": {CurrentWeights: []float64{1}, UpdatedWeights: []float64{0.5, 0.5}},
		"negative":        {CurrentWeights: []float64{1.5, -0.5}, UpdatedWeights: []float64{0.5, 0.5}},
		"sum":             {CurrentWeights: []float64{0.5, 0.5}, UpdatedWeights: []float64{0.5, 0.6}},
		"empty":           {},
		"best arm":        {CurrentWeights: []float64{0.5, 0.5}, UpdatedWeights: []float64{0.5, 0.5}, BestArmProbabilities: []float64{1}},
	}
	for name, b := range tests {
		assert.Error(t, b.Validate(), name)
	}

	assert.NoError(t, BanditResult{Error: "engine failed"}.Validate())
}

func TestTrackInputs(t *testing.T) {
	var ev TrackEventInput
	require.NoError(t, validation.DecodeStrictBytes([]byte(`{"event_name":"signup","value":1,"properties":{"plan":"pro"}}`), &ev))
	assert.NoError(t, ev.Validate())
	assert.Error(t, validation.DecodeStrictBytes([]byte(`{"event_name":"x","userId":"u"}`), &ev))

	var fu FeatureUsageInput
	require.NoError(t, validation.DecodeStrictBytes([]byte(`{"feature":"dark-mode","revision":3}`), &fu))
	assert.NoError(t, fu.Validate())
	assert.Error(t, FeatureUsageInput{Revision: 1}.Validate())
}

func TestDatasource_Redacted(t *testing.T) {
	ds := Datasource{Settings: DatasourceSettings{Password: "secret", Host: "db"}}
	r := ds.Redacted()
	assert.Empty(t, r.Settings.Password)
	assert.Equal(t, "secret", ds.Settings.Password)
	assert.Equal(t, "db", r.Settings.Host)
}
