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
	"fmt"
	"math"
)

// =============================================================================
// Statistics engine result shapes
// =============================================================================
//
// The statistics engine is an external process. These types model what it
// returns so results can be decoded, validated and passed to clients.

// RiskType is the unit of Bayesian risk.
type RiskType string

const (
	RiskRelative RiskType = "relative"
	RiskAbsolute RiskType = "absolute"
)

// MetricStats are the raw moments of a variation.
type MetricStats struct {
	Users  float64 `json:"users"`
	Count  float64 `json:"count"`
	Stddev float64 `json:"stddev"`
	Mean   float64 `json:"mean"`
}

// Uplift describes the distribution of the lift estimate.
type Uplift struct {
	Dist   string   `json:"dist"`
	Mean   *float64 `json:"mean,omitempty"`
	Stddev *float64 `json:"stddev,omitempty"`
}

// BaseVariation holds the fields every engine reports for a variation.
type BaseVariation struct {
	CR           float64     `json:"cr"`
	Value        float64     `json:"value"`
	Users        float64     `json:"users"`
	Denominator  *float64    `json:"denominator,omitempty"`
	Stats        MetricStats `json:"stats"`
	Expected     *float64    `json:"expected,omitempty"`
	Uplift       *Uplift     `json:"uplift,omitempty"`
	CI           *[2]float64 `json:"ci,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
}

// BayesianFields are reported only by the Bayesian engine.
type BayesianFields struct {
	ChanceToWin *float64    `json:"chanceToWin,omitempty"`
	Risk        *[2]float64 `json:"risk,omitempty"`
	RiskType    RiskType    `json:"riskType,omitempty"`
}

// FrequentistFields are reported only by the frequentist engine.
type FrequentistFields struct {
	PValue *float64 `json:"pValue,omitempty"`
}

// VariationResponse is a per-variation result tagged by engine.
//
// # Description
//
// Exactly one of Bayesian and Frequentist is non-nil, and it matches
// Engine. On the wire the base and engine fields are flattened into one
// object; the engine itself is not serialized because the caller already
// knows which engine produced the result.
type VariationResponse struct {
	Engine StatsEngine
	BaseVariation
	Bayesian    *BayesianFields
	Frequentist *FrequentistFields
}

// NewBayesianVariation builds a Bayesian variation result.
func NewBayesianVariation(base BaseVariation, f BayesianFields) VariationResponse {
	return VariationResponse{Engine: StatsEngineBayesian, BaseVariation: base, Bayesian: &f}
}

// NewFrequentistVariation builds a frequentist variation result.
func NewFrequentistVariation(base BaseVariation, f FrequentistFields) VariationResponse {
	return VariationResponse{Engine: StatsEngineFrequentist, BaseVariation: base, Frequentist: &f}
}

// Validate enforces that exactly the engine's own fields are present.
func (v VariationResponse) Validate() error {
	switch v.Engine {
	case StatsEngineBayesian:
		if v.Bayesian == nil || v.Frequentist != nil {
			return fmt.Errorf("bayesian variation must carry only bayesian fields")
		}
		if v.Bayesian.RiskType != "" && v.Bayesian.RiskType != RiskRelative && v.Bayesian.RiskType != RiskAbsolute {
			return fmt.Errorf("unknown risk type %q", v.Bayesian.RiskType)
		}
	case StatsEngineFrequentist:
		if v.Frequentist == nil || v.Bayesian != nil {
			return fmt.Errorf("frequentist variation must carry only frequentist fields")
		}
	default:
		return fmt.Errorf("unknown stats engine %q", v.Engine)
	}
	return nil
}

// MarshalJSON flattens the base and engine fields into one object.
func (v VariationResponse) MarshalJSON() ([]byte, error) {
	switch v.Engine {
	case StatsEngineBayesian:
		f := BayesianFields{}
		if v.Bayesian != nil {
			f = *v.Bayesian
		}
		return json.Marshal(struct {
			BaseVariation
			BayesianFields
		}{v.BaseVariation, f})
	case StatsEngineFrequentist:
		f := FrequentistFields{}
		if v.Frequentist != nil {
			f = *v.Frequentist
		}
		return json.Marshal(struct {
			BaseVariation
			FrequentistFields
		}{v.BaseVariation, f})
	default:
		return nil, fmt.Errorf("unknown stats engine %q", v.Engine)
	}
}

// decodeVariation reads one flattened variation object for engine.
func decodeVariation(engine StatsEngine, data json.RawMessage) (VariationResponse, error) {
	var base BaseVariation
	if err := json.Unmarshal(data, &base); err != nil {
		return VariationResponse{}, err
	}
	switch engine {
	case StatsEngineBayesian:
		var f BayesianFields
		if err := json.Unmarshal(data, &f); err != nil {
			return VariationResponse{}, err
		}
		return NewBayesianVariation(base, f), nil
	case StatsEngineFrequentist:
		var f FrequentistFields
		if err := json.Unmarshal(data, &f); err != nil {
			return VariationResponse{}, err
		}
		return NewFrequentistVariation(base, f), nil
	default:
		return VariationResponse{}, fmt.Errorf("unknown stats engine %q", engine)
	}
}

// DimensionResponse is the result for one dimension value.
type DimensionResponse struct {
	Dimension  string              `json:"dimension"`
	SRM        float64             `json:"srm"`
	Variations []VariationResponse `json:"variations"`
}

// PowerResult estimates whether the experiment can detect the effect.
type PowerResult struct {
	DailyTraffic      float64 `json:"dailyTraffic"`
	VariationID       string  `json:"variationId"`
	EffectSize        float64 `json:"effectSize"`
	Power             float64 `json:"power"`
	IsLowPowered      bool    `json:"isLowPowered"`
	TimeRemainingDays float64 `json:"timeRemainingDays"`
}

// AnalysisResult is one analysis window of one metric.
type AnalysisResult struct {
	UnknownVariations []string            `json:"unknownVariations"`
	MultipleExposures float64             `json:"multipleExposures"`
	Dimensions        []DimensionResponse `json:"dimensions"`
	PowerResult       *PowerResult        `json:"powerResult,omitempty"`
}

// ExperimentMetricAnalysis groups the analyses of one metric.
type ExperimentMetricAnalysis struct {
	Metric   string           `json:"metric"`
	Analyses []AnalysisResult `json:"analyses"`
}

// SingleVariationResult is a per-arm summary inside a bandit result.
type SingleVariationResult struct {
	Users *float64    `json:"users,omitempty"`
	CR    *float64    `json:"cr,omitempty"`
	CI    *[2]float64 `json:"ci,omitempty"`
}

// BanditResult is the reweighting output of an adaptive experiment.
type BanditResult struct {
	SingleVariationResults []SingleVariationResult `json:"singleVariationResults,omitempty"`
	CurrentWeights         []float64               `json:"currentWeights"`
	UpdatedWeights         []float64               `json:"updatedWeights"`
	SRM                    float64                 `json:"srm"`
	BestArmProbabilities   []float64               `json:"bestArmProbabilities,omitempty"`
	Seed                   int64                   `json:"seed"`
	UpdateMessage          string                  `json:"updateMessage,omitempty"`
	Error                  string                  `json:"error,omitempty"`
	Reweight               *bool                   `json:"reweight,omitempty"`
}

// weightSumTolerance bounds rounding error in engine-produced weights.
const weightSumTolerance = 1e-6

// Validate checks the weight vectors. A result that carries an error is
// not required to have meaningful weights.
func (b BanditResult) Validate() error {
	if b.Error != "" {
		return nil
	}
	if len(b.CurrentWeights) != len(b.UpdatedWeights) {
		return fmt.Errorf("weight vectors differ in length: current %d, updated %d",
			len(b.CurrentWeights), len(b.UpdatedWeights))
	}
	if err := checkWeights("currentWeights", b.CurrentWeights); err != nil {
		return err
	}
	if err := checkWeights("updatedWeights", b.UpdatedWeights); err != nil {
		return err
	}
	if b.BestArmProbabilities != nil && len(b.BestArmProbabilities) != len(b.UpdatedWeights) {
		return fmt.Errorf("bestArmProbabilities has %d entries, want %d",
			len(b.BestArmProbabilities), len(b.UpdatedWeights))
	}
	return nil
}

func checkWeights(name string, w []float64) error {
	if len(w) == 0 {
		return fmt.Errorf("%s is empty", name)
	}
	sum := 0.0
	for i, x := range w {
		if x < 0 || math.IsNaN(x) {
			return fmt.Errorf("%s[%d] is negative", name, i)
		}
		sum += x
	}
	if math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("%s sum to %g, want 1", name, sum)
	}
	return nil
}

// MultipleExperimentMetricAnalysis is the top-level engine response for
// one experiment.
type MultipleExperimentMetricAnalysis struct {
	ID           string                     `json:"id"`
	Results      []ExperimentMetricAnalysis `json:"results"`
	BanditResult *BanditResult              `json:"banditResult,omitempty"`
	Error        string                     `json:"error,omitempty"`
	Traceback    string                     `json:"traceback,omitempty"`
}

// Validate checks every variation and the bandit result.
func (m MultipleExperimentMetricAnalysis) Validate() error {
	for _, r := range m.Results {
		for ai, a := range r.Analyses {
			for _, d := range a.Dimensions {
				for vi, v := range d.Variations {
					if err := v.Validate(); err != nil {
						return fmt.Errorf("metric %s analysis %d dimension %q variation %d: %w",
							r.Metric, ai, d.Dimension, vi, err)
					}
				}
			}
		}
	}
	if m.BanditResult != nil {
		if err := m.BanditResult.Validate(); err != nil {
			return fmt.Errorf("bandit result: %w", err)
		}
	}
	return nil
}

// wire mirrors of the result tree with variations left raw, used only to
// drive engine-directed decoding.
type (
	rawDimension struct {
		Dimension  string            `json:"dimension"`
		SRM        float64           `json:"srm"`
		Variations []json.RawMessage `json:"variations"`
	}
	rawAnalysis struct {
		UnknownVariations []string       `json:"unknownVariations"`
		MultipleExposures float64        `json:"multipleExposures"`
		Dimensions        []rawDimension `json:"dimensions"`
		PowerResult       *PowerResult   `json:"powerResult,omitempty"`
	}
	rawMetricAnalysis struct {
		Metric   string        `json:"metric"`
		Analyses []rawAnalysis `json:"analyses"`
	}
	rawMultiple struct {
		ID           string              `json:"id"`
		Results      []rawMetricAnalysis `json:"results"`
		BanditResult *BanditResult       `json:"banditResult,omitempty"`
		Error        string              `json:"error,omitempty"`
		Traceback    string              `json:"traceback,omitempty"`
	}
)

// DecodeAnalyses decodes an engine response array. Every variation is read
// with the field set of engine, then the whole tree is validated.
func DecodeAnalyses(engine StatsEngine, data []byte) ([]MultipleExperimentMetricAnalysis, error) {
	var raw []rawMultiple
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding analysis results: %w", err)
	}
	out := make([]MultipleExperimentMetricAnalysis, 0, len(raw))
	for _, rm := range raw {
		m := MultipleExperimentMetricAnalysis{
			ID:           rm.ID,
			BanditResult: rm.BanditResult,
			Error:        rm.Error,
			Traceback:    rm.Traceback,
		}
		for _, rr := range rm.Results {
			res := ExperimentMetricAnalysis{Metric: rr.Metric}
			for _, ra := range rr.Analyses {
				a := AnalysisResult{
					UnknownVariations: ra.UnknownVariations,
					MultipleExposures: ra.MultipleExposures,
					PowerResult:       ra.PowerResult,
				}
				for _, rd := range ra.Dimensions {
					d := DimensionResponse{Dimension: rd.Dimension, SRM: rd.SRM}
					for _, rv := range rd.Variations {
						v, err := decodeVariation(engine, rv)
						if err != nil {
							return nil, fmt.Errorf("decoding variation of metric %s: %w", rr.Metric, err)
						}
						d.Variations = append(d.Variations, v)
					}
					a.Dimensions = append(a.Dimensions, d)
				}
				res.Analyses = append(res.Analyses, a)
			}
			m.Results = append(m.Results, res)
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("analysis %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, nil
}
