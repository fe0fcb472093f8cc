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
	"time"

	"github.com/AleutianAI/AleutianExperiments/pkg/validation"
)

// TrackEventInput is the body of POST /event/:clientKey.
type TrackEventInput struct {
	EventName  string                     `json:"event_name" validate:"required,max=256"`
	Value      *float64                   `json:"value,omitempty"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
	Attributes map[string]json.RawMessage `json:"attributes,omitempty"`
}

// Validate runs the struct rules.
func (in TrackEventInput) Validate() error {
	return validation.Struct(in)
}

// FeatureUsageInput is the body of POST /ff-usage/:clientKey.
type FeatureUsageInput struct {
	Feature     string `json:"feature" validate:"required"`
	Revision    int    `json:"revision" validate:"gte=0"`
	RuleID      string `json:"ruleId,omitempty"`
	VariationID string `json:"variationId,omitempty"`
}

// Validate runs the struct rules.
func (in FeatureUsageInput) Validate() error {
	return validation.Struct(in)
}

// TrackKind distinguishes stored tracking records.
type TrackKind string

const (
	TrackKindEvent        TrackKind = "event"
	TrackKindFeatureUsage TrackKind = "feature-usage"
)

// TrackedRecord is an accepted tracking call as stored.
type TrackedRecord struct {
	ID         string             `json:"id"`
	ClientKey  string             `json:"clientKey"`
	Kind       TrackKind          `json:"kind"`
	ReceivedAt time.Time          `json:"receivedAt"`
	Event      *TrackEventInput   `json:"event,omitempty"`
	Usage      *FeatureUsageInput `json:"usage,omitempty"`
}
