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

// DatasourceType names a datasource integration.
type DatasourceType string

// DatasourcePostgres is the only shipped integration.
const DatasourcePostgres DatasourceType = "postgres"

// SchemaFormat identifies the tracking schema an event pipeline writes.
// An empty schema format disables tracked-event discovery.
type SchemaFormat string

const (
	SchemaFormatSegment  SchemaFormat = "segment"
	SchemaFormatRudder   SchemaFormat = "rudderstack"
	SchemaFormatSnowplow SchemaFormat = "snowplow"
	SchemaFormatAleutian SchemaFormat = "aleutian"
	SchemaFormatCustom   SchemaFormat = "custom"
)

// DatasourceSettings hold connection and schema settings.
type DatasourceSettings struct {
	SchemaFormat  SchemaFormat `json:"schemaFormat,omitempty" validate:"omitempty,oneof=segment rudderstack snowplow aleutian custom"`
	Host          string       `json:"host" validate:"required"`
	Port          int          `json:"port,omitempty" validate:"omitempty,gt=0,lte=65535"`
	Database      string       `json:"database" validate:"required"`
	User          string       `json:"user" validate:"required"`
	Password      string       `json:"password,omitempty"`
	SSLMode       string       `json:"sslmode,omitempty" validate:"omitempty,oneof=disable require verify-ca verify-full"`
	DefaultSchema string       `json:"defaultSchema,omitempty" validate:"omitempty,identifier"`
}

// Datasource is a configured connection to a warehouse.
type Datasource struct {
	ID           string             `json:"id"`
	Organization string             `json:"organization"`
	Name         string             `json:"name"`
	Type         DatasourceType     `json:"type"`
	Projects     []string           `json:"projects"`
	Settings     DatasourceSettings `json:"settings"`
	DateCreated  time.Time          `json:"dateCreated"`
	DateUpdated  time.Time          `json:"dateUpdated"`
}

// Redacted returns a copy without the password, for responses.
func (d Datasource) Redacted() Datasource {
	d.Projects = cloneStrings(d.Projects)
	d.Settings.Password = ""
	return d
}

// DatasourceInput is the body of a datasource create request.
type DatasourceInput struct {
	Name     string             `json:"name" validate:"required,max=256"`
	Type     DatasourceType     `json:"type" validate:"required,oneof=postgres"`
	Projects []string           `json:"projects,omitempty"`
	Settings DatasourceSettings `json:"settings" validate:"required"`
}

// Validate runs the struct rules.
func (in DatasourceInput) Validate() error {
	return validation.Struct(in)
}
