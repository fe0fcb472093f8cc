// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIdentifier(t *testing.T) {
	valid := []string{"tracks", "_private", "Page_Viewed", "a1", strings.Repeat("a", 63)}
	for _, id := range valid {
		assert.NoError(t, ValidateIdentifier(id), id)
	}

	invalid := []string{"", "1abc", "drop table", "x;--", "a.b", `"quoted"`, strings.Repeat("a", 64)}
	for _, id := range invalid {
		assert.Error(t, ValidateIdentifier(id), id)
	}
}

func TestValidateIdentifiers_ReportsAllInvalid(t *testing.T) {
	err := ValidateIdentifiers([]string{"ok", "bad name", "also-bad"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bad name"`)
	assert.Contains(t, err.Error(), `"also-bad"`)
	assert.NotContains(t, err.Error(), `"ok"`)
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := map[string]string{
		"Page Viewed":     "page_viewed",
		"  Signup--Done ": "signup_done",
		"2fa enabled":     "_2fa_enabled",
		"!!!":             "",
		"checkout.v2":     "checkout_v2",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeIdentifier(in), in)
	}
}

type sample struct {
	Name   string `json:"name" validate:"required"`
	Kind   string `json:"kind" validate:"oneof=a b"`
	Schema string `json:"schema,omitempty" validate:"omitempty,identifier"`
}

func TestDecodeStrict_RejectsUnknownFields(t *testing.T) {
	var s sample
	err := DecodeStrict(strings.NewReader(`{"name":"x","kind":"a","extra":1}`), &s)

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Message, "extra")
}

func TestDecodeStrict_RejectsTrailingData(t *testing.T) {
	var s sample
	err := DecodeStrict(strings.NewReader(`{"name":"x","kind":"a"} {"name":"y"}`), &s)

	assert.Error(t, err)
}

func TestDecodeStrict_EmptyBody(t *testing.T) {
	var s sample
	err := DecodeStrict(strings.NewReader(""), &s)

	require.Error(t, err)
	assert.Equal(t, "request body is empty", err.Error())
}

func TestDecodeStrict_Valid(t *testing.T) {
	var s sample
	require.NoError(t, DecodeStrictBytes([]byte(" {\"name\":\"x\",\"kind\":\"b\"}\n"), &s))
	assert.Equal(t, "x", s.Name)
}

func TestStruct_UsesJSONFieldNames(t *testing.T) {
	err := Struct(sample{Kind: "c", Schema: "bad schema"})

	var verr *Error
	require.True(t, errors.As(err, &verr))
	fields := map[string]string{}
	for _, f := range verr.Fields {
		fields[f.Field] = f.Rule
	}
	assert.Equal(t, "required", fields["name"])
	assert.Equal(t, "oneof", fields["kind"])
	assert.Equal(t, "identifier", fields["schema"])
}

func TestVar(t *testing.T) {
	assert.NoError(t, Var("type", "binomial", "oneof=binomial count"))

	err := Var("type", "ratio", "oneof=binomial count")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type must be one of [binomial count]")
}
