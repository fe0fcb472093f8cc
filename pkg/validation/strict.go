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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator instance.
//
// The instance reports JSON field names in errors and registers the
// "identifier" tag backed by ValidateIdentifier.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})
		_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
			return ValidateIdentifier(fl.Field().String()) == nil
		})
		validate = v
	})
	return validate
}

// FieldError describes a single failed rule.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Error is returned for malformed or rule-violating input.
type Error struct {
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Message
	}
	return e.Message + ": " + strings.Join(parts, "; ")
}

// Errorf builds a validation Error without field details.
func Errorf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// DecodeStrict decodes exactly one JSON value into dst, rejecting unknown
// fields and trailing data.
func DecodeStrict(r io.Reader, dst any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return Errorf("request body is empty")
		}
		return Errorf("invalid request body: %s", err.Error())
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Errorf("invalid request body: unexpected data after JSON value")
	}
	return nil
}

// DecodeStrictBytes is DecodeStrict over a byte slice.
func DecodeStrictBytes(data []byte, dst any) error {
	return DecodeStrict(bytes.NewReader(data), dst)
}

// Struct runs the validator tags on v and converts failures to *Error.
func Struct(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return Errorf("validation failed: %s", err.Error())
	}
	out := &Error{Message: "validation failed"}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fieldPath(fe),
			Rule:    fe.Tag(),
			Message: describe(fe),
		})
	}
	return out
}

// Var validates a single value against a tag expression such as "oneof=a b".
func Var(field string, value any, tag string) error {
	err := Validator().Var(value, tag)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &Error{
			Message: "validation failed",
			Fields: []FieldError{{
				Field:   field,
				Rule:    verrs[0].Tag(),
				Message: field + " " + ruleText(verrs[0].Tag(), verrs[0].Param()),
			}},
		}
	}
	return Errorf("validation failed: %s", err.Error())
}

func describe(fe validator.FieldError) string {
	return fieldPath(fe) + " " + ruleText(fe.Tag(), fe.Param())
}

// fieldPath drops the root struct name from the namespace, so
// "TemplateInput.targeting.coverage" becomes "targeting.coverage".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func ruleText(tag, param string) string {
	switch tag {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of [" + param + "]"
	case "min":
		return "must be at least " + param
	case "max":
		return "must be at most " + param
	case "gte":
		return "must be >= " + param
	case "lte":
		return "must be <= " + param
	case "identifier":
		return "must be a valid SQL identifier"
	default:
		return "failed rule " + tag
	}
}
