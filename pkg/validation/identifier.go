// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides request validation for the experiments service.
//
// Two concerns live here:
//
//   - strict decoding and struct validation of JSON request bodies, where
//     unknown fields are rejected rather than ignored
//   - validation of SQL identifiers that are interpolated into generated
//     datasource queries, which cannot be bound as query parameters
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern matches an unquoted SQL identifier.
// Allows: letters, digits, underscores; must not start with a digit.
// Max length: 63 characters (Postgres NAMEDATALEN - 1).
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateIdentifier validates a schema, table or column name before it is
// interpolated into SQL.
//
// Example:
//
//	if err := validation.ValidateIdentifier(schema); err != nil {
//	    return nil, fmt.Errorf("invalid schema: %w", err)
//	}
//	// Safe to use in generated SQL
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier: %q (must be 1-63 letters, digits or underscores, not starting with a digit)", name)
	}
	return nil
}

// ValidateIdentifiers validates several identifiers and reports all invalid
// ones in a single error.
func ValidateIdentifiers(names []string) error {
	var invalid []string
	for _, name := range names {
		if err := ValidateIdentifier(name); err != nil {
			invalid = append(invalid, fmt.Sprintf("%q", name))
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid identifiers: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// SanitizeIdentifier lowercases a free-form event name into a valid
// identifier, replacing runs of other characters with "_". Returns an empty
// string when nothing usable remains.
func SanitizeIdentifier(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore && b.Len() > 0:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.TrimSuffix(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	if len(out) > 63 {
		out = out[:63]
	}
	return out
}
