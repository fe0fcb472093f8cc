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
	"bytes"
	"encoding/json"
)

// Optional is a patch field that distinguishes "absent" from "present".
//
// # Description
//
// When an Optional field is missing from a JSON object, UnmarshalJSON is
// never called and Set stays false. When the key is present its value is
// decoded and Set becomes true, even if the value is the zero value or
// null. This lets a patch apply `"inverse": false` or `"projects": []`
// while leaving omitted fields untouched.
//
// # Examples
//
//	var p struct{ Name Optional[string] `json:"name"` }
//	json.Unmarshal([]byte(`{}`), &p)          // p.Name.Set == false
//	json.Unmarshal([]byte(`{"name":""}`), &p) // p.Name.Set == true, Value == ""
type Optional[T any] struct {
	Value T
	Set   bool
}

// Some returns a present Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Set: true}
}

// UnmarshalJSON marks the field present and decodes the value. A JSON null
// yields the zero value.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	var zero T
	o.Value = zero
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

// MarshalJSON encodes the value, or null when absent.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// ApplyTo copies the value into dst when present.
func (o Optional[T]) ApplyTo(dst *T) {
	if o.Set {
		*dst = o.Value
	}
}
