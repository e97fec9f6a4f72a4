// Copyright 2025 The Capnet Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package strictjson hardens JSON decoding of wire frames against
// case-smuggling: it is imported by internal/json, the package every
// wire decode in this module actually goes through.
package strictjson

import (
	"fmt"
	"reflect"
	"strings"

	json "github.com/segmentio/encoding/json"
)

// StrictUnmarshal unmarshals JSON data into v, first rejecting two forms
// of case-smuggling that a case-sensitive wire protocol must not
// tolerate:
//   - duplicate keys that differ only in case (e.g. both "name" and "Name")
//   - a key that is a case-insensitive match for one of v's declared JSON
//     field names but not an exact match (e.g. "rε" instead of "Rε")
//
// It deliberately does not reject fields absent from v's struct tags:
// some decode sites (peekType's envelope, in particular) intentionally
// decode only a subset of a larger frame's fields, and Go's normal
// permissive decode of the rest must keep working.
func StrictUnmarshal(data []byte, v interface{}) error {
	if err := validateNoDuplicateKeys(data); err != nil {
		return fmt.Errorf("strict unmarshal: %w", err)
	}
	if err := validateFieldCase(data, v); err != nil {
		return fmt.Errorf("strict unmarshal: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("strict unmarshal: %w", err)
	}
	return nil
}

// validateNoDuplicateKeys checks if the JSON data contains duplicate keys
// with different cases (e.g., both "name" and "Name").
func validateNoDuplicateKeys(data []byte) error {
	// Parse into a generic map to get all keys
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// If it's not an object, no duplicate keys are possible
		return nil
	}

	// Check for case-variant duplicates
	seen := make(map[string]string) // lowercase -> original
	for key := range raw {
		lowerKey := strings.ToLower(key)
		if original, exists := seen[lowerKey]; exists && original != key {
			return fmt.Errorf("duplicate key with different case: %q and %q", original, key)
		}
		seen[lowerKey] = key
	}

	// Recursively check nested objects and arrays
	for key, val := range raw {
		if err := validateNoDuplicateKeysRecursive(val); err != nil {
			return fmt.Errorf("in field %q: %w", key, err)
		}
	}

	return nil
}

// validateNoDuplicateKeysRecursive recursively validates nested JSON structures
func validateNoDuplicateKeysRecursive(data json.RawMessage) error {
	// Try to parse as object
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err == nil {
		// It's an object, check for duplicates
		seen := make(map[string]string)
		for key := range obj {
			lowerKey := strings.ToLower(key)
			if original, exists := seen[lowerKey]; exists && original != key {
				return fmt.Errorf("duplicate key with different case: %q and %q", original, key)
			}
			seen[lowerKey] = key
		}

		// Recursively check nested values
		for key, val := range obj {
			if err := validateNoDuplicateKeysRecursive(val); err != nil {
				return fmt.Errorf("in field %q: %w", key, err)
			}
		}
		return nil
	}

	// Try to parse as array
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		// It's an array, check each element
		for i, elem := range arr {
			if err := validateNoDuplicateKeysRecursive(elem); err != nil {
				return fmt.Errorf("in array index %d: %w", i, err)
			}
		}
		return nil
	}

	// It's a primitive value, no duplicates possible
	return nil
}

// validateFieldCase rejects any JSON key that matches one of the struct's
// tagged field names case-insensitively but not exactly. This prevents
// attacks where an attacker sends "Name" instead of "name" to smuggle
// values. Keys that match no tagged name in any case are accepted.
func validateFieldCase(data []byte, v interface{}) error {
	// Get expected field names from struct tags
	expectedFields := extractExpectedFields(v)

	// Parse JSON to get actual field names
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// If it's not an object, nothing to validate
		return nil
	}

	// Check that all JSON keys match expected fields exactly
	for key := range raw {
		// Check if this key exists in expected fields (case-sensitive)
		if !expectedFields[key] {
			// Check if a case-insensitive match exists (which would be a smuggling attempt)
			lowerKey := strings.ToLower(key)
			for expected := range expectedFields {
				if strings.ToLower(expected) == lowerKey {
					return fmt.Errorf("field name case mismatch: got %q, expected %q", key, expected)
				}
			}
			// No case-insensitive match: a genuinely unknown field,
			// which the subsequent permissive decode is free to ignore.
		}
	}

	return nil
}

// extractExpectedFields uses reflection to extract valid field names from
// struct tags. Returns a map of field names that are expected in the JSON.
func extractExpectedFields(v interface{}) map[string]bool {
	fields := make(map[string]bool)

	// Get the type, handling pointers
	t := reflect.TypeOf(v)
	if t == nil {
		return fields
	}

	// Dereference pointer types
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	// Only structs have fields
	if t.Kind() != reflect.Struct {
		return fields
	}

	// Only fields with an explicit json tag are tracked: those are the
	// ones a developer chose a specific wire name for (Ref's Rε/S/Rid,
	// in particular), so those are the names worth guarding against a
	// case-insensitive smuggling attempt. Untagged fields fall back to
	// encoding/json's own case-insensitive-by-default field matching,
	// same as ever.
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("json")

		// Parse json tag (format: "name,omitempty")
		if tag == "" || tag == "-" {
			continue
		}

		// Extract field name (before comma)
		name := tag
		if idx := strings.Index(tag, ","); idx != -1 {
			name = tag[:idx]
		}

		if name != "" {
			fields[name] = true
		}
	}

	return fields
}
