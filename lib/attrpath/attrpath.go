// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package attrpath walks dotted attribute paths over the loosely
// structured attribute bags that directory objects carry.
//
// Directory groups and users expose arbitrary nested JSON attribute
// maps ("attributes.chatroom.topic"). The engine's mapping logic reads
// values at configurable paths; a missing intermediate key is an
// expected condition, not a programming error. Callers choose between
// the Or variants, which substitute a typed fallback, and the plain
// variants, which return a *NotFoundError for the engine to propagate.
//
// The package is deliberately independent of the directory client so
// that mapping logic is unit-testable without a live directory.
package attrpath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// NotFoundError reports that an attribute path does not resolve to a
// value. It carries the full dotted path for the operator-facing error
// message.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("attrpath: no value at %q", e.Path)
}

// IsNotFound reports whether err is a *NotFoundError.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}

// Lookup resolves a dotted path against a nested attribute bag.
// Every intermediate value must be a map[string]any. Returns
// *NotFoundError if any segment is absent or an intermediate value is
// not a map.
func Lookup(bag map[string]any, path string) (any, error) {
	if path == "" {
		return nil, &NotFoundError{Path: path}
	}

	var current any = bag
	for _, segment := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, &NotFoundError{Path: path}
		}
		current, ok = node[segment]
		if !ok {
			return nil, &NotFoundError{Path: path}
		}
	}
	return current, nil
}

// LookupOr resolves a dotted path, substituting fallback when the path
// does not resolve.
func LookupOr(bag map[string]any, path string, fallback any) any {
	value, err := Lookup(bag, path)
	if err != nil {
		return fallback
	}
	return value
}

// String resolves a dotted path to a string. Non-string scalar values
// (numbers, booleans) are formatted with fmt.Sprint, matching how
// directory attribute values end up in room names and topics. A nil
// value resolves to the empty string.
func String(bag map[string]any, path string) (string, error) {
	value, err := Lookup(bag, path)
	if err != nil {
		return "", err
	}
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}

// StringOr resolves a dotted path to a string, substituting fallback
// when the path does not resolve.
func StringOr(bag map[string]any, path, fallback string) string {
	value, err := String(bag, path)
	if err != nil {
		return fallback
	}
	return value
}

// Number resolves a dotted path to a numeric value. JSON decoding
// yields float64 for all numbers; numeric strings are also accepted
// because directory operators routinely quote attribute values.
func Number(bag map[string]any, path string) (float64, error) {
	value, err := Lookup(bag, path)
	if err != nil {
		return 0, err
	}
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		parsed, parseErr := strconv.ParseFloat(v, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("attrpath: value at %q is not numeric: %q", path, v)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("attrpath: value at %q is not numeric (%T)", path, value)
	}
}

// Has reports whether the path resolves to any value, including nil.
func Has(bag map[string]any, path string) bool {
	_, err := Lookup(bag, path)
	return err == nil
}

// HasNonEmpty reports whether the path resolves to a non-empty value.
// nil, "", empty maps, and empty slices count as empty; false and 0 do
// not, since those are deliberate values rather than absence.
func HasNonEmpty(bag map[string]any, path string) bool {
	value, err := Lookup(bag, path)
	if err != nil {
		return false
	}
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case map[string]any:
		return len(v) > 0
	case []any:
		return len(v) > 0
	default:
		return true
	}
}
