// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"maps"
)

// Attributes of a node, keyed by attribute name.
//
// Values can be any Go integer or float type, string, or slices of int64, int or float32/float64.
// The getters convert to the canonical type and return the default when the attribute is absent, following
// ONNX semantics where an absent attribute takes the operator's default.
type Attributes map[string]any

// Has returns whether the attribute is set.
func (a Attributes) Has(name string) bool {
	_, found := a[name]
	return found
}

// Int returns an integer attribute, or defaultValue if it is not set or not an integer.
func (a Attributes) Int(name string, defaultValue int64) int64 {
	switch v := a[name].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case bool:
		if v {
			return 1
		}
		return 0
	}
	return defaultValue
}

// Float returns a float attribute, or defaultValue if it is not set. Integer values are converted.
func (a Attributes) Float(name string, defaultValue float32) float32 {
	switch v := a[name].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case int:
		return float32(v)
	case int64:
		return float32(v)
	}
	return defaultValue
}

// String returns a string attribute, or defaultValue if it is not set.
func (a Attributes) String(name string, defaultValue string) string {
	if v, ok := a[name].(string); ok {
		return v
	}
	return defaultValue
}

// Ints returns an integer list attribute, or nil if not set.
func (a Attributes) Ints(name string) []int64 {
	switch v := a[name].(type) {
	case []int64:
		return v
	case []int:
		ints := make([]int64, len(v))
		for ii, x := range v {
			ints[ii] = int64(x)
		}
		return ints
	case []int32:
		ints := make([]int64, len(v))
		for ii, x := range v {
			ints[ii] = int64(x)
		}
		return ints
	}
	return nil
}

// Floats returns a float list attribute, or nil if not set.
func (a Attributes) Floats(name string) []float32 {
	switch v := a[name].(type) {
	case []float32:
		return v
	case []float64:
		floats := make([]float32, len(v))
		for ii, x := range v {
			floats[ii] = float32(x)
		}
		return floats
	}
	return nil
}

// Clone returns a shallow copy of the attributes. Slice values are shared.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	return maps.Clone(a)
}
