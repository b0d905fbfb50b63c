package config

import "reflect"

// Item is one runtime-editable setting. A nil Value means the default is in
// effect; setting a value equal to the default clears it back to nil so disk
// files never carry redundant overrides.
type Item struct {
	Name    string
	Default any
	Value   any
	Desc    string
	Kind    string // "bool" | "number" | "string" | "object" ...
}

// Effective returns the override when present, else the default.
func (it *Item) Effective() any {
	if it.Value == nil {
		return it.Default
	}
	return it.Value
}

// Set stores v as the override, or clears it when v equals the default.
func (it *Item) Set(v any) {
	if sameValue(v, it.Default) {
		it.Value = nil
		return
	}
	it.Value = v
}

// sameValue compares loosely decoded JSON values, treating numeric types as
// interchangeable.
func sameValue(a, b any) bool {
	if na, aok := asFloat(a); aok {
		if nb, bok := asFloat(b); bok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
