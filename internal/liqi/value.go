package liqi

// Generic body accessors. Decoded bodies are map[string]any with int64
// numbers, []any lists, and nested map[string]any messages; these helpers
// keep reducer and bot code out of the type-assertion weeds.

// Int returns a numeric field, or def when absent or non-numeric.
func Int(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// Bool returns a boolean field, or def when absent.
func Bool(m map[string]any, key string, def bool) bool {
	if m == nil {
		return def
	}
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

// Str returns a string field, or "" when absent.
func Str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

// Map returns a nested message field, or nil when absent.
func Map(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

// List returns a repeated field, or nil when absent.
func List(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	v, _ := m[key].([]any)
	return v
}

// IntList returns a repeated numeric field as ints, skipping non-numeric
// entries.
func IntList(m map[string]any, key string) []int {
	items := List(m, key)
	if items == nil {
		return nil
	}
	out := make([]int, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case int64:
			out = append(out, int(v))
		case int:
			out = append(out, v)
		case float64:
			out = append(out, int(v))
		}
	}
	return out
}

// MapList returns a repeated message field, skipping non-message entries.
func MapList(m map[string]any, key string) []map[string]any {
	items := List(m, key)
	if items == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if v, ok := it.(map[string]any); ok {
			out = append(out, v)
		}
	}
	return out
}

// HasKey reports field presence.
func HasKey(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// PatchValue unwraps a {dirty, value} change wrapper. It returns the inner
// value and true only when the wrapper is marked dirty.
func PatchValue(m map[string]any, key string) (any, bool) {
	p := Map(m, key)
	if p == nil {
		return nil, false
	}
	if !Bool(p, "dirty", false) {
		// some producers omit the dirty bit on set wrappers; treat a wrapper
		// carrying a value as live
		if _, ok := p["value"]; !ok {
			return nil, false
		}
	}
	v, ok := p["value"]
	return v, ok
}

// PatchIntList unwraps a {dirty, value:[...]}. Returns nil, false when the
// wrapper is absent.
func PatchIntList(m map[string]any, key string) ([]int, bool) {
	v, ok := PatchValue(m, key)
	if !ok {
		return nil, false
	}
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int, 0, len(items))
	for _, it := range items {
		switch x := it.(type) {
		case int64:
			out = append(out, int(x))
		case int:
			out = append(out, x)
		case float64:
			out = append(out, int(x))
		}
	}
	return out, true
}

// PatchInt unwraps a {dirty, value:n}. Returns def, false when absent.
func PatchInt(m map[string]any, key string, def int) (int, bool) {
	v, ok := PatchValue(m, key)
	if !ok {
		return def, false
	}
	switch x := v.(type) {
	case int64:
		return int(x), true
	case int:
		return x, true
	case float64:
		return int(x), true
	}
	return def, false
}
