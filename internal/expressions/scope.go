package expressions

import "encoding/json"

// BuildScope assembles the read-only evaluation scope handed to conditions and
// scripts. The scope carries three namespaces:
//   - input:  the run's immutable input
//   - output: accumulated step outputs keyed by output variable
//   - vars:   input and output flattened into one namespace, output winning
//     on key collisions (a later step's output shadows an input of the
//     same name)
//
// Everything is deep-copied so expression code can never mutate engine state.
func BuildScope(input, output map[string]any) map[string]any {
	in := deepCopyMap(input)
	out := deepCopyMap(output)

	vars := make(map[string]any, len(in)+len(out))
	for k, v := range in {
		vars[k] = v
	}
	for k, v := range out {
		vars[k] = v
	}

	return map[string]any{
		"input":  orEmpty(in),
		"output": orEmpty(out),
		"vars":   vars,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
