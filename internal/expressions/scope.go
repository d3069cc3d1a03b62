package expressions

import (
	"encoding/json"
	"fmt"

	"github.com/mohae/deepcopy"
)

// Snapshot returns a deep copy of vars so handlers can read variables
// without being able to mutate the execution's state.
func Snapshot(vars map[string]any) map[string]any {
	if vars == nil {
		return map[string]any{}
	}
	cp, ok := deepcopy.Copy(vars).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return cp
}

// Normalize converts an arbitrary Go value into plain JSON types
// (map[string]any, []any, float64, string, bool, nil), the shape every
// evaluator and store expects variables to have.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	return out, nil
}

// NormalizeMap is Normalize for variable maps.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return map[string]any{}, nil
	}
	out, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	mm, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("normalize value: expected object, got %T", out)
	}
	return mm, nil
}
