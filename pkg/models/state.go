package models

import "fmt"

// ValidStateValue checks a state value against the allowed union: string,
// number, boolean, nil, and nested maps/sequences of the same. Values
// decoded from JSON always satisfy it; values built in-process may not.
func ValidStateValue(v any) error {
	switch t := v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return nil
	case map[string]any:
		for k, e := range t {
			if err := ValidStateValue(e); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		return nil
	case []any:
		for i, e := range t {
			if err := ValidStateValue(e); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported state value type %T", v)
	}
}

// ValidStateDelta validates every value in a state delta map.
func ValidStateDelta(delta map[string]any) error {
	for k, v := range delta {
		if err := ValidStateValue(v); err != nil {
			return fmt.Errorf("state_delta[%q]: %w", k, err)
		}
	}
	return nil
}
