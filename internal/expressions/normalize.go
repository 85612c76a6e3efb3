package expressions

import (
	"encoding/json"
)

// Normalize converts a scratch-store value into the plain JSON shapes the
// engines understand: nil, bool, int, float64, string, []any and
// map[string]any. Unknown types go through a JSON round trip.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil, bool, int, float64, string:
		return v
	case int64:
		return int(val)
	case int32:
		return int(val)
	case uint:
		return int(val)
	case uint64:
		return int(val)
	case float32:
		return float64(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case json.RawMessage:
		var parsed any
		if err := json.Unmarshal(val, &parsed); err != nil {
			return string(val)
		}
		return parsed
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil
		}
		return parsed
	}
}

// NormalizeMap is Normalize for a map.
func NormalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return Normalize(m).(map[string]any)
}
