package comp

import (
	"strconv"
	"strings"
)

// UnfixValue looks for numbers masquerading as strings. Remote peers
// string-encode large counters (optionally suffixed with "L") to survive
// transports with 32-bit integer limits; this decodes them back to int64,
// recursing into maps and slices. Everything else passes through unaltered.
func UnfixValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, elem := range val {
			val[k] = UnfixValue(elem)
		}
		return val
	case []any:
		for i, elem := range val {
			val[i] = UnfixValue(elem)
		}
		return val
	case string:
		trimmed := strings.TrimSuffix(val, "L")
		if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return n
		}
		return val
	default:
		return v
	}
}

// UnfixInt64 decodes a single bean value to int64. Float values are
// truncated; anything non-numeric reports false.
func UnfixInt64(v any) (int64, bool) {
	switch val := UnfixValue(v).(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case float64:
		return int64(val), true
	default:
		return 0, false
	}
}
