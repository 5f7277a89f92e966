package llm

import (
	"encoding/json"
	"maps"
	"slices"
	"strconv"
	"strings"
)

const (
	previewMaxLen    = 500
	previewMaxValue  = 200
	previewMaxParams = 5
)

// ExtractToolInfo summarizes a call's arguments for status lines: "(value)"
// for a single scalar argument, "(k:v, k2:v2)" otherwise. Nested values and
// empty strings are left out; multi-line values are folded onto one line.
func ExtractToolInfo(call ToolCall) string {
	if len(call.Arguments) == 0 {
		return ""
	}
	var args map[string]any
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return ""
	}

	var keys, vals []string
	for _, k := range slices.Sorted(maps.Keys(args)) {
		v, ok := previewScalar(args[k])
		if !ok {
			continue
		}
		keys = append(keys, k)
		vals = append(vals, v)
	}

	var info string
	switch len(vals) {
	case 0:
		return ""
	case 1:
		info = "(" + vals[0] + ")"
	default:
		parts := make([]string, 0, min(len(vals), previewMaxParams)+1)
		for i := range vals {
			if i == previewMaxParams {
				parts = append(parts, "...")
				break
			}
			parts = append(parts, keys[i]+":"+vals[i])
		}
		info = "(" + strings.Join(parts, ", ") + ")"
	}
	if len(info) > previewMaxLen {
		info = info[:previewMaxLen-4] + "...)"
	}
	return info
}

func previewScalar(v any) (string, bool) {
	var s string
	switch val := v.(type) {
	case string:
		s = strings.Join(strings.Fields(val), " ")
	case float64:
		s = strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(val)
	}
	if s == "" {
		return "", false
	}
	if len(s) > previewMaxValue {
		s = s[:previewMaxValue-3] + "..."
	}
	return s, true
}
