package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseToolArguments turns a raw argument buffer into valid JSON. Models
// sometimes wrap arguments in code fences, encode them as a JSON string, or
// add prose around them; each of those is recovered here.
func parseToolArguments(raw string) (json.RawMessage, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return json.RawMessage("{}"), nil
	}
	if json.Valid([]byte(s)) {
		return unwrapJSONString(json.RawMessage(s)), nil
	}

	if stripped := stripCodeFence(s); stripped != s && json.Valid([]byte(stripped)) {
		return unwrapJSONString(json.RawMessage(stripped)), nil
	}

	if segment, ok := extractJSONSegment(s); ok {
		return json.RawMessage(segment), nil
	}

	return nil, fmt.Errorf("%w: invalid JSON arguments: %s", ErrSchemaMismatch, truncate(s, 200))
}

// unwrapJSONString returns the inner document when raw is a JSON string
// whose contents are themselves an object or array.
func unwrapJSONString(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || raw[0] != '"' {
		return raw
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return raw
	}
	inner = strings.TrimSpace(inner)
	if (strings.HasPrefix(inner, "{") || strings.HasPrefix(inner, "[")) && json.Valid([]byte(inner)) {
		return json.RawMessage(inner)
	}
	return raw
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the language tag line (```json).
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// extractJSONSegment finds the first balanced object or array in s that is
// valid JSON. String literals are skipped so braces inside them don't count.
func extractJSONSegment(s string) (string, bool) {
	for start := 0; start < len(s); start++ {
		open := s[start]
		if open != '{' && open != '[' {
			continue
		}
		closer := byte('}')
		if open == '[' {
			closer = ']'
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			c := s[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case open:
				depth++
			case closer:
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					i = len(s)
				}
			}
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
