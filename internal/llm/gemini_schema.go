package llm

import "google.golang.org/genai"

// geminiDropKeys are JSON schema keywords the Gemini API rejects.
var geminiDropKeys = map[string]struct{}{
	"$schema": {}, "additionalProperties": {}, "const": {}, "default": {},
	"examples": {}, "exclusiveMaximum": {}, "exclusiveMinimum": {},
	"format": {}, "pattern": {}, "title": {},
}

// normalizeSchemaForGemini returns a cleaned deep copy of schema. Specs are
// shared between requests so the input is left alone.
func normalizeSchemaForGemini(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if _, drop := geminiDropKeys[k]; drop {
			continue
		}
		m, isMap := v.(map[string]interface{})
		switch {
		case !isMap:
			out[k] = v
		case k == "properties":
			// Property names are user data and may collide with keywords.
			props := make(map[string]interface{}, len(m))
			for name, p := range m {
				if pm, ok := p.(map[string]interface{}); ok {
					props[name] = normalizeSchemaForGemini(pm)
				}
			}
			out[k] = props
		default:
			out[k] = normalizeSchemaForGemini(m)
		}
	}
	return out
}

var geminiTypes = map[string]genai.Type{
	"string":  genai.TypeString,
	"integer": genai.TypeInteger,
	"number":  genai.TypeNumber,
	"boolean": genai.TypeBoolean,
	"array":   genai.TypeArray,
	"object":  genai.TypeObject,
}

// schemaToGenai converts a JSON schema map. Unknown or missing types
// become strings; a nil schema is an empty object.
func schemaToGenai(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	typ, _ := schema["type"].(string)
	s := &genai.Schema{Type: genai.TypeString, Required: schemaRequired(schema)}
	if t, ok := geminiTypes[typ]; ok {
		s.Type = t
	}
	s.Description, _ = schema["description"].(string)

	if props, ok := schema["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]interface{}); ok {
				s.Properties[name] = schemaToGenai(pm)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		s.Items = schemaToGenai(items)
	}
	switch enum := schema["enum"].(type) {
	case []string:
		s.Enum = enum
	case []interface{}:
		for _, e := range enum {
			if str, ok := e.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	}
	return s
}
