package providers

import "strings"

// CleanToolSchemas normalises tool definitions for one provider: Gemini's
// OpenAI facade rejects JSON-Schema keywords it does not know, so those
// are stripped for gemini-named providers; everyone else gets the schemas
// untouched.
func CleanToolSchemas(providerName string, defs []ToolDefinition) []ToolDefinition {
	if !strings.Contains(strings.ToLower(providerName), "gemini") {
		return defs
	}
	cleaned := make([]ToolDefinition, len(defs))
	for i, d := range defs {
		d.Function.Parameters = cleanSchema(d.Function.Parameters)
		cleaned[i] = d
	}
	return cleaned
}

// CleanSchemaForProvider applies the same rule to a single parameter
// schema (used by the Anthropic tool translation).
func CleanSchemaForProvider(providerName string, schema map[string]interface{}) map[string]interface{} {
	if !strings.Contains(strings.ToLower(providerName), "gemini") {
		return schema
	}
	return cleanSchema(schema)
}

// geminiUnsupportedKeys are JSON-Schema keywords Gemini's facade rejects
// with HTTP 400.
var geminiUnsupportedKeys = map[string]bool{
	"$schema":              true,
	"additionalProperties": true,
	"default":              true,
	"exclusiveMaximum":     true,
	"exclusiveMinimum":     true,
}

func cleanSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if geminiUnsupportedKeys[k] {
			continue
		}
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = cleanSchema(val)
		case []interface{}:
			items := make([]interface{}, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]interface{}); ok {
					items[i] = cleanSchema(m)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}
