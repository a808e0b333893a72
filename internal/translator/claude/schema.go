package claude

import "strings"

// schemaDenylist lists JSON-Schema keywords the upstream rejects. They are
// stripped at every nesting level.
var schemaDenylist = []string{
	"$schema", "$id", "$ref", "$defs", "definitions", "$comment",
	"examples", "default", "additionalProperties",
	"minimum", "maximum", "minLength", "maxLength",
	"minItems", "maxItems", "uniqueItems",
	"pattern", "format", "nullable",
	"oneOf", "anyOf", "allOf", "not",
}

// cleanSchema rewrites a JSON-Schema tree into the subset the upstream
// accepts. It is pure apart from mutating its argument, recursive, and
// idempotent. Type casing is left alone here; uppercaseSchemaTypes applies
// it when the final declaration is emitted.
func cleanSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	for _, key := range schemaDenylist {
		delete(schema, key)
	}

	// Union types like ["string","null"] collapse to the first non-null.
	if typeVal, ok := schema["type"]; ok {
		if arr, isArr := typeVal.([]any); isArr {
			for _, t := range arr {
				if s, isStr := t.(string); isStr && !strings.EqualFold(s, "null") {
					schema["type"] = s
					break
				}
			}
			if _, stillArr := schema["type"].([]any); stillArr {
				delete(schema, "type")
			}
		}
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		for name, v := range props {
			if nested, isMap := v.(map[string]any); isMap {
				props[name] = cleanSchema(nested)
			}
		}
		if len(props) == 0 {
			delete(schema, "properties")
		}
	}

	if required, ok := schema["required"].([]any); ok && len(required) == 0 {
		delete(schema, "required")
	}
	// A required list with no surviving properties is a dangling constraint.
	if _, hasProps := schema["properties"]; !hasProps {
		delete(schema, "required")
	}

	if items, ok := schema["items"].(map[string]any); ok {
		cleaned := cleanSchema(items)
		if len(cleaned) == 0 {
			// The upstream requires a concrete item type.
			cleaned = map[string]any{"type": "string"}
		}
		schema["items"] = cleaned
	}

	return schema
}

// uppercaseSchemaTypes converts every "type" value in the tree to the
// upstream's enum casing (object -> OBJECT and so on).
func uppercaseSchemaTypes(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	if t, ok := schema["type"].(string); ok {
		schema["type"] = strings.ToUpper(t)
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		for name, v := range props {
			if nested, isMap := v.(map[string]any); isMap {
				props[name] = uppercaseSchemaTypes(nested)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		schema["items"] = uppercaseSchemaTypes(items)
	}
	return schema
}
