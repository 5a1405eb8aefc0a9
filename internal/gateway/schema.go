package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Schema is a minimal JSON-schema subset: enough to describe the
// structured outputs the engines expect, small enough to translate
// to every provider's response-schema dialect.
type Schema struct {
	Type        string             `json:"type"` // object, array, string, number, integer, boolean
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

// Object is a shorthand constructor for object schemas.
func Object(props map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: "object", Properties: props, Required: required}
}

// Str builds a string schema.
func Str(desc string) *Schema { return &Schema{Type: "string", Description: desc} }

// Num builds a number schema.
func Num(desc string) *Schema { return &Schema{Type: "number", Description: desc} }

// StrEnum builds a string schema restricted to the given values.
func StrEnum(desc string, values ...string) *Schema {
	return &Schema{Type: "string", Description: desc, Enum: values}
}

// Array builds an array schema.
func Array(items *Schema) *Schema { return &Schema{Type: "array", Items: items} }

// Validate checks raw JSON against the schema and returns the first
// violation found.
func (s *Schema) Validate(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	return s.validateValue("$", v)
}

func (s *Schema) validateValue(path string, v any) error {
	switch s.Type {
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object, got %T", path, v)
		}
		for _, req := range s.Required {
			if _, present := obj[req]; !present {
				return fmt.Errorf("%s: missing required field %q", path, req)
			}
		}
		for name, sub := range s.Properties {
			val, present := obj[name]
			if !present || val == nil {
				continue
			}
			if err := sub.validateValue(path+"."+name, val); err != nil {
				return err
			}
		}
	case "array":
		arr, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array, got %T", path, v)
		}
		if s.Items != nil {
			for i, item := range arr {
				if err := s.Items.validateValue(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
					return err
				}
			}
		}
	case "string":
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s: expected string, got %T", path, v)
		}
		if len(s.Enum) > 0 {
			for _, e := range s.Enum {
				if str == e {
					return nil
				}
			}
			return fmt.Errorf("%s: value %q not in enum %v", path, str, s.Enum)
		}
	case "number":
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("%s: expected number, got %T", path, v)
		}
	case "integer":
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%s: expected integer, got %T", path, v)
		}
		if f != float64(int64(f)) {
			return fmt.Errorf("%s: expected integer, got %v", path, f)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s: expected boolean, got %T", path, v)
		}
	}
	return nil
}

// Instruction renders the schema as a prompt-side JSON instruction for
// providers (or models) that reject native response schemas.
func (s *Schema) Instruction() string {
	var sb strings.Builder
	sb.WriteString("Respond with ONLY a JSON value matching this schema, no prose and no markdown fences:\n")
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return sb.String()
	}
	sb.Write(data)
	return sb.String()
}

// toGenAI translates the schema into the genai SDK's schema type for
// native response-schema enforcement.
func (s *Schema) toGenAI() *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{Description: s.Description}
	switch s.Type {
	case "object":
		out.Type = genai.TypeObject
		if len(s.Properties) > 0 {
			out.Properties = make(map[string]*genai.Schema, len(s.Properties))
			for name, sub := range s.Properties {
				out.Properties[name] = sub.toGenAI()
			}
		}
		out.Required = s.Required
	case "array":
		out.Type = genai.TypeArray
		out.Items = s.Items.toGenAI()
	case "string":
		out.Type = genai.TypeString
		out.Enum = s.Enum
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	}
	return out
}

// ExtractJSON pulls the first JSON object or array out of model text,
// tolerating markdown fences and surrounding prose.
func ExtractJSON(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)

	// Strip markdown fences.
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx >= 0 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return nil, fmt.Errorf("no JSON value found in response")
	}

	open := text[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
		case close:
			depth--
			if depth == 0 {
				candidate := json.RawMessage(text[start : i+1])
				if !json.Valid(candidate) {
					return nil, fmt.Errorf("extracted JSON is invalid")
				}
				return candidate, nil
			}
		}
	}
	return nil, fmt.Errorf("unterminated JSON value in response")
}
