package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// ElicitationSchema derives the requested schema of an elicitation from the Go struct T, using
// its json and jsonschema tags. Elicitation only allows a flat object of primitive properties,
// so nested objects and arrays are rejected.
func ElicitationSchema[T any]() (json.RawMessage, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	root := r.Reflect(&zero)

	props := make(map[string]any)
	if root.Properties != nil {
		for pair := root.Properties.Oldest(); pair != nil; pair = pair.Next() {
			prop, err := elicitationProperty(pair.Key, pair.Value)
			if err != nil {
				return nil, err
			}
			props[pair.Key] = prop
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(root.Required) > 0 {
		schema["required"] = root.Required
	}
	return json.Marshal(schema)
}

// NewElicitationParams builds the params of an elicitation whose answer has the shape of T.
func NewElicitationParams[T any](message string) (ElicitationParams, error) {
	schema, err := ElicitationSchema[T]()
	if err != nil {
		return ElicitationParams{}, err
	}
	return ElicitationParams{Message: message, RequestedSchema: schema}, nil
}

func elicitationProperty(name string, s *jsonschema.Schema) (map[string]any, error) {
	typ := s.Type
	// Pointers reflect as anyOf with a null branch.
	for _, sub := range s.AnyOf {
		if sub.Type != "null" && sub.Type != "" {
			typ = sub.Type
			break
		}
	}

	switch typ {
	case "string", "number", "integer", "boolean":
	default:
		return nil, fmt.Errorf("%w: elicitation property %q has unsupported type %q", ErrProtocol, name, typ)
	}

	m := map[string]any{"type": typ}
	if s.Title != "" {
		m["title"] = s.Title
	}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if s.Format != "" {
		m["format"] = s.Format
	}
	if len(s.Enum) > 0 {
		m["enum"] = s.Enum
	}
	if s.Default != nil {
		m["default"] = s.Default
	}
	if s.MinLength != nil {
		m["minLength"] = *s.MinLength
	}
	if s.MaxLength != nil {
		m["maxLength"] = *s.MaxLength
	}
	if s.Minimum != "" {
		m["minimum"] = s.Minimum
	}
	if s.Maximum != "" {
		m["maximum"] = s.Maximum
	}
	return m, nil
}
