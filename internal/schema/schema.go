// Package schema provides the typed JSON-schema builder DSL used by
// agent-step and review-loop prompts (spec.md §4.E/§9's "method_missing
// schema DSL" re-expressed as a small explicit builder API with typed column
// constructors): unknown field kinds simply have no constructor, so bad
// schemas fail to compile rather than raising at runtime.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Field is one property of an object schema.
type Field struct {
	Name     string
	Raw      map[string]any
	Required bool
}

// String declares a required string property.
func String(name string) Field { return Field{Name: name, Raw: map[string]any{"type": "string"}, Required: true} }

// OptionalString declares a nullable string property.
func OptionalString(name string) Field {
	return Field{Name: name, Raw: map[string]any{"type": []any{"string", "null"}}}
}

// Bool declares a required boolean property.
func Bool(name string) Field { return Field{Name: name, Raw: map[string]any{"type": "boolean"}, Required: true} }

// Number declares a required numeric property.
func Number(name string) Field { return Field{Name: name, Raw: map[string]any{"type": "number"}, Required: true} }

// Integer declares a required integer property.
func Integer(name string) Field {
	return Field{Name: name, Raw: map[string]any{"type": "integer"}, Required: true}
}

// StringEnum declares a required string property restricted to values.
func StringEnum(name string, values ...string) Field {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return Field{Name: name, Raw: map[string]any{"type": "string", "enum": enum}, Required: true}
}

// Array declares a required array property whose items match item.
func Array(name string, item Field) Field {
	return Field{Name: name, Raw: map[string]any{"type": "array", "items": item.Raw}, Required: true}
}

// Object declares a required nested object property.
func Object(name string, fields ...Field) Field {
	f := Field{Name: name, Required: true}
	f.Raw = objectSchema(fields)
	return f
}

// Optional marks any Field as not required.
func Optional(f Field) Field {
	f.Required = false
	return f
}

func objectSchema(fields []Field) map[string]any {
	props := map[string]any{}
	var required []any
	for _, f := range fields {
		props[f.Name] = f.Raw
		if f.Required {
			required = append(required, f.Name)
		}
	}
	raw := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		raw["required"] = required
	}
	return raw
}

// Schema is a compiled, validatable JSON schema document. Build once per
// agent step / review-loop call and reuse across retries.
type Schema struct {
	Raw       map[string]any
	compiled  *jsonschema.Schema
}

// Build assembles a top-level object schema from fields and compiles it.
func Build(fields ...Field) (*Schema, error) {
	return FromRaw(objectSchema(fields))
}

// FromRaw compiles an already-assembled JSON schema document (used by
// ResultSchema's oneOf wrapping, which Build's flat object shape can't
// express directly).
func FromRaw(raw map[string]any) (*Schema, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("schema: decode: %w", err)
	}
	c := jsonschema.NewCompiler()
	const resourceID = "kiln://inline-schema.json"
	if err := c.AddResource(resourceID, doc); err != nil {
		return nil, fmt.Errorf("schema: add resource: %w", err)
	}
	compiled, err := c.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}
	return &Schema{Raw: raw, compiled: compiled}, nil
}

// FromSpec builds a flat object schema from a declarative field→type map,
// the shape prompt packs use for response_schema keys (attr: string).
// Unknown type names are rejected at build time.
func FromSpec(raw any) (*Schema, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("schema: response_schema must be a map of field to type, got %T", raw)
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]Field, 0, len(names))
	for _, name := range names {
		switch t := fmt.Sprint(m[name]); t {
		case "string":
			fields = append(fields, String(name))
		case "boolean", "bool":
			fields = append(fields, Bool(name))
		case "number", "float":
			fields = append(fields, Number(name))
		case "integer", "int":
			fields = append(fields, Integer(name))
		default:
			return nil, fmt.Errorf("schema: unknown field type %q for %q", t, name)
		}
	}
	return Build(fields...)
}

// Validate checks a decoded JSON value (typically map[string]any, produced
// with json.Decoder.UseNumber so integers round-trip correctly) against the
// schema, returning jsonschema's structured validation error on failure.
func (s *Schema) Validate(instance any) error {
	if s == nil {
		return nil
	}
	return s.compiled.Validate(instance)
}
