package tools

import (
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

// Validator checks call arguments against the catalogue's JSON Schemas. It is
// only consulted when strict argument handling is enabled.
type Validator struct {
	schemas map[Name]*jsonschema.Schema
}

// NewValidator compiles the schema of every catalogue entry.
func NewValidator(c *Catalog) (*Validator, error) {
	v := &Validator{schemas: make(map[Name]*jsonschema.Schema)}
	for _, spec := range c.Specs() {
		schema, err := jsonschema.NewCompiler().Compile(spec.Schema())
		if err != nil {
			return nil, fmt.Errorf("tools: compile schema for %s: %w", spec.Name, err)
		}
		v.schemas[spec.Name] = schema
	}
	return v, nil
}

// Validate reports whether args satisfy the contract declared for name. Names
// without a catalogue entry are left to the dispatcher.
func (v *Validator) Validate(name string, args Args) error {
	schema, ok := v.schemas[Name(name)]
	if !ok {
		return nil
	}
	result := schema.Validate(map[string]any(args))
	if !result.IsValid() {
		return fmt.Errorf("tools: %s: %s", name, result.Error())
	}
	return nil
}
