package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"switchboard/internal/domain"
)

// SchemaSet holds compiled JSON Schemas keyed by tool name.
type SchemaSet struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaSet creates an empty set.
func NewSchemaSet() *SchemaSet {
	return &SchemaSet{schemas: make(map[string]*jsonschema.Schema)}
}

// Add compiles raw for name. Empty or null schemas are skipped.
func (s *SchemaSet) Add(name string, raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	url := name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("add schema resource for %q: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", name, err)
	}

	s.mu.Lock()
	s.schemas[name] = compiled
	s.mu.Unlock()
	return nil
}

// Validate checks input against the schema for name. Tools without a
// schema accept any JSON.
func (s *SchemaSet) Validate(name string, input []byte) error {
	if len(input) == 0 {
		input = []byte(`{}`)
	}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return domain.NewDomainError("Schema.Validate", domain.ErrInvalidInput, "invalid JSON: "+err.Error())
	}

	s.mu.RLock()
	schema, ok := s.schemas[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := schema.Validate(v); err != nil {
		return domain.NewDomainError("Schema.Validate", domain.ErrInvalidInput, err.Error())
	}
	return nil
}
