package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

// Validate checks a raw, $include-resolved config map against the JSON
// Schema generated from Config before any field is decoded, so a malformed
// `set` or config file is rejected before it can mutate in-memory state.
func Validate(raw map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config: marshal for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: unmarshal for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config: schema validation failed: %w", err)
	}
	return nil
}

func compiledSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		raw, err := JSONSchema()
		if err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = jsonschema.CompileString("agentcore/config.schema.json", string(raw))
	})
	return compiled, compileErr
}
