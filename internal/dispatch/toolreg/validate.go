package toolreg

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compileSchema turns the memoized schemaObject for a tool into a
// compiled jsonschema.Schema, once at registration time, so each
// invocation's ValidateInput call only runs validation, never compilation.
func compileSchema(name string, schema schemaObject) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("toolreg: marshal schema for %s: %w", name, err)
	}

	url := "mem://tool/" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("toolreg: add schema resource for %s: %w", name, err)
	}
	return compiler.Compile(url)
}

// ValidateInput checks input against the tool's memoized JSON schema. It is
// consulted by the Tool Runner before dispatch, ahead of the Safety Layer's
// shape-specific sanitization (shell/path/URL), so malformed or missing
// required arguments are rejected before any unsafe-input check even runs.
func (r *Registry) ValidateInput(name string, input json.RawMessage) error {
	r.mu.RLock()
	m, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("toolreg: unknown tool %q", name)
	}
	if m.schema == nil {
		return nil
	}

	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return fmt.Errorf("toolreg: invalid JSON input: %w", err)
	}
	return m.schema.Validate(v)
}
