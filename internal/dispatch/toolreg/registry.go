// Package toolreg is the Tool Registry: named, immutable-during-run tool
// specs with explicit parameter lists and permission tags, plus schema
// descriptors memoized per backend shape. Grounded on the teacher's
// internal/agent/tool_registry.go (thread-safe map keyed by name, bounded
// name/param sizes) but replaces its per-call reflection-free Tool
// interface with an explicit builder, per spec.md section 9's design note
// on replacing dynamic dispatch: each tool is registered with an explicit
// parameter list and a typed handler, and descriptors are derived once at
// registration time and memoized rather than inferred per call.
package toolreg

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

const (
	// MaxToolNameLength bounds a tool name, mirroring the teacher's
	// resource-exhaustion guard.
	MaxToolNameLength = 256
	// MaxToolInputSize bounds a single tool call's input JSON.
	MaxToolInputSize = 10 << 20
)

// Handler executes a tool given validated, schema-checked input.
type Handler func(ctx context.Context, input json.RawMessage) (content string, isError bool, err error)

// Spec is an immutable tool definition. Specs are registered once at
// startup and never mutated afterward.
type Spec struct {
	Name                string
	Description         string
	Parameters          []models.ToolParameter
	RequiredPermission  models.PermissionLevel
	Handler             Handler
	// Cacheable marks a tool as eligible for the Degradation Manager's
	// offline tool-result cache (spec.md section 4.3).
	Cacheable bool
	// NetworkDependent marks a tool whose execution requires outbound
	// network access; only such tools ever consult the offline cache.
	NetworkDependent bool
}

// descriptorA is the OpenAI/"function" tool-descriptor shape (spec.md
// section 6, Shape A).
type descriptorA struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  schemaObject   `json:"parameters"`
	} `json:"function"`
}

// descriptorB is the Anthropic "input_schema" tool-descriptor shape
// (spec.md section 6, Shape B).
type descriptorB struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	InputSchema schemaObject `json:"input_schema"`
}

type schemaObject struct {
	Type       string                    `json:"type"`
	Properties map[string]schemaProperty `json:"properties"`
	Required   []string                  `json:"required"`
}

type schemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// buildSchema derives the JSON-schema-like parameter object from Spec.Parameters
// once at registration time; callers never re-derive it per request.
func buildSchema(params []models.ToolParameter) schemaObject {
	obj := schemaObject{
		Type:       "object",
		Properties: make(map[string]schemaProperty, len(params)),
		Required:   []string{},
	}
	for _, p := range params {
		obj.Properties[p.Name] = schemaProperty{Type: p.Type, Description: p.Description}
		if p.Required {
			obj.Required = append(obj.Required, p.Name)
		}
	}
	sort.Strings(obj.Required)
	return obj
}

type memoizedSpec struct {
	spec   Spec
	a      descriptorA
	b      descriptorB
	schema *jsonschema.Schema
}

// Registry holds all registered tool specs for the lifetime of the process.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*memoizedSpec
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*memoizedSpec)}
}

// Register adds spec to the registry. It is idempotent by name: a second
// Register call with the same name replaces the prior spec, matching
// spec.md section 4.4's "register(spec) — idempotent by name" contract.
func (r *Registry) Register(spec Spec) error {
	if len(spec.Name) == 0 || len(spec.Name) > MaxToolNameLength {
		return fmt.Errorf("toolreg: invalid tool name %q", spec.Name)
	}
	if spec.Handler == nil {
		return fmt.Errorf("toolreg: tool %q has no handler", spec.Name)
	}

	schema := buildSchema(spec.Parameters)
	compiled, err := compileSchema(spec.Name, schema)
	if err != nil {
		return fmt.Errorf("toolreg: compile schema for %q: %w", spec.Name, err)
	}

	m := &memoizedSpec{spec: spec, schema: compiled}
	m.a.Type = "function"
	m.a.Function.Name = spec.Name
	m.a.Function.Description = spec.Description
	m.a.Function.Parameters = schema
	m.b.Name = spec.Name
	m.b.Description = spec.Description
	m.b.InputSchema = schema

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = m
	return nil
}

// Get returns the spec registered under name.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.tools[name]
	if !ok {
		return Spec{}, false
	}
	return m.spec, true
}

// BackendShape selects which descriptor shape DescribeFor emits.
type BackendShape int

const (
	// ShapeA is the OpenAI-style {type:"function", function:{...}} descriptor.
	ShapeA BackendShape = iota
	// ShapeB is the Anthropic-style {name, description, input_schema} descriptor.
	ShapeB
)

// DescribeFor returns the memoized descriptors for every registered tool in
// the shape the given backend requires.
func (r *Registry) DescribeFor(shape BackendShape) []any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]any, 0, len(names))
	for _, name := range names {
		m := r.tools[name]
		if shape == ShapeA {
			out = append(out, m.a)
		} else {
			out = append(out, m.b)
		}
	}
	return out
}

// ToolSchema is a backend-shape-agnostic tool advertisement, handed to
// adapters.ToolDescriptor by the Dispatcher without toolreg needing to
// import the adapters package.
type ToolSchema struct {
	Name        string
	Description string
	Schema      any
}

// Schemas returns every registered tool's name/description/parameter
// schema, sorted by name, for the Dispatcher to convert into whichever
// per-backend descriptor shape its adapters package defines.
func (r *Registry) Schemas() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ToolSchema, 0, len(names))
	for _, name := range names {
		m := r.tools[name]
		out = append(out, ToolSchema{Name: m.spec.Name, Description: m.spec.Description, Schema: m.a.Function.Parameters})
	}
	return out
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
