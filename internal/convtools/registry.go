// Package convtools implements the generic tool contract the ExecuteTool
// effect calls through, plus two worked tools (shell, file read) enough
// to exercise it end to end. Individual tool catalogs beyond these two
// are out of scope; the contract itself is the point.
package convtools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/convcore/pkg/models"
)

// Tool is the generic contract convexec.ExecuteTool dispatches through.
// Execute must never panic; a failing tool reports its failure through
// the returned Result's IsError field, not through the error return,
// which is reserved for input that fails schema validation before the
// tool body even runs.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Execute(ctx context.Context, workingDir string, call models.ToolCall) (models.ToolResult, error)
}

// Registry is an immutable, read-mostly lookup of tools by name,
// constructed once at process start and never mutated per conversation
// (spec's "global mutable registries" redesign flag).
type Registry struct {
	tools   map[string]Tool
	schemas sync.Map // tool name -> *jsonschema.Schema
}

// NewRegistry builds a registry from a fixed tool set. Duplicate names
// are a construction-time error, not a runtime one.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, exists := r.tools[t.Name()]; exists {
			return nil, fmt.Errorf("convtools: duplicate tool name %q", t.Name())
		}
		r.tools[t.Name()] = t
	}
	return r, nil
}

// Lookup returns the named tool, or false if unregistered.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Validate checks a tool call's input against its own InputSchema,
// compiling and caching the schema on first use per tool name (the
// donor plugin SDK's own compileSchema pattern). An unregistered tool
// name is not this method's concern; callers resolve that through
// Lookup first.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	t, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("convtools: unknown tool %q", name)
	}

	schema, err := r.compiledSchema(name, t.InputSchema())
	if err != nil {
		return fmt.Errorf("convtools: compile schema for %q: %w", name, err)
	}

	var decoded any
	if len(input) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("convtools: decode input for %q: %w", name, err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("convtools: input for %q: %w", name, err)
	}
	return nil
}

func (r *Registry) compiledSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if cached, ok := r.schemas.Load(name); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	r.schemas.Store(name, compiled)
	return compiled, nil
}

// Specs returns every registered tool's name/description/schema, in the
// shape convmodel.Request needs to advertise tools to the model.
func (r *Registry) Specs() []ToolSpec {
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, ToolSpec{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
	}
	return specs
}

// ToolSpec mirrors convmodel.ToolSpec without importing that package,
// keeping convtools usable independently of any particular model client.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// errorResult is the shared helper every worked tool uses to report a
// failure as a normal (non-panicking, non-erroring) tool outcome.
func errorResult(toolUseID, message string) models.ToolResult {
	return models.ToolResult{
		ToolUseID: toolUseID,
		IsError:   true,
		Payload:   models.ResultPayload{Kind: models.ResultKindText, Text: message},
	}
}

func textResult(toolUseID, text string) models.ToolResult {
	return models.ToolResult{
		ToolUseID: toolUseID,
		IsError:   false,
		Payload:   models.ResultPayload{Kind: models.ResultKindText, Text: text},
	}
}
