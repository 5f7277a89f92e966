package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool describes a callable tool. Built-in tools and remote tool-server
// proxies implement it the same way.
type Tool interface {
	Spec() ToolSpec
	// Execute runs the tool. Implementations must observe ctx at their
	// suspension points (I/O, subprocess wait).
	Execute(ctx context.Context, args json.RawMessage) (string, error)
	// Preview returns a human-readable description of what the tool will do,
	// shown to the user before execution starts. Returns empty string if no
	// preview is available.
	Preview(args json.RawMessage) string
}

type registeredTool struct {
	tool   Tool
	spec   ToolSpec
	schema *jsonschema.Resolved
}

// ToolRegistry maps tool names to tools. It is built once and never
// modified afterwards, so it is safe for concurrent use.
type ToolRegistry struct {
	tools map[string]registeredTool
	order []string
}

// NewToolRegistry builds a registry from the given tools. Names must be
// unique and non-empty. A schema that fails to compile disables validation
// for that tool only.
func NewToolRegistry(tools ...Tool) (*ToolRegistry, error) {
	r := &ToolRegistry{tools: make(map[string]registeredTool, len(tools))}
	for _, tool := range tools {
		spec := tool.Spec()
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		spec.Name = name // what Specs offers must be what Lookup accepts
		if _, dup := r.tools[name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		schema, err := compileSchema(spec.Schema)
		if err != nil {
			slog.Warn("tool schema not validated", "tool", name, "err", err)
			schema = nil
		}
		r.tools[name] = registeredTool{tool: tool, spec: spec, schema: schema}
		r.order = append(r.order, name)
	}
	return r, nil
}

// Lookup returns the tool and its spec, or ErrUnknownTool.
func (r *ToolRegistry) Lookup(name string) (Tool, ToolSpec, error) {
	if r == nil {
		return nil, ToolSpec{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	rt, ok := r.tools[name]
	if !ok {
		return nil, ToolSpec{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return rt.tool, rt.spec, nil
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	tool, _, err := r.Lookup(name)
	return tool, err == nil
}

// Specs returns every spec in registration order.
func (r *ToolRegistry) Specs() []ToolSpec {
	if r == nil {
		return nil
	}
	specs := make([]ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].spec)
	}
	return specs
}

func (r *ToolRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// ValidateArgs checks args against the named tool's schema.
func (r *ToolRegistry) ValidateArgs(name string, args json.RawMessage) error {
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	rt, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return validateAgainst(rt.schema, args)
}
