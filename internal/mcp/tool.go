package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/samsaffron/term-agent/internal/llm"
)

// Approver decides whether a remote tool still needs user confirmation.
// *tools.ApprovalManager satisfies it.
type Approver interface {
	ToolNeedsApproval(toolName string) bool
}

// MCPTool wraps an MCP server tool as an llm.Tool.
type MCPTool struct {
	manager  *Manager
	toolSpec ToolSpec
	approver Approver
}

// NewMCPTool creates a new MCP tool wrapper. A nil approver means the tool
// always asks.
func NewMCPTool(manager *Manager, spec ToolSpec, approver Approver) *MCPTool {
	return &MCPTool{
		manager:  manager,
		toolSpec: spec,
		approver: approver,
	}
}

// Spec returns the tool specification for the LLM. Remote tools have
// unknown side effects so they never run in parallel.
func (t *MCPTool) Spec() llm.ToolSpec {
	spec := llm.ToolSpec{
		Name:        t.toolSpec.Name,
		Description: t.toolSpec.Description,
		Schema:      t.toolSpec.Schema,
		Approval:    llm.ApprovalRequirement{Mode: llm.ApprovalAlways},
	}
	if t.approver != nil {
		name := t.toolSpec.Name
		approver := t.approver
		spec.Approval = llm.ApprovalRequirement{
			Mode: llm.ApprovalConditional,
			Condition: func(json.RawMessage) bool {
				return approver.ToolNeedsApproval(name)
			},
		}
	}
	return spec
}

// Execute invokes the tool on the MCP server.
func (t *MCPTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.manager.CallTool(ctx, t.toolSpec.Name, args)
}

// Preview names the server call.
func (t *MCPTool) Preview(args json.RawMessage) string {
	info := llm.ExtractToolInfo(llm.ToolCall{Name: t.toolSpec.Name, Arguments: args})
	if info == "" {
		return fmt.Sprintf("Call %s", t.toolSpec.Name)
	}
	return fmt.Sprintf("Call %s %s", t.toolSpec.Name, info)
}

// Tools returns an llm.Tool for every tool on every ready server.
func (m *Manager) Tools(approver Approver) []llm.Tool {
	specs := m.AllTools()
	out := make([]llm.Tool, 0, len(specs))
	for _, spec := range specs {
		out = append(out, NewMCPTool(m, spec, approver))
	}
	return out
}
