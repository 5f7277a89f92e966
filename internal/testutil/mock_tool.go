// Package testutil holds test doubles shared across packages.
package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/samsaffron/term-agent/internal/llm"
)

// ExecuteFunc is the body of a MockTool.
type ExecuteFunc func(ctx context.Context, args json.RawMessage) (string, error)

// MockTool is an llm.Tool whose behavior is a function. Calls are recorded
// and it may be invoked concurrently.
type MockTool struct {
	spec mockSpec

	mu    sync.Mutex
	calls []json.RawMessage
}

// mockSpec pairs a declared spec with the function that serves it.
type mockSpec struct {
	llm.ToolSpec
	Run     ExecuteFunc
	Preview func(args json.RawMessage) string
}

var _ llm.Tool = (*MockTool)(nil)

// NewMockTool returns a tool that takes no arguments and always answers result.
func NewMockTool(name, result string) *MockTool {
	return NewMockToolWithSchema(name, "Mock tool: "+name,
		map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		func(context.Context, json.RawMessage) (string, error) { return result, nil })
}

func NewMockToolWithSchema(name, description string, schema map[string]interface{}, run ExecuteFunc) *MockTool {
	return &MockTool{spec: mockSpec{
		ToolSpec: llm.ToolSpec{Name: name, Description: description, Schema: schema},
		Run:      run,
	}}
}

// Parallel lets the orchestrator batch the tool with other parallel tools.
func (m *MockTool) Parallel() *MockTool {
	m.spec.SupportsParallel = true
	return m
}

// RequireApproval gates every call behind the approver.
func (m *MockTool) RequireApproval() *MockTool {
	m.spec.Approval = llm.ApprovalRequirement{Mode: llm.ApprovalAlways}
	return m
}

func (m *MockTool) Spec() llm.ToolSpec { return m.spec.ToolSpec }

func (m *MockTool) Preview(args json.RawMessage) string {
	if m.spec.Preview == nil {
		return ""
	}
	return m.spec.Preview(args)
}

func (m *MockTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, args)
	m.mu.Unlock()
	if m.spec.Run == nil {
		return "", nil
	}
	return m.spec.Run(ctx, args)
}

func (m *MockTool) InvocationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls returns the arguments of every invocation so far, in arrival order.
func (m *MockTool) Calls() []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]json.RawMessage(nil), m.calls...)
}
