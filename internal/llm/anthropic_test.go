package llm

import (
	"context"
	"encoding/json"
	"testing"
)

func TestAnthropicBlockStateInputJSONDelta(t *testing.T) {
	s := newAnthropicBlockState()
	var raw []Event
	raw = append(raw, s.start(0, "tool-1", "edit_file", json.RawMessage(`{}`))...)
	raw = append(raw, s.delta(0, `{"file_path":"main.go","old_string":"foo"`)...)
	raw = append(raw, s.delta(0, `,"new_string":"bar"}`)...)
	raw = append(raw, s.stop(0)...)

	calls := completedCalls(drain(t, NewParsedStream(context.Background(), newSliceStream(raw), nil)))
	if len(calls) != 1 {
		t.Fatalf("expected tool call, got %d", len(calls))
	}

	var payload map[string]string
	if err := json.Unmarshal(calls[0].Arguments, &payload); err != nil {
		t.Fatalf("failed to unmarshal args: %v", err)
	}
	if payload["file_path"] != "main.go" {
		t.Fatalf("file_path=%q", payload["file_path"])
	}
	if payload["old_string"] != "foo" {
		t.Fatalf("old_string=%q", payload["old_string"])
	}
	if payload["new_string"] != "bar" {
		t.Fatalf("new_string=%q", payload["new_string"])
	}
}

func TestAnthropicBlockStateFallbackArgs(t *testing.T) {
	s := newAnthropicBlockState()
	var raw []Event
	raw = append(raw, s.start(1, "tool-2", "edit_file", json.RawMessage(`{"file_path":"main.go","old_string":"a","new_string":"b"}`))...)
	raw = append(raw, s.stop(1)...)

	calls := completedCalls(drain(t, NewParsedStream(context.Background(), newSliceStream(raw), nil)))
	if len(calls) != 1 {
		t.Fatalf("expected tool call")
	}
	var payload map[string]string
	if err := json.Unmarshal(calls[0].Arguments, &payload); err != nil {
		t.Fatalf("failed to unmarshal args: %v", err)
	}
	if payload["new_string"] != "b" {
		t.Fatalf("new_string=%q", payload["new_string"])
	}
}

func TestAnthropicBlockStateIgnoresTextBlocks(t *testing.T) {
	s := newAnthropicBlockState()
	if evs := s.delta(3, `{"x":1}`); evs != nil {
		t.Fatalf("delta for non-tool block = %+v", evs)
	}
	if evs := s.stop(3); evs != nil {
		t.Fatalf("stop for non-tool block = %+v", evs)
	}
}

func TestBuildAnthropicMessages(t *testing.T) {
	call := &ToolCall{ID: "toolu_1", Name: "glob", Arguments: json.RawMessage(`{"pattern":"*.go"}`)}
	system, msgs := buildAnthropicMessages([]Message{
		SystemText("be terse"),
		UserText("find go files"),
		{Role: RoleAssistant, Parts: []Part{{Type: PartText, Text: "Searching"}, {Type: PartToolCall, ToolCall: call}}},
		ToolResultsMessage([]ToolResult{{ID: "toolu_1", Name: "glob", Content: "main.go"}}),
	})
	if system != "be terse" {
		t.Errorf("system = %q", system)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[1].Role != "assistant" || len(msgs[1].Content) != 2 {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if msgs[2].Role != "user" || msgs[2].Content[0].OfToolResult == nil {
		t.Errorf("tool results must be sent as a user message: %+v", msgs[2])
	}
}

func TestBuildAnthropicTools(t *testing.T) {
	tools := buildAnthropicTools([]ToolSpec{{Name: "read_file", Description: "Read a file", Schema: pathSchema}})
	if len(tools) != 1 || tools[0].OfTool == nil {
		t.Fatalf("tools = %+v", tools)
	}
	if tools[0].OfTool.Name != "read_file" {
		t.Errorf("name = %q", tools[0].OfTool.Name)
	}
	if got := tools[0].OfTool.InputSchema.Required; len(got) != 1 || got[0] != "path" {
		t.Errorf("required = %v", got)
	}
}
