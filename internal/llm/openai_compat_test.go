package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSplitParts(t *testing.T) {
	parts := []Part{
		{Type: PartText, Text: "Let me help you with that"},
		{Type: PartReasoning, Text: "hidden"},
		{
			Type: PartToolCall,
			ToolCall: &ToolCall{
				ID:        "call-123",
				Name:      "list_files",
				Arguments: []byte(`{"path": "."}`),
			},
		},
		{Type: PartToolCall, ToolCall: &ToolCall{ID: "call-456", Name: "noop"}},
	}

	text, toolCalls := splitParts(parts)

	if text != "Let me help you with that" {
		t.Errorf("text = %q", text)
	}
	if len(toolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(toolCalls))
	}
	if toolCalls[0].ID != "call-123" || toolCalls[0].Function.Name != "list_files" {
		t.Errorf("tool call = %+v", toolCalls[0])
	}
	if toolCalls[1].Function.Arguments != "{}" {
		t.Errorf("empty arguments should be sent as {}, got %q", toolCalls[1].Function.Arguments)
	}
}

func TestBuildCompatMessages(t *testing.T) {
	msgs := buildCompatMessages([]Message{
		SystemText("sys"),
		UserText("hi"),
		{Role: RoleAssistant, Parts: []Part{{Type: PartToolCall, ToolCall: &ToolCall{ID: "c1", Name: "glob", Arguments: []byte(`{}`)}}}},
		ToolResultsMessage([]ToolResult{{ID: "c1", Content: "a.go"}, {ID: "c2", Content: "b.go"}}),
		UserText(""),
	})

	if len(msgs) != 5 {
		t.Fatalf("messages = %d, want 5: %+v", len(msgs), msgs)
	}
	if msgs[2].Role != "assistant" || len(msgs[2].ToolCalls) != 1 {
		t.Errorf("assistant = %+v", msgs[2])
	}
	for i, id := range []string{"c1", "c2"} {
		m := msgs[3+i]
		if m.Role != "tool" || m.ToolCallID != id {
			t.Errorf("tool message %d = %+v", i, m)
		}
	}
}

func TestBuildCompatToolChoice(t *testing.T) {
	if got := buildCompatToolChoice(ToolChoice{Mode: ToolChoiceRequired}); got != "required" {
		t.Errorf("required = %v", got)
	}
	named, ok := buildCompatToolChoice(ToolChoice{Mode: ToolChoiceName, Name: "glob"}).(map[string]interface{})
	if !ok || named["type"] != "function" {
		t.Fatalf("named = %v", named)
	}
}

func sseServer(t *testing.T, chunks []string, check func(r *http.Request, body oaiChatRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body oaiChatRequest
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if check != nil {
			check(r, body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAICompatProvider_StreamToolCall(t *testing.T) {
	chunks := []string{
		`{"choices":[{"delta":{"content":"Checking"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"read_file","arguments":"{\"pa"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"go.mod\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7}}`,
		`[DONE]`,
	}
	srv := sseServer(t, chunks, func(r *http.Request, body oaiChatRequest) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("X-Team"); got != "core" {
			t.Errorf("custom header = %q", got)
		}
		if body.Model != "qwen" || !body.Stream || len(body.Tools) != 1 {
			t.Errorf("request = %+v", body)
		}
	})

	p := NewOpenAICompatProvider(srv.URL+"/", "secret", "qwen", "Local", map[string]string{"X-Team": "core"})
	if p.Name() != "Local (qwen)" {
		t.Errorf("Name() = %q", p.Name())
	}
	raw, err := p.Stream(context.Background(), Request{
		Messages: []Message{UserText("read go.mod")},
		Tools:    []ToolSpec{{Name: "read_file", Schema: pathSchema}},
	})
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, NewParsedStream(context.Background(), raw, newPathRegistry(t, "read_file")))

	calls := completedCalls(events)
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0].ID != "call_1" || string(calls[0].Arguments) != `{"path":"go.mod"}` || calls[0].ArgsErr != nil {
		t.Errorf("call = %+v", calls[0])
	}

	var text string
	var usage *Usage
	for _, ev := range events {
		switch ev.Type {
		case EventTextDelta:
			text += ev.Text
		case EventUsage:
			usage = ev.Use
		}
	}
	if text != "Checking" {
		t.Errorf("text = %q", text)
	}
	if usage == nil || usage.InputTokens != 12 || usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", usage)
	}
	if last := events[len(events)-1]; last.Type != EventDone {
		t.Errorf("last event = %s", last.Type)
	}
}

func TestOpenAICompatProvider_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"slow down"}}`)
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(srv.URL, "", "m", "", nil)
	stream, err := p.Stream(context.Background(), Request{Messages: []Message{UserText("hi")}})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	_, err = stream.Recv()
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want rate limited", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.RetryAfter.Seconds() != 7 || !strings.Contains(apiErr.Message, "slow down") {
		t.Errorf("api error = %+v", apiErr)
	}
	if !IsRetryable(err) {
		t.Error("429 should be retryable")
	}
}

func TestOpenAICompatProvider_NoMessages(t *testing.T) {
	p := NewOpenAICompatProvider("http://127.0.0.1:0", "", "m", "", nil)
	stream, err := p.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()
	if _, err := stream.Recv(); !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("err = %v", err)
	}
}

func TestOpenAICompatProvider_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `{"data":[{"id":"llama3","owned_by":"library","created":1}]}`)
	}))
	defer srv.Close()

	models, err := NewOpenAICompatProvider(srv.URL, "", "", "Ollama", nil).ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0].ID != "llama3" || models[0].OwnedBy != "library" {
		t.Fatalf("models = %+v", models)
	}
}

func TestListModels_ThroughRetryWrapper(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"id":"qwen"},{"id":"llama3"}]}`)
	}))
	defer srv.Close()

	wrapped := WrapWithRetry(NewOpenAICompatProvider(srv.URL, "", "qwen", "Local", nil), DefaultRetryPolicy())
	models, err := ListModels(context.Background(), wrapped)
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 || models[1].ID != "llama3" {
		t.Fatalf("models = %+v", models)
	}

	if _, err := ListModels(context.Background(), NewMockProvider("mock")); !errors.Is(err, ErrListModelsUnsupported) {
		t.Fatalf("mock err = %v", err)
	}
}
