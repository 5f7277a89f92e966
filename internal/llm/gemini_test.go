package llm

import (
	"strings"
	"testing"

	"google.golang.org/genai"
)

func TestBuildGeminiContents(t *testing.T) {
	system, contents := buildGeminiContents([]Message{
		SystemText("be terse"),
		UserText("Run shell"),
		{
			Role: RoleAssistant,
			Parts: []Part{
				{Type: PartText, Text: "Working"},
				{
					Type: PartToolCall,
					ToolCall: &ToolCall{
						ID:         "call-1",
						Name:       "shell",
						Arguments:  []byte(`{"command":"ls"}`),
						ThoughtSig: []byte("sig"),
					},
				},
			},
		},
		ToolResultsMessage([]ToolResult{{ID: "call-1", Name: "shell", Content: "boom", IsError: true}}),
	})

	if system != "be terse" {
		t.Fatalf("system = %q", system)
	}
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}

	assistant := contents[1]
	if assistant.Role != genai.RoleModel {
		t.Fatalf("expected role model, got %q", assistant.Role)
	}
	fc := assistant.Parts[1].FunctionCall
	if fc == nil || fc.Name != "shell" || fc.Args["command"] != "ls" {
		t.Fatalf("function call = %#v", fc)
	}
	if string(assistant.Parts[1].ThoughtSignature) != "sig" {
		t.Errorf("thought signature not passed back")
	}

	resp := contents[2].Parts[0].FunctionResponse
	if resp == nil || resp.Response["error"] != "boom" {
		t.Fatalf("function response = %#v", resp)
	}
}

func TestNormalizeSchemaForGemini(t *testing.T) {
	schema := map[string]interface{}{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "format": "uri", "default": "."},
			"mode": map[string]interface{}{"type": "string", "enum": []interface{}{"r", "w"}},
		},
		"required": []interface{}{"path"},
	}
	out := normalizeSchemaForGemini(schema)

	for _, key := range []string{"$schema", "additionalProperties"} {
		if _, ok := out[key]; ok {
			t.Errorf("%s not removed", key)
		}
	}
	path := out["properties"].(map[string]interface{})["path"].(map[string]interface{})
	if _, ok := path["format"]; ok {
		t.Error("nested format not removed")
	}
	if _, ok := schema["$schema"]; !ok {
		t.Error("input schema was modified")
	}

	g := schemaToGenai(out)
	if g.Type != genai.TypeObject || len(g.Required) != 1 || g.Properties["mode"].Enum[1] != "w" {
		t.Fatalf("genai schema = %#v", g)
	}
}

func TestBuildGeminiToolConfig(t *testing.T) {
	tests := []struct {
		choice ToolChoice
		mode   genai.FunctionCallingConfigMode
	}{
		{ToolChoice{}, genai.FunctionCallingConfigModeAuto},
		{ToolChoice{Mode: ToolChoiceNone}, genai.FunctionCallingConfigModeNone},
		{ToolChoice{Mode: ToolChoiceRequired}, genai.FunctionCallingConfigModeAny},
		{ToolChoice{Mode: ToolChoiceName, Name: "glob"}, genai.FunctionCallingConfigModeAny},
	}
	for _, tt := range tests {
		cfg := buildGeminiToolConfig(tt.choice)
		if cfg.FunctionCallingConfig.Mode != tt.mode {
			t.Errorf("%+v: mode = %s, want %s", tt.choice, cfg.FunctionCallingConfig.Mode, tt.mode)
		}
	}
}

func TestGeminiDecoder(t *testing.T) {
	var dec geminiDecoder
	chunk := func(parts ...*genai.Part) *genai.GenerateContentResponse {
		return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: parts}}}}
	}

	evs := dec.decode(chunk(
		&genai.Part{Thought: true, Text: "hmm", ThoughtSignature: []byte("sig")},
		&genai.Part{Text: "Looking"},
	))
	if len(evs) != 2 || evs[0].Type != EventReasoningDelta || evs[1].Text != "Looking" {
		t.Fatalf("events = %+v", evs)
	}

	evs = dec.decode(chunk(&genai.Part{FunctionCall: &genai.FunctionCall{Name: "glob", Args: map[string]any{"pattern": "*.go"}}}))
	if len(evs) != 2 || evs[0].Type != EventToolCallStarted || evs[1].Type != EventToolCallCompleted {
		t.Fatalf("call events = %+v", evs)
	}
	if !strings.HasPrefix(evs[0].ToolCallID, "toolcall-") || evs[0].Text != `{"pattern":"*.go"}` {
		t.Errorf("started = %+v", evs[0])
	}
	if string(evs[0].Tool.ThoughtSig) != "sig" {
		t.Errorf("call did not inherit thought signature")
	}

	dec.decode(&genai.GenerateContentResponse{UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
		PromptTokenCount: 10, CandidatesTokenCount: 4, TotalTokenCount: 14,
	}})
	if dec.usage == nil || dec.usage.InputTokens != 10 || dec.usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", dec.usage)
	}
}
