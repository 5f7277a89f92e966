package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// compatHTTPClient bounds a whole streamed response, not just the headers.
var compatHTTPClient = &http.Client{Timeout: 10 * time.Minute}

// maxErrorBody caps how much of a failed response is read into the error.
const maxErrorBody = 64 * 1024

// OpenAICompatProvider speaks the chat completions wire format directly.
// It serves Ollama, LM Studio, vLLM and similar local servers.
type OpenAICompatProvider struct {
	baseURL string
	apiKey  string // optional; most local servers ignore it
	model   string
	name    string
	headers http.Header
	client  *http.Client
}

func NewOpenAICompatProvider(baseURL, apiKey, model, name string, headers map[string]string) *OpenAICompatProvider {
	if name == "" {
		name = "OpenAI-compatible"
	}
	h := make(http.Header, len(headers)+2)
	for k, v := range headers {
		if v != "" {
			h.Set(k, v)
		}
	}
	h.Set("Content-Type", "application/json")
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return &OpenAICompatProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		name:    name,
		headers: h,
		client:  compatHTTPClient,
	}
}

func (p *OpenAICompatProvider) Name() string {
	return p.name + " (" + p.model + ")"
}

func (p *OpenAICompatProvider) Credential() string {
	if p.apiKey == "" {
		return "none"
	}
	return "api_key"
}

func (p *OpenAICompatProvider) Capabilities() Capabilities {
	return Capabilities{ToolCalls: true, Reasoning: true}
}

// Wire types. Only the fields this client reads or writes are declared.
type (
	oaiChatRequest struct {
		Model             string            `json:"model"`
		Messages          []oaiMessage      `json:"messages"`
		Tools             []oaiTool         `json:"tools,omitempty"`
		ToolChoice        any               `json:"tool_choice,omitempty"` // "none", "auto", "required" or a function object
		ParallelToolCalls *bool             `json:"parallel_tool_calls,omitempty"`
		Temperature       *float64          `json:"temperature,omitempty"`
		TopP              *float64          `json:"top_p,omitempty"`
		MaxTokens         *int              `json:"max_tokens,omitempty"`
		Stream            bool              `json:"stream,omitempty"`
		StreamOptions     *oaiStreamOptions `json:"stream_options,omitempty"`
	}
	oaiStreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	}
	oaiMessage struct {
		Role             string        `json:"role"`
		Content          string        `json:"content,omitempty"`
		ReasoningContent string        `json:"reasoning_content,omitempty"`
		ToolCalls        []oaiToolCall `json:"tool_calls,omitempty"`
		ToolCallID       string        `json:"tool_call_id,omitempty"`
	}
	oaiTool struct {
		Type     string      `json:"type"`
		Function oaiFunction `json:"function"`
	}
	oaiFunction struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	}
	oaiToolCall struct {
		Index    int                 `json:"index,omitempty"`
		ID       string              `json:"id,omitempty"`
		Type     string              `json:"type,omitempty"`
		Function oaiToolCallFunction `json:"function"`
	}
	oaiToolCallFunction struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	}

	// oaiChatResponse is one streamed chunk (or a full response).
	oaiChatResponse struct {
		Choices []oaiChoice `json:"choices"`
		Usage   *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage,omitempty"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error,omitempty"`
	}
	oaiChoice struct {
		Message      *oaiMessage `json:"message,omitempty"`
		Delta        *oaiMessage `json:"delta,omitempty"`
		FinishReason string      `json:"finish_reason"`
	}
)

// do sends a request with the configured headers. Non-2xx responses are
// turned into an APIError and the body is closed.
func (p *OpenAICompatProvider) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+endpoint, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	req.Header = p.headers.Clone()

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s API request failed: %w", p.name, Classify(err))
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, NewAPIError(p.name, resp.StatusCode, string(msg), resp.Header)
	}
	return resp, nil
}

// ListModels queries /models.
func (p *OpenAICompatProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := p.do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list struct {
		Data []struct {
			ID      string `json:"id"`
			Created int64  `json:"created"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("parse models response: %w", err)
	}
	models := make([]ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, ModelInfo{ID: m.ID, Created: m.Created, OwnedBy: m.OwnedBy})
	}
	return models, nil
}

func (p *OpenAICompatProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		chatReq, err := p.chatRequest(req)
		if err != nil {
			return err
		}
		body, err := json.Marshal(chatReq)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		resp, err := p.do(ctx, http.MethodPost, "/chat/completions", body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := readSSE(ctx, resp.Body, events); err != nil {
			return err
		}
		return send(ctx, events, Event{Type: EventDone})
	}), nil
}

// chatRequest maps a Request onto the wire format. Zero sampling values
// are left for the server to default.
func (p *OpenAICompatProvider) chatRequest(req Request) (oaiChatRequest, error) {
	messages := buildCompatMessages(req.Messages)
	if len(messages) == 0 {
		return oaiChatRequest{}, fmt.Errorf("%w: no messages provided", ErrMalformedRequest)
	}
	tools, err := buildCompatTools(req.Tools)
	if err != nil {
		return oaiChatRequest{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	out := oaiChatRequest{
		Model:         chooseModel(req.Model, p.model),
		Messages:      messages,
		Tools:         tools,
		Stream:        true,
		StreamOptions: &oaiStreamOptions{IncludeUsage: true},
	}
	if len(tools) > 0 {
		out.ToolChoice = buildCompatToolChoice(req.ToolChoice)
		if req.ParallelToolCalls {
			out.ParallelToolCalls = ptr(true)
		}
	}
	if req.Temperature > 0 {
		out.Temperature = ptr(float64(req.Temperature))
	}
	if req.TopP > 0 {
		out.TopP = ptr(float64(req.TopP))
	}
	if req.MaxOutputTokens > 0 {
		out.MaxTokens = ptr(req.MaxOutputTokens)
	}
	return out, nil
}

// buildCompatMessages flattens the history. Each tool result becomes its
// own "tool" message; assistant turns keep their tool calls; messages with
// neither text nor calls are dropped.
func buildCompatMessages(messages []Message) []oaiMessage {
	var out []oaiMessage
	for _, msg := range messages {
		if msg.Role == RoleTool {
			for _, part := range msg.Parts {
				if part.Type == PartToolResult && part.ToolResult != nil {
					out = append(out, oaiMessage{Role: "tool", Content: part.ToolResult.Content, ToolCallID: part.ToolResult.ID})
				}
			}
			continue
		}
		text, calls := splitParts(msg.Parts)
		if msg.Role != RoleAssistant {
			calls = nil
		}
		if text == "" && len(calls) == 0 {
			continue
		}
		out = append(out, oaiMessage{Role: string(msg.Role), Content: text, ToolCalls: calls})
	}
	return out
}

// splitParts joins the text parts and converts tool calls. Reasoning is
// not sent back.
func splitParts(parts []Part) (string, []oaiToolCall) {
	var text strings.Builder
	var calls []oaiToolCall
	for _, part := range parts {
		switch {
		case part.Type == PartText:
			text.WriteString(part.Text)
		case part.Type == PartToolCall && part.ToolCall != nil:
			calls = append(calls, oaiToolCall{
				ID:   part.ToolCall.ID,
				Type: "function",
				Function: oaiToolCallFunction{
					Name:      part.ToolCall.Name,
					Arguments: string(nonEmptyArgs(part.ToolCall.Arguments)),
				},
			})
		}
	}
	return text.String(), calls
}

func buildCompatTools(specs []ToolSpec) ([]oaiTool, error) {
	var tools []oaiTool
	for _, spec := range specs {
		schema, err := json.Marshal(spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool schema %s: %w", spec.Name, err)
		}
		tools = append(tools, oaiTool{
			Type:     "function",
			Function: oaiFunction{Name: spec.Name, Description: spec.Description, Parameters: schema},
		})
	}
	return tools, nil
}

// buildCompatToolChoice returns nil for the zero choice so the field is
// omitted.
func buildCompatToolChoice(choice ToolChoice) any {
	switch choice.Mode {
	case ToolChoiceNone, ToolChoiceRequired, ToolChoiceAuto:
		return string(choice.Mode)
	case ToolChoiceName:
		return map[string]any{
			"type":     "function",
			"function": map[string]string{"name": choice.Name},
		}
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
