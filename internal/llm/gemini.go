package llm

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiProvider streams from the Gemini API through the genai SDK.
type GeminiProvider struct {
	apiKey string
	model  string
}

func NewGeminiProvider(apiKey, model string) (*GeminiProvider, error) {
	apiKey = cmp.Or(apiKey, os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("%w: gemini requires api_key or GEMINI_API_KEY", ErrAuth)
	}
	return &GeminiProvider{apiKey: apiKey, model: cmp.Or(model, defaultGeminiModel)}, nil
}

func (p *GeminiProvider) Name() string       { return "Gemini (" + p.model + ")" }
func (p *GeminiProvider) Credential() string { return "api_key" }

func (p *GeminiProvider) Capabilities() Capabilities {
	return Capabilities{ToolCalls: true, Reasoning: true}
}

func (p *GeminiProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		system, contents := buildGeminiContents(req.Messages)
		if len(contents) == 0 {
			return fmt.Errorf("%w: no user content provided", ErrMalformedRequest)
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: p.apiKey, Backend: genai.BackendGeminiAPI})
		if err != nil {
			return fmt.Errorf("create gemini client: %w", err)
		}

		var dec geminiDecoder
		model := chooseModel(req.Model, p.model)
		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, geminiConfig(system, req)) {
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("gemini stream: %w", Classify(err))
			}
			for _, ev := range dec.decode(resp) {
				if err := send(ctx, events, ev); err != nil {
					return err
				}
			}
		}
		if dec.usage != nil {
			if err := send(ctx, events, Event{Type: EventUsage, Use: dec.usage}); err != nil {
				return err
			}
		}
		return send(ctx, events, Event{Type: EventDone})
	}), nil
}

func geminiConfig(system string, req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		cfg.Tools = buildGeminiTools(req.Tools)
		cfg.ToolConfig = buildGeminiToolConfig(req.ToolChoice)
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if req.Temperature > 0 {
		cfg.Temperature = ptr(req.Temperature)
	}
	if req.TopP > 0 {
		cfg.TopP = ptr(req.TopP)
	}
	return cfg
}

// geminiDecoder turns response chunks into events. Gemini sends each
// function call whole, so a call is started and completed in one go.
type geminiDecoder struct {
	lastSig []byte // signature of the latest thought, for calls without one
	usage   *Usage
}

func (d *geminiDecoder) decode(resp *genai.GenerateContentResponse) []Event {
	if u := resp.UsageMetadata; u != nil && u.TotalTokenCount > 0 {
		d.usage = &Usage{
			InputTokens:       int(u.PromptTokenCount),
			OutputTokens:      int(u.CandidatesTokenCount),
			CachedInputTokens: int(u.CachedContentTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}

	var out []Event
	for _, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part.Thought:
			if len(part.ThoughtSignature) > 0 {
				d.lastSig = part.ThoughtSignature
			}
			if part.Text != "" {
				out = append(out, Event{Type: EventReasoningDelta, Text: part.Text})
			}
		case part.FunctionCall != nil:
			if part.Text != "" {
				out = append(out, Event{Type: EventTextDelta, Text: part.Text})
			}
			out = append(out, d.call(part)...)
		case part.Text != "":
			out = append(out, Event{Type: EventTextDelta, Text: part.Text})
		}
	}
	return out
}

func (d *geminiDecoder) call(part *genai.Part) []Event {
	fc := part.FunctionCall
	id := fc.ID
	if id == "" {
		id = newToolCallID()
	}
	sig := part.ThoughtSignature
	if sig == nil {
		sig = d.lastSig
	}
	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = []byte("{}")
	}
	return []Event{
		{
			Type:       EventToolCallStarted,
			ToolCallID: id,
			ToolName:   fc.Name,
			Text:       string(args),
			Tool:       &ToolCall{ID: id, Name: fc.Name, ThoughtSig: sig},
		},
		{Type: EventToolCallCompleted, ToolCallID: id},
	}
}

func buildGeminiTools(specs []ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(specs))
	for i, spec := range specs {
		decls[i] = &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  schemaToGenai(normalizeSchemaForGemini(spec.Schema)),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// buildGeminiContents splits out the system text and converts the rest.
// Tool results go back as user content holding function responses.
func buildGeminiContents(messages []Message) (string, []*genai.Content) {
	var system []string
	var contents []*genai.Content
	add := func(role string, parts []*genai.Part) {
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if text := collectTextParts(msg.Parts); text != "" {
				system = append(system, text)
			}
		case RoleUser:
			add(genai.RoleUser, geminiParts(msg.Parts))
		case RoleAssistant:
			add(genai.RoleModel, geminiParts(msg.Parts))
		case RoleTool:
			add(genai.RoleUser, geminiResponses(msg.Parts))
		}
	}
	return strings.Join(system, "\n\n"), contents
}

func geminiParts(parts []Part) []*genai.Part {
	var out []*genai.Part
	for _, part := range parts {
		switch {
		case part.Type == PartText && part.Text != "":
			out = append(out, genai.NewPartFromText(part.Text))
		case part.Type == PartToolCall && part.ToolCall != nil:
			tc := part.ToolCall
			out = append(out, &genai.Part{
				FunctionCall:     &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: toolArgsToMap(tc.Arguments)},
				ThoughtSignature: tc.ThoughtSig,
			})
		}
	}
	return out
}

func geminiResponses(parts []Part) []*genai.Part {
	var out []*genai.Part
	for _, part := range parts {
		r := part.ToolResult
		if part.Type != PartToolResult || r == nil {
			continue
		}
		body := map[string]any{"output": r.Content}
		if r.IsError {
			body = map[string]any{"error": r.Content}
		}
		out = append(out, &genai.Part{
			FunctionResponse: &genai.FunctionResponse{ID: r.ID, Name: r.Name, Response: body},
			ThoughtSignature: r.ThoughtSig,
		})
	}
	return out
}

// toolArgsToMap decodes call arguments. Non-object JSON is kept under "_raw".
func toolArgsToMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if json.Unmarshal(raw, &args) != nil {
		return map[string]any{"_raw": string(raw)}
	}
	return args
}

func buildGeminiToolConfig(choice ToolChoice) *genai.ToolConfig {
	fc := &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto}
	switch choice.Mode {
	case ToolChoiceNone:
		fc.Mode = genai.FunctionCallingConfigModeNone
	case ToolChoiceRequired:
		fc.Mode = genai.FunctionCallingConfigModeAny
	case ToolChoiceName:
		if name := strings.TrimSpace(choice.Name); name != "" {
			fc.Mode = genai.FunctionCallingConfigModeAny
			fc.AllowedFunctionNames = []string{name}
		}
	}
	return &genai.ToolConfig{FunctionCallingConfig: fc}
}
