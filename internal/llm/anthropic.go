package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// AnthropicProvider streams from the Anthropic Messages API, either directly
// or through AWS Bedrock.
type AnthropicProvider struct {
	client     *anthropic.Client
	model      string
	credential string
	maxTokens  int
}

// NewAnthropicProvider creates a provider using an API key, falling back to
// ANTHROPIC_API_KEY.
func NewAnthropicProvider(apiKey, model string) (*AnthropicProvider, error) {
	credential := "api_key"
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		credential = "env"
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: anthropic requires api_key or ANTHROPIC_API_KEY", ErrAuth)
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{client: &client, model: model, credential: credential}, nil
}

// BedrockOptions configures Anthropic access through AWS Bedrock. Empty
// access keys use the default AWS credential chain.
type BedrockOptions struct {
	Region          string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// NewBedrockAnthropicProvider creates an Anthropic provider that signs
// requests for AWS Bedrock.
func NewBedrockAnthropicProvider(ctx context.Context, opts BedrockOptions, model string) (*AnthropicProvider, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken)))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return newBedrockProvider(cfg, model), nil
}

func newBedrockProvider(cfg aws.Config, model string) *AnthropicProvider {
	client := anthropic.NewClient(bedrock.WithConfig(cfg))
	return &AnthropicProvider{client: &client, model: model, credential: "bedrock"}
}

// SetMaxTokens overrides the default output token budget.
func (p *AnthropicProvider) SetMaxTokens(n int) {
	p.maxTokens = n
}

func (p *AnthropicProvider) Name() string {
	if p.credential == "bedrock" {
		return fmt.Sprintf("Anthropic Bedrock (%s)", p.model)
	}
	return fmt.Sprintf("Anthropic (%s)", p.model)
}

func (p *AnthropicProvider) Credential() string {
	return p.credential
}

func (p *AnthropicProvider) Capabilities() Capabilities {
	return Capabilities{ToolCalls: true}
}

// ListModels returns available models from Anthropic.
func (p *AnthropicProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	page, err := p.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, Classify(err)
	}
	var models []ModelInfo
	for _, m := range page.Data {
		models = append(models, ModelInfo{ID: m.ID, DisplayName: m.DisplayName, Created: m.CreatedAt.Unix()})
	}
	return models, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		system, messages := buildAnthropicMessages(req.Messages)
		if len(messages) == 0 {
			return fmt.Errorf("%w: no messages provided", ErrMalformedRequest)
		}

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(chooseModel(req.Model, p.model)),
			MaxTokens: maxTokens(req.MaxOutputTokens, defaultInt(p.maxTokens, 8192)),
			Messages:  messages,
		}
		if system != "" {
			params.System = []anthropic.TextBlockParam{{Text: system}}
		}
		if len(req.Tools) > 0 {
			params.Tools = buildAnthropicTools(req.Tools)
			params.ToolChoice = buildAnthropicToolChoice(req.ToolChoice, req.ParallelToolCalls)
		}
		if req.Temperature > 0 {
			params.Temperature = anthropic.Float(float64(req.Temperature))
		}

		blocks := newAnthropicBlockState()
		var usage Usage
		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()
		for stream.Next() {
			event := stream.Current()
			var out []Event
			switch variant := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(variant.Message.Usage.InputTokens)
				usage.CachedInputTokens = int(variant.Message.Usage.CacheReadInputTokens)
			case anthropic.ContentBlockStartEvent:
				if block, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					out = blocks.start(variant.Index, block.ID, block.Name, toolInputToRaw(block.Input))
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						out = []Event{{Type: EventTextDelta, Text: delta.Text}}
					}
				case anthropic.ThinkingDelta:
					if delta.Thinking != "" {
						out = []Event{{Type: EventReasoningDelta, Text: delta.Thinking}}
					}
				case anthropic.InputJSONDelta:
					out = blocks.delta(variant.Index, delta.PartialJSON)
				}
			case anthropic.ContentBlockStopEvent:
				out = blocks.stop(variant.Index)
			case anthropic.MessageDeltaEvent:
				if variant.Usage.OutputTokens > 0 {
					usage.OutputTokens = int(variant.Usage.OutputTokens)
				}
			}
			for _, ev := range out {
				if err := send(ctx, events, ev); err != nil {
					return err
				}
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("anthropic streaming error: %w", Classify(err))
		}
		if usage.InputTokens > 0 || usage.OutputTokens > 0 {
			if err := send(ctx, events, Event{Type: EventUsage, Use: &usage}); err != nil {
				return err
			}
		}
		return send(ctx, events, Event{Type: EventDone})
	}), nil
}

// anthropicBlockState maps content block indexes to tool call ids. The
// start block carries the full input when the model sends no JSON deltas.
type anthropicBlockState struct {
	ids      map[int64]string
	fallback map[int64]json.RawMessage
	sawDelta map[int64]bool
}

func newAnthropicBlockState() *anthropicBlockState {
	return &anthropicBlockState{
		ids:      make(map[int64]string),
		fallback: make(map[int64]json.RawMessage),
		sawDelta: make(map[int64]bool),
	}
}

func (s *anthropicBlockState) start(index int64, id, name string, input json.RawMessage) []Event {
	s.ids[index] = id
	if len(input) > 0 && string(input) != "{}" {
		s.fallback[index] = input
	}
	return []Event{{Type: EventToolCallStarted, ToolCallID: id, ToolName: name}}
}

func (s *anthropicBlockState) delta(index int64, partial string) []Event {
	id, ok := s.ids[index]
	if !ok || partial == "" {
		return nil
	}
	s.sawDelta[index] = true
	return []Event{{Type: EventToolCallArgDelta, ToolCallID: id, Text: partial}}
}

func (s *anthropicBlockState) stop(index int64) []Event {
	id, ok := s.ids[index]
	if !ok {
		return nil
	}
	var out []Event
	if fb, ok := s.fallback[index]; ok && !s.sawDelta[index] {
		out = append(out, Event{Type: EventToolCallArgDelta, ToolCallID: id, Text: string(fb)})
	}
	out = append(out, Event{Type: EventToolCallCompleted, ToolCallID: id})
	delete(s.ids, index)
	delete(s.fallback, index)
	delete(s.sawDelta, index)
	return out
}

func buildAnthropicMessages(messages []Message) (string, []anthropic.MessageParam) {
	var systemParts []string
	var out []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, collectTextParts(msg.Parts))
		case RoleUser, RoleTool:
			blocks := buildAnthropicBlocks(msg.Parts, false)
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		case RoleAssistant:
			blocks := buildAnthropicBlocks(msg.Parts, true)
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}

	return strings.Join(systemParts, "\n\n"), out
}

func buildAnthropicBlocks(parts []Part, allowToolUse bool) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case PartToolCall:
			if allowToolUse && part.ToolCall != nil {
				blocks = append(blocks, anthropic.NewToolUseBlock(part.ToolCall.ID, nonEmptyArgs(part.ToolCall.Arguments), part.ToolCall.Name))
			}
		case PartToolResult:
			if part.ToolResult != nil {
				blocks = append(blocks, anthropic.NewToolResultBlock(part.ToolResult.ID, part.ToolResult.Content, part.ToolResult.IsError))
			}
		}
	}
	return blocks
}

func buildAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: spec.Schema["properties"],
			Required:   schemaRequired(spec.Schema),
		}
		tool := anthropic.ToolUnionParamOfTool(inputSchema, spec.Name)
		if spec.Description != "" {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

func buildAnthropicToolChoice(choice ToolChoice, parallel bool) anthropic.ToolChoiceUnionParam {
	disableParallel := !parallel
	switch choice.Mode {
	case ToolChoiceNone:
		none := anthropic.NewToolChoiceNoneParam()
		return anthropic.ToolChoiceUnionParam{OfNone: &none}
	case ToolChoiceRequired:
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case ToolChoiceName:
		return anthropic.ToolChoiceParamOfTool(choice.Name)
	default:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{DisableParallelToolUse: anthropic.Bool(disableParallel)}}
	}
}

func toolInputToRaw(input any) json.RawMessage {
	switch v := input.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return v
	case []byte:
		return json.RawMessage(v)
	case string:
		return json.RawMessage(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return json.RawMessage(data)
	}
}

func maxTokens(requested, fallback int) int64 {
	if requested > 0 {
		return int64(requested)
	}
	return int64(fallback)
}

func defaultInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
