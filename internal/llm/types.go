package llm

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// contextKey is a private type for context keys to prevent collisions.
type contextKey string

// toolCallIDKey is the context key for the current tool call ID.
const toolCallIDKey contextKey = "tool_call_id"

// ContextWithCallID returns a new context with the tool call ID set.
func ContextWithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, toolCallIDKey, callID)
}

// CallIDFromContext extracts the tool call ID from context, or returns empty string.
func CallIDFromContext(ctx context.Context) string {
	if v := ctx.Value(toolCallIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// Provider streams model output events for a request.
type Provider interface {
	Name() string
	Credential() string // Returns credential type for debugging (e.g., "api_key", "bedrock")
	Capabilities() Capabilities
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Capabilities describe optional provider features.
type Capabilities struct {
	ToolCalls bool
	Reasoning bool
}

// Stream yields events until io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Request represents a single model round.
type Request struct {
	Model             string
	Messages          []Message
	Tools             []ToolSpec
	ToolChoice        ToolChoice
	ParallelToolCalls bool
	ReasoningEffort   string
	MaxOutputTokens   int
	Temperature       float32
	TopP              float32
}

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies a message content part.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Message holds a role with structured parts.
type Message struct {
	Role  Role
	Parts []Part
}

// Part represents a single content part.
type Part struct {
	Type       PartType
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// ApprovalMode is the approval policy a tool declares for itself.
type ApprovalMode string

const (
	ApprovalNever       ApprovalMode = "never"
	ApprovalAlways      ApprovalMode = "always"
	ApprovalConditional ApprovalMode = "conditional"
)

// ApprovalRequirement decides whether a call needs external confirmation.
// Condition is only consulted in ApprovalConditional mode; it returns true
// when the given arguments require approval.
type ApprovalRequirement struct {
	Mode      ApprovalMode
	Condition func(args json.RawMessage) bool
}

// RequiresApproval reports whether a call with args needs confirmation.
func (a ApprovalRequirement) RequiresApproval(args json.RawMessage) bool {
	switch a.Mode {
	case ApprovalAlways:
		return true
	case ApprovalConditional:
		if a.Condition == nil {
			return true
		}
		return a.Condition(args)
	default:
		return false
	}
}

// ToolSpec describes a callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}

	// Approval and SupportsParallel are owned by the tool; the orchestrator
	// reads them from the registry and front ends never override them.
	Approval         ApprovalRequirement
	SupportsParallel bool
}

// ToolChoiceMode controls tool selection behavior.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceName     ToolChoiceMode = "name"
)

// ToolChoice configures which tool the model should call.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID         string
	Name       string
	Arguments  json.RawMessage
	// Index is the position of the call within its round, assigned when the
	// call starts streaming. Results are reassembled by Index.
	Index      int
	ThoughtSig []byte // Gemini thought signature (must be passed back in result)

	// ArgsErr is set by the parser when the arguments failed to parse or
	// did not match the tool schema. The call is answered with an error result.
	ArgsErr error `json:"-"`
}

// ToolResult is the output from executing a tool call.
type ToolResult struct {
	ID         string
	Name       string
	Index      int
	Content    string
	IsError    bool // True if this result represents a tool execution error
	Duration   time.Duration
	ThoughtSig []byte // Gemini thought signature (passed through from ToolCall)

	// Err classifies IsError results (ErrUnknownTool, ErrSchemaMismatch,
	// ErrApprovalDenied, ErrCancelled). Not persisted.
	Err error `json:"-"`
}

// EventType describes streaming events.
type EventType string

const (
	EventTextDelta         EventType = "text_delta"
	EventReasoningDelta    EventType = "reasoning_delta"
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallArgDelta  EventType = "tool_call_arg_delta"
	EventToolCallCompleted EventType = "tool_call_completed" // Tool is set once the parser has assembled the call
	EventStreamError       EventType = "stream_error"        // Malformed chunk; logged and skipped
	EventToolExecStart     EventType = "tool_exec_start"
	EventToolExecEnd       EventType = "tool_exec_end"
	EventUsage             EventType = "usage"
	EventTurnState         EventType = "turn_state"
	EventCompaction        EventType = "compaction"
	EventDone              EventType = "done"
	EventError             EventType = "error"
	EventRetry             EventType = "retry" // Emitted when retrying after a transient failure
)

// Event represents a streamed output update.
type Event struct {
	Type        EventType
	Text        string // text/reasoning delta, or argument fragment for EventToolCallArgDelta
	Tool        *ToolCall
	Result      *ToolResult // For EventToolExecEnd
	ToolCallID  string
	ToolName    string
	ToolInfo    string // For EventToolExecStart/End: preview of the call (e.g. the path)
	ToolSuccess bool   // For EventToolExecEnd
	Use         *Usage
	Err         error
	State       TurnState        // For EventTurnState
	Compaction  *CompactionState // For EventCompaction
	// Retry fields (for EventRetry)
	RetryAttempt     int
	RetryMaxAttempts int
	RetryWaitSecs    float64
}

// Usage captures token usage if available.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int // Tokens read from cache
}

// Add accumulates another usage report.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CachedInputTokens += other.CachedInputTokens
}

// ModelInfo represents a model available from a provider.
type ModelInfo struct {
	ID          string
	DisplayName string
	Created     int64
	OwnedBy     string
}

// ModelLister is implemented by providers that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// ErrListModelsUnsupported is returned by ListModels for providers
// without a model listing endpoint.
var ErrListModelsUnsupported = errors.New("provider does not support listing models")

// ListModels lists the models of p, looking through retry wrappers.
func ListModels(ctx context.Context, p Provider) ([]ModelInfo, error) {
	for p != nil {
		if l, ok := p.(ModelLister); ok {
			return l.ListModels(ctx)
		}
		u, ok := p.(interface{ Unwrap() Provider })
		if !ok {
			break
		}
		p = u.Unwrap()
	}
	return nil, ErrListModelsUnsupported
}

func SystemText(text string) Message {
	return Message{
		Role:  RoleSystem,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

func UserText(text string) Message {
	return Message{
		Role:  RoleUser,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

func AssistantText(text string) Message {
	return Message{
		Role:  RoleAssistant,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

// ToolResultsMessage bundles the results of one round into a single tool
// message, in the order given.
func ToolResultsMessage(results []ToolResult) Message {
	parts := make([]Part, 0, len(results))
	for i := range results {
		r := results[i]
		parts = append(parts, Part{Type: PartToolResult, ToolResult: &r})
	}
	return Message{Role: RoleTool, Parts: parts}
}
