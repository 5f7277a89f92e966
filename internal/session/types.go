package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/samsaffron/term-agent/internal/llm"
)

// SessionStatus represents the current state of a session.
type SessionStatus string

const (
	StatusActive      SessionStatus = "active"      // Turn in progress
	StatusComplete    SessionStatus = "complete"    // Last turn finished normally
	StatusError       SessionStatus = "error"       // Last turn failed
	StatusInterrupted SessionStatus = "interrupted" // Last turn was cancelled
)

// StatusFor maps a terminal turn state to a session status.
func StatusFor(state llm.TurnState) SessionStatus {
	switch state {
	case llm.TurnDone:
		return StatusComplete
	case llm.TurnCancelled:
		return StatusInterrupted
	case llm.TurnFailed:
		return StatusError
	default:
		return StatusActive
	}
}

// Session represents a conversation stored in the database.
type Session struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary,omitempty"` // First user message
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CWD       string    `json:"cwd,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	LLMTurns          int           `json:"llm_turns,omitempty"`
	ToolCalls         int           `json:"tool_calls,omitempty"`
	InputTokens       int           `json:"input_tokens,omitempty"`
	CachedInputTokens int           `json:"cached_input_tokens,omitempty"`
	OutputTokens      int           `json:"output_tokens,omitempty"`
	Status            SessionStatus `json:"status,omitempty"`
}

// Message represents a message in a session.
// Parts holds the full llm.Message.Parts as JSON so tool calls and results
// survive a round trip exactly.
type Message struct {
	ID          int64      `json:"id"`
	SessionID   string     `json:"session_id"`
	Role        llm.Role   `json:"role"`
	Parts       []llm.Part `json:"parts"`
	TextContent string     `json:"text_content"` // Extracted text for display
	CreatedAt   time.Time  `json:"created_at"`
	Sequence    int        `json:"sequence"`
}

// SessionSummary is a lightweight view of a session for listing.
type SessionSummary struct {
	ID           string        `json:"id"`
	Summary      string        `json:"summary,omitempty"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	MessageCount int           `json:"message_count"`
	LLMTurns     int           `json:"llm_turns,omitempty"`
	ToolCalls    int           `json:"tool_calls,omitempty"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	Status       SessionStatus `json:"status,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ListOptions configures session listing.
type ListOptions struct {
	Provider string        // Filter by provider
	Status   SessionStatus // Filter by status
	Limit    int           // Max results (0 = default of 50)
	Offset   int
}

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}

// NewMessage wraps msg for storage. A negative sequence asks the store
// to allocate the next one.
func NewMessage(sessionID string, msg llm.Message, sequence int) *Message {
	m := &Message{
		SessionID: sessionID,
		Role:      msg.Role,
		Parts:     msg.Parts,
		CreatedAt: time.Now(),
		Sequence:  sequence,
	}
	m.TextContent = m.ExtractTextContent()
	return m
}

// ExtractTextContent joins the non-empty text parts with newlines.
func (m *Message) ExtractTextContent() string {
	texts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type == llm.PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func (m *Message) ToLLMMessage() llm.Message {
	return llm.Message{Role: m.Role, Parts: m.Parts}
}

// PartsJSON encodes Parts for the parts column.
func (m *Message) PartsJSON() (string, error) {
	data, err := json.Marshal(m.Parts)
	return string(data), err
}

// SetPartsFromJSON is the inverse of PartsJSON. An empty column is no parts.
func (m *Message) SetPartsFromJSON(data string) error {
	m.Parts = nil
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), &m.Parts)
}

// maxSummaryLen bounds TruncateSummary in bytes.
const maxSummaryLen = 100

// TruncateSummary keeps the first line of content, cut to maxSummaryLen
// bytes including the ellipsis.
func TruncateSummary(content string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	if len(line) <= maxSummaryLen {
		return line
	}
	return line[:maxSummaryLen-3] + "..."
}
