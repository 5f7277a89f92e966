package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Compaction defaults.
const (
	DefaultCompactionTokenThreshold   = 50000
	DefaultCompactionMessageThreshold = 50
	DefaultCompactionKeepRecent       = 4
)

// Summarizer condenses older history into a single message.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message, tokenThreshold int) (Message, error)
}

// CompactionConfig controls when history is summarized.
type CompactionConfig struct {
	Enabled          bool
	TokenThreshold   int
	MessageThreshold int
	KeepRecent       int
}

func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		Enabled:          true,
		TokenThreshold:   DefaultCompactionTokenThreshold,
		MessageThreshold: DefaultCompactionMessageThreshold,
		KeepRecent:       DefaultCompactionKeepRecent,
	}
}

// CompactionState is the size of the conversation measured between rounds.
type CompactionState struct {
	TokenEstimate    int
	MessageCount     int
	TokenThreshold   int
	MessageThreshold int
	Compacted        bool // set on EventCompaction when history was replaced
	Removed          int  // messages folded into the summary
}

// Exceeded reports whether either threshold is strictly exceeded.
func (s CompactionState) Exceeded() bool {
	if s.TokenThreshold > 0 && s.TokenEstimate > s.TokenThreshold {
		return true
	}
	return s.MessageThreshold > 0 && s.MessageCount > s.MessageThreshold
}

// CompactionObserver is notified after each successful compaction.
type CompactionObserver interface {
	ObserveCompaction(removed int)
}

// Compactor checks the history between rounds and summarizes it when it
// grows past the configured thresholds.
type Compactor struct {
	config     CompactionConfig
	summarizer Summarizer
	logger     *slog.Logger
	observer   CompactionObserver
}

func NewCompactor(config CompactionConfig, summarizer Summarizer) *Compactor {
	if config.KeepRecent <= 0 {
		config.KeepRecent = DefaultCompactionKeepRecent
	}
	return &Compactor{config: config, summarizer: summarizer, logger: slog.Default()}
}

func (c *Compactor) SetLogger(l *slog.Logger) {
	if l != nil {
		c.logger = l
	}
}

func (c *Compactor) SetObserver(o CompactionObserver) {
	c.observer = o
}

// State measures messages against the thresholds.
func (c *Compactor) State(messages []Message) CompactionState {
	return CompactionState{
		TokenEstimate:    EstimateTokens(messages),
		MessageCount:     len(messages),
		TokenThreshold:   c.config.TokenThreshold,
		MessageThreshold: c.config.MessageThreshold,
	}
}

// MaybeCompact returns the history to use for the next round. When a
// threshold is exceeded everything but the most recent messages is replaced
// by a summary; leading system messages are always kept. The state reports
// what was measured and whether compaction happened.
func (c *Compactor) MaybeCompact(ctx context.Context, messages []Message) ([]Message, CompactionState, error) {
	state := c.State(messages)
	if !c.config.Enabled || c.summarizer == nil || !state.Exceeded() {
		return messages, state, nil
	}

	head := 0
	for head < len(messages) && messages[head].Role == RoleSystem {
		head++
	}
	split := len(messages) - c.config.KeepRecent
	// The kept tail must not open with tool results whose calls would be
	// summarized away.
	for split > head && messages[split].Role == RoleTool {
		split--
	}
	if split <= head {
		return messages, state, nil
	}

	older := messages[head:split]
	summary, err := c.summarizer.Summarize(ctx, older, c.config.TokenThreshold)
	if err != nil {
		return messages, state, fmt.Errorf("summarize %d messages: %w", len(older), err)
	}

	out := make([]Message, 0, head+1+len(messages)-split)
	out = append(out, messages[:head]...)
	out = append(out, summary)
	out = append(out, messages[split:]...)

	state.Compacted = true
	state.Removed = len(older)
	c.logger.Info("compacted conversation",
		"removed", len(older),
		"tokens_before", state.TokenEstimate,
		"messages_before", state.MessageCount)
	if c.observer != nil {
		c.observer.ObserveCompaction(len(older))
	}
	return out, state, nil
}

// EstimateTokens approximates the token count of messages at four
// characters per token, per content block.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, msg := range messages {
		for _, part := range msg.Parts {
			switch part.Type {
			case PartText, PartReasoning:
				total += len(part.Text) / 4
			case PartToolCall:
				if part.ToolCall != nil {
					data, err := json.Marshal(struct {
						Name      string          `json:"name"`
						Arguments json.RawMessage `json:"input"`
					}{part.ToolCall.Name, nonEmptyArgs(part.ToolCall.Arguments)})
					if err == nil {
						total += len(data) / 4
					}
				}
			case PartToolResult:
				if part.ToolResult != nil {
					total += len(part.ToolResult.Content) / 4
				}
			}
		}
	}
	return total
}

func nonEmptyArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 || !json.Valid(args) {
		return json.RawMessage("{}")
	}
	return args
}
