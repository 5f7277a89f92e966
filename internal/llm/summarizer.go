package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	summarySystemPrompt = "You are a helpful assistant that creates concise conversation summaries."
	summaryPrompt       = "Summarize the following conversation in a concise but comprehensive way. " +
		"Preserve key information, decisions made, and any important context. Keep it under 500 words."
	summaryToolResultLimit = 500
)

// ProviderSummarizer asks a model to summarize the conversation.
type ProviderSummarizer struct {
	provider        Provider
	model           string
	maxOutputTokens int
}

func NewProviderSummarizer(provider Provider, model string) *ProviderSummarizer {
	return &ProviderSummarizer{provider: provider, model: model, maxOutputTokens: 1024}
}

// Summarize returns a system message carrying the summary. The transcript
// sent to the model is trimmed from the front to fit tokenThreshold.
func (s *ProviderSummarizer) Summarize(ctx context.Context, messages []Message, tokenThreshold int) (Message, error) {
	transcript := buildTranscript(messages)
	if tokenThreshold > 0 {
		if limit := tokenThreshold * 4; len(transcript) > limit {
			transcript = transcript[len(transcript)-limit:]
		}
	}

	stream, err := s.provider.Stream(ctx, Request{
		Model: s.model,
		Messages: []Message{
			SystemText(summarySystemPrompt),
			UserText(summaryPrompt + "\n\n" + transcript),
		},
		MaxOutputTokens: s.maxOutputTokens,
	})
	if err != nil {
		return Message{}, err
	}
	defer stream.Close()

	var b strings.Builder
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Message{}, err
		}
		switch ev.Type {
		case EventTextDelta:
			b.WriteString(ev.Text)
		case EventError:
			if ev.Err != nil {
				return Message{}, ev.Err
			}
		}
	}

	summary := strings.TrimSpace(b.String())
	if summary == "" {
		return Message{}, fmt.Errorf("empty summary from %s", s.provider.Name())
	}
	return SummaryMessage(summary), nil
}

// SummaryMessage wraps a summary so the model can tell it from live history.
func SummaryMessage(summary string) Message {
	return SystemText(fmt.Sprintf("## Conversation Summary\n\n"+
		"The following is a summary of the earlier conversation:\n\n%s\n\n"+
		"---\nRecent messages follow:", summary))
}

func buildTranscript(messages []Message) string {
	var b strings.Builder
	for _, msg := range messages {
		for _, part := range msg.Parts {
			switch part.Type {
			case PartText:
				if part.Text == "" {
					continue
				}
				switch msg.Role {
				case RoleUser:
					b.WriteString("User: ")
				case RoleAssistant:
					b.WriteString("Assistant: ")
				case RoleSystem:
					b.WriteString("System: ")
				}
				b.WriteString(part.Text)
				b.WriteString("\n\n")
			case PartToolCall:
				if part.ToolCall != nil {
					fmt.Fprintf(&b, "[Used tool: %s]\n\n", part.ToolCall.Name)
				}
			case PartToolResult:
				if part.ToolResult != nil {
					fmt.Fprintf(&b, "[Tool result: %s]\n\n", truncate(part.ToolResult.Content, summaryToolResultLimit))
				}
			}
		}
	}
	return b.String()
}
