package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockTurn scripts one provider response.
type MockTurn struct {
	Text      string
	Reasoning string
	ToolCalls []ToolCall
	Usage     *Usage
	Delay     time.Duration // wait before the first event
	Err       error         // returned after any scripted events

	// Events, when set, are sent verbatim instead of the synthesized ones.
	Events []Event
}

// MockProvider is a scripted provider for tests and offline runs. Each call
// to Stream consumes the next turn.
type MockProvider struct {
	name string
	caps Capabilities

	mu       sync.Mutex
	turns    []MockTurn
	turn     int
	Requests []Request
}

func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name, caps: Capabilities{ToolCalls: true}}
}

func (p *MockProvider) WithCapabilities(c Capabilities) *MockProvider {
	p.caps = c
	return p
}

func (p *MockProvider) Name() string       { return p.name }
func (p *MockProvider) Credential() string { return "mock" }

func (p *MockProvider) Capabilities() Capabilities { return p.caps }

func (p *MockProvider) AddTurn(t MockTurn) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, t)
	return p
}

func (p *MockProvider) AddTextResponse(text string) *MockProvider {
	return p.AddTurn(MockTurn{Text: text})
}

// AddToolCall scripts a turn with a single tool call. args is marshalled to JSON.
func (p *MockProvider) AddToolCall(id, name string, args any) *MockProvider {
	raw, _ := json.Marshal(args)
	return p.AddTurn(MockTurn{ToolCalls: []ToolCall{{ID: id, Name: name, Arguments: raw}}})
}

func (p *MockProvider) AddError(err error) *MockProvider {
	return p.AddTurn(MockTurn{Err: err})
}

// CurrentTurn returns the index of the next turn to be served.
func (p *MockProvider) CurrentTurn() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turn
}

// RequestCount returns how many times Stream was called.
func (p *MockProvider) RequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// Reset clears recorded requests and rewinds to the first turn.
func (p *MockProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turn = 0
	p.Requests = nil
}

func (p *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	p.mu.Lock()
	req.Messages = append([]Message(nil), req.Messages...)
	p.Requests = append(p.Requests, req)
	if p.turn >= len(p.turns) {
		p.mu.Unlock()
		return nil, fmt.Errorf("mock provider %s: no more turns (served %d)", p.name, p.turn)
	}
	turn := p.turns[p.turn]
	p.turn++
	p.mu.Unlock()

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		if turn.Delay > 0 {
			if err := sleepContext(ctx, turn.Delay); err != nil {
				return err
			}
		}
		scripted := turn.Events
		if scripted == nil {
			scripted = turn.events()
		}
		for _, ev := range scripted {
			if err := send(ctx, events, ev); err != nil {
				return err
			}
		}
		return turn.Err
	}), nil
}

// events renders the turn as raw provider events: text in small chunks,
// then each tool call as started, argument deltas and completed.
func (t MockTurn) events() []Event {
	if t.Err != nil && t.Text == "" && len(t.ToolCalls) == 0 {
		return nil
	}
	var out []Event
	for _, chunk := range chunkText(t.Reasoning, 16) {
		out = append(out, Event{Type: EventReasoningDelta, Text: chunk})
	}
	for _, chunk := range chunkText(t.Text, 16) {
		out = append(out, Event{Type: EventTextDelta, Text: chunk})
	}
	for _, call := range t.ToolCalls {
		id := call.ID
		if id == "" {
			id = newToolCallID()
		}
		out = append(out, Event{Type: EventToolCallStarted, ToolCallID: id, ToolName: call.Name})
		for _, chunk := range chunkText(string(call.Arguments), 8) {
			out = append(out, Event{Type: EventToolCallArgDelta, ToolCallID: id, Text: chunk})
		}
		out = append(out, Event{Type: EventToolCallCompleted, ToolCallID: id})
	}
	if t.Usage != nil {
		out = append(out, Event{Type: EventUsage, Use: t.Usage})
	}
	if t.Err == nil {
		out = append(out, Event{Type: EventDone})
	}
	return out
}

// chunkText splits text into pieces of at most size bytes, preferring to
// break after spaces.
func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > size {
		cut := strings.LastIndex(text[:size], " ")
		if cut <= 0 {
			cut = size
		} else {
			cut++
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}
