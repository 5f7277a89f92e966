package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// TurnState is the position of a turn in its lifecycle.
type TurnState string

const (
	TurnAwaitingResponse    TurnState = "awaiting_response"
	TurnStreaming           TurnState = "streaming"
	TurnAwaitingToolResults TurnState = "awaiting_tool_results"
	TurnDone                TurnState = "done"
	TurnCancelled           TurnState = "cancelled"
	TurnFailed              TurnState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TurnState) Terminal() bool {
	return s == TurnDone || s == TurnCancelled || s == TurnFailed
}

// TurnMetrics holds per-round metrics for the completion callback.
type TurnMetrics struct {
	InputTokens  int // Tokens consumed as input this round
	OutputTokens int // Tokens generated as output this round
	ToolCalls    int // Number of tools executed this round
}

// TurnCompletedCallback is called after each round completes with the messages
// generated during that round and metrics about it.
// roundIndex is 0-based, messages contains the assistant message and, for
// tool rounds, the tool result message.
type TurnCompletedCallback func(ctx context.Context, roundIndex int, messages []Message, metrics TurnMetrics) error

// TurnResult is the outcome of Engine.Run.
type TurnResult struct {
	State    TurnState
	Messages []Message // full history after the turn
	Rounds   int
	Usage    Usage
}

// Observer receives engine metrics. metrics.Recorder implements it.
type Observer interface {
	ToolObserver
	CompactionObserver
	ObserveTurn(state TurnState, rounds int)
}

// Engine drives turns: it streams a model response, runs the requested
// tools, feeds the results back and repeats until the model answers without
// tool calls. There is no round limit at this layer.
type Engine struct {
	provider     Provider
	tools        *ToolRegistry
	orchestrator *Orchestrator
	approver     Approver
	compactor    *Compactor
	observer     Observer
	logger       *slog.Logger

	// onTurnCompleted is called after each round with messages generated.
	// Used for incremental session saving. Protected by callbackMu.
	onTurnCompleted TurnCompletedCallback
	callbackMu      sync.RWMutex
}

func NewEngine(provider Provider, tools *ToolRegistry) *Engine {
	if tools == nil {
		tools, _ = NewToolRegistry()
	}
	return &Engine{
		provider:     provider,
		tools:        tools,
		orchestrator: NewOrchestrator(tools, DefaultMaxParallelTools),
		logger:       slog.Default(),
	}
}

// Tools returns the engine's tool registry.
func (e *Engine) Tools() *ToolRegistry {
	return e.tools
}

// SetApprover sets the collaborator asked to confirm tool calls.
func (e *Engine) SetApprover(a Approver) {
	e.approver = a
}

// SetCompactor enables history compaction between rounds.
func (e *Engine) SetCompactor(c *Compactor) {
	e.compactor = c
	if c != nil && e.observer != nil {
		c.SetObserver(e.observer)
	}
}

// SetMaxParallelTools replaces the tool orchestrator with one allowing n
// concurrent parallel-safe tools. Must not be called while a turn runs.
func (e *Engine) SetMaxParallelTools(n int) {
	o := NewOrchestrator(e.tools, n)
	o.SetLogger(e.logger)
	if e.observer != nil {
		o.SetObserver(e.observer)
	}
	e.orchestrator = o
}

func (e *Engine) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	e.logger = l
	e.orchestrator.SetLogger(l)
	if e.compactor != nil {
		e.compactor.SetLogger(l)
	}
}

func (e *Engine) SetObserver(o Observer) {
	e.observer = o
	e.orchestrator.SetObserver(o)
	if e.compactor != nil {
		e.compactor.SetObserver(o)
	}
}

// SetTurnCompletedCallback sets the callback for incremental round completion.
// Thread-safe: can be called while streaming is in progress.
func (e *Engine) SetTurnCompletedCallback(cb TurnCompletedCallback) {
	e.callbackMu.Lock()
	e.onTurnCompleted = cb
	e.callbackMu.Unlock()
}

// getCallback returns the current callback under read lock.
func (e *Engine) getCallback() TurnCompletedCallback {
	e.callbackMu.RLock()
	cb := e.onTurnCompleted
	e.callbackMu.RUnlock()
	return cb
}

// Stream runs a turn in the background and exposes its events.
func (e *Engine) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		_, err := e.Run(ctx, req, func(ev Event) {
			events <- ev
		})
		return err
	}), nil
}

// Run executes one turn. onEvent receives every event in order; calls are
// serialized even when tools finish concurrently. The returned result holds
// the history as it stands when the turn ends: on cancellation the round in
// progress is discarded.
func (e *Engine) Run(ctx context.Context, req Request, onEvent func(Event)) (*TurnResult, error) {
	var emitMu sync.Mutex
	emit := func(ev Event) {
		if onEvent == nil {
			return
		}
		emitMu.Lock()
		defer emitMu.Unlock()
		onEvent(ev)
	}

	result := &TurnResult{}
	setState := func(s TurnState) {
		result.State = s
		emit(Event{Type: EventTurnState, State: s})
	}

	messages := append([]Message(nil), req.Messages...)
	if len(req.Tools) == 0 {
		req.Tools = e.tools.Specs()
	}
	if !e.provider.Capabilities().ToolCalls {
		req.Tools = nil
	}

	callback := e.getCallback()

	finish := func(state TurnState, err error) (*TurnResult, error) {
		result.Messages = messages
		setState(state)
		if e.observer != nil {
			e.observer.ObserveTurn(state, result.Rounds)
		}
		switch state {
		case TurnDone:
			emit(Event{Type: EventDone})
		case TurnCancelled:
			err = ErrCancelled
			if cause := context.Cause(ctx); cause != nil {
				err = fmt.Errorf("%w: %w", ErrCancelled, cause)
			}
		case TurnFailed:
			emit(Event{Type: EventError, Err: err})
		}
		return result, err
	}

	for round := 0; ; round++ {
		if ctx.Err() != nil {
			return finish(TurnCancelled, nil)
		}

		if e.compactor != nil {
			compacted, state, err := e.compactor.MaybeCompact(ctx, messages)
			switch {
			case err != nil && ctx.Err() != nil:
				return finish(TurnCancelled, nil)
			case err != nil:
				e.logger.Warn("compaction failed", "err", err)
			case state.Compacted:
				messages = compacted
				emit(Event{Type: EventCompaction, Compaction: &state})
			}
		}

		setState(TurnAwaitingResponse)
		req.Messages = messages
		out, err := e.streamRound(ctx, req, emit, setState)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrCancelled) {
				return finish(TurnCancelled, nil)
			}
			return finish(TurnFailed, err)
		}
		result.Usage.Add(out.usage)
		result.Rounds = round + 1

		metrics := TurnMetrics{InputTokens: out.usage.InputTokens, OutputTokens: out.usage.OutputTokens}
		assistant := buildAssistantMessage(out.text, out.calls, out.reasoning)

		if len(out.calls) == 0 {
			if len(assistant.Parts) > 0 {
				messages = append(messages, assistant)
				e.fireCallback(ctx, callback, round, []Message{assistant}, metrics)
			}
			return finish(TurnDone, nil)
		}

		setState(TurnAwaitingToolResults)
		results, err := e.orchestrator.RunRound(ctx, out.calls, NewApprovalGate(e.approver), emit)
		if err != nil {
			if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
				return finish(TurnCancelled, nil)
			}
			return finish(TurnFailed, err)
		}

		toolMsg := ToolResultsMessage(results)
		messages = append(messages, assistant, toolMsg)
		metrics.ToolCalls = len(results)
		e.fireCallback(ctx, callback, round, []Message{assistant, toolMsg}, metrics)
	}
}

func (e *Engine) fireCallback(ctx context.Context, cb TurnCompletedCallback, round int, msgs []Message, m TurnMetrics) {
	if cb == nil {
		return
	}
	if err := cb(ctx, round, msgs, m); err != nil {
		e.logger.Warn("turn callback failed", "round", round, "err", err)
	}
}

type roundOutput struct {
	text      string
	reasoning string
	calls     []ToolCall
	usage     Usage
}

// streamRound issues one request and consumes its stream.
func (e *Engine) streamRound(ctx context.Context, req Request, emit func(Event), setState func(TurnState)) (roundOutput, error) {
	var out roundOutput
	raw, err := e.provider.Stream(ctx, req)
	if err != nil {
		return out, err
	}
	stream := NewParsedStream(ctx, raw, e.tools)
	defer stream.Close()

	var text, reasoning strings.Builder
	streaming := false
	for {
		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
		if !streaming && event.Type != EventRetry {
			streaming = true
			setState(TurnStreaming)
		}

		switch event.Type {
		case EventTextDelta:
			text.WriteString(event.Text)
		case EventReasoningDelta:
			reasoning.WriteString(event.Text)
		case EventToolCallCompleted:
			if event.Tool != nil {
				out.calls = append(out.calls, *event.Tool)
			}
		case EventStreamError:
			e.logger.Warn("skipping malformed stream event", "provider", e.provider.Name(), "err", event.Err)
		case EventUsage:
			if event.Use != nil {
				out.usage.Add(*event.Use)
			}
		case EventError:
			if event.Err != nil {
				return out, event.Err
			}
			continue
		case EventDone:
			// The engine emits its own done once the whole turn ends.
			continue
		}
		emit(event)
	}

	out.text = text.String()
	out.reasoning = reasoning.String()
	out.calls = dedupeToolCalls(out.calls)
	sort.SliceStable(out.calls, func(i, j int) bool {
		return out.calls[i].Index < out.calls[j].Index
	})
	return out, nil
}

// buildAssistantMessage creates an assistant message with reasoning, text and tool calls.
func buildAssistantMessage(text string, toolCalls []ToolCall, reasoning string) Message {
	var parts []Part
	if reasoning != "" {
		parts = append(parts, Part{Type: PartReasoning, Text: reasoning})
	}
	if text != "" {
		parts = append(parts, Part{Type: PartText, Text: text})
	}
	for i := range toolCalls {
		call := toolCalls[i]
		parts = append(parts, Part{Type: PartToolCall, ToolCall: &call})
	}
	return Message{Role: RoleAssistant, Parts: parts}
}

func dedupeToolCalls(calls []ToolCall) []ToolCall {
	if len(calls) < 2 {
		return calls
	}
	seen := make(map[string]struct{}, len(calls))
	out := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		id := strings.TrimSpace(call.ID)
		if id == "" {
			out = append(out, call)
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, call)
	}
	return out
}
