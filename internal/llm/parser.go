package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// newToolCallID names a call that arrived without an id. Ids must be unique
// across every round of a turn, not just within one stream.
func newToolCallID() string { return "toolcall-" + uuid.NewString() }

// ArgsValidator checks assembled tool arguments. ToolRegistry implements it.
type ArgsValidator interface {
	ValidateArgs(name string, args json.RawMessage) error
}

type pendingCall struct {
	id         string
	name       string
	index      int
	args       strings.Builder
	thoughtSig []byte
}

// ToolCallAssembler accumulates tool-call fragments by id and produces
// complete calls. Sequence indexes are assigned in start order.
type ToolCallAssembler struct {
	validator ArgsValidator
	pending   map[string]*pendingCall
	order     []string
	last      string
	next      int
}

func NewToolCallAssembler(validator ArgsValidator) *ToolCallAssembler {
	return &ToolCallAssembler{
		validator: validator,
		pending:   make(map[string]*pendingCall),
	}
}

// Feed consumes one tool-call event. It returns the assembled call when ev
// completes one. A non-nil error means ev was malformed and was skipped.
func (a *ToolCallAssembler) Feed(ev Event) (*ToolCall, error) {
	switch ev.Type {
	case EventToolCallStarted:
		id := strings.TrimSpace(ev.ToolCallID)
		if id == "" {
			id = newToolCallID()
		}
		if _, exists := a.pending[id]; exists {
			return nil, fmt.Errorf("duplicate tool call start for %s", id)
		}
		if strings.TrimSpace(ev.ToolName) == "" {
			return nil, fmt.Errorf("tool call %s started without a name", id)
		}
		pc := &pendingCall{id: id, name: ev.ToolName, index: a.next}
		if ev.Tool != nil {
			pc.thoughtSig = ev.Tool.ThoughtSig
		}
		pc.args.WriteString(ev.Text)
		a.next++
		a.pending[id] = pc
		a.order = append(a.order, id)
		a.last = id
		return nil, nil

	case EventToolCallArgDelta:
		pc, err := a.lookup(ev.ToolCallID)
		if err != nil {
			return nil, err
		}
		pc.args.WriteString(ev.Text)
		return nil, nil

	case EventToolCallCompleted:
		pc, err := a.lookup(ev.ToolCallID)
		if err != nil {
			return nil, err
		}
		call := a.finish(pc)
		return &call, nil
	}
	return nil, fmt.Errorf("unexpected event %s", ev.Type)
}

// Flush completes any calls still open, in sequence order. Providers that
// never signal completion rely on this at end of stream.
func (a *ToolCallAssembler) Flush() []ToolCall {
	var calls []ToolCall
	for _, id := range append([]string(nil), a.order...) {
		if pc, ok := a.pending[id]; ok {
			calls = append(calls, a.finish(pc))
		}
	}
	return calls
}

func (a *ToolCallAssembler) lookup(id string) (*pendingCall, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = a.last
	}
	pc, ok := a.pending[id]
	if !ok {
		return nil, fmt.Errorf("fragment for unknown tool call %q", id)
	}
	return pc, nil
}

func (a *ToolCallAssembler) finish(pc *pendingCall) ToolCall {
	delete(a.pending, pc.id)
	for i, id := range a.order {
		if id == pc.id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}

	call := ToolCall{ID: pc.id, Name: pc.name, Index: pc.index, ThoughtSig: pc.thoughtSig}
	args, err := parseToolArguments(pc.args.String())
	if err != nil {
		call.Arguments = json.RawMessage("{}")
		call.ArgsErr = err
		return call
	}
	call.Arguments = args
	if a.validator != nil {
		// Unknown tools are reported by the orchestrator.
		if err := a.validator.ValidateArgs(call.Name, args); err != nil && !errors.Is(err, ErrUnknownTool) {
			call.ArgsErr = err
		}
	}
	return call
}

// parsedStream runs a raw provider stream through a ToolCallAssembler.
type parsedStream struct {
	ctx       context.Context
	inner     Stream
	assembler *ToolCallAssembler
	queue     []Event
	eof       bool
}

// NewParsedStream wraps a raw provider stream. Tool-call fragments pass
// through for display; each completion event carries the assembled call in
// Tool. Malformed events become EventStreamError and the stream continues.
func NewParsedStream(ctx context.Context, inner Stream, validator ArgsValidator) Stream {
	return &parsedStream{ctx: ctx, inner: inner, assembler: NewToolCallAssembler(validator)}
}

func (s *parsedStream) Recv() (Event, error) {
	for {
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			return ev, nil
		}
		if s.eof {
			return Event{}, io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			return Event{}, err
		}

		ev, err := s.inner.Recv()
		if err == io.EOF {
			s.eof = true
			s.queueFlushed()
			continue
		}
		if err != nil {
			return Event{}, err
		}

		switch ev.Type {
		case EventToolCallStarted, EventToolCallArgDelta, EventToolCallCompleted:
			if ev.Type == EventToolCallStarted && strings.TrimSpace(ev.ToolCallID) == "" {
				ev.ToolCallID = newToolCallID()
			}
			call, ferr := s.assembler.Feed(ev)
			if ferr != nil {
				return Event{Type: EventStreamError, ToolCallID: ev.ToolCallID, Err: ferr}, nil
			}
			if call != nil {
				return Event{Type: EventToolCallCompleted, ToolCallID: call.ID, ToolName: call.Name, Tool: call}, nil
			}
			return ev, nil
		case EventDone:
			s.queueFlushed()
			s.queue = append(s.queue, ev)
			continue
		}
		return ev, nil
	}
}

func (s *parsedStream) queueFlushed() {
	for _, call := range s.assembler.Flush() {
		c := call
		s.queue = append(s.queue, Event{Type: EventToolCallCompleted, ToolCallID: c.ID, ToolName: c.Name, Tool: &c})
	}
}

func (s *parsedStream) Close() error {
	return s.inner.Close()
}
