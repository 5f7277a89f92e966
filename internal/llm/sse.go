package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// errMalformedChunk marks a chunk that could not be decoded. The stream
// reports it and carries on.
var errMalformedChunk = errors.New("malformed stream chunk")

type chunkCall struct {
	id      string
	name    string
	started bool
	pending strings.Builder // arguments received before the name was known
}

// ChunkDecoder turns OpenAI-compatible chat completion chunks into events.
// Tool-call deltas are keyed by their stream index; the id and name arrive
// on the first delta and later deltas carry only argument fragments.
type ChunkDecoder struct {
	calls map[int]*chunkCall
	order []int
	done  bool
}

func NewChunkDecoder() *ChunkDecoder {
	return &ChunkDecoder{calls: make(map[int]*chunkCall)}
}

// Decode handles one SSE data payload.
func (d *ChunkDecoder) Decode(data []byte) ([]Event, error) {
	payload := strings.TrimSpace(string(data))
	if payload == "[DONE]" {
		d.done = true
		return d.completeAll(), nil
	}

	var chunk oaiChatResponse
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedChunk, err)
	}
	if chunk.Error != nil {
		msg := chunk.Error.Message
		if msg == "" {
			msg = "unknown error"
		}
		return nil, classifyMessage(errors.New(msg))
	}

	var events []Event
	for _, choice := range chunk.Choices {
		delta := choice.Delta
		if delta == nil {
			delta = choice.Message
		}
		if delta != nil {
			if r := delta.ReasoningContent; r != "" {
				events = append(events, Event{Type: EventReasoningDelta, Text: r})
			}
			if delta.Content != "" {
				events = append(events, Event{Type: EventTextDelta, Text: delta.Content})
			}
			for _, tc := range delta.ToolCalls {
				events = append(events, d.toolDelta(tc)...)
			}
		}
		if choice.FinishReason != "" {
			events = append(events, d.completeAll()...)
		}
	}
	if chunk.Usage != nil {
		events = append(events, Event{Type: EventUsage, Use: &Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}})
	}
	return events, nil
}

// Done reports whether the [DONE] sentinel was seen.
func (d *ChunkDecoder) Done() bool { return d.done }

// Finish completes any calls still open. Call it when the transport closes.
func (d *ChunkDecoder) Finish() []Event {
	return d.completeAll()
}

func (d *ChunkDecoder) toolDelta(tc oaiToolCall) []Event {
	state, ok := d.calls[tc.Index]
	if !ok {
		state = &chunkCall{}
		d.calls[tc.Index] = state
		d.order = append(d.order, tc.Index)
	}
	if tc.ID != "" && state.id == "" {
		state.id = tc.ID
	}
	if tc.Function.Name != "" && state.name == "" {
		state.name = tc.Function.Name
	}

	if !state.started {
		state.pending.WriteString(tc.Function.Arguments)
		if state.name == "" {
			return nil
		}
		if state.id == "" {
			state.id = newToolCallID()
		}
		state.started = true
		return []Event{{Type: EventToolCallStarted, ToolCallID: state.id, ToolName: state.name, Text: state.pending.String()}}
	}
	if tc.Function.Arguments == "" {
		return nil
	}
	return []Event{{Type: EventToolCallArgDelta, ToolCallID: state.id, Text: tc.Function.Arguments}}
}

func (d *ChunkDecoder) completeAll() []Event {
	if len(d.order) == 0 {
		return nil
	}
	sort.Ints(d.order)
	var events []Event
	for _, idx := range d.order {
		state := d.calls[idx]
		if !state.started {
			// A call that never got a name can't be dispatched.
			events = append(events, Event{Type: EventStreamError, Err: fmt.Errorf("%w: tool call %d has no name", errMalformedChunk, idx)})
			continue
		}
		events = append(events, Event{Type: EventToolCallCompleted, ToolCallID: state.id})
	}
	d.calls = make(map[int]*chunkCall)
	d.order = nil
	return events
}

// maxSSELine bounds one SSE line. Longer lines are skipped as malformed.
var maxSSELine = 16 << 20

var errSSELineTooLong = fmt.Errorf("%w: SSE line too long", errMalformedChunk)

// readSSE scans an SSE body and forwards decoded events. Malformed chunks
// are reported as EventStreamError; errors sent by the server end the stream.
func readSSE(ctx context.Context, body io.Reader, events chan<- Event) error {
	br := bufio.NewReaderSize(body, 64*1024)
	decoder := NewChunkDecoder()
	var lastEventType string
	for !decoder.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := readSSELine(br)
		if errors.Is(err, errSSELineTooLong) {
			if serr := send(ctx, events, Event{Type: EventStreamError, Err: err}); serr != nil {
				return serr
			}
			lastEventType = ""
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: streaming: %w", ErrTransientNetwork, err)
		}

		if strings.HasPrefix(line, "event: ") {
			lastEventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		decoded, err := decoder.Decode([]byte(data))
		if err != nil {
			if errors.Is(err, errMalformedChunk) && lastEventType != "error" {
				if serr := send(ctx, events, Event{Type: EventStreamError, Err: err}); serr != nil {
					return serr
				}
				continue
			}
			return err
		}
		for _, ev := range decoded {
			if err := send(ctx, events, ev); err != nil {
				return err
			}
		}
		lastEventType = ""
	}
	for _, ev := range decoder.Finish() {
		if err := send(ctx, events, ev); err != nil {
			return err
		}
	}
	return nil
}

// readSSELine returns the next line without its terminator. A line over
// maxSSELine is consumed and reported as errSSELineTooLong.
func readSSELine(r *bufio.Reader) (string, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong && len(line)+len(chunk) > maxSSELine {
			tooLong, line = true, nil
		}
		if !tooLong {
			line = append(line, chunk...)
		}
		switch {
		case err == bufio.ErrBufferFull:
			continue
		case err == io.EOF && (len(line) > 0 || tooLong):
			// a final line without a terminator
		case err != nil:
			return "", err
		}
		if tooLong {
			return "", errSSELineTooLong
		}
		return strings.TrimRight(string(line), "\r\n"), nil
	}
}
