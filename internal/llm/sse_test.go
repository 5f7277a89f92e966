package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestChunkDecoder_ArgumentsBeforeName(t *testing.T) {
	d := NewChunkDecoder()
	evs, err := d.Decode([]byte(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"a\":"}}]}}]}`))
	if err != nil || len(evs) != 0 {
		t.Fatalf("nameless fragment should be held back: %+v, %v", evs, err)
	}
	evs, _ = d.Decode([]byte(`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"x","function":{"name":"glob","arguments":"1}"}}]}}]}`))
	if len(evs) != 1 || evs[0].Type != EventToolCallStarted || evs[0].Text != `{"a":1}` {
		t.Fatalf("started = %+v", evs)
	}
	evs = d.Finish()
	if len(evs) != 1 || evs[0].Type != EventToolCallCompleted || evs[0].ToolCallID != "x" {
		t.Fatalf("finish = %+v", evs)
	}
	if len(d.Finish()) != 0 {
		t.Fatal("calls completed twice")
	}
}

func TestChunkDecoder_ParallelCallsCompleteInIndexOrder(t *testing.T) {
	d := NewChunkDecoder()
	started, _ := d.Decode([]byte(`{"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"name":"b"}},{"index":0,"function":{"name":"a"}}]}}]}`))
	if len(started) != 2 || started[0].ToolName != "b" || started[0].ToolCallID == started[1].ToolCallID {
		t.Fatalf("started = %+v", started)
	}
	evs, _ := d.Decode([]byte(`[DONE]`))
	if !d.Done() {
		t.Fatal("Done() = false after [DONE]")
	}
	if len(evs) != 2 || evs[0].ToolCallID != started[1].ToolCallID || evs[1].ToolCallID != started[0].ToolCallID {
		t.Fatalf("completed = %+v", evs)
	}
}

func TestChunkDecoder_SynthesizedIDsDifferAcrossStreams(t *testing.T) {
	chunk := []byte(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"name":"read_file","arguments":"{}"}}]}}]}`)
	first, _ := NewChunkDecoder().Decode(chunk)
	second, _ := NewChunkDecoder().Decode(chunk)
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("events = %+v, %+v", first, second)
	}
	a, b := first[0].ToolCallID, second[0].ToolCallID
	if !strings.HasPrefix(a, "toolcall-") || a == b {
		t.Fatalf("ids = %q, %q", a, b)
	}
}

func TestChunkDecoder_NamelessCallIsReported(t *testing.T) {
	d := NewChunkDecoder()
	d.Decode([]byte(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{}"}}]}}]}`))
	evs := d.Finish()
	if len(evs) != 1 || evs[0].Type != EventStreamError || !errors.Is(evs[0].Err, errMalformedChunk) {
		t.Fatalf("events = %+v", evs)
	}
}

func TestChunkDecoder_ServerError(t *testing.T) {
	_, err := NewChunkDecoder().Decode([]byte(`{"error":{"message":"rate limit exceeded"}}`))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v", err)
	}
}

func TestReadSSE(t *testing.T) {
	body := strings.Join([]string{
		`: keep-alive`,
		`data: {"choices":[{"delta":{"reasoning_content":"hmm"}}]}`,
		``,
		`data: not json`,
		``,
		`data: {"choices":[{"delta":{"content":"hi"}}],"usage":{"prompt_tokens":1,"completion_tokens":2}}`,
		``,
		`data: [DONE]`,
		``,
		`data: {"choices":[{"delta":{"content":"ignored"}}]}`,
	}, "\n")

	events := make(chan Event, 16)
	if err := readSSE(context.Background(), strings.NewReader(body), events); err != nil {
		t.Fatal(err)
	}
	close(events)

	var got []EventType
	for ev := range events {
		got = append(got, ev.Type)
		if ev.Type == EventTextDelta && ev.Text != "hi" {
			t.Errorf("text = %q", ev.Text)
		}
	}
	want := []EventType{EventReasoningDelta, EventStreamError, EventTextDelta, EventUsage}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestReadSSE_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := readSSE(ctx, strings.NewReader("data: {}\n"), make(chan Event))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestReadSSE_OverlongLineIsSkipped(t *testing.T) {
	old := maxSSELine
	maxSSELine = 64
	t.Cleanup(func() { maxSSELine = old })

	body := "data: " + strings.Repeat("x", 200) + "\n" +
		`data: {"choices":[{"delta":{"content":"after"}}]}` + "\n" +
		"data: [DONE]\n"
	events := make(chan Event, 8)
	if err := readSSE(context.Background(), strings.NewReader(body), events); err != nil {
		t.Fatalf("readSSE: %v", err)
	}
	close(events)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 2 || got[0].Type != EventStreamError || !errors.Is(got[0].Err, errMalformedChunk) {
		t.Fatalf("events = %+v", got)
	}
	if got[1].Type != EventTextDelta || got[1].Text != "after" {
		t.Errorf("second event = %+v", got[1])
	}
}
