package cmd

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/samsaffron/term-agent/internal/llm"
)

func runPlainOutput(events ...llm.Event) (string, string) {
	var out, status bytes.Buffer
	p := newPlainOutput(&out, &status)
	for _, ev := range events {
		p.handle(ev)
	}
	p.finish()
	return out.String(), status.String()
}

func TestPlainOutput_BreaksLineBeforeToolStatus(t *testing.T) {
	out, status := runPlainOutput(
		llm.Event{Type: llm.EventTextDelta, Text: "Let me look."},
		llm.Event{Type: llm.EventToolExecStart, ToolName: "grep", ToolInfo: "(pattern:TODO)"},
		llm.Event{Type: llm.EventToolExecEnd, ToolName: "grep", ToolSuccess: true},
		llm.Event{Type: llm.EventTextDelta, Text: "Found it."},
	)
	if out != "Let me look.\nFound it.\n" {
		t.Fatalf("out = %q", out)
	}
	if !strings.Contains(status, "● grep (pattern:TODO)\n") || !strings.Contains(status, "✓ grep\n") {
		t.Fatalf("status = %q", status)
	}
}

func TestPlainOutput_NoExtraNewlineWhenTextEndsWithOne(t *testing.T) {
	out, _ := runPlainOutput(
		llm.Event{Type: llm.EventTextDelta, Text: "done\n"},
		llm.Event{Type: llm.EventDone},
	)
	if out != "done\n" {
		t.Fatalf("out = %q", out)
	}
}

func TestPlainOutput_FailedToolShowsFirstLine(t *testing.T) {
	_, status := runPlainOutput(llm.Event{
		Type:     llm.EventToolExecEnd,
		ToolName: "shell",
		Result:   &llm.ToolResult{Content: "exit status 1\nmore detail", IsError: true},
	})
	if status != "✗ shell: exit status 1\n" {
		t.Fatalf("status = %q", status)
	}
}

func TestPlainOutput_RetryAndError(t *testing.T) {
	_, status := runPlainOutput(
		llm.Event{Type: llm.EventRetry, RetryAttempt: 1, RetryMaxAttempts: 3, RetryWaitSecs: 2},
		llm.Event{Type: llm.EventCompaction},
		llm.Event{Type: llm.EventError, Err: errors.New("boom")},
	)
	for _, want := range []string{"Retrying (1/3), waiting 2s...", "Conversation compacted.", "Error: boom"} {
		if !strings.Contains(status, want) {
			t.Errorf("status missing %q:\n%s", want, status)
		}
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("  one\ntwo"); got != "one" {
		t.Errorf("firstLine = %q", got)
	}
	long := strings.Repeat("x", 200)
	if got := firstLine(long); len(got) != 120 || !strings.HasSuffix(got, "...") {
		t.Errorf("firstLine(long) = %d chars", len(got))
	}
}
