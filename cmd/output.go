package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/samsaffron/term-agent/internal/llm"
)

// plainOutput renders engine events as plain text: the answer on out, tool
// activity and retries on status.
type plainOutput struct {
	out, status     io.Writer
	printedAny      bool
	endsWithNewline bool
}

func newPlainOutput(out, status io.Writer) *plainOutput {
	return &plainOutput{out: out, status: status, endsWithNewline: true}
}

func (p *plainOutput) breakLine() {
	if p.printedAny && !p.endsWithNewline {
		fmt.Fprintln(p.out)
		p.endsWithNewline = true
	}
}

func (p *plainOutput) handle(ev llm.Event) {
	switch ev.Type {
	case llm.EventTextDelta:
		if ev.Text == "" {
			return
		}
		fmt.Fprint(p.out, ev.Text)
		p.printedAny = true
		p.endsWithNewline = strings.HasSuffix(ev.Text, "\n")

	case llm.EventToolExecStart:
		p.breakLine()
		fmt.Fprintf(p.status, "● %s %s\n", ev.ToolName, ev.ToolInfo)

	case llm.EventToolExecEnd:
		mark := "✓"
		if !ev.ToolSuccess {
			mark = "✗"
		}
		line := fmt.Sprintf("%s %s", mark, ev.ToolName)
		if !ev.ToolSuccess && ev.Result != nil {
			line += ": " + firstLine(ev.Result.Content)
		}
		fmt.Fprintln(p.status, line)

	case llm.EventRetry:
		p.breakLine()
		fmt.Fprintf(p.status, "Retrying (%d/%d), waiting %.0fs...\n", ev.RetryAttempt, ev.RetryMaxAttempts, ev.RetryWaitSecs)

	case llm.EventCompaction:
		p.breakLine()
		fmt.Fprintln(p.status, "Conversation compacted.")

	case llm.EventError:
		p.breakLine()
		if ev.Err != nil {
			fmt.Fprintf(p.status, "Error: %v\n", ev.Err)
		}
	}
}

// finish terminates the answer with a newline.
func (p *plainOutput) finish() {
	if p.printedAny && !p.endsWithNewline {
		fmt.Fprintln(p.out)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}
