package tools

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// TerminalPrompter asks for approval on a terminal. Answers:
//
//	y  allow once
//	a  allow for the session
//	s  allow and save to the project approvals file
//	n  deny
type TerminalPrompter struct {
	out io.Writer

	mu     sync.Mutex
	lines  chan string
	closer io.Closer

	// OnStart and OnEnd run around each prompt so the caller can pause
	// streaming output.
	OnStart func()
	OnEnd   func()
}

// NewTerminalPrompter reads answers from in and writes questions to out.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	p := &TerminalPrompter{out: out, lines: make(chan string)}
	go p.readLines(in)
	return p
}

// OpenTTYPrompter prompts on /dev/tty, which works even when stdin is
// piped. It fails when there is no controlling terminal.
func OpenTTYPrompter() (*TerminalPrompter, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open tty: %w", err)
	}
	if !term.IsTerminal(int(tty.Fd())) {
		tty.Close()
		return nil, fmt.Errorf("/dev/tty is not a terminal")
	}
	p := NewTerminalPrompter(tty, tty)
	p.closer = tty
	return p, nil
}

// Close releases the terminal.
func (p *TerminalPrompter) Close() error {
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

// readLines feeds input lines to Prompt. A single reader goroutine lets a
// cancelled prompt return without losing the next answer.
func (p *TerminalPrompter) readLines(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
	close(p.lines)
}

// Prompt implements Prompter.
func (p *TerminalPrompter) Prompt(ctx context.Context, req PromptRequest) (ConfirmOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.OnStart != nil {
		p.OnStart()
	}
	if p.OnEnd != nil {
		defer p.OnEnd()
	}

	choices := "[y]es once, [a]lways, [s]ave for project, [n]o"
	if req.Command == "" && req.Path == "" {
		choices = "[y]es once, [a]lways, [n]o"
	}
	question := req.Description
	if req.Pattern != "" {
		question += fmt.Sprintf(" (always allows %q)", req.Pattern)
	}

	for {
		fmt.Fprintf(p.out, "\n%s\n%s: ", question, choices)

		select {
		case <-ctx.Done():
			fmt.Fprintln(p.out)
			return Cancel, ctx.Err()
		case line, ok := <-p.lines:
			if !ok {
				return Cancel, io.EOF
			}
			if outcome, valid := parseAnswer(line, req); valid {
				return outcome, nil
			}
		}
	}
}

func parseAnswer(line string, req PromptRequest) (ConfirmOutcome, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return ProceedOnce, true
	case "a", "always":
		return ProceedAlways, true
	case "s", "save":
		if req.Command == "" && req.Path == "" {
			return Cancel, false
		}
		return ProceedAlwaysAndSave, true
	case "n", "no":
		return Cancel, true
	}
	return Cancel, false
}
