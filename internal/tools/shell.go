package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/samsaffron/term-agent/internal/llm"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 300 * time.Second
	// shellKillGrace is how long a command has to exit after the interrupt
	// before it is killed and its pipes are closed.
	shellKillGrace = 2 * time.Second
)

// ShellTool runs commands through the user's shell.
type ShellTool struct {
	approval *ApprovalManager
	limits   OutputLimits
}

func NewShellTool(approval *ApprovalManager, limits OutputLimits) *ShellTool {
	return &ShellTool{approval: approval, limits: limits}
}

// ShellArgs are the arguments for the shell tool.
type ShellArgs struct {
	Command        string `json:"command"`
	WorkingDir     string `json:"working_dir,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ShellResult is what a finished (or timed out) command produced.
type ShellResult struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	TimedOut  bool   `json:"timed_out,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (t *ShellTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        ShellToolName,
		Description: "Execute a shell command. Returns stdout, stderr, and exit code.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{
					"type":        "string",
					"description": "Shell command to execute",
				},
				"working_dir": map[string]interface{}{
					"type":        "string",
					"description": "Working directory (defaults to current directory)",
				},
				"timeout_seconds": map[string]interface{}{
					"type":        "integer",
					"description": "Command timeout in seconds (default: 30, max: 300)",
					"default":     30,
				},
			},
			"required":             []string{"command"},
			"additionalProperties": false,
		},
		Approval: requirementFor(t.approval, ShellToolName),
	}
}

func (t *ShellTool) Preview(args json.RawMessage) string {
	var a ShellArgs
	if err := json.Unmarshal(args, &a); err != nil || a.Command == "" {
		return ""
	}
	return truncateCommand(a.Command)
}

func (t *ShellTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a ShellArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", NewToolError(ErrInvalidParams, err.Error())
	}
	if strings.TrimSpace(a.Command) == "" {
		return "", NewToolError(ErrInvalidParams, "command is required")
	}
	// Dangerous commands are refused even when approved or in yolo mode.
	if safety := AnalyzeCommand(a.Command); safety.Level == SafetyDangerous {
		return "", safety.blockedError()
	}

	runCtx, cancel := context.WithTimeout(ctx, shellTimeout(a.TimeoutSeconds))
	defer cancel()

	result, err := t.run(runCtx, a.Command, a.WorkingDir)
	// A cancelled turn is reported as cancellation, not as a command result.
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result.String(), nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", NewToolErrorf(ErrExecutionFailed, "command error: %v", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result.String(), nil
}

func (t *ShellTool) run(ctx context.Context, command, dir string) (ShellResult, error) {
	cmd := exec.CommandContext(ctx, detectShell(), "-c", command)
	cmd.Dir = dir
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = shellKillGrace

	stdout := &cappedBuffer{limit: t.limits.MaxBytes}
	stderr := &cappedBuffer{limit: t.limits.MaxBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	return ShellResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.dropped || stderr.dropped,
	}, err
}

func shellTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return defaultShellTimeout
	}
	return min(time.Duration(seconds)*time.Second, maxShellTimeout)
}

// String renders the result for the model.
func (r ShellResult) String() string {
	var sb strings.Builder
	if r.TimedOut {
		sb.WriteString("[Command timed out]\n\n")
	}
	writeStream(&sb, "stdout", r.Stdout)
	if r.Stdout != "" && r.Stderr != "" {
		sb.WriteByte('\n')
	}
	writeStream(&sb, "stderr", r.Stderr)
	fmt.Fprintf(&sb, "\nexit_code: %d", r.ExitCode)
	if r.Truncated {
		sb.WriteString("\n\n[Output truncated due to size limit]")
	}
	return sb.String()
}

func writeStream(sb *strings.Builder, label, s string) {
	if s == "" {
		return
	}
	sb.WriteString(label + ":\n" + s)
	if !strings.HasSuffix(s, "\n") {
		sb.WriteByte('\n')
	}
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
// A zero limit keeps everything.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int64
	dropped bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 {
		room := b.limit - int64(b.buf.Len())
		if room <= 0 {
			b.dropped = b.dropped || len(p) > 0
			return len(p), nil
		}
		if int64(len(p)) > room {
			b.buf.Write(p[:room])
			b.dropped = true
			return len(p), nil
		}
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }

func detectShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "bash"
}

// truncateCommand shortens a command for previews.
func truncateCommand(cmd string) string {
	if len(cmd) > 50 {
		return cmd[:47] + "..."
	}
	return cmd
}
