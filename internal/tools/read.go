package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/samsaffron/term-agent/internal/llm"
)

// ReadFileTool implements the read_file tool.
type ReadFileTool struct {
	approval *ApprovalManager
	limits   OutputLimits
}

// NewReadFileTool creates a new ReadFileTool.
func NewReadFileTool(approval *ApprovalManager, limits OutputLimits) *ReadFileTool {
	return &ReadFileTool{
		approval: approval,
		limits:   limits,
	}
}

// ReadFileArgs are the arguments for read_file.
type ReadFileArgs struct {
	FilePath  string `json:"file_path"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
}

func (t *ReadFileTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        ReadFileToolName,
		Description: "Read file contents. Returns line-numbered output. Use start_line/end_line for pagination.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file_path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute or relative path to the file to read",
				},
				"start_line": map[string]interface{}{
					"type":        "integer",
					"description": "1-indexed start line (default: 1)",
				},
				"end_line": map[string]interface{}{
					"type":        "integer",
					"description": "1-indexed end line (default: EOF)",
				},
			},
			"required":             []string{"file_path"},
			"additionalProperties": false,
		},
		Approval:         requirementFor(t.approval, ReadFileToolName),
		SupportsParallel: true,
	}
}

func (t *ReadFileTool) Preview(args json.RawMessage) string {
	var a ReadFileArgs
	if err := json.Unmarshal(args, &a); err != nil || a.FilePath == "" {
		return ""
	}
	switch {
	case a.StartLine > 0 && a.EndLine > 0:
		return fmt.Sprintf("%s:%d-%d", a.FilePath, a.StartLine, a.EndLine)
	case a.StartLine > 0:
		return fmt.Sprintf("%s:%d-", a.FilePath, a.StartLine)
	case a.EndLine > 0:
		return fmt.Sprintf("%s:1-%d", a.FilePath, a.EndLine)
	}
	return a.FilePath
}

// maxReadFileBytes bounds how much of a file read_file loads.
const maxReadFileBytes = 10 * 1024 * 1024

func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a ReadFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", NewToolError(ErrInvalidParams, err.Error())
	}
	if a.FilePath == "" {
		return "", NewToolError(ErrInvalidParams, "file_path is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := readBounded(a.FilePath)
	if err != nil {
		return "", err
	}
	if isBinaryContent(data) {
		return "", NewToolErrorf(ErrBinaryFile, "%s appears to be a binary file", a.FilePath)
	}

	lines := strings.Split(string(data), "\n")
	first, last, err := lineWindow(len(lines), a.StartLine, a.EndLine)
	if err != nil {
		return "", err
	}
	if first >= last {
		return "No content in requested range.", nil
	}
	return t.render(lines, first, last), nil
}

// readBounded loads path, refusing directories and files over
// maxReadFileBytes.
func readBounded(path string) ([]byte, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, NewToolError(ErrFileNotFound, path)
	case err != nil:
		return nil, NewToolErrorf(ErrExecutionFailed, "stat error: %v", err)
	case info.IsDir():
		return nil, NewToolErrorf(ErrInvalidParams, "%s is a directory; use glob to list it", path)
	case info.Size() > maxReadFileBytes:
		return nil, NewToolErrorf(ErrInvalidParams, "%s is %s, larger than read_file allows; use grep to locate lines", path, strings.TrimSpace(formatSize(info.Size())))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewToolErrorf(ErrExecutionFailed, "read error: %v", err)
	}
	return data, nil
}

// lineWindow converts 1-indexed inclusive bounds into a half-open slice
// range over total lines. Zero bounds mean the start or end of the file.
func lineWindow(total, startLine, endLine int) (int, int, error) {
	first := 0
	if startLine > 0 {
		first = startLine - 1
	}
	if first >= total {
		return 0, 0, NewToolErrorf(ErrInvalidParams, "start_line %d exceeds file length %d", startLine, total)
	}
	last := total
	if endLine > 0 && endLine < total {
		last = endLine
	}
	return first, last, nil
}

// render numbers lines[first:last] and applies the output limits.
func (t *ReadFileTool) render(lines []string, first, last int) string {
	selected := lines[first:last]
	truncated := false
	if t.limits.MaxLines > 0 && len(selected) > t.limits.MaxLines {
		selected = selected[:t.limits.MaxLines]
		truncated = true
	}

	var sb strings.Builder
	for i, line := range selected {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(strconv.Itoa(first + i + 1))
		sb.WriteString(": ")
		sb.WriteString(line)
	}
	out := sb.String()
	if t.limits.MaxBytes > 0 && int64(len(out)) > t.limits.MaxBytes {
		out = out[:t.limits.MaxBytes]
		truncated = true
	}
	if truncated {
		out += fmt.Sprintf("\n\n[Output truncated. Total lines: %d. Use start_line/end_line for pagination.]", len(lines))
	}
	return out
}

// isBinaryContent sniffs the first 512 bytes: text-like content types
// pass, anything else is binary when it carries a NUL byte.
func isBinaryContent(data []byte) bool {
	sample := data[:min(len(data), 512)]
	if len(sample) == 0 {
		return false
	}
	switch ct := http.DetectContentType(sample); {
	case strings.HasPrefix(ct, "text/"), strings.Contains(ct, "json"), strings.Contains(ct, "xml"):
		return false
	}
	return bytes.IndexByte(sample, 0) >= 0
}
