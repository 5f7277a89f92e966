package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samsaffron/term-agent/internal/llm"
)

// WriteFileTool creates or replaces whole files.
type WriteFileTool struct {
	approval *ApprovalManager
}

func NewWriteFileTool(approval *ApprovalManager) *WriteFileTool {
	return &WriteFileTool{approval: approval}
}

// WriteFileArgs are the arguments for write_file.
type WriteFileArgs struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

func (t *WriteFileTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        WriteFileToolName,
		Description: "Create or overwrite a file with the specified content. Creates parent directories if needed.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file_path": map[string]interface{}{
					"type":        "string",
					"description": "Path to the file to write",
				},
				"content": map[string]interface{}{
					"type":        "string",
					"description": "Full file content to write",
				},
			},
			"required":             []string{"file_path", "content"},
			"additionalProperties": false,
		},
		Approval: requirementFor(t.approval, WriteFileToolName),
	}
}

func (t *WriteFileTool) Preview(args json.RawMessage) string {
	var a WriteFileArgs
	if err := json.Unmarshal(args, &a); err != nil || a.FilePath == "" {
		return ""
	}
	return a.FilePath
}

func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a WriteFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", NewToolError(ErrInvalidParams, err.Error())
	}
	if a.FilePath == "" {
		return "", NewToolError(ErrInvalidParams, "file_path is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path, err := filepath.Abs(a.FilePath)
	if err != nil {
		return "", NewToolErrorf(ErrInvalidParams, "cannot resolve path: %v", err)
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return "", NewToolErrorf(ErrInvalidParams, "%s is a directory", path)
	}

	before, readErr := os.ReadFile(path)
	existed := readErr == nil

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", NewToolErrorf(ErrExecutionFailed, "failed to create directory: %v", err)
	}
	if err := atomicWrite(path, []byte(a.Content)); err != nil {
		return "", NewToolError(ErrExecutionFailed, err.Error())
	}

	if !existed {
		return fmt.Sprintf("Created new file: %s (%d lines).", path, countLines(a.Content)), nil
	}
	summary := fmt.Sprintf("Updated %s: %d lines -> %d lines.", path, countLines(string(before)), countLines(a.Content))
	if string(before) == a.Content {
		return summary + " Content unchanged.", nil
	}
	return summary + "\n\n" + unifiedDiff(path, string(before), a.Content), nil
}

// atomicWrite writes data to a temp file beside path and renames it into
// place. Existing permissions are kept; new files get 0644.
func atomicWrite(path string, data []byte) (err error) {
	mode := os.FileMode(0o644)
	if info, statErr := os.Stat(path); statErr == nil {
		mode = info.Mode().Perm()
	}

	tf, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := tf.Name()
	defer func() {
		if err != nil {
			tf.Close()
			os.Remove(tmp)
		}
	}()

	if _, err = tf.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tf.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tf.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	// CreateTemp uses 0600.
	if err = os.Chmod(tmp, mode); err != nil {
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// countLines counts lines, including a final line without a newline.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
