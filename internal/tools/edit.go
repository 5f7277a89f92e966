package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	diff "github.com/shogoki/gotextdiff"

	"github.com/samsaffron/term-agent/internal/llm"
)

// maxDiffBytes caps the unified diff returned to the model.
const maxDiffBytes = 8 * 1024

// EditFileTool implements the edit_file tool: deterministic string
// replacement with a whitespace-tolerant fallback.
type EditFileTool struct {
	approval *ApprovalManager
}

// NewEditFileTool creates a new EditFileTool.
func NewEditFileTool(approval *ApprovalManager) *EditFileTool {
	return &EditFileTool{
		approval: approval,
	}
}

// EditFileArgs are the arguments for edit_file.
type EditFileArgs struct {
	FilePath   string `json:"file_path"`
	OldText    string `json:"old_text"`
	NewText    string `json:"new_text"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

func (t *EditFileTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name: EditFileToolName,
		Description: `Edit a file by replacing old_text with new_text.
old_text must match exactly once unless replace_all is set. When no exact match exists, lines are compared ignoring leading and trailing whitespace.
Returns a unified diff of the change.`,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file_path": map[string]interface{}{
					"type":        "string",
					"description": "Path to the file to edit",
				},
				"old_text": map[string]interface{}{
					"type":        "string",
					"description": "Exact text to find and replace. Include enough context to be unique.",
				},
				"new_text": map[string]interface{}{
					"type":        "string",
					"description": "Text to replace old_text with",
				},
				"replace_all": map[string]interface{}{
					"type":        "boolean",
					"description": "Replace every occurrence instead of requiring a unique match",
				},
			},
			"required":             []string{"file_path", "old_text", "new_text"},
			"additionalProperties": false,
		},
		Approval: requirementFor(t.approval, EditFileToolName),
	}
}

func (t *EditFileTool) Preview(args json.RawMessage) string {
	var a EditFileArgs
	if err := json.Unmarshal(args, &a); err != nil || a.FilePath == "" {
		return ""
	}
	return a.FilePath
}

func (t *EditFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a EditFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", NewToolError(ErrInvalidParams, err.Error())
	}
	if a.FilePath == "" {
		return "", NewToolError(ErrInvalidParams, "file_path is required")
	}
	if a.OldText == "" {
		return "", NewToolError(ErrInvalidParams, "old_text is required")
	}
	if a.OldText == a.NewText {
		return "", NewToolError(ErrInvalidParams, "old_text and new_text are identical")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := os.ReadFile(a.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", NewToolError(ErrFileNotFound, a.FilePath)
		}
		return "", NewToolErrorf(ErrExecutionFailed, "read error: %v", err)
	}
	content := string(data)

	updated, replaced, fuzzy, err := replaceText(content, a.OldText, a.NewText, a.ReplaceAll)
	if err != nil {
		return "", err
	}
	if err := atomicWrite(a.FilePath, []byte(updated)); err != nil {
		return "", NewToolError(ErrExecutionFailed, err.Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Edited %s: %d replacement", a.FilePath, replaced)
	if replaced != 1 {
		sb.WriteString("s")
	}
	if fuzzy {
		sb.WriteString(" (whitespace-tolerant match)")
	}
	sb.WriteString(".\n")
	sb.WriteString(unifiedDiff(a.FilePath, content, updated))
	return strings.TrimSuffix(sb.String(), "\n"), nil
}

// replaceText applies the edit, returning the new content, the number of
// replacements and whether the whitespace-tolerant match was used.
func replaceText(content, oldText, newText string, all bool) (string, int, bool, error) {
	if n := strings.Count(content, oldText); n > 0 {
		if n > 1 && !all {
			return "", 0, false, NewToolErrorf(ErrInvalidParams, "old_text matches %d locations; include more context or set replace_all", n)
		}
		if all {
			return strings.ReplaceAll(content, oldText, newText), n, false, nil
		}
		return strings.Replace(content, oldText, newText, 1), 1, false, nil
	}

	start, end, n := findTrimmedLines(content, oldText)
	switch {
	case n == 0:
		return "", 0, false, NewToolError(ErrNoMatch, "old_text not found in file")
	case n > 1:
		return "", 0, false, NewToolErrorf(ErrInvalidParams, "old_text matches %d locations ignoring whitespace; include more context", n)
	}
	return content[:start] + newText + content[end:], 1, true, nil
}

// findTrimmedLines looks for the lines of needle in content, comparing each
// line with surrounding whitespace removed. It returns the byte span of the
// first match and the number of matches.
func findTrimmedLines(content, needle string) (start, end, count int) {
	want := strings.Split(strings.Trim(needle, "\n"), "\n")
	for i := range want {
		want[i] = strings.TrimSpace(want[i])
	}
	lines := strings.SplitAfter(content, "\n")

	offsets := make([]int, len(lines)+1)
	for i, l := range lines {
		offsets[i+1] = offsets[i] + len(l)
	}

	for i := 0; i+len(want) <= len(lines); i++ {
		matched := true
		for j, w := range want {
			if strings.TrimSpace(lines[i+j]) != w {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		if count == 0 {
			start = offsets[i]
			end = offsets[i+len(want)]
			// Keep the newline that terminated the last matched line.
			if strings.HasSuffix(lines[i+len(want)-1], "\n") && !strings.HasSuffix(needle, "\n") {
				end--
			}
		}
		count++
	}
	return start, end, count
}

// unifiedDiff renders the change, truncated for very large edits.
func unifiedDiff(path, before, after string) string {
	out := string(diff.Diff(path, []byte(before), path, []byte(after)))
	if len(out) > maxDiffBytes {
		out = out[:maxDiffBytes] + "\n[diff truncated]\n"
	}
	return out
}
