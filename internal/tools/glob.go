package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/samsaffron/term-agent/internal/llm"
)

const maxGlobResults = 200

// GlobTool finds files by doublestar pattern relative to a base directory.
type GlobTool struct {
	approval *ApprovalManager
}

func NewGlobTool(approval *ApprovalManager) *GlobTool {
	return &GlobTool{approval: approval}
}

// GlobArgs are the arguments for glob.
type GlobArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

// FileEntry is one glob result.
type FileEntry struct {
	FilePath  string    `json:"file_path"`
	IsDir     bool      `json:"is_dir"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

func (t *GlobTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        GlobToolName,
		Description: "Find files by glob pattern (supports ** for recursive matching). Returns file metadata, most recently modified first.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"pattern": map[string]interface{}{
					"type":        "string",
					"description": "Glob pattern supporting ** for recursive matching, e.g., '**/*.go' or 'src/**/*.ts'",
				},
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Base directory for the search (defaults to current directory)",
				},
			},
			"required":             []string{"pattern"},
			"additionalProperties": false,
		},
		Approval:         requirementFor(t.approval, GlobToolName),
		SupportsParallel: true,
	}
}

func (t *GlobTool) Preview(args json.RawMessage) string {
	var a GlobArgs
	if err := json.Unmarshal(args, &a); err != nil || a.Pattern == "" {
		return ""
	}
	if a.Path != "" {
		return a.Pattern + " in " + a.Path
	}
	return a.Pattern
}

func (t *GlobTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a GlobArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", NewToolError(ErrInvalidParams, err.Error())
	}
	pattern := strings.TrimPrefix(filepath.ToSlash(a.Pattern), "./")
	if pattern == "" {
		return "", NewToolError(ErrInvalidParams, "pattern is required")
	}
	if !doublestar.ValidatePattern(pattern) {
		return "", NewToolErrorf(ErrInvalidParams, "invalid glob pattern: %s", a.Pattern)
	}

	base := a.Path
	if base == "" {
		base = "."
	}
	base, err := filepath.Abs(base)
	if err != nil {
		return "", NewToolErrorf(ErrExecutionFailed, "cannot resolve path: %v", err)
	}
	if _, err := os.Stat(base); errors.Is(err, fs.ErrNotExist) {
		return "", NewToolError(ErrFileNotFound, base)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	showHidden := patternNamesHidden(pattern)
	var entries []FileEntry
	err = doublestar.GlobWalk(os.DirFS(base), pattern, func(rel string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !showHidden && hasHiddenSegment(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, FileEntry{
			FilePath:  filepath.Join(base, filepath.FromSlash(rel)),
			IsDir:     d.IsDir(),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
		return nil
	}, doublestar.WithNoFollow())
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", NewToolErrorf(ErrExecutionFailed, "walk error: %v", err)
	}
	if len(entries) == 0 {
		return "No files matched the pattern.", nil
	}

	slices.SortStableFunc(entries, func(a, b FileEntry) int {
		return b.ModTime.Compare(a.ModTime)
	})
	truncated := len(entries) > maxGlobResults
	if truncated {
		entries = entries[:maxGlobResults]
	}
	return formatGlobResults(entries, truncated), nil
}

// hasHiddenSegment reports whether any element of a slash path starts
// with a dot.
func hasHiddenSegment(rel string) bool {
	for part := range strings.SplitSeq(rel, "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	return false
}

// patternNamesHidden is true when the pattern itself asks for dot entries,
// as in ".github/**" or "**/.env".
func patternNamesHidden(pattern string) bool {
	for part := range strings.SplitSeq(path.Clean(pattern), "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}

func formatGlobResults(entries []FileEntry, truncated bool) string {
	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteByte('\n')
		}
		kind := "f"
		if e.IsDir {
			kind = "d"
		}
		fmt.Fprintf(&sb, "[%s] %s  %s  %s", kind, formatSize(e.SizeBytes), e.ModTime.Format("2006-01-02 15:04"), e.FilePath)
	}
	if truncated {
		fmt.Fprintf(&sb, "\n\n[Results truncated at %d files]", maxGlobResults)
	}
	return sb.String()
}

// formatSize renders a byte count in a fixed-width column, e.g. "  12B" or "   2K".
func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%4dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%4.0f%c", float64(n)/float64(div), "KMGTPE"[exp])
}
