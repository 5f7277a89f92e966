package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/samsaffron/term-agent/internal/llm"
	"golang.org/x/sync/errgroup"
)

const (
	grepContextLines = 3
	grepTimeout      = time.Minute
	grepWorkers      = 8
	grepMaxLineBytes = 1024 * 1024
)

var errBinaryFile = errors.New("binary file")

// GrepTool searches file contents with RE2 regular expressions.
type GrepTool struct {
	approval *ApprovalManager
	limits   OutputLimits
}

// NewGrepTool creates a GrepTool.
func NewGrepTool(approval *ApprovalManager, limits OutputLimits) *GrepTool {
	return &GrepTool{approval: approval, limits: limits}
}

// GrepArgs are the arguments for grep.
type GrepArgs struct {
	Pattern    string `json:"pattern"`
	Path       string `json:"path,omitempty"`
	Include    string `json:"include,omitempty"` // glob filter e.g., "*.go"
	MaxResults int    `json:"max_results,omitempty"`
}

// GrepMatch is one matching line with surrounding context.
type GrepMatch struct {
	FilePath   string `json:"file_path"`
	LineNumber int    `json:"line_number"`
	Match      string `json:"match"`
	Context    string `json:"context,omitempty"`
}

func (t *GrepTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        GrepToolName,
		Description: "Search file contents using regex patterns (RE2 syntax). Returns matches with context, most recently modified files first.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"pattern": map[string]interface{}{
					"type":        "string",
					"description": "Regular expression pattern to search for (RE2 syntax)",
				},
				"path": map[string]interface{}{
					"type":        "string",
					"description": "File or directory to search in (defaults to current directory)",
				},
				"include": map[string]interface{}{
					"type":        "string",
					"description": "Glob filter for files, e.g., '*.go', '**/*_test.go' or '*.{js,ts}'",
				},
				"max_results": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results (default: 100)",
					"default":     100,
				},
			},
			"required":             []string{"pattern"},
			"additionalProperties": false,
		},
		Approval:         requirementFor(t.approval, GrepToolName),
		SupportsParallel: true,
	}
}

func (t *GrepTool) Preview(args json.RawMessage) string {
	var a GrepArgs
	if err := json.Unmarshal(args, &a); err != nil || a.Pattern == "" {
		return ""
	}
	pattern := a.Pattern
	if len(pattern) > 30 {
		pattern = pattern[:27] + "..."
	}
	result := fmt.Sprintf("/%s/", pattern)
	if a.Path != "" {
		result += " in " + a.Path
	}
	if a.Include != "" {
		result += " (" + a.Include + ")"
	}
	return result
}

func (t *GrepTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a GrepArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", NewToolError(ErrInvalidParams, err.Error())
	}
	if a.Pattern == "" {
		return "", NewToolError(ErrInvalidParams, "pattern is required")
	}
	re, err := regexp.Compile(a.Pattern)
	if err != nil {
		return "", NewToolErrorf(ErrInvalidParams, "invalid regex pattern: %v", err)
	}
	if a.Include != "" && !doublestar.ValidatePattern(a.Include) {
		return "", NewToolErrorf(ErrInvalidParams, "invalid include pattern: %s", a.Include)
	}

	root := a.Path
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return "", NewToolErrorf(ErrExecutionFailed, "cannot get working directory: %v", err)
		}
	}
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return "", NewToolError(ErrFileNotFound, root)
	}

	limit := a.MaxResults
	if limit <= 0 {
		limit = t.limits.MaxResults
	}
	if limit <= 0 {
		limit = DefaultOutputLimits().MaxResults
	}

	searchCtx, cancel := context.WithTimeout(ctx, grepTimeout)
	defer cancel()

	files, err := collectFiles(root, a.Include)
	if err != nil {
		return "", NewToolErrorf(ErrExecutionFailed, "failed to collect files: %v", err)
	}
	matches, err := searchFiles(searchCtx, files, re, limit)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Sprintf("grep timed out after %s; try a more specific pattern or path", grepTimeout), nil
		}
		return "", NewToolErrorf(ErrExecutionFailed, "search failed: %v", err)
	}
	if len(matches) == 0 {
		return "No matches found.", nil
	}
	return formatGrepResults(matches, len(matches) >= limit), nil
}

// searchFiles scans files concurrently and returns up to limit matches,
// keeping the order of files.
func searchFiles(ctx context.Context, files []string, re *regexp.Regexp, limit int) ([]GrepMatch, error) {
	perFile := make([][]GrepMatch, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(grepWorkers)
	for i, file := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			found, err := searchFile(file, re, limit)
			if err != nil {
				return nil // unreadable or binary
			}
			perFile[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []GrepMatch
	for _, found := range perFile {
		for _, m := range found {
			if len(out) == limit {
				return out, nil
			}
			out = append(out, m)
		}
	}
	return out, nil
}

// collectFiles lists the files under root, newest first. Hidden
// directories are skipped. include is matched against both the base name
// and the path relative to root.
func collectFiles(root, include string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	type entry struct {
		path  string
		mtime time.Time
	}
	var entries []entry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if include != "" && !includeMatches(include, root, path) {
			return nil
		}
		e := entry{path: path}
		if fi, err := d.Info(); err == nil {
			e.mtime = fi.ModTime()
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(entries, func(a, b entry) int {
		return b.mtime.Compare(a.mtime)
	})
	files := make([]string, len(entries))
	for i, e := range entries {
		files[i] = e.path
	}
	return files, nil
}

func includeMatches(pattern, root, path string) bool {
	if ok, _ := doublestar.Match(pattern, filepath.Base(path)); ok {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	ok, _ := doublestar.Match(pattern, filepath.ToSlash(rel))
	return ok
}

// searchFile returns up to maxMatches matches in path. Binary files are
// reported as errBinaryFile.
func searchFile(path string, re *regexp.Regexp, maxMatches int) ([]GrepMatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	if head, _ := br.Peek(512); isBinaryContent(head) {
		return nil, errBinaryFile
	}

	var lines []string
	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 64*1024), grepMaxLineBytes)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var matches []GrepMatch
	for i, line := range lines {
		if !re.MatchString(line) {
			continue
		}
		matches = append(matches, GrepMatch{
			FilePath:   path,
			LineNumber: i + 1,
			Match:      line,
			Context:    buildContext(lines, i, grepContextLines),
		})
		if len(matches) >= maxMatches {
			break
		}
	}
	return matches, nil
}

// buildContext renders n lines either side of lines[idx], marking the match
// with "> ".
func buildContext(lines []string, idx, n int) string {
	start := max(idx-n, 0)
	end := min(idx+n+1, len(lines))

	var sb strings.Builder
	for i := start; i < end; i++ {
		if i > start {
			sb.WriteByte('\n')
		}
		marker := "  "
		if i == idx {
			marker = "> "
		}
		fmt.Fprintf(&sb, "%s%d: %s", marker, i+1, lines[i])
	}
	return sb.String()
}

func formatGrepResults(matches []GrepMatch, truncated bool) string {
	var sb strings.Builder
	for i, m := range matches {
		if i > 0 {
			sb.WriteString("\n---\n")
		}
		fmt.Fprintf(&sb, "%s:%d\n%s\n", m.FilePath, m.LineNumber, m.Context)
	}
	if truncated {
		sb.WriteString("\n[Results truncated at limit]")
	}
	return sb.String()
}
