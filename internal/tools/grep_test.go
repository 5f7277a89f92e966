package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestGrepTool_FindsMatchWithContext(t *testing.T) {
	dir := t.TempDir()
	token := "unique_grep_token_1234567890"
	filePath := filepath.Join(dir, "sample.txt")
	content := "line one\nbefore " + token + " after\nline three\n"
	if err := os.WriteFile(filePath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	tool := NewGrepTool(nil, DefaultOutputLimits())
	args, _ := json.Marshal(GrepArgs{Pattern: token, Path: dir})

	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !strings.Contains(out, filePath+":2") {
		t.Fatalf("expected %s:2 in output, got: %s", filePath, out)
	}
	if !strings.Contains(out, "> 2: before "+token) {
		t.Errorf("expected marked match line, got: %s", out)
	}
}

func TestGrepTool_NoMatches(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("nothing here\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := NewGrepTool(nil, DefaultOutputLimits())
	args, _ := json.Marshal(GrepArgs{Pattern: "absent_[0-9]+", Path: dir})

	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if out != "No matches found." {
		t.Errorf("got %q", out)
	}
}

func TestGrepTool_InvalidParams(t *testing.T) {
	tool := NewGrepTool(nil, DefaultOutputLimits())
	tests := []struct {
		name string
		args GrepArgs
		want string
	}{
		{"empty pattern", GrepArgs{}, "pattern is required"},
		{"bad regex", GrepArgs{Pattern: "("}, "invalid regex"},
		{"missing path", GrepArgs{Pattern: "x", Path: filepath.Join(t.TempDir(), "nope")}, string(ErrFileNotFound)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, _ := json.Marshal(tt.args)
			_, err := tool.Execute(context.Background(), args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSearchFile_SkipsBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bin")
	if err := os.WriteFile(path, []byte{0x7f, 'E', 'L', 'F', 0, 0, 'x'}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := searchFile(path, regexpMust(t, "x"), 10); err == nil {
		t.Error("expected binary file to be skipped")
	}
}

func TestBuildContext(t *testing.T) {
	lines := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	got := buildContext(lines, 0, 3)
	want := "> 1: a\n  2: b\n  3: c\n  4: d"
	if got != want {
		t.Errorf("buildContext() = %q, want %q", got, want)
	}
}

func TestGrepTool_Preview(t *testing.T) {
	tool := NewGrepTool(nil, DefaultOutputLimits())
	args, _ := json.Marshal(GrepArgs{Pattern: "func main", Path: "cmd", Include: "*.go"})
	if got := tool.Preview(args); got != "/func main/ in cmd (*.go)" {
		t.Errorf("Preview() = %q", got)
	}
}

func regexpMust(t *testing.T, pattern string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile(pattern)
	if err != nil {
		t.Fatal(err)
	}
	return re
}

func TestGrepTool_IncludeAndLimit(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "pkg")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		filepath.Join(dir, "a.go"):      "needle one\nneedle two\n",
		filepath.Join(sub, "b_test.go"): "needle three\n",
		filepath.Join(dir, "notes.txt"): "needle ignored\n",
		filepath.Join(dir, ".git", "x"): "needle hidden\n",
	}
	for path, content := range files {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	tool := NewGrepTool(nil, DefaultOutputLimits())

	out, err := tool.Execute(context.Background(), mustJSON(t, GrepArgs{Pattern: "needle", Path: dir, Include: "*.go"}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.Contains(out, "ignored") || strings.Contains(out, "hidden") {
		t.Errorf("include filter or hidden dir not applied:\n%s", out)
	}
	if strings.Count(out, "\n---\n") != 2 {
		t.Errorf("expected 3 matches:\n%s", out)
	}

	out, err = tool.Execute(context.Background(), mustJSON(t, GrepArgs{Pattern: "needle", Path: dir, Include: "pkg/**", MaxResults: 1}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "needle three") || !strings.Contains(out, "[Results truncated at limit]") {
		t.Errorf("relative include with limit:\n%s", out)
	}
}

func TestGrepTool_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewGrepTool(nil, DefaultOutputLimits()).Execute(ctx, mustJSON(t, GrepArgs{Pattern: "x", Path: dir}))
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
