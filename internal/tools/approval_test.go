package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samsaffron/term-agent/internal/llm"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		command string
		want    bool
	}{
		// Exact matches
		{"git status", "git status", true},
		{"npm test", "npm test", true},
		{"ls", "ls", true},

		// Wildcard patterns
		{"git *", "git status", true},
		{"git *", "git commit -m 'message'", true},
		{"go test *", "go test ./...", true},
		{"npm *", "npm install lodash", true},

		// Non-matches
		{"git *", "npm install", false},
		{"git status", "git commit", false},
		{"npm test", "npm install", false},
		{"", "anything", false},

		// Edge cases
		{"*", "anything", true},
		{"a*", "abc", true},
		{"a*", "bcd", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.command, func(t *testing.T) {
			got := matchPattern(tt.pattern, tt.command)
			if got != tt.want {
				t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.pattern, tt.command, got, tt.want)
			}
		})
	}
}

// countingPrompter answers every prompt with outcome and counts calls.
type countingPrompter struct {
	outcome ConfirmOutcome
	calls   atomic.Int32
	last    atomic.Value // PromptRequest
}

func (p *countingPrompter) Prompt(ctx context.Context, req PromptRequest) (ConfirmOutcome, error) {
	p.calls.Add(1)
	p.last.Store(req)
	return p.outcome, nil
}

func fileReq(tool, path string) llm.ApprovalRequest {
	args, _ := json.Marshal(map[string]string{"file_path": path})
	return llm.ApprovalRequest{CallID: "call-1", ToolName: tool, Args: args}
}

func shellReq(command string) llm.ApprovalRequest {
	args, _ := json.Marshal(map[string]string{"command": command})
	return llm.ApprovalRequest{CallID: "call-1", ToolName: ShellToolName, Args: args}
}

func TestApprovalManager_Yolo(t *testing.T) {
	mgr := NewApprovalManager(nil)
	prompter := &countingPrompter{outcome: Cancel}
	mgr.Prompter = prompter
	mgr.YoloMode = true

	got, err := mgr.RequestApproval(context.Background(), shellReq("rm -rf /"))
	if err != nil {
		t.Fatal(err)
	}
	if got != llm.DecisionAutoApproved {
		t.Errorf("decision = %q, want auto_approved", got)
	}
	if prompter.calls.Load() != 0 {
		t.Error("yolo mode must not prompt")
	}
	if mgr.PathNeedsApproval("/etc/passwd", true) || mgr.ShellNeedsApproval("rm") {
		t.Error("yolo mode should not need approval")
	}
}

func TestApprovalManager_PreApprovedDirs(t *testing.T) {
	root := t.TempDir()
	readDir := filepath.Join(root, "read")
	writeDir := filepath.Join(root, "write")
	for _, d := range []string{readDir, writeDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	perms := NewToolPermissions()
	if err := perms.AddReadDir(readDir); err != nil {
		t.Fatal(err)
	}
	if err := perms.AddWriteDir(writeDir); err != nil {
		t.Fatal(err)
	}
	mgr := NewApprovalManager(perms)

	tests := []struct {
		path    string
		isWrite bool
		need    bool
	}{
		{filepath.Join(readDir, "a.go"), false, false},
		{filepath.Join(readDir, "a.go"), true, true},
		{filepath.Join(writeDir, "new", "b.go"), true, false},
		{filepath.Join(writeDir, "b.go"), false, false},
		{filepath.Join(root, "outside.go"), false, true},
		{writeDir + "-sibling/c.go", true, true},
	}
	for _, tt := range tests {
		if got := mgr.PathNeedsApproval(tt.path, tt.isWrite); got != tt.need {
			t.Errorf("PathNeedsApproval(%q, write=%v) = %v, want %v", tt.path, tt.isWrite, got, tt.need)
		}
	}

	got, err := mgr.RequestApproval(context.Background(), fileReq(WriteFileToolName, filepath.Join(writeDir, "x.txt")))
	if err != nil || got != llm.DecisionApproved {
		t.Errorf("pre-approved write = %q, %v", got, err)
	}
}

func TestApprovalManager_AlwaysCachesDirectory(t *testing.T) {
	dir := t.TempDir()
	mgr := NewApprovalManager(nil)
	prompter := &countingPrompter{outcome: ProceedAlways}
	mgr.Prompter = prompter

	first := filepath.Join(dir, "one.txt")
	if err := os.WriteFile(first, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := mgr.RequestApproval(context.Background(), fileReq(ReadFileToolName, first))
	if err != nil || got != llm.DecisionApproved {
		t.Fatalf("first request = %q, %v", got, err)
	}
	req := prompter.last.Load().(PromptRequest)
	if req.Path != dir {
		t.Errorf("prompt offered %q, want directory %q", req.Path, dir)
	}

	got, err = mgr.RequestApproval(context.Background(), fileReq(ReadFileToolName, filepath.Join(dir, "two.txt")))
	if err != nil || got != llm.DecisionApproved {
		t.Fatalf("second request = %q, %v", got, err)
	}
	if n := prompter.calls.Load(); n != 1 {
		t.Errorf("prompted %d times, want 1", n)
	}
	if mgr.PathNeedsApproval(filepath.Join(dir, "three.txt"), false) {
		t.Error("approved directory should not need approval")
	}
}

func TestApprovalManager_OnceDoesNotCache(t *testing.T) {
	dir := t.TempDir()
	mgr := NewApprovalManager(nil)
	prompter := &countingPrompter{outcome: ProceedOnce}
	mgr.Prompter = prompter

	for i := 0; i < 2; i++ {
		got, err := mgr.RequestApproval(context.Background(), fileReq(WriteFileToolName, filepath.Join(dir, "f.txt")))
		if err != nil || got != llm.DecisionApproved {
			t.Fatalf("request %d = %q, %v", i, got, err)
		}
	}
	if n := prompter.calls.Load(); n != 2 {
		t.Errorf("prompted %d times, want 2", n)
	}
}

func TestApprovalManager_ShellPatternCache(t *testing.T) {
	mgr := NewApprovalManager(nil)
	prompter := &countingPrompter{outcome: ProceedAlways}
	mgr.Prompter = prompter

	if _, err := mgr.RequestApproval(context.Background(), shellReq("go test ./...")); err != nil {
		t.Fatal(err)
	}
	req := prompter.last.Load().(PromptRequest)
	if req.Pattern != "go test *" {
		t.Errorf("suggested pattern = %q", req.Pattern)
	}

	if mgr.ShellNeedsApproval("go test -run TestX ./internal/...") {
		t.Error("cached pattern should cover similar command")
	}
	if !mgr.ShellNeedsApproval("go build ./...") {
		t.Error("different subcommand should still need approval")
	}
}

func TestApprovalManager_Denials(t *testing.T) {
	t.Run("nil prompter", func(t *testing.T) {
		mgr := NewApprovalManager(nil)
		got, err := mgr.RequestApproval(context.Background(), shellReq("make"))
		if err != nil || got != llm.DecisionDenied {
			t.Errorf("got %q, %v", got, err)
		}
	})

	t.Run("user cancels", func(t *testing.T) {
		mgr := NewApprovalManager(nil)
		mgr.Prompter = &countingPrompter{outcome: Cancel}
		got, err := mgr.RequestApproval(context.Background(), shellReq("make"))
		if err != nil || got != llm.DecisionDenied {
			t.Errorf("got %q, %v", got, err)
		}
		if !mgr.ShellNeedsApproval("make") {
			t.Error("denial must not be cached as approval")
		}
	})

	t.Run("prompter error", func(t *testing.T) {
		mgr := NewApprovalManager(nil)
		boom := errors.New("tty gone")
		mgr.Prompter = PrompterFunc(func(context.Context, PromptRequest) (ConfirmOutcome, error) {
			return Cancel, boom
		})
		got, err := mgr.RequestApproval(context.Background(), shellReq("make"))
		if !errors.Is(err, boom) || got != llm.DecisionDenied {
			t.Errorf("got %q, %v", got, err)
		}
	})
}

func TestApprovalManager_ToolApprovedByName(t *testing.T) {
	mgr := NewApprovalManager(nil)
	prompter := &countingPrompter{outcome: ProceedAlways}
	mgr.Prompter = prompter

	req := llm.ApprovalRequest{CallID: "c1", ToolName: "search_docs", Summary: "query=go", Args: json.RawMessage(`{"query":"go"}`)}
	if !mgr.ToolNeedsApproval("search_docs") {
		t.Fatal("unknown tool should need approval")
	}
	if _, err := mgr.RequestApproval(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if got := prompter.last.Load().(PromptRequest).Description; got != "Allow search_docs: query=go" {
		t.Errorf("description = %q", got)
	}
	if mgr.ToolNeedsApproval("search_docs") {
		t.Error("tool should be approved for the session")
	}
}

func TestApprovalManager_SerializesPromptsAndHonorsCancel(t *testing.T) {
	mgr := NewApprovalManager(nil)
	release := make(chan struct{})
	entered := make(chan struct{})
	mgr.Prompter = PrompterFunc(func(ctx context.Context, req PromptRequest) (ConfirmOutcome, error) {
		close(entered)
		<-release
		return ProceedOnce, nil
	})

	done := make(chan llm.ApprovalDecision, 1)
	go func() {
		d, _ := mgr.RequestApproval(context.Background(), shellReq("make a"))
		done <- d
	}()
	<-entered

	// The prompt lock is held; a second request must give up on cancel.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got, err := mgr.RequestApproval(ctx, shellReq("make b"))
	if !errors.Is(err, llm.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if got != llm.DecisionDenied {
		t.Errorf("decision = %q, want denied", got)
	}

	close(release)
	if d := <-done; d != llm.DecisionApproved {
		t.Errorf("first request = %q", d)
	}
}

func TestApprovalManager_SaveToProject(t *testing.T) {
	repo := t.TempDir()
	if err := os.Mkdir(filepath.Join(repo, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(repo, "src")
	if err := os.Mkdir(src, 0o755); err != nil {
		t.Fatal(err)
	}

	mgr := NewApprovalManager(nil)
	mgr.Prompter = &countingPrompter{outcome: ProceedAlwaysAndSave}
	if _, err := mgr.RequestApproval(context.Background(), fileReq(EditFileToolName, filepath.Join(src, "main.go"))); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(ProjectApprovalsPath(repo)); err != nil {
		t.Fatalf("approvals file not written: %v", err)
	}

	// A fresh manager (new session) picks the approval up from disk.
	next := NewApprovalManager(nil)
	if next.PathNeedsApproval(filepath.Join(src, "util.go"), true) {
		t.Error("saved directory should be approved in a new session")
	}
	if !next.PathNeedsApproval(filepath.Join(repo, "README.md"), true) {
		t.Error("approval should not extend above the saved directory")
	}
}

func TestRequirementFor(t *testing.T) {
	if got := requirementFor(nil, ReadFileToolName); got.Mode != llm.ApprovalNever {
		t.Errorf("nil manager mode = %q", got.Mode)
	}

	dir := t.TempDir()
	perms := NewToolPermissions()
	if err := perms.AddWriteDir(dir); err != nil {
		t.Fatal(err)
	}
	req := requirementFor(NewApprovalManager(perms), WriteFileToolName)
	inside, _ := json.Marshal(map[string]string{"file_path": filepath.Join(dir, "a")})
	outside, _ := json.Marshal(map[string]string{"file_path": "/definitely/not/here"})
	if req.RequiresApproval(inside) {
		t.Error("write inside workspace should not need approval")
	}
	if !req.RequiresApproval(outside) {
		t.Error("write outside workspace should need approval")
	}
}

func TestDirCache_IsPathInApprovedDir(t *testing.T) {
	cache := NewDirCache()

	// Add approved directories
	cache.Set("/home/user/project", ProceedAlways)
	cache.Set("/tmp/allowed", ProceedAlways)

	tests := []struct {
		path string
		want bool
	}{
		{"/home/user/project/src/main.go", true},
		{"/home/user/project", true},
		{"/home/user/other/file.go", false},
		{"/tmp/allowed/subdir/file", true},
		{"/tmp/other", false},
		{"/home/user/project-extra/file", false}, // Similar prefix but different dir
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := cache.IsPathInApprovedDir(tt.path)
			if got != tt.want {
				t.Errorf("IsPathInApprovedDir(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestShellApprovalCache(t *testing.T) {
	cache := NewShellApprovalCache()

	// Initially empty
	if len(cache.GetPatterns()) != 0 {
		t.Error("new cache should be empty")
	}

	// Add patterns
	cache.AddPattern("git *")
	cache.AddPattern("npm test")
	cache.AddPattern("git *") // Duplicate

	patterns := cache.GetPatterns()
	if len(patterns) != 2 {
		t.Errorf("expected 2 patterns (no duplicates), got %d", len(patterns))
	}

	// Verify patterns are present
	hasGit, hasNpm := false, false
	for _, p := range patterns {
		if p == "git *" {
			hasGit = true
		}
		if p == "npm test" {
			hasNpm = true
		}
	}
	if !hasGit || !hasNpm {
		t.Error("expected both patterns to be present")
	}
}
