package tools

import (
	"os"
	"path/filepath"
	"testing"
)

func newRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestLoadProjectApprovals_EmptyRoot(t *testing.T) {
	pa, err := LoadProjectApprovals("")
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if pa != nil {
		t.Error("expected nil for empty root")
	}
}

func TestLoadProjectApprovals_NewProject(t *testing.T) {
	root := newRepo(t)
	pa, err := LoadProjectApprovals(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pa.ReadApproved || pa.WriteApproved || len(pa.ApprovedPaths) > 0 {
		t.Error("new project should have no approvals")
	}
	if pa.Root() != root {
		t.Errorf("Root() = %q, want %q", pa.Root(), root)
	}
	if _, err := os.Stat(ProjectApprovalsPath(root)); !os.IsNotExist(err) {
		t.Error("loading must not create the file")
	}
}

func TestLoadProjectApprovals_CorruptFile(t *testing.T) {
	root := newRepo(t)
	path := ProjectApprovalsPath(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("read_approved: [not a bool"), 0o600); err != nil {
		t.Fatal(err)
	}
	pa, err := LoadProjectApprovals(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pa.ReadApproved {
		t.Error("corrupt file should load as empty approvals")
	}
}

func TestProjectApprovals_PersistAndReload(t *testing.T) {
	root := newRepo(t)
	pa, err := LoadProjectApprovals(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := pa.ApproveRead(); err != nil {
		t.Fatalf("ApproveRead: %v", err)
	}
	if err := pa.ApprovePath(filepath.Join(root, "docs")); err != nil {
		t.Fatalf("ApprovePath: %v", err)
	}
	if err := pa.ApproveShellPattern("go test *"); err != nil {
		t.Fatalf("ApproveShellPattern: %v", err)
	}

	reloaded, err := LoadProjectApprovals(root)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.ReadApproved {
		t.Error("read approval not persisted")
	}
	if len(reloaded.ApprovedPaths) != 1 || reloaded.ApprovedPaths[0] != "docs" {
		t.Errorf("ApprovedPaths = %v, want [docs]", reloaded.ApprovedPaths)
	}
	if !reloaded.IsShellPatternApproved("go test ./...") {
		t.Error("shell pattern not persisted")
	}
	if reloaded.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set on save")
	}
}

func TestProjectApprovals_IsPathApproved(t *testing.T) {
	root := newRepo(t)
	pa, _ := LoadProjectApprovals(root)
	if err := pa.ApprovePath(filepath.Join(root, "src")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		isWrite bool
		want    bool
	}{
		{"inside approved dir", filepath.Join(root, "src", "a.go"), true, true},
		{"approved dir itself", filepath.Join(root, "src"), false, true},
		{"sibling with shared prefix", filepath.Join(root, "srcx", "a.go"), false, false},
		{"repo root file", filepath.Join(root, "go.mod"), false, false},
		{"outside repo", "/etc/hosts", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pa.IsPathApproved(tt.path, tt.isWrite); got != tt.want {
				t.Errorf("IsPathApproved(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}

	if err := pa.ApproveWrite(); err != nil {
		t.Fatal(err)
	}
	if !pa.IsPathApproved(filepath.Join(root, "go.mod"), true) {
		t.Error("whole-repo write approval should cover any file")
	}
	if pa.IsPathApproved("/etc/hosts", true) {
		t.Error("whole-repo approval must not escape the repo")
	}
}

func TestProjectApprovals_ApprovePathOutsideRepo(t *testing.T) {
	root := newRepo(t)
	pa, _ := LoadProjectApprovals(root)
	if err := pa.ApprovePath(filepath.Dir(root)); err == nil {
		t.Error("expected error approving a path above the repo")
	}
}

func TestProjectApprovals_NilSafe(t *testing.T) {
	var pa *ProjectApprovals
	if pa.IsPathApproved("/x", false) {
		t.Error("nil approvals should approve nothing")
	}
	if pa.IsShellPatternApproved("ls") {
		t.Error("nil approvals should approve nothing")
	}
	if err := pa.ApproveRead(); err != nil {
		t.Errorf("ApproveRead on nil: %v", err)
	}
}

func TestProjectApprovals_DuplicatesNotRewritten(t *testing.T) {
	root := newRepo(t)
	pa, _ := LoadProjectApprovals(root)
	for i := 0; i < 3; i++ {
		if err := pa.ApproveShellPattern("make *"); err != nil {
			t.Fatal(err)
		}
	}
	if len(pa.ShellPatterns) != 1 {
		t.Errorf("ShellPatterns = %v", pa.ShellPatterns)
	}
}

func TestFindRepoRoot(t *testing.T) {
	root := newRepo(t)
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{root, nested, filepath.Join(nested, "missing.go")} {
		got, ok := FindRepoRoot(path)
		if !ok || got != root {
			t.Errorf("FindRepoRoot(%q) = %q, %v; want %q", path, got, ok, root)
		}
	}
}

func TestGenerateShellPattern(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"go test ./...", "go test *"},
		{"npm install lodash", "npm install *"},
		{"git status", "git status *"},
		{"make", "make"},
		{"python script.py arg1 arg2", "python *"},
		{"ls", "ls"},
		{"ls -la", "ls *"},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			got := GenerateShellPattern(tt.command)
			if got != tt.want {
				t.Errorf("GenerateShellPattern(%q) = %q, want %q", tt.command, got, tt.want)
			}
		})
	}
}
