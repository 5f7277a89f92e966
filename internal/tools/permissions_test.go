package tools

import (
	"os"
	"path/filepath"
	"testing"
)

func TestToolPermissions_Dirs(t *testing.T) {
	root := t.TempDir()
	readDir := filepath.Join(root, "docs")
	writeDir := filepath.Join(root, "src")
	for _, d := range []string{readDir, writeDir} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	p := NewToolPermissions()
	if err := p.AddReadDir(readDir); err != nil {
		t.Fatal(err)
	}
	if err := p.AddWriteDir(writeDir); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path      string
		wantRead  bool
		wantWrite bool
	}{
		{filepath.Join(readDir, "a.md"), true, false},
		{filepath.Join(writeDir, "pkg", "new.go"), true, true},
		{writeDir, true, true},
		{filepath.Join(root, "src2", "x.go"), false, false},
		{filepath.Join(writeDir, "..", "secret"), false, false},
	}
	for _, tt := range tests {
		read, err := p.IsPathAllowedForRead(tt.path)
		if err != nil {
			t.Fatal(err)
		}
		write, err := p.IsPathAllowedForWrite(tt.path)
		if err != nil {
			t.Fatal(err)
		}
		if read != tt.wantRead || write != tt.wantWrite {
			t.Errorf("%s: read=%v write=%v, want read=%v write=%v", tt.path, read, write, tt.wantRead, tt.wantWrite)
		}
	}
}

func TestToolPermissions_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	workspace := filepath.Join(root, "ws")
	outside := filepath.Join(root, "outside")
	for _, d := range []string{workspace, outside} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	link := filepath.Join(workspace, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	p := NewToolPermissions()
	if err := p.AddWriteDir(workspace); err != nil {
		t.Fatal(err)
	}
	ok, err := p.IsPathAllowedForWrite(filepath.Join(link, "file.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("a symlink out of the workspace must not be writable")
	}
}

func TestToolPermissions_ShellPatterns(t *testing.T) {
	p := NewToolPermissions()
	for _, pattern := range []string{"git status", "go test *", "npm run *"} {
		if err := p.AddShellPattern(pattern); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		command string
		want    bool
	}{
		{"git status", true},
		{"  git status  ", true},
		{"git push", false},
		{"go test ./...", true},
		{"npm run build", true},
		{"npm install", false},
	}
	for _, tt := range tests {
		if got := p.IsShellCommandAllowed(tt.command); got != tt.want {
			t.Errorf("IsShellCommandAllowed(%q) = %v, want %v", tt.command, got, tt.want)
		}
	}

	if err := p.AddShellPattern("[unclosed"); err == nil {
		t.Error("expected error for invalid pattern")
	}
	if got := len(p.ShellPatterns()); got != 3 {
		t.Errorf("ShellPatterns() has %d entries, want 3", got)
	}
}

func TestToolPermissions_Nil(t *testing.T) {
	var p *ToolPermissions
	if ok, _ := p.IsPathAllowedForRead("/tmp"); ok {
		t.Error("nil permissions should allow nothing")
	}
	if p.IsShellCommandAllowed("ls") {
		t.Error("nil permissions should allow nothing")
	}
}
