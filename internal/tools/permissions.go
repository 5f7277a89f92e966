package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// ToolPermissions holds the pre-approved directories and shell patterns.
// Calls inside them run without prompting.
type ToolPermissions struct {
	ReadDirs  []string // Absolute, symlink-resolved
	WriteDirs []string // Absolute, symlink-resolved; also readable

	shellPatterns []string
	shellGlobs    []glob.Glob
}

// NewToolPermissions creates an empty ToolPermissions.
func NewToolPermissions() *ToolPermissions {
	return &ToolPermissions{}
}

// AddReadDir pre-approves reads below dir.
func (p *ToolPermissions) AddReadDir(dir string) error {
	resolved, err := resolveDir(dir)
	if err != nil {
		return err
	}
	p.ReadDirs = append(p.ReadDirs, resolved)
	return nil
}

// AddWriteDir pre-approves reads and writes below dir.
func (p *ToolPermissions) AddWriteDir(dir string) error {
	resolved, err := resolveDir(dir)
	if err != nil {
		return err
	}
	p.WriteDirs = append(p.WriteDirs, resolved)
	return nil
}

// AddShellPattern pre-approves commands matching a glob pattern such as
// "git *" or "go test *".
func (p *ToolPermissions) AddShellPattern(pattern string) error {
	g, err := glob.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid shell pattern %q: %w", pattern, err)
	}
	p.shellPatterns = append(p.shellPatterns, pattern)
	p.shellGlobs = append(p.shellGlobs, g)
	return nil
}

// ShellPatterns returns the configured shell patterns.
func (p *ToolPermissions) ShellPatterns() []string {
	return append([]string(nil), p.shellPatterns...)
}

// IsPathAllowedForRead reports whether path lies in a read or write dir.
func (p *ToolPermissions) IsPathAllowedForRead(path string) (bool, error) {
	if p == nil {
		return false, nil
	}
	abs, err := resolvePath(path)
	if err != nil {
		return false, err
	}
	return underAny(abs, p.ReadDirs) || underAny(abs, p.WriteDirs), nil
}

// IsPathAllowedForWrite reports whether path lies in a write dir.
func (p *ToolPermissions) IsPathAllowedForWrite(path string) (bool, error) {
	if p == nil {
		return false, nil
	}
	abs, err := resolvePath(path)
	if err != nil {
		return false, err
	}
	return underAny(abs, p.WriteDirs), nil
}

// IsShellCommandAllowed reports whether command matches a shell pattern.
func (p *ToolPermissions) IsShellCommandAllowed(command string) bool {
	if p == nil {
		return false
	}
	command = strings.TrimSpace(command)
	for _, g := range p.shellGlobs {
		if g.Match(command) {
			return true
		}
	}
	return false
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	} else if !os.IsNotExist(err) {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// resolvePath resolves symlinks of the longest existing prefix so a file
// that does not exist yet is judged by its real parent directory.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	existing := abs
	var rest []string
	for {
		if resolved, err := filepath.EvalSymlinks(existing); err == nil {
			parts := append([]string{resolved}, rest...)
			return filepath.Join(parts...), nil
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
}

func underAny(path string, dirs []string) bool {
	for _, dir := range dirs {
		if path == dir || strings.HasPrefix(path, strings.TrimSuffix(dir, string(filepath.Separator))+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
