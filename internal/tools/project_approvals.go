package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectApprovals stores approval decisions that outlive a session. The
// file lives at <repo>/.term-agent/approvals.yaml so it travels with the
// checkout.
type ProjectApprovals struct {
	UpdatedAt     time.Time `yaml:"updated_at"`
	ReadApproved  bool      `yaml:"read_approved"`  // Whole repo read access
	WriteApproved bool      `yaml:"write_approved"` // Whole repo write access
	ApprovedPaths []string  `yaml:"approved_paths"` // Relative to the repo root
	ShellPatterns []string  `yaml:"shell_patterns"`

	root     string
	filePath string
	mu       sync.Mutex
}

// ProjectApprovalsPath returns the approvals file for a repository root.
func ProjectApprovalsPath(root string) string {
	return filepath.Join(root, ".term-agent", "approvals.yaml")
}

// FindRepoRoot walks up from path to the nearest directory holding a .git
// entry. The path does not need to exist yet.
func FindRepoRoot(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	dir := abs
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		dir = filepath.Dir(abs)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// LoadProjectApprovals reads the approvals of the repository at root. A
// missing or unreadable file yields empty approvals; nil is returned for an
// empty root.
func LoadProjectApprovals(root string) (*ProjectApprovals, error) {
	if root == "" {
		return nil, nil
	}
	pa := &ProjectApprovals{root: root, filePath: ProjectApprovalsPath(root)}

	data, err := os.ReadFile(pa.filePath)
	if os.IsNotExist(err) {
		return pa, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read project approvals: %w", err)
	}
	if err := yaml.Unmarshal(data, pa); err != nil {
		// Start over rather than fail every approval on a bad file.
		return &ProjectApprovals{root: root, filePath: pa.filePath}, nil
	}
	return pa, nil
}

// Root returns the repository root the approvals belong to.
func (p *ProjectApprovals) Root() string {
	if p == nil {
		return ""
	}
	return p.root
}

func (p *ProjectApprovals) save() error {
	p.UpdatedAt = time.Now()
	if err := os.MkdirAll(filepath.Dir(p.filePath), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(p.filePath, data, 0o600)
}

func (p *ProjectApprovals) update(fn func() bool) error {
	if p == nil || p.filePath == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !fn() {
		return nil
	}
	return p.save()
}

// ApproveRead approves read access for the entire repo.
func (p *ProjectApprovals) ApproveRead() error {
	return p.update(func() bool {
		changed := !p.ReadApproved
		p.ReadApproved = true
		return changed
	})
}

// ApproveWrite approves write access for the entire repo.
func (p *ProjectApprovals) ApproveWrite() error {
	return p.update(func() bool {
		changed := !p.WriteApproved
		p.WriteApproved = true
		return changed
	})
}

// ApprovePath approves path, and everything below it when it is a
// directory, for reads and writes.
func (p *ProjectApprovals) ApprovePath(path string) error {
	rel, ok := p.relative(path)
	if !ok {
		return fmt.Errorf("%s is outside %s", path, p.Root())
	}
	return p.update(func() bool {
		for _, existing := range p.ApprovedPaths {
			if existing == rel {
				return false
			}
		}
		p.ApprovedPaths = append(p.ApprovedPaths, rel)
		return true
	})
}

// ApproveShellPattern adds a shell command pattern.
func (p *ProjectApprovals) ApproveShellPattern(pattern string) error {
	return p.update(func() bool {
		for _, existing := range p.ShellPatterns {
			if existing == pattern {
				return false
			}
		}
		p.ShellPatterns = append(p.ShellPatterns, pattern)
		return true
	})
}

// IsPathApproved checks an absolute path against the whole-repo flags and
// the approved paths.
func (p *ProjectApprovals) IsPathApproved(path string, isWrite bool) bool {
	if p == nil {
		return false
	}
	rel, ok := p.relative(path)
	if !ok {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if (isWrite && p.WriteApproved) || (!isWrite && p.ReadApproved) {
		return true
	}
	for _, approved := range p.ApprovedPaths {
		if approved == "." || rel == approved || strings.HasPrefix(rel, approved+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// IsShellPatternApproved checks a command against the approved patterns.
func (p *ProjectApprovals) IsShellPatternApproved(command string) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pattern := range p.ShellPatterns {
		if matchPattern(pattern, command) {
			return true
		}
	}
	return false
}

// relative returns path relative to the repo root, refusing paths that
// escape it.
func (p *ProjectApprovals) relative(path string) (string, bool) {
	if p == nil {
		return "", false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(p.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// GenerateShellPattern suggests a pattern for approving similar commands.
// For example: "go test ./..." -> "go test *"
func GenerateShellPattern(command string) string {
	parts := strings.Fields(command)
	switch len(parts) {
	case 0:
		return command
	case 1:
		return parts[0]
	}

	switch parts[0] {
	case "go", "npm", "yarn", "pnpm", "cargo", "make", "git":
		return parts[0] + " " + parts[1] + " *"
	}
	return parts[0] + " *"
}
