package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samsaffron/term-agent/internal/llm"
	"golang.org/x/sync/semaphore"
	"golang.org/x/term"
)

// DirCache provides tool-agnostic directory approval caching.
// When a directory is approved, all tools can access files within it.
type DirCache struct {
	mu   sync.RWMutex
	dirs map[string]ConfirmOutcome // absolute dir path -> outcome
}

// NewDirCache creates a new DirCache.
func NewDirCache() *DirCache {
	return &DirCache{
		dirs: make(map[string]ConfirmOutcome),
	}
}

// Get checks if a directory is approved.
func (c *DirCache) Get(dir string) (ConfirmOutcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	outcome, ok := c.dirs[dir]
	return outcome, ok
}

// Set stores a directory approval.
func (c *DirCache) Set(dir string, outcome ConfirmOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirs[dir] = outcome
}

// IsPathInApprovedDir checks if a path is within any approved directory.
func (c *DirCache) IsPathInApprovedDir(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	for dir, outcome := range c.dirs {
		if outcome == ProceedAlways || outcome == ProceedAlwaysAndSave {
			if strings.HasPrefix(absPath, dir+string(filepath.Separator)) || absPath == dir {
				return true
			}
		}
	}
	return false
}

// ShellApprovalCache caches shell command pattern approvals for the session.
type ShellApprovalCache struct {
	mu       sync.RWMutex
	patterns []string
}

// NewShellApprovalCache creates a new ShellApprovalCache.
func NewShellApprovalCache() *ShellApprovalCache {
	return &ShellApprovalCache{}
}

// AddPattern adds a pattern to the session cache.
func (c *ShellApprovalCache) AddPattern(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.patterns {
		if p == pattern {
			return
		}
	}
	c.patterns = append(c.patterns, pattern)
}

// GetPatterns returns all session-approved patterns.
func (c *ShellApprovalCache) GetPatterns() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]string, len(c.patterns))
	copy(result, c.patterns)
	return result
}

// PromptRequest is what the user is asked to confirm.
type PromptRequest struct {
	ToolName    string
	Path        string // Directory offered for file tools
	Command     string // For the shell tool
	Pattern     string // Suggested pattern for "always" on shell commands
	Description string // Human-readable question
	IsWrite     bool
}

// Prompter asks the user to confirm a request. It must return when ctx is
// done.
type Prompter interface {
	Prompt(ctx context.Context, req PromptRequest) (ConfirmOutcome, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, req PromptRequest) (ConfirmOutcome, error)

func (f PrompterFunc) Prompt(ctx context.Context, req PromptRequest) (ConfirmOutcome, error) {
	return f(ctx, req)
}

// ApprovalManager answers approval requests for the engine. It consults the
// pre-approved permissions, the session caches and the project approvals
// file before asking the user.
type ApprovalManager struct {
	dirCache     *DirCache
	shellCache   *ShellApprovalCache
	permissions  *ToolPermissions
	projectCache map[string]*ProjectApprovals // repo root -> approvals
	projectMu    sync.Mutex

	toolMu    sync.RWMutex
	toolCache map[string]bool // tools without a path or command, approved for the session

	// promptSem serializes interactive prompts. Parallel calls may need
	// approval at the same time; only one prompt is shown at a time.
	promptSem *semaphore.Weighted

	// YoloMode auto-approves every call without prompting.
	YoloMode bool

	// Prompter asks the user. Nil denies anything that needs a prompt.
	Prompter Prompter
}

var _ llm.Approver = (*ApprovalManager)(nil)

// NewApprovalManager creates a new ApprovalManager.
func NewApprovalManager(perms *ToolPermissions) *ApprovalManager {
	if perms == nil {
		perms = NewToolPermissions()
	}
	return &ApprovalManager{
		dirCache:     NewDirCache(),
		shellCache:   NewShellApprovalCache(),
		permissions:  perms,
		projectCache: make(map[string]*ProjectApprovals),
		toolCache:    make(map[string]bool),
		promptSem:    semaphore.NewWeighted(1),
	}
}

// SetYoloMode enables or disables yolo mode and prints a warning when enabled.
func (m *ApprovalManager) SetYoloMode(enabled bool) {
	m.YoloMode = enabled
	if enabled && term.IsTerminal(int(os.Stderr.Fd())) {
		fmt.Fprintf(os.Stderr, "WARNING: yolo mode enabled, all tool operations will be auto-approved without prompting.\n")
	}
}

// getProjectApprovals returns or loads project approvals for the given path.
func (m *ApprovalManager) getProjectApprovals(path string) *ProjectApprovals {
	root, ok := FindRepoRoot(path)
	if !ok {
		return nil
	}

	m.projectMu.Lock()
	defer m.projectMu.Unlock()

	if pa, ok := m.projectCache[root]; ok {
		return pa
	}

	pa, err := LoadProjectApprovals(root)
	if err != nil {
		slog.Warn("failed to load project approvals", "root", root, "error", err)
		return nil
	}

	m.projectCache[root] = pa
	return pa
}

// PathNeedsApproval reports whether accessing path requires a prompt.
func (m *ApprovalManager) PathNeedsApproval(path string, isWrite bool) bool {
	if m.YoloMode {
		return false
	}
	_, ok := m.checkPathApprovalNoPrompt(path, isWrite)
	return !ok
}

// ShellNeedsApproval reports whether running command requires a prompt.
func (m *ApprovalManager) ShellNeedsApproval(command string) bool {
	if m.YoloMode {
		return false
	}
	return !m.shellDecided(approvalTarget{command: command})
}

// shellDecided reports whether a shell call is approved without a prompt:
// read-only commands run where reading is allowed, and commands matching
// an allow pattern or a cached approval.
func (m *ApprovalManager) shellDecided(target approvalTarget) bool {
	if AnalyzeCommand(target.command).Level == SafetySafe {
		dir := target.dir
		if dir == "" {
			dir, _ = os.Getwd()
		}
		if _, ok := m.checkPathApprovalNoPrompt(dir, false); ok {
			return true
		}
	}
	_, ok := m.checkShellApprovalNoPrompt(target.command)
	return ok
}

// ToolNeedsApproval reports whether a tool without path or command
// arguments still needs a prompt.
func (m *ApprovalManager) ToolNeedsApproval(toolName string) bool {
	if m.YoloMode {
		return false
	}
	m.toolMu.RLock()
	defer m.toolMu.RUnlock()
	return !m.toolCache[toolName]
}

// checkPathApprovalNoPrompt runs the non-interactive approval checks.
// Returns (outcome, true) when a decision is made, or (Cancel, false) when
// prompting is still required.
func (m *ApprovalManager) checkPathApprovalNoPrompt(path string, isWrite bool) (ConfirmOutcome, bool) {
	var allowed bool
	var err error
	if isWrite {
		allowed, err = m.permissions.IsPathAllowedForWrite(path)
	} else {
		allowed, err = m.permissions.IsPathAllowedForRead(path)
	}
	if err == nil && allowed {
		return ProceedOnce, true
	}

	if m.dirCache.IsPathInApprovedDir(path) {
		return ProceedAlways, true
	}

	absPath := path
	if resolved, err := filepath.Abs(path); err == nil {
		absPath = resolved
	}
	projectApprovals := m.getProjectApprovals(absPath)
	if projectApprovals != nil && projectApprovals.IsPathApproved(absPath, isWrite) {
		return ProceedAlways, true
	}

	return Cancel, false
}

// checkShellApprovalNoPrompt runs the non-interactive shell approval checks.
func (m *ApprovalManager) checkShellApprovalNoPrompt(command string) (ConfirmOutcome, bool) {
	if m.permissions.IsShellCommandAllowed(command) {
		return ProceedOnce, true
	}

	for _, pattern := range m.shellCache.GetPatterns() {
		if matchPattern(pattern, command) {
			return ProceedAlways, true
		}
	}

	cwd, _ := os.Getwd()
	projectApprovals := m.getProjectApprovals(cwd)
	if projectApprovals != nil && projectApprovals.IsShellPatternApproved(command) {
		return ProceedAlways, true
	}

	return Cancel, false
}

// approvalTarget is what an approval request is about.
type approvalTarget struct {
	path    string
	command string
	dir     string // working directory of a shell command
	isWrite bool
}

// targetFor extracts the path or command a call touches. Tools without
// either are approved by name.
func targetFor(toolName string, args json.RawMessage) approvalTarget {
	var a struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
		Command  string `json:"command"`
		Dir      string `json:"working_dir"`
	}
	_ = json.Unmarshal(args, &a)

	switch toolName {
	case ShellToolName:
		return approvalTarget{command: a.Command, dir: a.Dir}
	case ReadFileToolName:
		return approvalTarget{path: a.FilePath}
	case WriteFileToolName, EditFileToolName:
		return approvalTarget{path: a.FilePath, isWrite: true}
	case GlobToolName, GrepToolName:
		path := a.Path
		if path == "" {
			path, _ = os.Getwd()
		}
		return approvalTarget{path: path}
	}
	return approvalTarget{}
}

// RequestApproval implements llm.Approver.
func (m *ApprovalManager) RequestApproval(ctx context.Context, req llm.ApprovalRequest) (llm.ApprovalDecision, error) {
	if m.YoloMode {
		return llm.DecisionAutoApproved, nil
	}

	target := targetFor(req.ToolName, req.Args)
	decided := func() bool {
		switch {
		case target.command != "":
			return m.shellDecided(target)
		case target.path != "":
			_, ok := m.checkPathApprovalNoPrompt(target.path, target.isWrite)
			return ok
		default:
			return !m.ToolNeedsApproval(req.ToolName)
		}
	}
	if decided() {
		return llm.DecisionApproved, nil
	}

	if err := m.promptSem.Acquire(ctx, 1); err != nil {
		return llm.DecisionDenied, fmt.Errorf("%w: %w", llm.ErrCancelled, err)
	}
	defer m.promptSem.Release(1)

	// Recheck now that we hold the prompt lock; an earlier prompt may have
	// approved the same directory or pattern.
	if decided() {
		return llm.DecisionApproved, nil
	}

	if m.Prompter == nil {
		return llm.DecisionDenied, nil
	}

	prompt := m.buildPrompt(req, target)
	outcome, err := m.Prompter.Prompt(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return llm.DecisionDenied, fmt.Errorf("%w: %w", llm.ErrCancelled, ctx.Err())
		}
		return llm.DecisionDenied, err
	}
	return m.applyOutcome(outcome, req.ToolName, target, prompt), nil
}

func (m *ApprovalManager) buildPrompt(req llm.ApprovalRequest, target approvalTarget) PromptRequest {
	p := PromptRequest{ToolName: req.ToolName, IsWrite: target.isWrite}
	switch {
	case target.command != "":
		p.Command = target.command
		p.Pattern = GenerateShellPattern(target.command)
		p.Description = fmt.Sprintf("Allow shell command: %s", target.command)
	case target.path != "":
		dir := getDirectoryForApproval(target.path)
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		p.Path = dir
		action := "read"
		if target.isWrite {
			action = "write"
		}
		p.Description = fmt.Sprintf("Allow %s access to directory: %s", action, dir)
	default:
		p.Description = fmt.Sprintf("Allow %s", req.ToolName)
		if req.Summary != "" {
			p.Description += ": " + req.Summary
		}
	}
	return p
}

// applyOutcome records "always" answers in the session caches, and in the
// project approvals file for ProceedAlwaysAndSave.
func (m *ApprovalManager) applyOutcome(outcome ConfirmOutcome, toolName string, target approvalTarget, prompt PromptRequest) llm.ApprovalDecision {
	switch outcome {
	case ProceedOnce:
		return llm.DecisionApproved
	case ProceedAlways, ProceedAlwaysAndSave:
	default:
		return llm.DecisionDenied
	}

	save := outcome == ProceedAlwaysAndSave
	switch {
	case target.command != "":
		m.shellCache.AddPattern(prompt.Pattern)
		if save {
			cwd, _ := os.Getwd()
			if pa := m.getProjectApprovals(cwd); pa != nil {
				if err := pa.ApproveShellPattern(prompt.Pattern); err != nil {
					slog.Warn("failed to save shell approval", "pattern", prompt.Pattern, "error", err)
				}
			}
		}
	case target.path != "":
		m.dirCache.Set(prompt.Path, outcome)
		if save {
			if pa := m.getProjectApprovals(prompt.Path); pa != nil {
				if err := pa.ApprovePath(prompt.Path); err != nil {
					slog.Warn("failed to save path approval", "path", prompt.Path, "error", err)
				}
			}
		}
	default:
		m.toolMu.Lock()
		m.toolCache[toolName] = true
		m.toolMu.Unlock()
	}
	return llm.DecisionApproved
}

// ApproveShellPattern adds a pattern to the session cache.
func (m *ApprovalManager) ApproveShellPattern(pattern string) {
	m.shellCache.AddPattern(pattern)
}

// ApproveDirectory adds a directory to the session cache.
func (m *ApprovalManager) ApproveDirectory(dir string) {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	m.dirCache.Set(dir, ProceedAlways)
}

// getDirectoryForApproval determines which directory to ask approval for.
func getDirectoryForApproval(path string) string {
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		return path
	}
	return filepath.Dir(path)
}

// matchPattern checks if a command matches a glob pattern like "git *".
func matchPattern(pattern, command string) bool {
	if pattern == "" {
		return false
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return pattern == command
	}
	return g.Match(command)
}

// requirementFor returns the approval requirement of a built-in tool. The
// condition uses the same target extraction as RequestApproval, so a call
// the engine lets through without asking is one the manager would approve.
func requirementFor(m *ApprovalManager, toolName string) llm.ApprovalRequirement {
	if m == nil {
		return llm.ApprovalRequirement{Mode: llm.ApprovalNever}
	}
	return llm.ApprovalRequirement{
		Mode: llm.ApprovalConditional,
		Condition: func(args json.RawMessage) bool {
			target := targetFor(toolName, args)
			switch {
			case target.command != "":
				return !m.YoloMode && !m.shellDecided(target)
			case target.path != "":
				return m.PathNeedsApproval(target.path, target.isWrite)
			default:
				return m.ToolNeedsApproval(toolName)
			}
		},
	}
}
