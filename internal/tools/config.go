package tools

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/samsaffron/term-agent/internal/config"
)

// ToolConfig selects the built-in tools and scopes what they may touch.
type ToolConfig struct {
	Enabled    []string // empty enables every built-in tool
	ReadDirs   []string
	WriteDirs  []string // also readable
	ShellAllow []string // glob patterns run without a prompt
	Yolo       bool     // approve everything
}

func FromConfig(c config.ToolsConfig) ToolConfig {
	return ToolConfig{
		Enabled:    slices.Clone(c.Enabled),
		ReadDirs:   slices.Clone(c.ReadDirs),
		WriteDirs:  slices.Clone(c.WriteDirs),
		ShellAllow: slices.Clone(c.ShellAllow),
		Yolo:       c.Yolo,
	}
}

// Merge layers command-line settings over c. A non-empty Enabled list
// replaces c's; directories and patterns accumulate; Yolo can only be
// switched on.
func (c ToolConfig) Merge(over ToolConfig) ToolConfig {
	out := ToolConfig{
		Enabled:    c.Enabled,
		ReadDirs:   slices.Concat(c.ReadDirs, over.ReadDirs),
		WriteDirs:  slices.Concat(c.WriteDirs, over.WriteDirs),
		ShellAllow: slices.Concat(c.ShellAllow, over.ShellAllow),
		Yolo:       c.Yolo || over.Yolo,
	}
	if len(over.Enabled) > 0 {
		out.Enabled = over.Enabled
	}
	return out
}

// Validate reports every unknown tool name at once.
func (c *ToolConfig) Validate() error {
	var errs []error
	for _, name := range c.Enabled {
		if !ValidToolName(name) {
			errs = append(errs, fmt.Errorf("unknown tool: %s", name))
		}
	}
	return errors.Join(errs...)
}

func (c *ToolConfig) EnabledNames() []string {
	if len(c.Enabled) == 0 {
		return AllToolNames()
	}
	return c.Enabled
}

func (c *ToolConfig) IsToolEnabled(name string) bool {
	return slices.Contains(c.EnabledNames(), name)
}

// ParseToolsFlag splits a --tools value. "all" and "*" mean every
// built-in tool; blank entries are dropped.
func ParseToolsFlag(value string) []string {
	switch v := strings.TrimSpace(value); v {
	case "":
		return nil
	case "all", "*":
		return AllToolNames()
	}
	var names []string
	for name := range strings.SplitSeq(value, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// BuildPermissions applies the directory and shell settings. If no
// directory is configured the working directory becomes writable.
// Directories that cannot be resolved are skipped with a warning; a bad
// shell pattern is an error.
func (c *ToolConfig) BuildPermissions() (*ToolPermissions, error) {
	perms := NewToolPermissions()

	writeDirs := c.WriteDirs
	if len(c.ReadDirs) == 0 && len(writeDirs) == 0 {
		if cwd, err := os.Getwd(); err == nil {
			writeDirs = []string{cwd}
		}
	}
	for _, dir := range c.ReadDirs {
		if err := perms.AddReadDir(dir); err != nil {
			slog.Warn("skipping read dir", "dir", dir, "err", err)
		}
	}
	for _, dir := range writeDirs {
		if err := perms.AddWriteDir(dir); err != nil {
			slog.Warn("skipping write dir", "dir", dir, "err", err)
		}
	}
	for _, pattern := range c.ShellAllow {
		if err := perms.AddShellPattern(pattern); err != nil {
			return nil, fmt.Errorf("shell_allow %q: %w", pattern, err)
		}
	}
	return perms, nil
}

// OutputLimits bound what a tool returns to the model.
type OutputLimits struct {
	MaxLines   int   // read_file
	MaxBytes   int64 // per output stream
	MaxResults int   // grep and glob
}

func DefaultOutputLimits() OutputLimits {
	return OutputLimits{MaxLines: 2000, MaxBytes: 50 * 1024, MaxResults: 100}
}
