// Package tools provides the permission-aware local tools of term-agent.
package tools

import (
	"fmt"
)

// ToolKind categorizes tools for permission grouping.
type ToolKind string

const (
	KindRead    ToolKind = "read"
	KindEdit    ToolKind = "edit"
	KindSearch  ToolKind = "search"
	KindExecute ToolKind = "execute"
)

// ConfirmOutcome represents the result of a user confirmation prompt.
type ConfirmOutcome string

const (
	ProceedOnce          ConfirmOutcome = "once"        // Single approval
	ProceedAlways        ConfirmOutcome = "always"      // Session-scoped approval
	ProceedAlwaysAndSave ConfirmOutcome = "always_save" // Persist to the project approvals file
	Cancel               ConfirmOutcome = "cancel"      // User denied
)

// ToolErrorType provides structured errors the model can act on.
type ToolErrorType string

const (
	ErrFileNotFound     ToolErrorType = "FILE_NOT_FOUND"
	ErrInvalidParams    ToolErrorType = "INVALID_PARAMS"
	ErrExecutionFailed  ToolErrorType = "EXECUTION_FAILED"
	ErrPermissionDenied ToolErrorType = "PERMISSION_DENIED"
	ErrBinaryFile       ToolErrorType = "BINARY_FILE"
	ErrTimeout          ToolErrorType = "TIMEOUT"
	ErrNoMatch          ToolErrorType = "NO_MATCH"
	ErrBlocked          ToolErrorType = "BLOCKED"
)

// ToolError provides structured error information.
type ToolError struct {
	Type    ToolErrorType `json:"type"`
	Message string        `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// NewToolError creates a new ToolError.
func NewToolError(errType ToolErrorType, message string) *ToolError {
	return &ToolError{Type: errType, Message: message}
}

// NewToolErrorf creates a new ToolError with formatted message.
func NewToolErrorf(errType ToolErrorType, format string, args ...interface{}) *ToolError {
	return &ToolError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// Tool names
const (
	ReadFileToolName  = "read_file"
	WriteFileToolName = "write_file"
	EditFileToolName  = "edit_file"
	ShellToolName     = "shell"
	GrepToolName      = "grep"
	GlobToolName      = "glob"
)

// AllToolNames returns all built-in tool names.
func AllToolNames() []string {
	return []string{
		ReadFileToolName,
		WriteFileToolName,
		EditFileToolName,
		ShellToolName,
		GrepToolName,
		GlobToolName,
	}
}

var validToolNames = map[string]bool{
	ReadFileToolName:  true,
	WriteFileToolName: true,
	EditFileToolName:  true,
	ShellToolName:     true,
	GrepToolName:      true,
	GlobToolName:      true,
}

// ValidToolName checks if a name is a built-in tool name.
func ValidToolName(name string) bool {
	return validToolNames[name]
}

// GetToolKind returns the kind for a tool name.
func GetToolKind(name string) ToolKind {
	switch name {
	case ReadFileToolName:
		return KindRead
	case WriteFileToolName, EditFileToolName:
		return KindEdit
	case GrepToolName, GlobToolName:
		return KindSearch
	case ShellToolName:
		return KindExecute
	default:
		return ""
	}
}
