package tools

import "github.com/samsaffron/term-agent/internal/llm"

// ToolManager builds the local tools and the approval manager they share.
type ToolManager struct {
	Config      ToolConfig
	Permissions *ToolPermissions
	ApprovalMgr *ApprovalManager

	limits OutputLimits
	tools  []llm.Tool
}

// NewToolManager creates the enabled tools from config, in enable order.
func NewToolManager(cfg ToolConfig) (*ToolManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	perms, err := cfg.BuildPermissions()
	if err != nil {
		return nil, err
	}

	approvalMgr := NewApprovalManager(perms)
	if cfg.Yolo {
		approvalMgr.SetYoloMode(true)
	}

	m := &ToolManager{
		Config:      cfg,
		Permissions: perms,
		ApprovalMgr: approvalMgr,
		limits:      DefaultOutputLimits(),
	}
	for _, name := range cfg.EnabledNames() {
		m.tools = append(m.tools, m.newTool(name))
	}
	return m, nil
}

func (m *ToolManager) newTool(name string) llm.Tool {
	switch name {
	case ReadFileToolName:
		return NewReadFileTool(m.ApprovalMgr, m.limits)
	case WriteFileToolName:
		return NewWriteFileTool(m.ApprovalMgr)
	case EditFileToolName:
		return NewEditFileTool(m.ApprovalMgr)
	case ShellToolName:
		return NewShellTool(m.ApprovalMgr, m.limits)
	case GrepToolName:
		return NewGrepTool(m.ApprovalMgr, m.limits)
	case GlobToolName:
		return NewGlobTool(m.ApprovalMgr)
	}
	// Validate rejects unknown names before we get here.
	panic("tools: unknown tool " + name)
}

// Tools returns the enabled tools.
func (m *ToolManager) Tools() []llm.Tool {
	return append([]llm.Tool(nil), m.tools...)
}

// Specs returns the specs of the enabled tools.
func (m *ToolManager) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(m.tools))
	for _, tool := range m.tools {
		specs = append(specs, tool.Spec())
	}
	return specs
}

// SetPrompter sets how the approval manager asks the user.
func (m *ToolManager) SetPrompter(p Prompter) {
	m.ApprovalMgr.Prompter = p
}
