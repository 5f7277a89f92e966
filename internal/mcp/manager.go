package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ServerStatus represents the current state of an MCP server.
type ServerStatus string

const (
	StatusStopped  ServerStatus = "stopped"
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusFailed   ServerStatus = "failed"
)

// toolSeparator joins server and tool names in exposed tool names.
const toolSeparator = "__"

// ServerState holds the state of a managed MCP server.
type ServerState struct {
	Name   string
	Status ServerStatus
	Error  error
	Tools  int
	client *Client
}

// Manager handles MCP server lifecycle and routes tool calls.
type Manager struct {
	config   *Config
	statuses map[string]*ServerState
	mu       sync.RWMutex
	logger   *slog.Logger

	// connect is swapped in tests to avoid spawning processes.
	connect func(ctx context.Context, c *Client) error
}

// NewManager creates a manager for the given configuration. A nil config
// means no servers.
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = &Config{Servers: make(map[string]ServerConfig)}
	}
	return &Manager{
		config:   cfg,
		statuses: make(map[string]*ServerState),
		logger:   slog.Default(),
		connect: func(ctx context.Context, c *Client) error {
			return c.Start(ctx)
		},
	}
}

// SetLogger replaces the manager's logger.
func (m *Manager) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Config returns the current configuration.
func (m *Manager) Config() *Config {
	return m.config
}

// StartAll starts every enabled server concurrently and waits for them.
// A server that fails is marked failed and logged; it does not stop the
// others. The returned error is only ctx's.
func (m *Manager) StartAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range m.config.ServerNames() {
		if m.config.Servers[name].Disabled {
			continue
		}
		g.Go(func() error {
			if err := m.Enable(gctx, name); err != nil {
				m.logger.Warn("mcp server failed to start", "server", name, "err", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Enable starts a single server and blocks until it is ready or failed.
func (m *Manager) Enable(ctx context.Context, name string) error {
	serverCfg, ok := m.config.Servers[name]
	if !ok {
		return fmt.Errorf("unknown MCP server: %s", name)
	}

	m.mu.Lock()
	if state, ok := m.statuses[name]; ok && (state.Status == StatusStarting || state.Status == StatusReady) {
		m.mu.Unlock()
		return nil
	}
	client := NewClient(name, serverCfg)
	state := &ServerState{Name: name, Status: StatusStarting, client: client}
	m.statuses[name] = state
	m.mu.Unlock()

	err := m.connect(ctx, client)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		state.Status = StatusFailed
		state.Error = err
		state.client = nil
		return err
	}
	state.Status = StatusReady
	state.Tools = len(client.Tools())
	m.logger.Debug("mcp server ready", "server", name, "tools", state.Tools)
	return nil
}

// Disable stops a server.
func (m *Manager) Disable(name string) error {
	m.mu.Lock()
	state, ok := m.statuses[name]
	if !ok || state.client == nil {
		m.mu.Unlock()
		return nil
	}
	client := state.client
	state.client = nil
	state.Status = StatusStopped
	state.Error = nil
	state.Tools = 0
	m.mu.Unlock()

	return client.Stop()
}

// StopAll stops all running servers.
func (m *Manager) StopAll() {
	m.mu.Lock()
	var clients []*Client
	for _, state := range m.statuses {
		if state.client != nil {
			clients = append(clients, state.client)
		}
	}
	m.statuses = make(map[string]*ServerState)
	m.mu.Unlock()

	for _, c := range clients {
		if err := c.Stop(); err != nil {
			m.logger.Debug("mcp server stop", "server", c.Name(), "err", err)
		}
	}
}

// States returns a snapshot of every server's state, sorted by name.
func (m *Manager) States() []ServerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]ServerState, 0, len(m.statuses))
	for _, state := range m.statuses {
		states = append(states, ServerState{
			Name:   state.Name,
			Status: state.Status,
			Error:  state.Error,
			Tools:  state.Tools,
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

// AllTools returns all tools from all ready servers, sorted by exposed
// name. Names are prefixed with the server name to avoid collisions.
func (m *Manager) AllTools() []ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []ToolSpec
	for name, state := range m.statuses {
		if state.Status != StatusReady || state.client == nil {
			continue
		}
		serverCfg := m.config.Servers[name]
		for _, tool := range state.client.Tools() {
			if !serverCfg.AllowsTool(tool.Name) {
				continue
			}
			all = append(all, ToolSpec{
				Name:        name + toolSeparator + tool.Name,
				Description: fmt.Sprintf("[%s] %s", name, tool.Description),
				Schema:      tool.Schema,
			})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// CallTool routes a prefixed tool call to its server.
func (m *Manager) CallTool(ctx context.Context, fullName string, args json.RawMessage) (string, error) {
	serverName, toolName := parseToolName(fullName)
	if serverName == "" {
		return "", fmt.Errorf("invalid MCP tool name: %s (expected server%stool)", fullName, toolSeparator)
	}

	m.mu.RLock()
	state, ok := m.statuses[serverName]
	var client *Client
	if ok && state.Status == StatusReady {
		client = state.client
	}
	m.mu.RUnlock()

	if client == nil {
		return "", fmt.Errorf("MCP server %s is not running", serverName)
	}
	if serverCfg := m.config.Servers[serverName]; !serverCfg.AllowsTool(toolName) {
		return "", fmt.Errorf("MCP tool %s is not enabled for server %s", toolName, serverName)
	}
	return client.CallTool(ctx, toolName, args)
}

// parseToolName splits "server__tool" at the first separator.
func parseToolName(fullName string) (serverName, toolName string) {
	server, tool, ok := strings.Cut(fullName, toolSeparator)
	if !ok || server == "" {
		return "", fullName
	}
	return server, tool
}
