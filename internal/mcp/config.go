// Package mcp connects to Model Context Protocol servers and exposes their
// tools to the engine.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/gobwas/glob"
	"github.com/samsaffron/term-agent/internal/config"
)

// Config is the parsed mcp.json file.
type Config struct {
	Servers map[string]ServerConfig `json:"servers"`
}

// ServerConfig describes one server: a command speaking stdio, or a
// streamable HTTP endpoint.
type ServerConfig struct {
	// Type discriminator: "stdio" (default if command present) or "http"
	Type string `json:"type,omitempty"`

	// Stdio transport fields
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// HTTP transport fields
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Shared fields
	Env map[string]string `json:"env,omitempty"`

	// Disabled servers stay in the file but are not started.
	Disabled bool `json:"disabled,omitempty"`

	// Tools limits the server's exposed tools to names matching one of
	// these glob patterns, e.g. "read_*". Empty exposes everything.
	Tools []string `json:"tools,omitempty"`
}

// TransportType returns the effective transport type for this server.
func (c *ServerConfig) TransportType() string {
	if c.Type == "http" || c.URL != "" {
		return "http"
	}
	return "stdio"
}

// Validate checks that the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.Command != "" && c.URL != "" {
		return fmt.Errorf("cannot specify both url and command")
	}
	if c.TransportType() == "http" {
		if c.URL == "" {
			return fmt.Errorf("http transport requires url")
		}
		return nil
	}
	if c.Command == "" {
		return fmt.Errorf("stdio transport requires command")
	}
	for _, pattern := range c.Tools {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("invalid tools pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// AllowsTool reports whether the server's tool filter admits name.
func (c *ServerConfig) AllowsTool(name string) bool {
	if len(c.Tools) == 0 {
		return true
	}
	for _, pattern := range c.Tools {
		if g, err := glob.Compile(pattern); err == nil && g.Match(name) {
			return true
		}
	}
	return false
}

// DefaultConfigPath returns the default path for mcp.json, next to
// config.yaml.
func DefaultConfigPath() (string, error) {
	dir, err := config.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "mcp.json"), nil
}

// LoadConfig loads the MCP configuration from the default path.
func LoadConfig() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadConfigFromPath(path)
}

// LoadConfigFromPath loads the MCP configuration from a specific path. A
// missing file yields an empty configuration.
func LoadConfigFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{Servers: make(map[string]ServerConfig)}, nil
	}
	if err != nil {
		return nil, err
	}

	// "mcpServers" is the key other MCP clients use; both are accepted and
	// "servers" wins on conflict.
	var file struct {
		Servers    map[string]ServerConfig `json:"servers"`
		MCPServers map[string]ServerConfig `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg := Config{Servers: make(map[string]ServerConfig, len(file.Servers)+len(file.MCPServers))}
	maps.Copy(cfg.Servers, file.MCPServers)
	maps.Copy(cfg.Servers, file.Servers)
	for name, server := range cfg.Servers {
		if err := server.Validate(); err != nil {
			return nil, fmt.Errorf("mcp server %s: %w", name, err)
		}
	}
	return &cfg, nil
}

// SaveToPath saves the configuration to a specific path.
func (c *Config) SaveToPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ServerNames returns a sorted list of configured server names.
func (c *Config) ServerNames() []string {
	return slices.Sorted(maps.Keys(c.Servers))
}

// AddServer adds or updates a server configuration.
func (c *Config) AddServer(name string, cfg ServerConfig) {
	if c.Servers == nil {
		c.Servers = make(map[string]ServerConfig)
	}
	c.Servers[name] = cfg
}
