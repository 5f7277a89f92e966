package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/viper"
)

type Config struct {
	Provider     string             `mapstructure:"provider"`
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	OpenAI       OpenAIConfig       `mapstructure:"openai"`
	Gemini       GeminiConfig       `mapstructure:"gemini"`
	OpenAICompat OpenAICompatConfig `mapstructure:"openai_compat"`
	Ollama       OllamaConfig       `mapstructure:"ollama"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Compaction   CompactionConfig   `mapstructure:"compaction"`
	Tools        ToolsConfig        `mapstructure:"tools"`
	Sessions     SessionsConfig     `mapstructure:"sessions"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type AnthropicConfig struct {
	APIKey      string `mapstructure:"api_key"`
	Model       string `mapstructure:"model"`
	Credentials string `mapstructure:"credentials"` // "api_key" (default) or "bedrock"
	MaxTokens   int    `mapstructure:"max_tokens"`

	// Bedrock only
	Region          string `mapstructure:"region"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// OpenAICompatConfig configures a generic OpenAI-compatible server
type OpenAICompatConfig struct {
	BaseURL string            `mapstructure:"base_url"` // Required - no default
	Model   string            `mapstructure:"model"`
	APIKey  string            `mapstructure:"api_key"` // Optional
	Name    string            `mapstructure:"name"`
	Headers map[string]string `mapstructure:"headers"`
}

// OllamaConfig configures the Ollama provider (OpenAI-compatible)
type OllamaConfig struct {
	BaseURL string `mapstructure:"base_url"` // Default: http://localhost:11434/v1
	Model   string `mapstructure:"model"`
}

// RetryConfig mirrors llm.RetryPolicy. Kept separate so config has no
// dependency on the engine.
type RetryConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	ExponentialBase   float64       `mapstructure:"exponential_base"`
	RespectRetryAfter bool          `mapstructure:"respect_retry_after"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"` // 0 disables throttling
}

type CompactionConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	TokenThreshold   int    `mapstructure:"token_threshold"`
	MessageThreshold int    `mapstructure:"message_threshold"`
	KeepRecent       int    `mapstructure:"keep_recent"`
	Model            string `mapstructure:"model"` // Summarizer model, defaults to the main model
}

// ToolsConfig holds configuration for the local tool system.
type ToolsConfig struct {
	Enabled     []string `mapstructure:"enabled"`      // Enabled tool names, empty means all
	ReadDirs    []string `mapstructure:"read_dirs"`    // Directories for read operations
	WriteDirs   []string `mapstructure:"write_dirs"`   // Directories for write operations
	ShellAllow  []string `mapstructure:"shell_allow"`  // Shell command patterns
	MaxParallel int      `mapstructure:"max_parallel"` // Concurrent tool executions per engine
	Yolo        bool     `mapstructure:"yolo"`         // Auto-approve everything
}

type SessionsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // Override database path
}

type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Empty logs to stderr
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // e.g. ":9090"; empty disables the endpoint
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "anthropic")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("anthropic.credentials", "api_key")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("openai.model", "gpt-5.2")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("ollama.base_url", "http://localhost:11434/v1")
	// openai_compat has no base_url default - it's required

	v.SetDefault("retry.enabled", true)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.max_delay", 60*time.Second)
	v.SetDefault("retry.exponential_base", 2.0)
	v.SetDefault("retry.respect_retry_after", true)
	v.SetDefault("retry.requests_per_second", 0)

	v.SetDefault("compaction.enabled", true)
	v.SetDefault("compaction.token_threshold", 50000)
	v.SetDefault("compaction.message_threshold", 50)
	v.SetDefault("compaction.keep_recent", 4)

	v.SetDefault("tools.max_parallel", 16)
	v.SetDefault("tools.yolo", false)

	v.SetDefault("sessions.enabled", true)
	v.SetDefault("log.level", "warn")
}

// Load reads config.yaml from the config directory (or the working
// directory) on top of the defaults. A missing file is not an error.
func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}
	return loadFrom(viper.New(), configPath, ".")
}

func loadFrom(v *viper.Viper, paths ...string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	resolveAnthropicCredentials(&cfg.Anthropic)
	resolveOpenAICredentials(&cfg.OpenAI)
	resolveGeminiCredentials(&cfg.Gemini)
	resolveOpenAICompatCredentials(&cfg.OpenAICompat)

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() []error {
	var errs []error
	switch c.Provider {
	case "anthropic", "openai", "gemini", "ollama", "openai_compat":
	default:
		errs = append(errs, fmt.Errorf("unknown provider: %q", c.Provider))
	}
	if c.Provider == "openai_compat" && c.OpenAICompat.BaseURL == "" {
		errs = append(errs, fmt.Errorf("openai_compat.base_url is required"))
	}
	switch c.Anthropic.Credentials {
	case "", "api_key", "bedrock":
	default:
		errs = append(errs, fmt.Errorf("unknown anthropic credentials: %q", c.Anthropic.Credentials))
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be >= 0"))
	}
	if c.Retry.ExponentialBase < 1 {
		errs = append(errs, fmt.Errorf("retry.exponential_base must be >= 1"))
	}
	if c.Compaction.KeepRecent < 0 {
		errs = append(errs, fmt.Errorf("compaction.keep_recent must be >= 0"))
	}
	if c.Tools.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("tools.max_parallel must be >= 0"))
	}

	for _, pattern := range c.Tools.ShellAllow {
		if _, err := glob.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("invalid shell pattern %q: %w", pattern, err))
		}
	}

	// Warn for nonexistent directories (may be mounted later)
	for _, dir := range c.Tools.ReadDirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			slog.Warn("read_dir does not exist", "dir", dir)
		}
	}
	for _, dir := range c.Tools.WriteDirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			slog.Warn("write_dir does not exist", "dir", dir)
		}
	}
	return errs
}

func (c *Config) ApplyOverrides(provider, model string) {
	if provider != "" {
		c.Provider = provider
	}
	if model != "" {
		switch c.Provider {
		case "anthropic":
			c.Anthropic.Model = model
		case "openai":
			c.OpenAI.Model = model
		case "gemini":
			c.Gemini.Model = model
		case "ollama":
			c.Ollama.Model = model
		case "openai_compat":
			c.OpenAICompat.Model = model
		}
	}
}

// Model returns the configured model for the active provider.
func (c *Config) Model() string {
	switch c.Provider {
	case "anthropic":
		return c.Anthropic.Model
	case "openai":
		return c.OpenAI.Model
	case "gemini":
		return c.Gemini.Model
	case "ollama":
		return c.Ollama.Model
	case "openai_compat":
		return c.OpenAICompat.Model
	}
	return ""
}

func resolveAnthropicCredentials(cfg *AnthropicConfig) {
	cfg.APIKey = expandEnv(cfg.APIKey)
	if cfg.Credentials == "bedrock" {
		cfg.AccessKeyID = expandEnv(cfg.AccessKeyID)
		cfg.SecretAccessKey = expandEnv(cfg.SecretAccessKey)
		cfg.SessionToken = expandEnv(cfg.SessionToken)
		if cfg.Region == "" {
			cfg.Region = os.Getenv("AWS_REGION")
		}
		return
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
}

func resolveOpenAICredentials(cfg *OpenAIConfig) {
	cfg.APIKey = expandEnv(cfg.APIKey)
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

func resolveGeminiCredentials(cfg *GeminiConfig) {
	cfg.APIKey = expandEnv(cfg.APIKey)
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}
}

func resolveOpenAICompatCredentials(cfg *OpenAICompatConfig) {
	cfg.APIKey = expandEnv(cfg.APIKey)
	for k, v := range cfg.Headers {
		cfg.Headers[k] = expandEnv(v)
	}
}

// expandEnv expands a whole-value $VAR or ${VAR} reference.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		varName := s[2 : len(s)-1]
		return os.Getenv(varName)
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for term-agent.
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "term-agent"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "term-agent"), nil
}

func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// GetDataDir returns the XDG data directory for term-agent.
// Uses $XDG_DATA_HOME if set, otherwise ~/.local/share
func GetDataDir() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "term-agent"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".local", "share", "term-agent"), nil
}

// Exists returns true if a config file exists
func Exists() bool {
	path, err := GetConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
