package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestApplyOverrides(t *testing.T) {
	cfg := &Config{
		Provider: "anthropic",
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-5",
		},
		OpenAI: OpenAIConfig{
			Model: "gpt-5.2",
		},
		Gemini: GeminiConfig{
			Model: "gemini-2.5-flash",
		},
	}

	cfg.ApplyOverrides("openai", "gpt-4o")
	if cfg.Provider != "openai" {
		t.Fatalf("provider=%q, want %q", cfg.Provider, "openai")
	}
	if cfg.OpenAI.Model != "gpt-4o" {
		t.Fatalf("openai model=%q, want %q", cfg.OpenAI.Model, "gpt-4o")
	}
	if cfg.Anthropic.Model != "claude-sonnet-4-5" {
		t.Fatalf("anthropic model changed unexpectedly: %q", cfg.Anthropic.Model)
	}

	cfg.ApplyOverrides("", "o3")
	if cfg.Provider != "openai" {
		t.Fatalf("provider changed unexpectedly: %q", cfg.Provider)
	}
	if cfg.Model() != "o3" {
		t.Fatalf("model=%q, want %q", cfg.Model(), "o3")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	cfg, err := loadFrom(viper.New(), t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider != "anthropic" {
		t.Errorf("provider=%q", cfg.Provider)
	}
	if cfg.Anthropic.APIKey != "env-key" {
		t.Errorf("api key=%q, want env fallback", cfg.Anthropic.APIKey)
	}
	if !cfg.Retry.Enabled || cfg.Retry.MaxRetries != 3 || cfg.Retry.InitialDelay != time.Second || cfg.Retry.MaxDelay != time.Minute {
		t.Errorf("retry defaults=%+v", cfg.Retry)
	}
	if cfg.Compaction.TokenThreshold != 50000 || cfg.Compaction.MessageThreshold != 50 || cfg.Compaction.KeepRecent != 4 {
		t.Errorf("compaction defaults=%+v", cfg.Compaction)
	}
	if cfg.Tools.MaxParallel != 16 {
		t.Errorf("max_parallel=%d", cfg.Tools.MaxParallel)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MY_COMPAT_KEY", "secret")
	content := `provider: openai_compat
openai_compat:
  base_url: http://localhost:8080/v1
  model: qwen
  api_key: ${MY_COMPAT_KEY}
retry:
  max_retries: 5
  initial_delay: 250ms
tools:
  shell_allow:
    - "git *"
compaction:
  token_threshold: 80000
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadFrom(viper.New(), dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OpenAICompat.APIKey != "secret" {
		t.Errorf("api key=%q, want expanded env", cfg.OpenAICompat.APIKey)
	}
	if cfg.Model() != "qwen" {
		t.Errorf("model=%q", cfg.Model())
	}
	if cfg.Retry.MaxRetries != 5 || cfg.Retry.InitialDelay != 250*time.Millisecond {
		t.Errorf("retry=%+v", cfg.Retry)
	}
	if cfg.Compaction.TokenThreshold != 80000 || cfg.Compaction.KeepRecent != 4 {
		t.Errorf("compaction=%+v", cfg.Compaction)
	}
	if len(cfg.Tools.ShellAllow) != 1 || cfg.Tools.ShellAllow[0] != "git *" {
		t.Errorf("shell_allow=%v", cfg.Tools.ShellAllow)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "unknown provider", mutate: func(c *Config) { c.Provider = "nope" }, wantErr: "unknown provider"},
		{name: "compat without url", mutate: func(c *Config) { c.Provider = "openai_compat" }, wantErr: "base_url is required"},
		{name: "bad glob", mutate: func(c *Config) { c.Tools.ShellAllow = []string{"[unclosed"} }, wantErr: "invalid shell pattern"},
		{name: "negative retries", mutate: func(c *Config) { c.Retry.MaxRetries = -1 }, wantErr: "max_retries"},
		{name: "bad credentials", mutate: func(c *Config) { c.Anthropic.Credentials = "claude" }, wantErr: "anthropic credentials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Provider: "anthropic", Retry: RetryConfig{ExponentialBase: 2}}
			tt.mutate(cfg)
			errs := cfg.Validate()
			if tt.wantErr == "" {
				if len(errs) != 0 {
					t.Fatalf("unexpected errors: %v", errs)
				}
				return
			}
			if len(errs) == 0 {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(errs[0].Error(), tt.wantErr) {
				t.Fatalf("error=%q, want containing %q", errs[0], tt.wantErr)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TA_TEST_VAR", "value")
	tests := map[string]string{
		"${TA_TEST_VAR}": "value",
		"$TA_TEST_VAR":   "value",
		"literal":        "literal",
		"":               "",
	}
	for in, want := range tests {
		if got := expandEnv(in); got != want {
			t.Errorf("expandEnv(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestGetConfigDirXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	dir, err := GetConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != filepath.Join("/tmp/xdg", "term-agent") {
		t.Fatalf("dir=%q", dir)
	}
}
