package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/samsaffron/term-agent/internal/config"
	"github.com/samsaffron/term-agent/internal/mcp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show term-agent configuration",
	Long: `View the effective configuration.

Examples:
  term-agent config                     # show current config
  term-agent config path                # print config.yaml location
  term-agent config mcp-path            # print mcp.json location`,
	RunE: configShow, // Default to show
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration with secrets masked",
	RunE:  configShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print configuration file path",
	RunE:  configPath,
}

var configMCPPathCmd = &cobra.Command{
	Use:   "mcp-path",
	Short: "Print MCP server configuration file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := mcp.DefaultConfigPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configPathCmd, configMCPPathCmd)
	rootCmd.AddCommand(configCmd)
}

func configShow(cmd *cobra.Command, args []string) error {
	configPath, err := config.GetConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
		fmt.Fprintf(w, "# No config file (using defaults)\n")
		fmt.Fprintf(w, "# Create one at: %s\n\n", configPath)
	} else {
		fmt.Fprintf(w, "# %s\n\n", configPath)
	}
	return writeConfigYAML(w, cfg)
}

// writeConfigYAML prints cfg using its config-file keys. Secrets are
// replaced by their status.
func writeConfigYAML(w io.Writer, cfg *config.Config) error {
	doc := map[string]any{
		"provider": cfg.Provider,
		"anthropic": map[string]any{
			"model":       cfg.Anthropic.Model,
			"credentials": firstNonEmpty(cfg.Anthropic.Credentials, "api_key"),
			"api_key":     secretStatus(cfg.Anthropic.APIKey),
			"max_tokens":  cfg.Anthropic.MaxTokens,
		},
		"openai": map[string]any{
			"model":    cfg.OpenAI.Model,
			"base_url": cfg.OpenAI.BaseURL,
			"api_key":  secretStatus(cfg.OpenAI.APIKey),
		},
		"gemini": map[string]any{
			"model":   cfg.Gemini.Model,
			"api_key": secretStatus(cfg.Gemini.APIKey),
		},
		"ollama": map[string]any{
			"model":    cfg.Ollama.Model,
			"base_url": cfg.Ollama.BaseURL,
		},
		"retry": map[string]any{
			"enabled":             cfg.Retry.Enabled,
			"max_retries":         cfg.Retry.MaxRetries,
			"initial_delay":       cfg.Retry.InitialDelay.String(),
			"max_delay":           cfg.Retry.MaxDelay.String(),
			"exponential_base":    cfg.Retry.ExponentialBase,
			"respect_retry_after": cfg.Retry.RespectRetryAfter,
			"requests_per_second": cfg.Retry.RequestsPerSecond,
		},
		"compaction": map[string]any{
			"enabled":           cfg.Compaction.Enabled,
			"token_threshold":   cfg.Compaction.TokenThreshold,
			"message_threshold": cfg.Compaction.MessageThreshold,
			"keep_recent":       cfg.Compaction.KeepRecent,
		},
		"tools": map[string]any{
			"enabled":      cfg.Tools.Enabled,
			"read_dirs":    cfg.Tools.ReadDirs,
			"write_dirs":   cfg.Tools.WriteDirs,
			"shell_allow":  cfg.Tools.ShellAllow,
			"max_parallel": cfg.Tools.MaxParallel,
			"yolo":         cfg.Tools.Yolo,
		},
		"sessions": map[string]any{
			"enabled": cfg.Sessions.Enabled,
			"path":    cfg.Sessions.Path,
		},
		"log": map[string]any{
			"level": cfg.Log.Level,
			"file":  cfg.Log.File,
		},
		"metrics": map[string]any{
			"addr": cfg.Metrics.Addr,
		},
	}
	if cfg.OpenAICompat.BaseURL != "" {
		doc["openai_compat"] = map[string]any{
			"name":     cfg.OpenAICompat.Name,
			"base_url": cfg.OpenAICompat.BaseURL,
			"model":    cfg.OpenAICompat.Model,
			"api_key":  secretStatus(cfg.OpenAICompat.APIKey),
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func secretStatus(v string) string {
	if v == "" {
		return "[NOT SET]"
	}
	return "[set]"
}

func configPath(cmd *cobra.Command, args []string) error {
	path, err := config.GetConfigPath()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
