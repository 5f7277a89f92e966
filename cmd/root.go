package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/samsaffron/term-agent/internal/config"
	"github.com/samsaffron/term-agent/internal/llm"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "term-agent",
	Short: "Run an AI agent with local tools from the terminal",
	Long: `term-agent streams a model's answer, runs the tools it asks for
(with your approval outside the workspace) and feeds the results back
until the model is done.

Examples:
  term-agent ask "why does go test ./... fail?"
  term-agent ask --tools read_file,grep "where is the retry policy defined?"
  term-agent ask --resume <id> "now fix it"
  term-agent sessions list
  term-agent tools`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
	Version: Version,
}

var (
	debug     bool
	logCloser io.Closer
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Log debug information to stderr")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging installs the default slog logger from the log config
// section. --debug forces debug level on stderr.
func setupLogging() error {
	level := slog.LevelWarn
	var w io.Writer = os.Stderr

	cfg, err := config.Load()
	if err == nil {
		level = parseLevel(cfg.Log.Level)
		if cfg.Log.File != "" && !debug {
			path := cfg.Log.File
			if strings.HasPrefix(path, "~/") {
				if home, herr := os.UserHomeDir(); herr == nil {
					path = filepath.Join(home, path[2:])
				}
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("create log directory: %w", err)
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			w = f
			logCloser = f
		}
	}
	if debug {
		level = slog.LevelDebug
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	return nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelWarn
	}
	return level
}

// loadConfig loads the config and applies a --provider override of the
// form "provider" or "provider:model".
func loadConfig(providerFlag string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if providerFlag != "" {
		provider, model, err := llm.ParseProviderModel(providerFlag)
		if err != nil {
			return nil, err
		}
		cfg.ApplyOverrides(provider, model)
	}
	return cfg, nil
}
