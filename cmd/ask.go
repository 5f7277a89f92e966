package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/samsaffron/term-agent/internal/config"
	"github.com/samsaffron/term-agent/internal/llm"
	"github.com/samsaffron/term-agent/internal/mcp"
	"github.com/samsaffron/term-agent/internal/metrics"
	"github.com/samsaffron/term-agent/internal/session"
	"github.com/samsaffron/term-agent/internal/signal"
	"github.com/samsaffron/term-agent/internal/tools"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	askProvider      string
	askSystemMessage string
	askResume        string
	askYolo          bool
	askNoMCP         bool
	askMetricsAddr   string
	// Tool flags
	askTools      string
	askReadDirs   []string
	askWriteDirs  []string
	askShellAllow []string
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question and let the agent use tools to answer it",
	Long: `Send a prompt to the model and stream the answer. Tool calls the
model makes are executed locally; calls outside the workspace or shell
commands not matched by tools.shell_allow ask for approval on the terminal.

Examples:
  term-agent ask "summarize the README"
  term-agent ask --tools read_file,grep,glob "find the config loader"
  term-agent ask --write-dir ./tmp "write a hello world to tmp/hello.go"
  term-agent ask --resume 6f1c... "continue"
  git diff | term-agent ask "review this change"`,
	Args: cobra.ArbitraryArgs,
	RunE: runAsk,
}

func init() {
	AddProviderFlag(askCmd, &askProvider)
	AddToolFlags(askCmd, &askTools, &askReadDirs, &askWriteDirs, &askShellAllow)
	AddSystemMessageFlag(askCmd, &askSystemMessage)
	AddYoloFlag(askCmd, &askYolo)
	askCmd.Flags().StringVarP(&askResume, "resume", "r", "", "Continue a stored session by ID")
	askCmd.Flags().BoolVar(&askNoMCP, "no-mcp", false, "Do not start MCP servers from mcp.json")
	askCmd.Flags().StringVar(&askMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running (overrides metrics.addr)")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	question, err := readQuestion(args, os.Stdin)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()

	cfg, err := loadConfig(askProvider)
	if err != nil {
		return err
	}
	logger := slog.Default()

	recorder := metrics.NewRecorder()
	if addr := firstNonEmpty(askMetricsAddr, cfg.Metrics.Addr); addr != "" {
		go func() {
			if err := recorder.Serve(ctx, addr, logger); err != nil {
				logger.Warn("metrics endpoint failed", "addr", addr, "err", err)
			}
		}()
	}

	provider, err := llm.NewProvider(ctx, cfg, llm.WithRetryObserver(recorder), llm.WithRetryLogger(logger))
	if err != nil {
		return err
	}

	toolMgr, err := newToolManager(cfg)
	if err != nil {
		return err
	}
	if prompter, err := tools.OpenTTYPrompter(); err == nil {
		defer prompter.Close()
		prompter.OnStart = func() { fmt.Fprintln(os.Stderr) }
		toolMgr.SetPrompter(prompter)
	} else {
		logger.Debug("no terminal for approvals, prompts will be denied", "err", err)
	}

	allTools := toolMgr.Tools()
	if !askNoMCP {
		mcpMgr, err := startMCP(ctx, logger)
		if err != nil {
			return err
		}
		defer mcpMgr.StopAll()
		allTools = append(allTools, mcpMgr.Tools(toolMgr.ApprovalMgr)...)
	}

	registry, err := llm.NewToolRegistry(allTools...)
	if err != nil {
		return err
	}

	engine := llm.NewEngine(provider, registry)
	engine.SetLogger(logger)
	engine.SetApprover(toolMgr.ApprovalMgr)
	if cfg.Tools.MaxParallel > 0 {
		engine.SetMaxParallelTools(cfg.Tools.MaxParallel)
	}
	if cfg.Compaction.Enabled {
		summaryModel := firstNonEmpty(cfg.Compaction.Model, cfg.Model())
		engine.SetCompactor(llm.NewCompactor(llm.CompactionConfigFromConfig(cfg.Compaction), llm.NewProviderSummarizer(provider, summaryModel)))
	}
	engine.SetObserver(recorder)

	store, err := session.NewStore(session.FromConfig(cfg.Sessions))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()
	loggingStore := session.NewLoggingStore(store, logger)

	var messages []llm.Message
	var sessionID string
	if askResume != "" {
		messages, err = session.LoadHistory(ctx, loggingStore, askResume)
		if err != nil {
			return fmt.Errorf("resume session: %w", err)
		}
		sessionID = askResume
	} else {
		if askSystemMessage != "" {
			messages = append(messages, llm.SystemText(askSystemMessage))
		}
		sess := &session.Session{
			Summary:  session.TruncateSummary(question),
			Provider: provider.Name(),
			Model:    cfg.Model(),
		}
		if cwd, err := os.Getwd(); err == nil {
			sess.CWD = cwd
		}
		if err := loggingStore.Create(ctx, sess); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		sessionID = sess.ID
	}

	rec := session.NewRecorder(loggingStore, sessionID)
	prompt := llm.UserText(question)
	// Rounds only report what the engine generated; store the input now.
	if err := rec.Append(ctx, append(messagesToRecord(messages, askResume), prompt)...); err != nil {
		logger.Warn("failed to record prompt", "err", err)
	}
	engine.SetTurnCompletedCallback(rec.Callback())

	messages = append(messages, prompt)
	out := newPlainOutput(os.Stdout, os.Stderr)
	res, runErr := engine.Run(ctx, llm.Request{Model: cfg.Model(), Messages: messages, ParallelToolCalls: true}, out.handle)
	out.finish()

	if res != nil {
		if err := rec.Finish(res.State); err != nil {
			logger.Warn("failed to record session status", "err", err)
		}
		logger.Debug("turn finished", "state", res.State, "rounds", res.Rounds,
			"input_tokens", res.Usage.InputTokens, "output_tokens", res.Usage.OutputTokens, "session", sessionID)
	}
	if cfg.Sessions.Enabled {
		fmt.Fprintf(os.Stderr, "session: %s\n", sessionID)
	}
	if errors.Is(runErr, llm.ErrCancelled) {
		return nil
	}
	return runErr
}

// messagesToRecord returns the history that is not yet stored. Resumed
// history is already in the store.
func messagesToRecord(history []llm.Message, resumed string) []llm.Message {
	if resumed != "" {
		return nil
	}
	return history
}

// readQuestion joins args and appends piped stdin, if any.
func readQuestion(args []string, stdin *os.File) (string, error) {
	question := strings.TrimSpace(strings.Join(args, " "))
	if stdin != nil && !term.IsTerminal(int(stdin.Fd())) {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		if piped := strings.TrimSpace(string(data)); piped != "" {
			if question == "" {
				question = piped
			} else {
				question = question + "\n\n" + piped
			}
		}
	}
	if question == "" {
		return "", fmt.Errorf("a question is required (as arguments or on stdin)")
	}
	return question, nil
}

func newToolManager(cfg *config.Config) (*tools.ToolManager, error) {
	toolCfg := tools.FromConfig(cfg.Tools).Merge(tools.ToolConfig{
		Enabled:    tools.ParseToolsFlag(askTools),
		ReadDirs:   askReadDirs,
		WriteDirs:  askWriteDirs,
		ShellAllow: askShellAllow,
		Yolo:       askYolo,
	})
	return tools.NewToolManager(toolCfg)
}

func startMCP(ctx context.Context, logger *slog.Logger) (*mcp.Manager, error) {
	mcpCfg, err := mcp.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load mcp config: %w", err)
	}
	m := mcp.NewManager(mcpCfg)
	m.SetLogger(logger)
	if err := m.StartAll(ctx); err != nil {
		m.StopAll()
		return nil, err
	}
	return m, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
