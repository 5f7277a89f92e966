package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/samsaffron/term-agent/internal/config"
	"github.com/samsaffron/term-agent/internal/llm"
	"github.com/samsaffron/term-agent/internal/mcp"
	"github.com/samsaffron/term-agent/internal/tools"
	"github.com/spf13/cobra"
)

var toolsListMCP bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools available to the agent",
	Long: `List built-in tools with their approval policy, and the configured MCP
servers. With --mcp the servers are started and their tools listed.`,
	Args: cobra.NoArgs,
	RunE: runTools,
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsListMCP, "mcp", false, "Start MCP servers and list their tools")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	mgr, err := tools.NewToolManager(tools.FromConfig(cfg.Tools))
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	printToolSpecs(w, mgr.Specs())

	mcpCfg, err := mcp.LoadConfig()
	if err != nil {
		return fmt.Errorf("load mcp config: %w", err)
	}
	names := mcpCfg.ServerNames()
	if len(names) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nMCP servers:")
	if !toolsListMCP {
		for _, name := range names {
			server := mcpCfg.Servers[name]
			state := server.TransportType()
			if server.Disabled {
				state += ", disabled"
			}
			fmt.Fprintf(w, "  %s (%s)\n", name, state)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	m := mcp.NewManager(mcpCfg)
	m.SetLogger(slog.Default())
	defer m.StopAll()
	if err := m.StartAll(ctx); err != nil {
		return err
	}
	for _, st := range m.States() {
		if st.Error != nil {
			fmt.Fprintf(w, "  %s: %s (%v)\n", st.Name, st.Status, st.Error)
			continue
		}
		fmt.Fprintf(w, "  %s: %s, %d tools\n", st.Name, st.Status, st.Tools)
	}
	for _, spec := range m.AllTools() {
		fmt.Fprintf(w, "    %s\n", spec.Name)
	}
	return nil
}

func printToolSpecs(w io.Writer, specs []llm.ToolSpec) {
	fmt.Fprintf(w, "%-12s %-8s %-12s %s\n", "TOOL", "KIND", "APPROVAL", "PARALLEL")
	for _, spec := range specs {
		parallel := "no"
		if spec.SupportsParallel {
			parallel = "yes"
		}
		mode := spec.Approval.Mode
		if mode == "" {
			mode = llm.ApprovalNever
		}
		fmt.Fprintf(w, "%-12s %-8s %-12s %s\n", spec.Name, tools.GetToolKind(spec.Name), mode, parallel)
	}
}
