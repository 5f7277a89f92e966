package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/samsaffron/term-agent/internal/llm"
	"github.com/spf13/cobra"
)

var (
	modelsProvider string
	modelsJSON     bool
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models offered by the configured provider",
	Long: `Query the provider's model listing endpoint.

Examples:
  term-agent models
  term-agent models --provider openai
  term-agent models -p anthropic
  term-agent models --json`,
	Args: cobra.NoArgs,
	RunE: runModels,
}

func init() {
	AddProviderFlag(modelsCmd, &modelsProvider)
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(modelsProvider)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	provider, err := llm.NewProvider(ctx, cfg)
	if err != nil {
		return err
	}
	models, err := llm.ListModels(ctx, provider)
	if err != nil {
		return fmt.Errorf("%s: %w", cfg.Provider, err)
	}
	if modelsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	}
	printModels(cmd.OutOrStdout(), models, cfg.Model())
	return nil
}

// printModels writes one model per line sorted by ID, marking current.
func printModels(w io.Writer, models []llm.ModelInfo, current string) {
	if len(models) == 0 {
		fmt.Fprintln(w, "No models reported.")
		return
	}
	slices.SortFunc(models, func(a, b llm.ModelInfo) int { return strings.Compare(a.ID, b.ID) })
	for _, m := range models {
		marker := "  "
		if m.ID == current {
			marker = "* "
		}
		var extra []string
		if m.DisplayName != "" && m.DisplayName != m.ID {
			extra = append(extra, m.DisplayName)
		}
		if m.OwnedBy != "" {
			extra = append(extra, m.OwnedBy)
		}
		if m.Created > 0 {
			extra = append(extra, time.Unix(m.Created, 0).UTC().Format("2006-01-02"))
		}
		line := marker + m.ID
		if len(extra) > 0 {
			line += "  (" + strings.Join(extra, ", ") + ")"
		}
		fmt.Fprintln(w, line)
	}
}
