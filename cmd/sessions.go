package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samsaffron/term-agent/internal/config"
	"github.com/samsaffron/term-agent/internal/llm"
	"github.com/samsaffron/term-agent/internal/session"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List, inspect and delete stored sessions",
	Long: `Sessions are recorded when sessions.enabled is set. Each ask run
creates one unless --resume continues an existing one.

Examples:
  term-agent sessions
  term-agent sessions list --status error -n 5
  term-agent sessions show 6f1c... --format yaml
  term-agent sessions delete 6f1c...`,
	RunE: runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session and its messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsDelete,
}

var sessionStatuses = []string{
	string(session.StatusActive),
	string(session.StatusComplete),
	string(session.StatusError),
	string(session.StatusInterrupted),
}

var (
	sessionsProvider string
	sessionsStatus   string
	sessionsLimit    int
	sessionsFormat   string
)

func init() {
	for _, c := range []*cobra.Command{sessionsCmd, sessionsListCmd} {
		c.Flags().StringVar(&sessionsProvider, "provider", "", "Only sessions from this provider")
		c.Flags().StringVar(&sessionsStatus, "status", "", "Only sessions in this status ("+strings.Join(sessionStatuses, ", ")+")")
		c.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum sessions to list")
	}
	sessionsShowCmd.Flags().StringVarP(&sessionsFormat, "format", "f", "text", "Output format: text, json or yaml")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openSessionStore() (session.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if !cfg.Sessions.Enabled {
		return nil, fmt.Errorf("session storage is disabled (set sessions.enabled)")
	}
	return session.NewStore(session.FromConfig(cfg.Sessions))
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	if sessionsStatus != "" && !slices.Contains(sessionStatuses, sessionsStatus) {
		return fmt.Errorf("invalid status %q (want one of %s)", sessionsStatus, strings.Join(sessionStatuses, ", "))
	}
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.List(cmd.Context(), session.ListOptions{
		Provider: sessionsProvider,
		Status:   session.SessionStatus(sessionsStatus),
		Limit:    sessionsLimit,
	})
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	printSessionList(cmd.OutOrStdout(), summaries, time.Now())
	return nil
}

func printSessionList(w io.Writer, summaries []session.SessionSummary, now time.Time) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSUMMARY\tMSGS\tTURNS\tTOOLS\tTOKENS\tSTATUS\tUPDATED")
	for _, s := range summaries {
		summary := s.Summary
		if len(summary) > 25 {
			summary = summary[:22] + "..."
		}
		status := cmpStatus(s.Status)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			s.ID, summary, s.MessageCount, s.LLMTurns, s.ToolCalls,
			formatSessionTokens(s.InputTokens, s.OutputTokens), status, formatRelativeTime(s.UpdatedAt, now))
	}
	tw.Flush()
}

// cmpStatus treats an unset status as active; old rows may lack one.
func cmpStatus(s session.SessionStatus) session.SessionStatus {
	if s == "" {
		return session.StatusActive
	}
	return s
}

// formatSessionTokens renders "in/out", or "-" when nothing was used.
func formatSessionTokens(input, output int) string {
	if input == 0 && output == 0 {
		return "-"
	}
	return formatSessionCount(input) + "/" + formatSessionCount(output)
}

// formatSessionCount abbreviates n as 999, 1.2k or 3.4M, truncating
// rather than rounding.
func formatSessionCount(n int) string {
	unit, suffix := 1, ""
	switch {
	case n >= 1_000_000:
		unit, suffix = 1_000_000, "M"
	case n >= 1_000:
		unit, suffix = 1_000, "k"
	default:
		return strconv.Itoa(n)
	}
	tenths := n * 10 / unit
	if tenths%10 == 0 {
		return strconv.Itoa(tenths/10) + suffix
	}
	return strconv.Itoa(tenths/10) + "." + strconv.Itoa(tenths%10) + suffix
}

func formatRelativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return strconv.Itoa(int(d/time.Minute)) + "m ago"
	case d < 24*time.Hour:
		return strconv.Itoa(int(d/time.Hour)) + "h ago"
	case d < 7*24*time.Hour:
		return strconv.Itoa(int(d/(24*time.Hour))) + "d ago"
	}
	return t.Format("2006-01-02")
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	sess, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	messages, err := store.GetMessages(ctx, sess.ID, 0, 0)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	return writeSession(cmd.OutOrStdout(), sessionsFormat, sess, messages)
}

type sessionExport struct {
	Session  *session.Session  `json:"session" yaml:"session"`
	Messages []session.Message `json:"messages" yaml:"messages"`
}

func writeSession(w io.Writer, format string, sess *session.Session, messages []session.Message) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sessionExport{sess, messages})
	case "yaml":
		// Round through JSON so the yaml keys follow the json tags of the
		// nested llm types.
		data, err := json.Marshal(sessionExport{sess, messages})
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		printSession(w, sess, messages)
		return nil
	}
	return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
}

func printSession(w io.Writer, sess *session.Session, messages []session.Message) {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	row := func(k, v string) { fmt.Fprintf(tw, "%s:\t%s\n", k, v) }
	row("Session", sess.ID)
	row("Provider", sess.Provider)
	row("Model", sess.Model)
	row("Created", sess.CreatedAt.Format(time.RFC3339))
	row("Updated", sess.UpdatedAt.Format(time.RFC3339))
	if sess.CWD != "" {
		row("CWD", sess.CWD)
	}
	row("Status", string(cmpStatus(sess.Status)))
	row("Messages", strconv.Itoa(len(messages)))
	row("LLM turns", strconv.Itoa(sess.LLMTurns))
	row("Tool calls", strconv.Itoa(sess.ToolCalls))
	row("Tokens", fmt.Sprintf("%s (input %d, cached %d, output %d)",
		formatSessionTokens(sess.InputTokens, sess.OutputTokens), sess.InputTokens, sess.CachedInputTokens, sess.OutputTokens))
	tw.Flush()

	for _, msg := range messages {
		fmt.Fprintf(w, "\n[%s] %s\n", msg.Role, describeMessage(msg))
	}
}

// describeMessage renders a stored message compactly; long text is cut.
func describeMessage(msg session.Message) string {
	var lines []string
	for _, p := range msg.Parts {
		switch {
		case p.Type == llm.PartText && p.Text != "":
			text := p.Text
			if len(text) > 200 {
				text = text[:197] + "..."
			}
			lines = append(lines, text)
		case p.ToolCall != nil:
			lines = append(lines, "→ "+p.ToolCall.Name+" "+llm.ExtractToolInfo(*p.ToolCall))
		case p.ToolResult != nil:
			mark := "✓"
			if p.ToolResult.IsError {
				mark = "✗"
			}
			lines = append(lines, fmt.Sprintf("%s %s (%d bytes)", mark, p.ToolResult.Name, len(p.ToolResult.Content)))
		}
	}
	return strings.Join(lines, "\n  ")
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	for _, id := range args {
		if err := store.Delete(cmd.Context(), id); err != nil {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted session: %s\n", id)
	}
	return nil
}
