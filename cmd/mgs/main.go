package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mgmtsystem/internal/app"
	"mgmtsystem/internal/db"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mgs",
		Short: "Nonconformity tracking for a management system",
		Long: `mgs records nonconformities found in a management system and tracks them
through analysis, approval, corrective action and closure.
- Stages: configurable pipeline (draft, analysis, pending, open, done, cancel by default).
- Guard: a record cannot go In Progress without action plan comments, nor close
  without evaluation comments and finished actions.
- Actions: immediate, corrective and preventive actions linked to a record; they
  are opened automatically when the record goes In Progress.
- Reminders: responsible users are notified a fixed number of days before the deadline.
- Event log: every change is appended to the log, view it with 'mgs log tail'.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
				return err
			}
			return nil
		},
	}
	cobra.OnInitialize(initConfig)
	addPersistentFlags(root)
	registerCommands(root)
	return root
}

func initConfig() {
	viper.SetEnvPrefix("MGMTSYSTEM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/mgmtsystem.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor", "local-user", "acting user id")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("jwt-secret", "", "HS256 secret for API bearer tokens")
	for _, name := range []string{"workspace", "config", "json", "actor", "log-level", "log-format", "jwt-secret"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands(root *cobra.Command) {
	root.AddCommand(configCmd())
	root.AddCommand(ncCmd())
	root.AddCommand(actionCmd())
	root.AddCommand(stageCmd())
	root.AddCommand(userCmd())
	root.AddCommand(remindersCmd())
	root.AddCommand(mailCmd())
	root.AddCommand(logCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(tokenCmd())
}

// --- helpers ---

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
}

func withApp(cmd *cobra.Command, fn func(context.Context, *app.App) error) error {
	logger, err := newLogger(cmd.ErrOrStderr(), viper.GetString("log-level"), viper.GetString("log-format"))
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actor() string {
	return strings.TrimSpace(viper.GetString("actor"))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(header)
	return tw
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var deadlineParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDeadline accepts RFC3339, a bare YYYY-MM-DD date (midnight UTC) or a
// natural language phrase relative to now, and returns RFC3339 in UTC.
func parseDeadline(input string, now time.Time) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", nil
	}
	if t, err := time.Parse(time.RFC3339, input); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	if t, err := time.Parse(time.DateOnly, input); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	res, err := deadlineParser.Parse(input, now)
	if err != nil {
		return "", fmt.Errorf("parse deadline %q: %w", input, err)
	}
	if res == nil {
		return "", fmt.Errorf("unrecognised deadline %q", input)
	}
	return res.Time.UTC().Format(time.RFC3339), nil
}
