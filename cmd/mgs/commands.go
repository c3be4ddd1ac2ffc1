package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"mgmtsystem/internal/app"
	"mgmtsystem/internal/config"
	"mgmtsystem/internal/db"
	"mgmtsystem/internal/domain"
	"mgmtsystem/internal/engine"
	"mgmtsystem/internal/repo"
	"mgmtsystem/internal/server"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
		Long:  "The configuration names the stages, the reference sequence, the reminder lookahead, mail templates and webhooks. It lives in mgmtsystem.yml in the workspace.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default mgmtsystem.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				store := db.Path(viper.GetString("workspace"))
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), map[string]any{"database_path": store, "config": a.Config})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "# database: %s\n", store)
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(a.Config)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	}
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{Use: "action", Short: "Manage actions"}
	act.AddCommand(actionCreateCmd())
	act.AddCommand(actionListCmd())
	act.AddCommand(actionOpenCmd())
	act.AddCommand(actionStageCmd())
	return act
}

func actionCreateCmd() *cobra.Command {
	var opts engine.ActionCreateOptions
	var deadline string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an action",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.DateDeadline, err = parseDeadline(deadline, time.Now()); err != nil {
				return err
			}
			opts.ActorID = actor()
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				act, err := a.Engine.CreateAction(ctx, opts)
				if err != nil {
					return err
				}
				return printActions(cmd, []domain.Action{act})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.ID, "id", "", "action id (generated when empty)")
	f.StringVar(&opts.Name, "name", "", "name (required)")
	f.StringVar(&opts.Type, "type", "", "immediate, corrective, preventive or improvement")
	f.StringVar(&opts.StageID, "stage", "", "initial stage")
	f.StringVar(&opts.ResponsibleUserID, "responsible", "", "responsible user")
	f.StringVar(&deadline, "deadline", "", "deadline")
	return cmd
}

func actionListCmd() *cobra.Command {
	var f repo.ActionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListActions(ctx, f)
				if err != nil {
					return err
				}
				return printActions(cmd, items)
			})
		},
	}
	cmd.Flags().StringVar(&f.StageID, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func actionOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <id>",
		Short: "Open an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				act, err := a.Engine.OpenAction(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printActions(cmd, []domain.Action{act})
			})
		},
	}
}

func actionStageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stage <id> <stage>",
		Short: "Move an action to another stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				act, err := a.Engine.SetActionStage(ctx, args[0], args[1], actor())
				if err != nil {
					return err
				}
				return printActions(cmd, []domain.Action{act})
			})
		},
	}
}

func printActions(cmd *cobra.Command, items []domain.Action) error {
	out := cmd.OutOrStdout()
	if viper.GetBool("json") {
		return printJSON(out, items)
	}
	tw := newTable(out, table.Row{"ID", "Name", "Type", "Stage", "Responsible", "Deadline", "Opened", "Closed"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.ID, a.Name, a.Type, a.StageID, deref(a.ResponsibleUserID), deref(a.DateDeadline), deref(a.DateOpen), deref(a.DateClosed)})
	}
	tw.Render()
	return nil
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{Use: "stage", Short: "Inspect stages"}
	var scope string
	list := &cobra.Command{
		Use:   "list",
		Short: "List stages in display order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListStages(ctx, a.DB, scope)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, items)
				}
				tw := newTable(out, table.Row{"Scope", "Seq", "ID", "Name", "State", "Starting", "Ending", "Template"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Scope, s.Sequence, s.ID, s.Name, s.State, s.IsStarting, s.IsEnding, s.MailTemplate})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&scope, "scope", "", "nonconformity or action")
	st.AddCommand(list)
	return st
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users notified by the tracker"}
	var name, email string
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or update a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				u := domain.User{ID: args[0], Name: name, Email: email}
				if u.Name == "" {
					u.Name = u.ID
				}
				if err := a.Engine.Repo.UpsertUser(ctx, u, time.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "saved", u.ID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&email, "email", "", "notification address")
	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, items)
				}
				tw := newTable(out, table.Row{"ID", "Name", "Email"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email})
				}
				tw.Render()
				return nil
			})
		},
	}
	usr.AddCommand(add, list)
	return usr
}

func remindersCmd() *cobra.Command {
	rem := &cobra.Command{Use: "reminders", Short: "Deadline reminders"}
	var days int
	run := &cobra.Command{
		Use:   "run",
		Short: "Notify responsible users of deadlines due in --days days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.ProcessReminderQueue(ctx, days)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deadline %s: %d matched, %d sent, %d already reminded, %d failed\n", res.Date, res.Matched, res.Sent, res.Skipped, res.Failed)
				return nil
			})
		},
	}
	run.Flags().IntVar(&days, "days", -1, "lookahead in days (configured value when negative)")
	rem.AddCommand(run)
	return rem
}

func mailCmd() *cobra.Command {
	m := &cobra.Command{Use: "mail", Short: "Outgoing mail queue"}
	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued and delivered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListMail(ctx, status, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, items)
				}
				tw := newTable(out, table.Row{"ID", "Status", "Template", "Recipient", "Subject", "Attempts", "Error"})
				for _, msg := range items {
					tw.AppendRow(table.Row{msg.ID, msg.Status, msg.Template, msg.Recipient, msg.Subject, msg.Attempts, msg.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "queued, sending, sent or failed")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	flush := &cobra.Command{
		Use:   "flush",
		Short: "Deliver queued messages now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sent, failed, err := a.Engine.FlushMail(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d sent, %d failed\n", sent, failed)
				return nil
			})
		},
	}
	m.AddCommand(list, flush)
	return m
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every create, update, stage change, action opening and reminder is appended to the event log.",
	}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, items)
				}
				tw := newTable(out, table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "nonconformity or action")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		Long:  "Signs an HS256 token with MGMTSYSTEM_JWT_SECRET (or --jwt-secret). The subject becomes the acting user for API writes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				subject = actor()
			}
			token, err := server.SignToken(viper.GetString("jwt-secret"), subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}
