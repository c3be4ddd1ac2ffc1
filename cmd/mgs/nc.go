package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mgmtsystem/internal/app"
	"mgmtsystem/internal/domain"
	"mgmtsystem/internal/engine"
	"mgmtsystem/internal/repo"
	"mgmtsystem/internal/workflow"
)

func ncCmd() *cobra.Command {
	nc := &cobra.Command{
		Use:     "nc",
		Aliases: []string{"nonconformity"},
		Short:   "Manage nonconformities",
	}
	nc.AddCommand(ncCreateCmd())
	nc.AddCommand(ncListCmd())
	nc.AddCommand(ncShowCmd())
	nc.AddCommand(ncUpdateCmd())
	nc.AddCommand(ncStageCmd())
	nc.AddCommand(ncURLCmd())
	return nc
}

func ncCreateCmd() *cobra.Command {
	var opts engine.NonconformityCreateOptions
	var priority, deadline string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record a nonconformity",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.DateDeadline, err = parseDeadline(deadline, time.Now()); err != nil {
				return err
			}
			opts.Priority = domain.Priority(priority)
			opts.ActorID = actor()
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				nc, err := a.Engine.CreateNonconformity(ctx, opts)
				if err != nil {
					return err
				}
				return printNonconformity(cmd.OutOrStdout(), a.Engine, nc)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.ID, "id", "", "record id (generated when empty)")
	f.StringVar(&opts.Name, "name", "", "short name")
	f.StringVar(&opts.Description, "description", "", "what was found (required)")
	f.StringVar(&opts.Reference, "reference", "", "external reference")
	f.StringVar(&opts.PartnerID, "partner", "", "related partner")
	f.StringVar(&opts.SystemID, "system", "", "management system")
	f.StringVar(&deadline, "deadline", "", "deadline (RFC3339, YYYY-MM-DD or e.g. \"in 10 days\")")
	f.StringVar(&opts.StageID, "stage", "", "initial stage")
	f.StringVar(&priority, "priority", "", "priority (0 low, 1 normal, 2 high)")
	f.StringVar(&opts.SeverityID, "severity", "", "severity")
	f.StringSliceVar(&opts.OriginIDs, "origin", nil, "origin (repeatable, at least one)")
	f.StringSliceVar(&opts.CauseIDs, "cause", nil, "root cause (repeatable)")
	f.StringSliceVar(&opts.ProcedureIDs, "procedure", nil, "procedure (repeatable)")
	f.StringSliceVar(&opts.ActionIDs, "action", nil, "linked action (repeatable)")
	f.StringVar(&opts.ImmediateActionID, "immediate-action", "", "immediate action")
	f.StringVar(&opts.CorrectiveActionID, "corrective-action", "", "corrective action")
	f.StringVar(&opts.PreventiveActionID, "preventive-action", "", "preventive action")
	f.StringVar(&opts.Analysis, "analysis", "", "analysis")
	f.StringVar(&opts.ActionComments, "action-comments", "", "action plan comments")
	f.StringVar(&opts.EvaluationComments, "evaluation-comments", "", "effectiveness evaluation")
	f.StringVar(&opts.CompanyID, "company", "", "company")
	f.StringVar(&opts.ResponsibleUserID, "responsible", "", "responsible user (required)")
	f.StringVar(&opts.ManagerUserID, "manager", "", "manager (required)")
	f.StringVar(&opts.UserID, "user", "", "filled in by (defaults to --actor)")
	f.StringVar(&opts.AuthorUserID, "author", "", "author (defaults to --actor)")
	return cmd
}

func ncListCmd() *cobra.Command {
	var f repo.NonconformityFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nonconformities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListNonconformities(ctx, f)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, items)
				}
				tw := newTable(out, table.Row{"Ref", "ID", "Name", "Stage", "State", "Kanban", "Deadline", "Responsible"})
				for _, nc := range items {
					tw.AppendRow(table.Row{nc.Ref, nc.ID, nc.Name, nc.StageID, nc.State, nc.KanbanState, deref(nc.DateDeadline), nc.ResponsibleUserID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.StageID, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.ResponsibleUserID, "responsible", "", "responsible user filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func ncShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a nonconformity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				nc, err := a.Engine.GetNonconformity(ctx, args[0])
				if err != nil {
					return err
				}
				return printNonconformity(cmd.OutOrStdout(), a.Engine, nc)
			})
		},
	}
}

func ncUpdateCmd() *cobra.Command {
	var (
		name, description, reference, stage, kanban, priority, deadline string
		analysis, actionComments, evaluationComments                     string
		responsible, manager, severity                                   string
		addActions, removeActions, origins                               []string
	)
	cmd := &cobra.Command{
		Use:   "update <id> [id...]",
		Short: "Update one or more nonconformities in one transaction",
		Long:  "Only the flags given are written. With several ids the change is applied to each record; if any record fails the stage guard none is written.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			set := func(flag string, v string) *string {
				if !flags.Changed(flag) {
					return nil
				}
				return &v
			}
			ch := workflow.Change{
				Name:               set("name", name),
				Description:        set("description", description),
				Reference:          set("reference", reference),
				StageID:            set("stage", stage),
				Analysis:           set("analysis", analysis),
				ActionComments:     set("action-comments", actionComments),
				EvaluationComments: set("evaluation-comments", evaluationComments),
				ResponsibleUserID:  set("responsible", responsible),
				ManagerUserID:      set("manager", manager),
				SeverityID:         set("severity", severity),
				AddActionIDs:       addActions,
				RemoveActionIDs:    removeActions,
			}
			if flags.Changed("kanban") {
				k := domain.KanbanState(kanban)
				ch.KanbanState = &k
			}
			if flags.Changed("priority") {
				p := domain.Priority(priority)
				ch.Priority = &p
			}
			if flags.Changed("deadline") {
				ts, err := parseDeadline(deadline, time.Now())
				if err != nil {
					return err
				}
				ch.DateDeadline = &ts
			}
			if flags.Changed("origin") {
				ch.OriginIDs = &origins
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.UpdateNonconformities(ctx, args, ch, actor())
				if err != nil {
					return err
				}
				if len(items) == 1 {
					return printNonconformity(cmd.OutOrStdout(), a.Engine, items[0])
				}
				return printJSON(cmd.OutOrStdout(), items)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "short name")
	f.StringVar(&description, "description", "", "description")
	f.StringVar(&reference, "reference", "", "external reference")
	f.StringVar(&stage, "stage", "", "move to stage")
	f.StringVar(&kanban, "kanban", "", "kanban state (normal, done, blocked)")
	f.StringVar(&priority, "priority", "", "priority (0, 1, 2)")
	f.StringVar(&deadline, "deadline", "", "deadline")
	f.StringVar(&analysis, "analysis", "", "analysis")
	f.StringVar(&actionComments, "action-comments", "", "action plan comments")
	f.StringVar(&evaluationComments, "evaluation-comments", "", "effectiveness evaluation")
	f.StringVar(&responsible, "responsible", "", "responsible user")
	f.StringVar(&manager, "manager", "", "manager")
	f.StringVar(&severity, "severity", "", "severity")
	f.StringSliceVar(&addActions, "add-action", nil, "link action (repeatable)")
	f.StringSliceVar(&removeActions, "remove-action", nil, "unlink action (repeatable)")
	f.StringSliceVar(&origins, "origin", nil, "replace origins (repeatable)")
	return cmd
}

func ncStageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stage <id> <stage>",
		Short: "Move a nonconformity to another stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				nc, err := a.Engine.SetStage(ctx, args[0], args[1], actor())
				if err != nil {
					return err
				}
				return printNonconformity(cmd.OutOrStdout(), a.Engine, nc)
			})
		},
	}
}

func ncURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "url <id>",
		Short: "Print the back-office link to a nonconformity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.GetNonconformity(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), a.Engine.NonconformityURL(args[0]))
				return nil
			})
		},
	}
}

func printNonconformity(w io.Writer, e *engine.Engine, nc domain.Nonconformity) error {
	if viper.GetBool("json") {
		return printJSON(w, nc)
	}
	tw := newTable(w, table.Row{"Field", "Value"})
	tw.AppendRows([]table.Row{
		{"ref", nc.Ref},
		{"id", nc.ID},
		{"name", nc.Name},
		{"description", nc.Description},
		{"stage", nc.StageID},
		{"state", nc.State},
		{"kanban", nc.KanbanState},
		{"priority", nc.Priority},
		{"deadline", deref(nc.DateDeadline)},
		{"closed", deref(nc.ClosingDate)},
		{"responsible", nc.ResponsibleUserID},
		{"manager", nc.ManagerUserID},
		{"actions", nc.LinkedActionIDs()},
		{"days since updated", nc.DaysSinceUpdated},
		{"days to close", nc.NumberOfDaysToClose},
		{"url", e.NonconformityURL(nc.ID)},
	})
	tw.Render()
	return nil
}
