package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowtree/internal/scheduler"
	"github.com/rendis/flowtree/internal/store"
)

func newSchedulesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage cron schedules of saved workflows",
		Long: `Schedules re-run a saved workflow against a fixed context. They fire while
"flowtree serve" is running.`,
	}
	cmd.AddCommand(
		newSchedulesAddCmd(opts),
		newSchedulesListCmd(opts),
		newSchedulesEnableCmd(opts, true),
		newSchedulesEnableCmd(opts, false),
		newSchedulesRemoveCmd(opts),
	)
	return cmd
}

// newCLIScheduler wraps the store for schedule bookkeeping. It is never
// started, so nothing runs from the CLI.
func newCLIScheduler(a *app) *scheduler.Scheduler {
	return scheduler.NewScheduler(a.store, a.runner, a.logger)
}

func newSchedulesAddCmd(opts *rootOptions) *cobra.Command {
	var (
		workflowID string
		cronExpr   string
		contextArg string
		disabled   bool
	)
	cmd := &cobra.Command{
		Use:     "add",
		Short:   "Schedule a saved workflow",
		Example: `  flowtree schedules add --workflow wf-1 --cron "*/15 * * * *" -c '{"amount": 1500}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(a *app) error {
				ctxRaw, err := readContextJSON(contextArg)
				if err != nil {
					return err
				}
				sched := &store.Schedule{
					WorkflowID:     workflowID,
					CronExpression: cronExpr,
					Context:        ctxRaw,
					Enabled:        !disabled,
				}
				if err := newCLIScheduler(a).Create(cmd.Context(), sched); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), sched.ID)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&workflowID, "workflow", "w", "", "saved workflow ID")
	f.StringVar(&cronExpr, "cron", "", "5-field cron expression")
	f.StringVarP(&contextArg, "context", "c", "", "run context: inline JSON, a file, or -")
	f.BoolVar(&disabled, "disabled", false, "create the schedule disabled")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("cron")
	return cmd
}

func newSchedulesListCmd(opts *rootOptions) *cobra.Command {
	var workflowID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(a *app) error {
				schedules, err := a.store.ListSchedules(cmd.Context(), store.ScheduleFilter{WorkflowID: workflowID})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tWORKFLOW\tCRON\tENABLED\tNEXT RUN\tLAST STATUS")
				for _, s := range schedules {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
						s.ID, s.WorkflowID, s.CronExpression, s.Enabled, formatTime(s.NextRunAt), s.LastRunStatus)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "only schedules of this workflow")
	return cmd
}

func newSchedulesEnableCmd(opts *rootOptions, enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable a schedule"
	if !enable {
		use, short = "disable <id>", "Disable a schedule"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(a *app) error {
				_, err := newCLIScheduler(a).Update(cmd.Context(), args[0], store.ScheduleUpdate{Enabled: &enable})
				return err
			})
		},
	}
}

func newSchedulesRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a schedule",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(a *app) error {
				return a.store.DeleteSchedule(cmd.Context(), args[0])
			})
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
