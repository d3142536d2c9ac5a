package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowtree/internal/store"
)

func newWorkflowsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflows",
		Aliases: []string{"wf"},
		Short:   "Manage saved workflows",
	}
	cmd.AddCommand(
		newWorkflowsListCmd(opts),
		newWorkflowsShowCmd(opts),
		newWorkflowsSaveCmd(opts),
		newWorkflowsDeleteCmd(opts),
	)
	return cmd
}

// withStore loads the configuration and opens the store for the duration of
// fn.
func withStore(cmd *cobra.Command, opts *rootOptions, fn func(a *app) error) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newWorkflowsListCmd(opts *rootOptions) *cobra.Command {
	var (
		name  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved workflows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(a *app) error {
				wfs, err := a.store.ListWorkflows(cmd.Context(), store.WorkflowFilter{Name: name, Limit: limit})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tUPDATED")
				for _, wf := range wfs {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", wf.ID, wf.Name, wf.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "filter by name")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of workflows")
	return cmd
}

func newWorkflowsShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a saved workflow as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(a *app) error {
				wf, err := a.store.GetWorkflow(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), wf)
			})
		},
	}
}

func newWorkflowsSaveCmd(opts *rootOptions) *cobra.Command {
	var (
		file string
		id   string
		name string
	)
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Validate and save a workflow document",
		Example: `  flowtree workflows save -f approval.yaml --name "Purchase approval"
  flowtree workflows save -f approval.yaml --id wf-1 --name "Purchase approval v2"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(a *app) error {
				raw, err := readDocumentJSON(file)
				if err != nil {
					return err
				}
				doc, result := a.validator.ValidateJSON(raw)
				if err := result.ToError(); err != nil {
					return err
				}
				wf := &store.Workflow{ID: id, Name: name, Document: doc}
				if err := a.store.SaveWorkflow(cmd.Context(), wf); err != nil {
					return err
				}
				for _, w := range result.Warnings {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning %s: %s\n", w.Path, w.Message)
				}
				fmt.Fprintln(cmd.OutOrStdout(), wf.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow document (JSON or YAML, - for stdin)")
	cmd.Flags().StringVar(&id, "id", "", "workflow ID to overwrite (default: new ID)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newWorkflowsDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a saved workflow with its runs and schedules",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(a *app) error {
				return a.store.DeleteWorkflow(cmd.Context(), args[0])
			})
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
