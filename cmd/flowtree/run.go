package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowtree/internal/diagram"
	"github.com/rendis/flowtree/internal/runner"
	"github.com/rendis/flowtree/internal/store"
	"github.com/rendis/flowtree/internal/streaming"
	"github.com/rendis/flowtree/internal/traversal"
	"github.com/rendis/flowtree/internal/tree"
	"github.com/rendis/flowtree/pkg/schema"
)

type runOptions struct {
	file       string
	workflowID string
	context    string
	filter     string
	schemaPath string
	animate    bool
	output     string
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Traverse a workflow against a context",
		Long: `Run a workflow from a file (-f) or a saved workflow (--workflow) against a JSON
context and print the path it took. Saved workflow runs are recorded.`,
		Example: `  flowtree run -f approval.yaml -c '{"amount": 1500}'
  flowtree run --workflow wf-1 -c ctx.json --filter '.order' --output ascii`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd, opts, ro)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&ro.file, "file", "f", "", "workflow document (JSON or YAML, - for stdin)")
	f.StringVarP(&ro.workflowID, "workflow", "w", "", "saved workflow ID")
	f.StringVarP(&ro.context, "context", "c", "", "run context: inline JSON, a file, or - for stdin")
	f.StringVar(&ro.filter, "filter", "", "jq filter applied to the context before the run")
	f.StringVar(&ro.schemaPath, "schema", "", "JSON Schema file the context must satisfy")
	f.BoolVar(&ro.animate, "animate", false, "print each step as it is animated")
	f.StringVarP(&ro.output, "output", "o", "json", "output format: json, text, ascii, mermaid, markdown")
	cmd.MarkFlagsMutuallyExclusive("file", "workflow")
	cmd.MarkFlagsOneRequired("file", "workflow")
	return cmd
}

func runRun(cmd *cobra.Command, opts *rootOptions, ro *runOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger, ro.workflowID != "")
	if err != nil {
		return err
	}
	defer a.Close()

	req := runner.Request{WorkflowID: ro.workflowID, Filter: ro.filter, Trigger: store.TriggerManual}
	if req.Context, err = readContextJSON(ro.context); err != nil {
		return err
	}
	if ro.schemaPath != "" {
		if req.ContextSchema, err = readInput(ro.schemaPath); err != nil {
			return err
		}
	}

	var t *tree.Tree
	if ro.file != "" {
		if t, err = a.loadTree(ro.file); err != nil {
			return err
		}
	} else if t, err = a.savedTree(ctx, ro.workflowID); err != nil {
		return err
	}
	req.Tree = t

	res, err := a.runner.Run(ctx, req)
	if err != nil {
		return err
	}

	if ro.animate {
		if err := animate(ctx, a, cmd.ErrOrStderr(), ro.workflowID, t, res.Path); err != nil {
			return err
		}
	}
	return printPath(ctx, cmd.OutOrStdout(), ro.output, t, res)
}

// animate plays path through the animator and prints every node.active event
// it publishes.
func animate(ctx context.Context, a *app, w io.Writer, workflowID string, t *tree.Tree, path *traversal.Path) error {
	events, unsubscribe, err := a.hub.Subscribe(ctx, streaming.EventFilter{
		RunID:      path.RunID,
		EventTypes: []string{schema.EventNodeActive, schema.EventPathActive},
	})
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if ev.EventType == schema.EventPathActive {
				fmt.Fprintf(w, "  = %s\n", path.Outcome)
				continue
			}
			label := ev.NodeID
			if n, ok := t.Node(ev.NodeID); ok && n.Label != "" {
				label = n.Label
			}
			fmt.Fprintf(w, "  > %s\n", label)
		}
	}()
	playErr := a.animator.Play(ctx, workflowID, path)
	unsubscribe()
	<-done
	return playErr
}

func printPath(ctx context.Context, w io.Writer, format string, t *tree.Tree, res *runner.Result) error {
	switch format {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "text":
		for i, step := range res.Path.Steps {
			line := fmt.Sprintf("%2d. %s (%s)", i+1, stepName(step), step.Kind)
			if step.Selected != "" {
				line += " -> " + step.Selected
			}
			fmt.Fprintln(w, line)
		}
		fmt.Fprintf(w, "outcome: %s\n", styledOutcome(w, res.Path.Outcome))
		if res.Run != nil {
			fmt.Fprintf(w, "run: %s\n", res.Run.ID)
		}
		return nil
	case "ascii", "mermaid", "markdown":
		model, err := diagram.Build(t, res.Path)
		if err != nil {
			return err
		}
		return writeModel(ctx, w, format, model)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func stepName(step traversal.Step) string {
	if step.Label != "" {
		return step.Label
	}
	return step.NodeID
}

// writeModel renders model as ascii, mermaid, markdown or png.
func writeModel(ctx context.Context, w io.Writer, format string, model *diagram.DiagramModel) error {
	switch format {
	case "", "mermaid":
		_, err := io.WriteString(w, diagram.RenderMermaid(model))
		return err
	case "ascii":
		_, err := io.WriteString(w, diagram.RenderASCIIAuto(model, installedBinDir()))
		return err
	case "markdown", "md":
		return writeMarkdown(w, diagram.RenderMarkdown(model))
	case "png", "image":
		data, err := diagram.RenderImage(ctx, model)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unknown diagram format %q", format)
	}
}

// installedBinDir returns the tool directory, or "" before install has run.
func installedBinDir() string {
	dir := binDir()
	if _, err := os.Stat(dir); err != nil {
		return ""
	}
	return dir
}
