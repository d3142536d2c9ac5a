package main

import (
	"bytes"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowtree/internal/diagram"
	"github.com/rendis/flowtree/internal/traversal"
	"github.com/rendis/flowtree/internal/tree"
)

func newRenderCmd(opts *rootOptions) *cobra.Command {
	var (
		file       string
		workflowID string
		contextArg string
		format     string
		outPath    string
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Draw a workflow as a diagram or an outline",
		Long: `Render a workflow diagram. With --context the workflow is run first and the
path it took is drawn over the tree.`,
		Example: `  flowtree render -f approval.yaml --format ascii
  flowtree render --workflow wf-1 -c '{"amount": 1500}' --format png -o path.png`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, workflowID != "")
			if err != nil {
				return err
			}
			defer a.Close()

			var t *tree.Tree
			if file != "" {
				t, err = a.loadTree(file)
			} else {
				t, err = a.savedTree(ctx, workflowID)
			}
			if err != nil {
				return err
			}

			var path *traversal.Path
			if contextArg != "" {
				raw, err := readContextJSON(contextArg)
				if err != nil {
					return err
				}
				if path, err = a.engine.RunJSON(ctx, t, raw); err != nil {
					return err
				}
			}

			model, err := diagram.Build(t, path)
			if err != nil {
				return err
			}
			if outPath == "" || outPath == "-" {
				return writeModel(ctx, cmd.OutOrStdout(), format, model)
			}
			var buf bytes.Buffer
			if err := writeModel(ctx, &buf, format, model); err != nil {
				return err
			}
			return os.WriteFile(outPath, buf.Bytes(), 0o644)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "workflow document (JSON or YAML, - for stdin)")
	f.StringVarP(&workflowID, "workflow", "w", "", "saved workflow ID")
	f.StringVarP(&contextArg, "context", "c", "", "overlay the path taken for this context")
	f.StringVar(&format, "format", "mermaid", "diagram format: mermaid, ascii, markdown, png")
	f.StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	cmd.MarkFlagsMutuallyExclusive("file", "workflow")
	cmd.MarkFlagsOneRequired("file", "workflow")
	return cmd
}
