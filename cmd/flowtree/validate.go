package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/flowtree/pkg/schema"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var (
		file       string
		contextArg string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a workflow document and optionally a run context",
		Example: `  flowtree validate -f approval.yaml
  flowtree validate -f approval.json -c '{"amount": 10}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			raw, err := readDocumentJSON(file)
			if err != nil {
				return err
			}
			_, result := a.validator.ValidateJSON(raw)
			if contextArg != "" {
				ctxRaw, err := readContextJSON(contextArg)
				if err != nil {
					return err
				}
				if _, err := a.validator.ValidateContext(ctxRaw); err != nil {
					result.AddError("context", schema.ErrCodeInvalidContext, err.Error())
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(map[string]any{
					"valid":    result.Valid(),
					"errors":   issuesOrEmpty(result.Errors),
					"warnings": issuesOrEmpty(result.Warnings),
				}); err != nil {
					return err
				}
			} else {
				for _, e := range result.Errors {
					fmt.Fprintf(out, "error   %s\n", e)
				}
				for _, w := range result.Warnings {
					fmt.Fprintf(out, "warning %s\n", w)
				}
				if result.Valid() {
					fmt.Fprintln(out, "ok")
				}
			}
			return result.ToError()
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow document (JSON or YAML, - for stdin)")
	cmd.Flags().StringVarP(&contextArg, "context", "c", "", "run context to check: inline JSON, a file, or -")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func issuesOrEmpty(issues []schema.ValidationIssue) []schema.ValidationIssue {
	if issues == nil {
		return []schema.ValidationIssue{}
	}
	return issues
}
