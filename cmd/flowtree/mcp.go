package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/flowtree/pkg/mcp"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the flowtree tools to an agent over MCP stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer a.Close()

			return mcp.NewFlowtreeServer(mcp.FlowtreeServerDeps{
				Runner:    a.runner,
				Store:     a.store,
				Validator: a.validator,
				Hub:       a.hub,
				Logger:    logger,
				BinDir:    installedBinDir(),
			}).Serve(ctx)
		},
	}
}
