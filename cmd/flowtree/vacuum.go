package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVacuumCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Compact the workflow database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(a *app) error {
				if err := a.store.Vacuum(cmd.Context()); err != nil {
					return fmt.Errorf("vacuum: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			})
		},
	}
}
