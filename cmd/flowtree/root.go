package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowtree/internal/logging"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "flowtree",
		Short: "Flowtree builds and runs decision-tree workflows",
		Long: `Flowtree edits, validates, stores and traverses decision-tree workflows:
action steps, true/false branches and terminal nodes, evaluated against a JSON context.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "settings file (default: ~/.flowtree/settings.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: text or json")

	cmd.AddCommand(
		newRunCmd(opts),
		newValidateCmd(opts),
		newRenderCmd(opts),
		newServeCmd(opts),
		newMCPCmd(opts),
		newWorkflowsCmd(opts),
		newSchedulesCmd(opts),
		newInstallCmd(opts),
		newVacuumCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// load resolves the configuration and builds the process logger. Flags win
// over everything loadConfig layers.
func (o *rootOptions) load() (Config, *slog.Logger, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return Config{}, nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, logging.New(cfg.LogFormat, level, os.Stderr), nil
}
