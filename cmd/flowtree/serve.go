package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowtree/internal/api"
	"github.com/rendis/flowtree/internal/editor"
	"github.com/rendis/flowtree/internal/logging"
	"github.com/rendis/flowtree/internal/scheduler"
	"github.com/rendis/flowtree/internal/store"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, the editor session and the scheduler",
		Long: `Serve the editor session, saved workflows, runs, schedules, diagrams, the
event stream and Prometheus metrics over HTTP. SIGHUP reloads the settings file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			return runServe(cmd.Context(), opts, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen-addr", "", "TCP listen address (overrides settings)")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, cfg Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	session := editor.NewSession(a.engine,
		editor.WithHub(a.hub),
		editor.WithAnimator(a.animator),
		editor.WithLogger(logger),
	)
	sched := scheduler.NewScheduler(a.store, a.runner, logger,
		scheduler.WithInterval(cfg.SchedulerInterval),
		scheduler.WithObserver(a.metrics),
	)
	eventLog := store.NewEventLog(a.store, logger)

	go func() {
		if err := eventLog.Record(ctx, a.hub); err != nil {
			logger.Error("event log stopped", slog.String("error", err.Error()))
		}
	}()
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("recover missed schedules", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	buildHandler := func(logger *slog.Logger) http.Handler {
		return api.NewServer(api.Deps{
			Session:   session,
			Runner:    a.runner,
			Validator: a.validator,
			Hub:       a.hub,
			Store:     a.store,
			Scheduler: sched,
			EventLog:  eventLog,
			Metrics:   a.metrics,
			Logger:    logger,
			BinDir:    installedBinDir(),
		}).Handler()
	}
	api := newReloadableAPI(buildHandler, logger)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := writePIDFile(); err != nil {
		logger.Warn("write pid file", slog.String("error", err.Error()))
	}
	defer os.Remove(pidPath())

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		current := cfg
		for range hup {
			current = reload(opts, current, api, logger)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("flowtree listening", slog.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// reload re-reads the settings after SIGHUP. Logging changes take effect by
// rebuilding the API with the new logger; everything else needs a restart and
// is only reported.
func reload(opts *rootOptions, current Config, api *reloadableAPI, logger *slog.Logger) Config {
	next, err := loadConfig(opts.configPath)
	if err != nil {
		logger.Error("reload config", slog.String("error", err.Error()))
		return current
	}
	diff := diffConfigs(current, next)
	if diff.LoggingChanged {
		level, err := logging.ParseLevel(next.LogLevel)
		if err != nil {
			logger.Error("reload config", slog.String("error", err.Error()))
			return current
		}
		api.Rebuild(logging.New(next.LogFormat, level, os.Stderr))
		logger.Info("logging reconfigured", slog.String("level", next.LogLevel), slog.String("format", next.LogFormat))
	}
	if len(diff.RestartNeeded) > 0 {
		logger.Warn("settings changed that need a restart", slog.Any("fields", diff.RestartNeeded))
	}
	// Keep the values that have not taken effect.
	next.ListenAddr = current.ListenAddr
	next.DBPath = current.DBPath
	next.RedisURL = current.RedisURL
	next.ExpressionDialect = current.ExpressionDialect
	next.SchedulerInterval = current.SchedulerInterval
	return next
}

func writePIDFile() error {
	path := pidPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
