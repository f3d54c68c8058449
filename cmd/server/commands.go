package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/warp/results-engine/api"
	"github.com/warp/results-engine/logging"
	"github.com/warp/results-engine/results"
)

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Results reconciliation and scheduled-publish engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "configuration file (YAML, or JSONC for .json/.jsonc)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "SQLite database path (overrides storage.database)")
	cmd.PersistentFlags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides server.listen)")

	// Add subcommands
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newRunDueCommand(opts))
	cmd.AddCommand(newExecuteAllCommand(opts))
	cmd.AddCommand(newGridCommand(opts))

	return cmd
}

// withApp loads the configuration, wires the engine, runs fn and closes
// the app.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app) error) (err error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, results.SystemClock{})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		err = errors.Join(err, a.Close(ctx))
	}()
	return fn(cmd.Context(), a)
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, serve)
		},
	}
}

func serve(_ context.Context, a *app) error {
	log := logging.Component("main")

	handler := a.handler(results.SystemClock{})
	router := api.NewRouter(handler, a.cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:         a.cfg.Server.Listen,
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout.Duration,
		WriteTimeout: a.cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  a.cfg.Server.IdleTimeout.Duration,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "listen", a.cfg.Server.Listen, "timezone", a.location.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-quit:
		log.Info("shutting down server", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	err := server.Shutdown(ctx)
	handler.Trigger.Stop()
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

// =============================================================================
// SCHEDULER COMMANDS
// =============================================================================

func newRunDueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run-due",
		Short: "Execute schedule items whose publish time has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.engine.Scheduler.RunDue(ctx)
				printRun(cmd.OutOrStdout(), res)
				return err
			})
		},
	}
}

func newExecuteAllCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "execute-all",
		Short: "Execute every pending schedule item regardless of publish time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.engine.Scheduler.ForceExecuteAll(ctx)
				printRun(cmd.OutOrStdout(), res)
				return err
			})
		},
	}
}

func printRun(w io.Writer, res results.RunResult) {
	if len(res.Executed) == 0 {
		fmt.Fprintln(w, "nothing to execute")
		return
	}
	fmt.Fprintf(w, "executed %d item(s) in run %s\n", len(res.Executed), res.RunID)
	for _, it := range res.Executed {
		fmt.Fprintf(w, "  %s %s %s = %s\n", it.ID, it.Date, it.Category, it.Value)
	}
}

// =============================================================================
// GRID
// =============================================================================

func newGridCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "grid [YYYY-MM]",
		Short: "Print the reconciled grid of a month (current month by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				key := results.DateIn(results.SystemClock{}.Now(), a.location).MonthKey()
				if len(args) == 1 {
					k, err := results.ParseMonthKey(args[0])
					if err != nil {
						return err
					}
					key = k
				}
				grid, err := a.engine.Reconciler.BuildGrid(ctx, key.Year(), key.Month())
				if err != nil {
					return err
				}
				return results.WriteGridText(cmd.OutOrStdout(), grid)
			})
		},
	}
}
