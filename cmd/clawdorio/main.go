// Command clawdorio runs the local single-node orchestrator: the HTTP API,
// the scheduler loop, and one-shot maintenance subcommands.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/donsqualo/clawdorio/internal/api"
	"github.com/donsqualo/clawdorio/internal/config"
	"github.com/donsqualo/clawdorio/internal/logging"
	"github.com/donsqualo/clawdorio/internal/reemit"
	"github.com/donsqualo/clawdorio/internal/scheduler"
	"github.com/donsqualo/clawdorio/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "clawdorio",
	Short: "Local orchestrator for multi-step feature-dev and auto-rebase workflows",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduler loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := store.Connect(cfg.DBPath); err != nil {
			return fmt.Errorf("connect store: %w", err)
		}

		addr := cfg.ServerAddr
		if override, _ := cmd.Flags().GetString("addr"); override != "" {
			addr = override
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		loop := scheduler.New()
		go loop.Run(ctx)

		return startServer(ctx, addr)
	},
}

var reemitCmd = &cobra.Command{
	Use:   "reemit",
	Short: "Run a one-shot recovery sweep, optionally scoped to a base",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := store.Connect(cfg.DBPath); err != nil {
			return fmt.Errorf("connect store: %w", err)
		}

		baseID, _ := cmd.Flags().GetString("base")
		res, err := reemit.Sweep(baseID)
		if err != nil {
			return err
		}
		logging.Infof("reemit swept %d steps (base=%q)", res.QueuedSteps, res.BaseID)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		return store.Connect(cfg.DBPath)
	},
}

func startServer(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewRouter(),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logging.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case <-ctx.Done():
		return nil
	}
}

func init() {
	serveCmd.Flags().String("addr", "", "override server.addr config")
	reemitCmd.Flags().String("base", "", "scope the sweep to a single base entity id")

	rootCmd.AddCommand(serveCmd, reemitCmd, migrateCmd)
}

func main() {
	config.Init()
	if err := rootCmd.Execute(); err != nil {
		logging.Errorf("%v", err)
		os.Exit(1)
	}
}
