package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/flowgraph/internal/config"
	"github.com/petrijr/flowgraph/pkg/api"
	"github.com/petrijr/flowgraph/pkg/definition"
	"github.com/petrijr/flowgraph/pkg/httpapi"
	"github.com/petrijr/flowgraph/pkg/natsbridge"
	"github.com/petrijr/flowgraph/pkg/worker"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its HTTP API, task worker and NATS bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format))
		},
	}
	return cmd
}

// registerDefinitions loads every definition file under dir into eng. A
// missing directory leaves the engine empty.
func registerDefinitions(eng api.Engine, dir string, logger *slog.Logger) (int, error) {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		logger.Warn("definitions_dir_missing", slog.String("dir", dir))
		return 0, nil
	}

	reg := definition.NewRegistry()
	registerBuiltinHandlers(reg, logger)
	defs, err := definition.NewParser(reg).LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, def := range defs {
		if err := eng.RegisterWorkflow(def); err != nil {
			return 0, fmt.Errorf("register %s: %w", def.Name, err)
		}
		logger.Info("workflow_registered", slog.String("workflow", def.Name))
	}
	return len(defs), nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("store_close_failed", slog.String("error", err.Error()))
		}
	}()
	logger.Info("store_opened", slog.String("driver", cfg.Store.Driver))

	if _, err := registerDefinitions(rt.Engine, cfg.Definitions.Dir, logger); err != nil {
		return err
	}

	if cfg.Engine.RecoverOnStart {
		n, err := rt.Engine.RecoverStuckInstances(ctx)
		if err != nil {
			return fmt.Errorf("recover stuck instances: %w", err)
		}
		if n > 0 {
			logger.Warn("instances_recovered", slog.Int("count", n))
		}
	}

	w := worker.NewWithConfig(rt.Engine, rt.Queue, worker.Config{
		MaxAttempts: cfg.Worker.MaxAttempts,
		Backoff:     cfg.Worker.Backoff,
		MaxBackoff:  cfg.Worker.MaxBackoff,
		LeaseTTL:    cfg.Worker.LeaseTTL,
		Concurrency: cfg.Worker.Concurrency,
		Logger:      logger,
	})

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(workerCtx) }()

	if cfg.NATS.Enabled {
		nc, err := natsbridge.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		sub, err := natsbridge.NewQueued(nc, w, natsbridge.Config{
			Subject: cfg.NATS.Subject,
			Queue:   cfg.NATS.Queue,
			Logger:  logger,
		}).Subscribe()
		if err != nil {
			return err
		}
		defer func() { _ = sub.Drain() }()
		logger.Info("nats_bridge_started", slog.String("subject", cfg.NATS.Subject))
	}

	e := httpapi.NewEcho(httpapi.NewServer(rt.Engine, w), logger)
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("http_server_starting", slog.String("addr", cfg.HTTP.Addr))
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			stopWorker()
			<-workerDone
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown_requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http_shutdown_failed", slog.String("error", err.Error()))
			_ = server.Close()
		}
	}

	stopWorker()
	if err := <-workerDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker_stopped", slog.String("error", err.Error()))
	}
	logger.Info("server_stopped")
	return nil
}
