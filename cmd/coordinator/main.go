package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nemanja-m/gobatch/examples/grep"
	"github.com/nemanja-m/gobatch/examples/wordcount"
	"github.com/nemanja-m/gobatch/internal/coordinator/api/grpc"
	"github.com/nemanja-m/gobatch/internal/coordinator/api/rest"
	"github.com/nemanja-m/gobatch/internal/coordinator/service"
	"github.com/nemanja-m/gobatch/internal/coordinator/storage"
	"github.com/nemanja-m/gobatch/internal/shared/config"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
	"github.com/nemanja-m/gobatch/pkg/plugin"
	"github.com/nemanja-m/gobatch/pkg/task"
	"github.com/nemanja-m/gobatch/pkg/tasks"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadCoordinator(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskStore, closeStore, err := storage.Open(ctx, cfg.Ledger)
	if err != nil {
		logger.Fatal("Failed to open ledger", "backend", cfg.Ledger.Backend, "error", err)
	}
	defer closeStore()

	// Submitted envelopes are decoded against the same registries the
	// workers run, so unknown types are rejected up front.
	taskRegistry := task.NewRegistry()
	if err := tasks.Register(taskRegistry); err != nil {
		logger.Fatal("Failed to register tasks", "error", err)
	}
	pluginRegistry := plugin.NewRegistry()
	for _, register := range []func(*plugin.Registry) error{plugin.RegisterBuiltins, wordcount.Register, grep.Register} {
		if err := register(pluginRegistry); err != nil {
			logger.Fatal("Failed to register plug-ins", "error", err)
		}
	}

	workerService := service.NewWorkerService(storage.NewInMemoryWorkerStore(), logger)
	jobService := service.NewJobService(taskStore, service.JobServiceConfig{
		RootPath:      cfg.Ledger.RootPath,
		LeaseDuration: cfg.Ledger.LeaseDuration,
		Retry:         cfg.Ledger.Retry,
	}, logger)

	healthChecker := service.NewHealthChecker(service.HealthCheckerConfig{
		CheckInterval: cfg.Health.CheckInterval,
		StaleTimeout:  cfg.Health.StaleTimeout,
	}, workerService, jobService, logger)
	go healthChecker.Start(ctx)

	grpcServer := grpc.NewServer(cfg.GRPC, workerService, jobService, logger)
	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server error", "error", err)
		}
	}()

	restServer := rest.NewServer(cfg.REST, jobService, taskRegistry, pluginRegistry, logger)
	go func() {
		logger.Info("REST server listening", "addr", cfg.REST.Addr)
		if err := restServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("REST server error", "error", err)
		}
	}()

	logger.Info("Coordinator started",
		"ledger", cfg.Ledger.Backend,
		"root_path", cfg.Ledger.RootPath,
		"lease", cfg.Ledger.LeaseDuration.String(),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down coordinator")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := restServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("REST server forced to shutdown", "error", err)
	}
	grpcServer.Stop()

	logger.Info("Coordinator stopped")
}
