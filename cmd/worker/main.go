package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/gobatch/examples/grep"
	"github.com/nemanja-m/gobatch/examples/wordcount"
	"github.com/nemanja-m/gobatch/internal/shared/config"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
	"github.com/nemanja-m/gobatch/internal/worker/api/grpc"
	"github.com/nemanja-m/gobatch/internal/worker/service"
	"github.com/nemanja-m/gobatch/pkg/plugin"
	"github.com/nemanja-m/gobatch/pkg/task"
	"github.com/nemanja-m/gobatch/pkg/tasks"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadWorker(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	workerID := uuid.New()

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

	client, err := grpc.NewLedgerClient(cfg.Coordinator.Addr, cfg.Coordinator.GRPC, workerID)
	if err != nil {
		logger.Fatal("Failed to create ledger client", "error", err)
	}
	defer client.Close()

	regCtx, regCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer regCancel()

	heartbeatInterval, err := client.RegisterWorker(regCtx, cfg.Worker.Address, cfg.Worker.Profile)
	if err != nil {
		logger.Fatal("Failed to register worker", "error", err)
	}

	executor := service.NewExecutor(client, taskRegistry, pluginRegistry, service.ExecutorConfig{
		RootPath:         cfg.Worker.RootPath,
		ProgressInterval: cfg.Worker.ProgressInterval,
	}, logger)
	workerService := service.NewWorkerService(client, executor, service.Config{
		Address:           cfg.Worker.Address,
		Profile:           cfg.Worker.Profile,
		HeartbeatInterval: heartbeatInterval,
		PollInterval:      cfg.Worker.PollInterval,
		MaxPollInterval:   cfg.Worker.MaxPollInterval,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := workerService.Run(ctx); err != nil {
			logger.Error("Worker stopped with error", "error", err)
		}
	}()

	logger.Info("Worker started",
		"worker_id", workerID.String(),
		"profile", cfg.Worker.Profile,
		"root_path", cfg.Worker.RootPath,
		"heartbeat", heartbeatInterval.String(),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker", "worker_id", workerID.String())
	cancel()
	<-done
}
