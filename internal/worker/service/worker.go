package service

import (
	"context"
	"errors"
	"time"

	ledger "github.com/nemanja-m/gobatch/internal/coordinator/core"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
	"github.com/nemanja-m/gobatch/internal/worker/core"
)

const (
	defaultPollInterval    = 100 * time.Millisecond
	defaultMaxPollInterval = 5 * time.Second
)

type Config struct {
	Address           string
	Profile           string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	MaxPollInterval   time.Duration
}

type workerService struct {
	client   core.LedgerClient
	executor core.TaskExecutor
	config   Config
	logger   logging.Logger
}

func NewWorkerService(
	client core.LedgerClient,
	executor core.TaskExecutor,
	config Config,
	logger logging.Logger,
) core.WorkerService {
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.MaxPollInterval < config.PollInterval {
		config.MaxPollInterval = max(defaultMaxPollInterval, config.PollInterval)
	}
	config.Profile = ledger.ProfileOrDefault(config.Profile)
	return &workerService{
		client:   client,
		executor: executor,
		config:   config,
		logger:   logger,
	}
}

// Run claims and executes tasks until ctx is done. Heartbeats are sent in the
// background when a heartbeat interval is configured.
func (w *workerService) Run(ctx context.Context) error {
	if w.config.HeartbeatInterval > 0 {
		go w.runHeartbeatLoop(ctx)
	}
	w.runTaskLoop(ctx)
	return nil
}

func (w *workerService) runHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.client.SendHeartbeat(ctx)
			switch {
			case errors.Is(err, ledger.ErrNotFound):
				w.logger.Warn("Coordinator forgot this worker, registering again")
				if _, err := w.client.RegisterWorker(ctx, w.config.Address, w.config.Profile); err != nil {
					w.logger.Error("Failed to register worker", "error", err)
				}
			case err != nil:
				w.logger.Error("Failed to send heartbeat", "error", err)
			default:
				w.logger.Debug("Heartbeat sent successfully")
			}
		}
	}
}

func (w *workerService) runTaskLoop(ctx context.Context) {
	backoff := w.config.PollInterval

	for ctx.Err() == nil {
		task, err := w.client.ClaimTask(ctx, w.config.Profile)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("Failed to claim task", "error", err)
		}
		if err != nil || task == nil {
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, w.config.MaxPollInterval)
			continue
		}

		backoff = w.config.PollInterval
		w.execute(ctx, task)
	}
}

func (w *workerService) execute(ctx context.Context, task *ledger.TaskInfo) {
	w.logger.Info("Received task",
		"task_id", task.ID,
		"job_id", task.Root,
		"type", task.Type,
	)

	report, err := w.executor.Execute(ctx, task)
	if err != nil {
		w.logger.Warn("Task execution interrupted", "task_id", task.ID, "error", err)
		return
	}

	switch report.Kind {
	case ledger.ReportOutput:
		w.logger.Info("Task completed", "task_id", task.ID)
	case ledger.ReportSubtasks:
		w.logger.Info("Task suspended", "task_id", task.ID, "subtasks", len(report.Subtasks))
	default:
		w.logger.Error("Task execution failed", "task_id", task.ID, "error", report.Error)
	}

	err = w.client.ReportResult(ctx, task.ID, report)
	switch {
	case errors.Is(err, ledger.ErrLeaseLost):
		w.logger.Warn("Task lease lost, dropping result", "task_id", task.ID)
	case err != nil:
		w.logger.Error("Failed to report task result", "task_id", task.ID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
