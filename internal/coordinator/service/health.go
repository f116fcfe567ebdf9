package service

import (
	"context"
	"time"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
)

type HealthCheckerConfig struct {
	CheckInterval time.Duration
	// StaleTimeout is how long a worker may go without a heartbeat.
	StaleTimeout time.Duration
}

// SweepResult counts what one sweep took back from workers.
type SweepResult struct {
	RemovedWorkers int
	ExpiredLeases  int
}

// HealthChecker keeps the ledger live when workers disappear: tasks of
// workers that stopped sending heartbeats go back to the queue, and so do
// tasks whose leases ran out.
type HealthChecker struct {
	config  HealthCheckerConfig
	workers core.WorkerService
	jobs    core.JobService
	now     func() time.Time
	logger  logging.Logger
}

func NewHealthChecker(
	config HealthCheckerConfig,
	workers core.WorkerService,
	jobs core.JobService,
	logger logging.Logger,
) *HealthChecker {
	return &HealthChecker{
		config:  config,
		workers: workers,
		jobs:    jobs,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// Start sweeps every check interval until ctx is done.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := h.Sweep(ctx)
			if res.RemovedWorkers > 0 || res.ExpiredLeases > 0 {
				h.logger.Info("Health sweep reclaimed work",
					"removed_workers", res.RemovedWorkers,
					"expired_leases", res.ExpiredLeases,
				)
			}
		}
	}
}

// Sweep runs one health check. Failures are logged and retried on the next
// sweep.
func (h *HealthChecker) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	res.RemovedWorkers = h.removeStaleWorkers(ctx)

	expired, err := h.jobs.ExpireLeases(ctx, h.now())
	if err != nil {
		h.logger.Error("Failed to expire task leases", "error", err)
	}
	res.ExpiredLeases = expired
	return res
}

func (h *HealthChecker) removeStaleWorkers(ctx context.Context) int {
	stale, err := h.workers.GetStaleWorkers(h.config.StaleTimeout)
	if err != nil {
		h.logger.Error("Failed to get stale workers", "error", err)
		return 0
	}

	removed := 0
	for _, worker := range stale {
		// A worker whose tasks could not be requeued stays registered so the
		// next sweep tries again.
		if err := h.jobs.RequeueWorkerTasks(ctx, worker.ID.String()); err != nil {
			h.logger.Error("Failed to requeue worker tasks", "worker_id", worker.ID, "error", err)
			continue
		}
		if err := h.workers.RemoveWorker(worker.ID); err != nil {
			h.logger.Error("Failed to remove stale worker", "worker_id", worker.ID, "error", err)
			continue
		}
		h.logger.Info("Removed stale worker",
			"worker_id", worker.ID,
			"profile", worker.Profile,
			"last_heartbeat", worker.LastHeartbeatAt,
		)
		removed++
	}
	return removed
}
