package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobService is the job ledger: the single source of truth about every task.
type JobService interface {
	AddJob(ctx context.Context, user string, task NewTask) (string, error)
	GetTask(ctx context.Context, id string) (*TaskInfo, error)
	JobTasks(ctx context.Context, id string) ([]*TaskInfo, error)
	JobProgress(ctx context.Context, id string) (float64, error)
	Summaries(ctx context.Context, filter JobFilter) ([]SummaryInfo, int, error)
	GetSummary(ctx context.Context, id string) (*SummaryInfo, error)

	// ClaimTask leases the first runnable task for profile to workerID. It
	// returns nil when nothing is runnable.
	ClaimTask(ctx context.Context, workerID, profile string) (*TaskInfo, error)
	ReportResult(ctx context.Context, id, workerID string, report Report) error
	// UpdateProgress reports false once the task should stop running.
	UpdateProgress(ctx context.Context, id, workerID string, fraction float64) (bool, error)
	SplitProgress(ctx context.Context, id, workerID string, cur, future float64) error

	CancelJob(ctx context.Context, id string) error
	CancelTask(ctx context.Context, id string) error
	RemoveJob(ctx context.Context, id string) error
	ResurrectJob(ctx context.Context, id string) error

	RenewLeases(ctx context.Context, workerID string) error
	RequeueWorkerTasks(ctx context.Context, workerID string) error
	ExpireLeases(ctx context.Context, now time.Time) (int, error)
}

// WorkerService defines the interface for worker management
type WorkerService interface {
	RegisterWorker(worker *Worker) error
	RecordHeartbeat(workerID uuid.UUID) error
	RemoveWorker(workerID uuid.UUID) error
	GetStaleWorkers(timeout time.Duration) ([]*Worker, error)
}
