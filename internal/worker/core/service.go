package core

import (
	"context"
	"time"

	ledger "github.com/nemanja-m/gobatch/internal/coordinator/core"
)

// LedgerClient is a worker's view of the job ledger. Every call acts on
// behalf of the worker the client was created for.
type LedgerClient interface {
	RegisterWorker(ctx context.Context, addr, profile string) (time.Duration, error)
	SendHeartbeat(ctx context.Context) error
	// ClaimTask returns nil when no task is runnable.
	ClaimTask(ctx context.Context, profile string) (*ledger.TaskInfo, error)
	GetTask(ctx context.Context, id string) (*ledger.TaskInfo, error)
	UpdateProgress(ctx context.Context, id string, fraction float64) (bool, error)
	SplitProgress(ctx context.Context, id string, cur, future float64) error
	ReportResult(ctx context.Context, id string, report ledger.Report) error
	Close() error
}

type WorkerService interface {
	Run(ctx context.Context) error
}

// TaskExecutor runs a claimed task once and describes the outcome. Task
// failures are reported, not returned; an error means the outcome is unknown
// and nothing must be reported.
type TaskExecutor interface {
	Execute(ctx context.Context, info *ledger.TaskInfo) (ledger.Report, error)
}
