package service

import (
	"context"
	"time"

	ledger "github.com/nemanja-m/gobatch/internal/coordinator/core"
	"github.com/nemanja-m/gobatch/internal/worker/core"
)

// inProcessClient talks to a job service living in the same process.
type inProcessClient struct {
	jobs     ledger.JobService
	workerID string
}

// NewInProcessClient returns a LedgerClient that calls jobs directly. It is
// what the local scheduler runs its workers against.
func NewInProcessClient(jobs ledger.JobService, workerID string) core.LedgerClient {
	return &inProcessClient{jobs: jobs, workerID: workerID}
}

func (c *inProcessClient) RegisterWorker(context.Context, string, string) (time.Duration, error) {
	return 0, nil
}

func (c *inProcessClient) SendHeartbeat(ctx context.Context) error {
	return c.jobs.RenewLeases(ctx, c.workerID)
}

func (c *inProcessClient) ClaimTask(ctx context.Context, profile string) (*ledger.TaskInfo, error) {
	return c.jobs.ClaimTask(ctx, c.workerID, profile)
}

func (c *inProcessClient) GetTask(ctx context.Context, id string) (*ledger.TaskInfo, error) {
	return c.jobs.GetTask(ctx, id)
}

func (c *inProcessClient) UpdateProgress(ctx context.Context, id string, fraction float64) (bool, error) {
	return c.jobs.UpdateProgress(ctx, id, c.workerID, fraction)
}

func (c *inProcessClient) SplitProgress(ctx context.Context, id string, cur, future float64) error {
	return c.jobs.SplitProgress(ctx, id, c.workerID, cur, future)
}

func (c *inProcessClient) ReportResult(ctx context.Context, id string, report ledger.Report) error {
	return c.jobs.ReportResult(ctx, id, c.workerID, report)
}

func (c *inProcessClient) Close() error {
	return nil
}
