// Package local runs jobs inside a single process: the ledger, the scheduler
// and one or more workers share memory and coordinate only through the
// ledger, exactly as distributed workers do.
package local

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	ledger "github.com/nemanja-m/gobatch/internal/coordinator/core"
	"github.com/nemanja-m/gobatch/internal/coordinator/service"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
	workercore "github.com/nemanja-m/gobatch/internal/worker/core"
	worker "github.com/nemanja-m/gobatch/internal/worker/service"
	"github.com/nemanja-m/gobatch/pkg/plugin"
	"github.com/nemanja-m/gobatch/pkg/task"
)

var (
	ErrJobCancelled = errors.New("job cancelled")
	ErrJobStalled   = errors.New("job stalled")
)

const idleWait = 5 * time.Millisecond

type Config struct {
	// RootPath holds one working directory per job.
	RootPath string
	// Workers is the number of tasks run in parallel.
	Workers          int
	LeaseDuration    time.Duration
	ProgressInterval time.Duration
	Retry            ledger.RetryPolicy
}

type Engine struct {
	store   ledger.TaskStore
	jobs    ledger.JobService
	tasks   *task.Registry
	plugins *plugin.Registry
	config  Config
	logger  logging.Logger
}

// NewEngine builds an engine over store. The ledger outlives the engine when
// store is persistent, so an interrupted job can be resurrected later.
func NewEngine(store ledger.TaskStore, tasks *task.Registry, plugins *plugin.Registry, config Config, logger logging.Logger) *Engine {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = time.Hour
	}
	jobs := service.NewJobService(store, service.JobServiceConfig{
		RootPath:      config.RootPath,
		LeaseDuration: config.LeaseDuration,
		Retry:         config.Retry,
	}, logger)
	return &Engine{
		store:   store,
		jobs:    jobs,
		tasks:   tasks,
		plugins: plugins,
		config:  config,
		logger:  logger,
	}
}

func (e *Engine) Jobs() ledger.JobService {
	return e.jobs
}

// Submit adds t as the root of a new job owned by user.
func (e *Engine) Submit(ctx context.Context, user string, t task.Task) (string, error) {
	typ, err := e.tasks.TypeOf(t)
	if err != nil {
		return "", err
	}
	if v, ok := t.(task.Validator); ok {
		if err := v.Validate(); err != nil {
			return "", fmt.Errorf("invalid %s: %w", typ, err)
		}
	}
	data, err := e.tasks.Encode(t)
	if err != nil {
		return "", err
	}
	res := task.ResourcesOf(t, e.plugins)
	return e.jobs.AddJob(ctx, user, ledger.NewTask{
		Type:    typ,
		Task:    data,
		Profile: res.Profile,
		Cost:    res.Cost,
	})
}

// Step claims one runnable task of any profile for workerID, runs it and
// applies its report. It returns false when nothing was runnable.
func (e *Engine) Step(ctx context.Context, workerID string) (bool, error) {
	client := worker.NewInProcessClient(e.jobs, workerID)
	info, err := e.claim(ctx, client)
	if err != nil || info == nil {
		return false, err
	}

	executor := worker.NewExecutor(client, e.tasks, e.plugins, worker.ExecutorConfig{
		RootPath:         e.config.RootPath,
		ProgressInterval: e.config.ProgressInterval,
	}, e.logger)
	report, err := executor.Execute(ctx, info)
	if err != nil {
		return true, err
	}
	if report.Kind == ledger.ReportError {
		e.logger.Warn("Task failed", "task_id", info.ID, "type", info.Type, "error", report.Error)
	}
	err = client.ReportResult(ctx, info.ID, report)
	if errors.Is(err, ledger.ErrLeaseLost) {
		e.logger.Warn("Task lease lost, dropping result", "task_id", info.ID)
		return true, nil
	}
	return true, err
}

// claim tries every profile that currently has runnable work.
func (e *Engine) claim(ctx context.Context, client workercore.LedgerClient) (*ledger.TaskInfo, error) {
	queued, err := e.store.List(ctx, ledger.TaskFilter{States: []ledger.TaskState{ledger.TaskStateQueued}})
	if err != nil {
		return nil, err
	}
	var profiles []string
	for _, t := range queued {
		if t.Runnable() && !slices.Contains(profiles, t.Profile) {
			profiles = append(profiles, t.Profile)
		}
	}
	for _, profile := range profiles {
		info, err := client.ClaimTask(ctx, profile)
		if err != nil || info != nil {
			return info, err
		}
	}
	return nil, nil
}

// Run submits t and blocks until the job finishes. It returns the root's
// output, or ErrJobCancelled wrapping the error that cancelled the job.
func (e *Engine) Run(ctx context.Context, user string, t task.Task) ([]byte, error) {
	id, err := e.Submit(ctx, user, t)
	if err != nil {
		return nil, err
	}
	e.logger.Info("Job submitted", "job_id", id, "workers", e.config.Workers)
	return e.Wait(ctx, id)
}

// Resume resurrects a cancelled job and waits for it.
func (e *Engine) Resume(ctx context.Context, id string) ([]byte, error) {
	if err := e.jobs.ResurrectJob(ctx, id); err != nil {
		return nil, err
	}
	return e.Wait(ctx, id)
}

// Wait runs the tasks of job id until its root is done or cancelled. Tasks
// still leased by the workers of an earlier, interrupted engine are requeued
// first.
func (e *Engine) Wait(ctx context.Context, id string) ([]byte, error) {
	for i := range e.config.Workers {
		if err := e.jobs.RequeueWorkerTasks(ctx, workerName(i)); err != nil {
			return nil, err
		}
	}
	if e.config.Workers == 1 {
		return e.serial(ctx, id)
	}
	return e.parallel(ctx, id)
}

func (e *Engine) serial(ctx context.Context, id string) ([]byte, error) {
	workerID := workerName(0)
	for {
		root, finished, err := e.result(ctx, id)
		if finished || err != nil {
			return root, err
		}
		stepped, err := e.Step(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if !stepped {
			return nil, fmt.Errorf("%w: %s has nothing runnable", ErrJobStalled, id)
		}
	}
}

func (e *Engine) parallel(ctx context.Context, id string) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := NewPool(e.config.Workers)
	pool.Start()
	for i := range e.config.Workers {
		workerID := workerName(i)
		pool.Submit(func() error {
			defer cancel()
			for ctx.Err() == nil {
				_, finished, err := e.result(ctx, id)
				if finished || err != nil {
					if errors.Is(err, ErrJobCancelled) {
						return nil
					}
					return err
				}
				stepped, err := e.Step(ctx, workerID)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if !stepped {
					select {
					case <-ctx.Done():
					case <-time.After(idleWait):
					}
				}
			}
			return nil
		})
	}
	if err := pool.Close(); err != nil {
		return nil, err
	}

	output, finished, err := e.result(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, err
	}
	if !finished {
		return nil, context.Cause(ctx)
	}
	return output, nil
}

// result reports whether job id has finished and with what.
func (e *Engine) result(ctx context.Context, id string) ([]byte, bool, error) {
	root, err := e.jobs.GetTask(ctx, id)
	if err != nil {
		return nil, false, err
	}
	switch root.State {
	case ledger.TaskStateDone:
		return root.Output, true, nil
	case ledger.TaskStateCancelled:
		return nil, true, fmt.Errorf("%w: %s", ErrJobCancelled, root.Error)
	default:
		return nil, false, nil
	}
}

func workerName(i int) string {
	return fmt.Sprintf("local-%d", i)
}
