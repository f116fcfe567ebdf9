package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ledger "github.com/nemanja-m/gobatch/internal/coordinator/core"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
	"github.com/nemanja-m/gobatch/internal/worker/core"
	"github.com/nemanja-m/gobatch/pkg/plugin"
	"github.com/nemanja-m/gobatch/pkg/task"
)

type ExecutorConfig struct {
	// RootPath is the ledger root; each job works under RootPath/<job id>.
	RootPath string
	// ProgressInterval throttles progress updates sent to the ledger.
	ProgressInterval time.Duration
}

type executor struct {
	client  core.LedgerClient
	tasks   *task.Registry
	plugins *plugin.Registry
	config  ExecutorConfig
	logger  logging.Logger
}

func NewExecutor(
	client core.LedgerClient,
	tasks *task.Registry,
	plugins *plugin.Registry,
	config ExecutorConfig,
	logger logging.Logger,
) core.TaskExecutor {
	return &executor{
		client:  client,
		tasks:   tasks,
		plugins: plugins,
		config:  config,
		logger:  logger,
	}
}

func (e *executor) Execute(ctx context.Context, info *ledger.TaskInfo) (ledger.Report, error) {
	t, err := e.tasks.Decode(info.Task)
	if err != nil {
		return failure(err), nil
	}

	tc := &taskContext{
		ctx:      ctx,
		info:     info,
		executor: e,
		running:  true,
	}
	runErr := run(t, tc)
	if ctx.Err() != nil {
		return ledger.Report{}, ctx.Err()
	}
	if runErr != nil {
		return failure(runErr), nil
	}

	switch {
	case tc.output != nil && len(tc.subtasks) > 0:
		return failure(fmt.Errorf("task both set an output and spawned %d subtasks", len(tc.subtasks))), nil
	case tc.output != nil:
		return ledger.Report{Kind: ledger.ReportOutput, Output: tc.output}, nil
	case len(tc.subtasks) > 0:
		state, err := e.tasks.Encode(t)
		if err != nil {
			return failure(err), nil
		}
		return ledger.Report{Kind: ledger.ReportSubtasks, State: state, Subtasks: tc.subtasks}, nil
	default:
		return failure(task.ErrNoResult), nil
	}
}

func run(t task.Task, tc *taskContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.Run(tc)
}

func failure(err error) ledger.Report {
	return ledger.Report{Kind: ledger.ReportError, Error: err.Error()}
}

// taskContext is the task.Context of one Execute call.
type taskContext struct {
	ctx      context.Context
	info     *ledger.TaskInfo
	executor *executor

	subtasks []ledger.NewTask
	output   []byte

	mu       sync.Mutex
	running  bool
	reported time.Time
}

func (c *taskContext) Context() context.Context {
	return c.ctx
}

func (c *taskContext) ID() string {
	return c.info.ID
}

func (c *taskContext) AddSubtask(t task.Task) (string, error) {
	typ, err := c.executor.tasks.TypeOf(t)
	if err != nil {
		return "", err
	}
	data, err := c.executor.tasks.Encode(t)
	if err != nil {
		return "", err
	}
	res := task.ResourcesOf(t, c.executor.plugins)
	c.subtasks = append(c.subtasks, ledger.NewTask{
		Type:    typ,
		Task:    data,
		Profile: res.Profile,
		Cost:    res.Cost,
	})
	return ledger.ChildID(c.info.ID, len(c.info.Children)+len(c.subtasks)-1), nil
}

func (c *taskContext) GetOutput(id string) ([]byte, error) {
	child, err := c.executor.client.GetTask(c.ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get output of %s: %w", id, err)
	}
	if child.Parent != c.info.ID {
		return nil, fmt.Errorf("%w: %s is not a subtask of %s", ledger.ErrInvalidState, id, c.info.ID)
	}
	if child.State != ledger.TaskStateDone {
		return nil, fmt.Errorf("%w: subtask %s is %s", ledger.ErrInvalidState, id, child.State)
	}
	return child.Output, nil
}

func (c *taskContext) SetOutput(output []byte) {
	if output == nil {
		output = []byte{}
	}
	c.output = output
}

func (c *taskContext) SplitProgress(cur, future float64) {
	if err := c.executor.client.SplitProgress(c.ctx, c.info.ID, cur, future); err != nil {
		c.executor.logger.Warn("Failed to split task progress", "task_id", c.info.ID, "error", err)
	}
}

// UpdateProgress sends at most one update per progress interval and answers
// with the last known state in between.
func (c *taskContext) UpdateProgress(fraction float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return false
	}
	now := time.Now()
	if !c.reported.IsZero() && now.Sub(c.reported) < c.executor.config.ProgressInterval {
		return true
	}
	c.reported = now

	running, err := c.executor.client.UpdateProgress(c.ctx, c.info.ID, fraction)
	switch {
	case errors.Is(err, ledger.ErrLeaseLost):
		c.running = false
	case err != nil:
		c.executor.logger.Warn("Failed to update task progress", "task_id", c.info.ID, "error", err)
		return c.ctx.Err() == nil
	default:
		c.running = running
	}
	if !c.running {
		c.executor.logger.Info("Task no longer running, aborting", "task_id", c.info.ID)
	}
	return c.running
}

func (c *taskContext) RootPath() string {
	return ledger.JobRoot(c.executor.config.RootPath, c.info.Root)
}

func (c *taskContext) Plugins() *plugin.Registry {
	return c.executor.plugins
}
