// Package task defines checkpointable units of work. A task runs, and either
// sets an output or spawns subtasks and returns; in the latter case it is run
// again from its serialized state once every subtask is done.
package task

import (
	"context"
	"errors"

	"github.com/nemanja-m/gobatch/pkg/core"
	"github.com/nemanja-m/gobatch/pkg/plugin"
)

var (
	ErrCancelled           = errors.New("task cancelled")
	ErrUnknownType         = errors.New("unknown task type")
	ErrIncompatibleVersion = errors.New("incompatible task version")
	ErrNoResult            = errors.New("task returned without output or subtasks")
)

type Task interface {
	Run(ctx Context) error
}

// Resourced tasks declare the worker profile and cost they need.
type Resourced interface {
	Resources(plugins *plugin.Registry) core.Resources
}

// Validator tasks check their required fields after decoding.
type Validator interface {
	Validate() error
}

// Context is the scheduler-facing side of a running task.
type Context interface {
	Context() context.Context
	ID() string
	// AddSubtask queues t to run once the current Run returns and reports the
	// id it will have.
	AddSubtask(t Task) (string, error)
	GetOutput(id string) ([]byte, error)
	SetOutput(output []byte)
	// SplitProgress starts a new progress phase: cur weighs the task's own
	// work and future the children spawned during the phase.
	SplitProgress(cur, future float64)
	// UpdateProgress records the fraction of the current phase's own work.
	// It returns false once the task has been cancelled.
	UpdateProgress(fraction float64) bool
	RootPath() string
	Plugins() *plugin.Registry
}

// ResourcesOf returns the resources t declares, or the defaults.
func ResourcesOf(t Task, plugins *plugin.Registry) core.Resources {
	if r, ok := t.(Resourced); ok {
		return r.Resources(plugins)
	}
	return core.Resources{}
}
