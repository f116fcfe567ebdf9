package tasks

import (
	"errors"
	"fmt"

	"github.com/nemanja-m/gobatch/pkg/manifest"
	"github.com/nemanja-m/gobatch/pkg/plugin"
	"github.com/nemanja-m/gobatch/pkg/task"
)

// MapReduce maps its input into presorted partitions and reduces them.
type MapReduce struct {
	Input         manifest.Manifest `json:"input"`
	Mapper        plugin.Ref        `json:"mapper"`
	Sorter        plugin.Ref        `json:"sorter"`
	Reducer       plugin.Ref        `json:"reducer"`
	NumPartitions int               `json:"num_partitions,omitempty"`
	Summarize     bool              `json:"summarize,omitempty"`
	SortedOutput  bool              `json:"sorted_output,omitempty"`
	Params
	State string `json:"state,omitempty"`
	Child string `json:"child,omitempty"`
}

func (t *MapReduce) Validate() error {
	switch {
	case t.Mapper.Name == "":
		return errors.New("map_reduce: mapper is required")
	case t.Sorter.Name == "":
		return errors.New("map_reduce: sorter is required")
	case t.Reducer.Name == "":
		return errors.New("map_reduce: reducer is required")
	}
	return nil
}

func (t *MapReduce) Run(ctx task.Context) error {
	switch t.State {
	case "":
		sorter := t.Sorter
		output := OutputSpec{NumPartitions: t.NumPartitions, Sorter: &sorter}
		if t.Summarize {
			reducer := t.Reducer
			output.Summarize = &reducer
		}
		ctx.SplitProgress(0, 0.5)
		return t.spawn(ctx, &Map{Input: t.Input, Mapper: t.Mapper, Output: output, Params: t.Params}, stateReduce)
	case stateReduce:
		mapped, err := childManifest(ctx, t.Child)
		if err != nil {
			return err
		}
		ctx.SplitProgress(0, 1)
		return t.spawn(ctx, &Reduce{
			Input:        mapped,
			Sorter:       t.Sorter,
			Reducer:      t.Reducer,
			SortedOutput: t.SortedOutput,
			Params:       t.Params,
		}, stateDone)
	case stateDone:
		out, err := ctx.GetOutput(t.Child)
		if err != nil {
			return err
		}
		ctx.SetOutput(out)
		return nil
	default:
		return fmt.Errorf("map_reduce: unknown state %q", t.State)
	}
}

func (t *MapReduce) spawn(ctx task.Context, child task.Task, next string) error {
	id, err := ctx.AddSubtask(child)
	if err != nil {
		return err
	}
	t.Child, t.State = id, next
	return nil
}
