package tasks

import (
	"errors"
	"fmt"

	"github.com/nemanja-m/gobatch/pkg/core"
	"github.com/nemanja-m/gobatch/pkg/manifest"
	"github.com/nemanja-m/gobatch/pkg/plugin"
	"github.com/nemanja-m/gobatch/pkg/stream"
	"github.com/nemanja-m/gobatch/pkg/task"
)

const (
	stateMerge = "merge"
	stateFinal = "final"
)

var identityReducer = plugin.Ref{Name: "identity"}

// ReducePart merges the sorted runs of one partition and feeds each group of
// records to a reducer. With the identity reducer it is a plain merge.
type ReducePart struct {
	Input     manifest.Manifest `json:"input"`
	Sorter    plugin.Ref        `json:"sorter"`
	Reducer   plugin.Ref        `json:"reducer"`
	Partition int               `json:"partition"`
	// SortedOutput declares the reducer emits keys in sorter order.
	SortedOutput bool `json:"sorted_output,omitempty"`
	Params
}

func (t *ReducePart) Validate() error {
	switch {
	case t.Sorter.Name == "":
		return errors.New("reduce_part: sorter is required")
	case t.Reducer.Name == "":
		return errors.New("reduce_part: reducer is required")
	case t.Partition < 0 || t.Partition >= t.Input.Partitions():
		return fmt.Errorf("reduce_part: partition %d out of range", t.Partition)
	}
	return nil
}

func (t *ReducePart) Resources(*plugin.Registry) core.Resources {
	return core.Resources{Cost: costOf(t.Input.Size())}
}

func (t *ReducePart) Run(ctx task.Context) error {
	plugins := ctx.Plugins()
	sorter, err := plugins.Sorter(t.Sorter)
	if err != nil {
		return err
	}
	reducer, err := plugins.Reducer(t.Reducer)
	if err != nil {
		return err
	}
	dir, err := outputDir(ctx)
	if err != nil {
		return err
	}

	partition := t.Partition
	spec := stream.Output{
		Dir:           dir,
		Encoding:      t.Encoding,
		GoalSize:      t.goalSize(),
		NumPartitions: t.Input.NumPartitions,
		Partition:     &partition,
	}
	if t.SortedOutput {
		spec.Sorter = sorter
		spec.SortName = t.Sorter.Key()
		spec.Presorted = true
	}
	w, err := spec.Create()
	if err != nil {
		return err
	}
	if err := reducer.Setup(w); err != nil {
		w.Abort()
		return fmt.Errorf("reducer setup: %w", err)
	}

	r, err := stream.Input{Manifest: t.Input, Sorter: sorter}.Open()
	if err != nil {
		w.Abort()
		return err
	}
	defer r.Close()

	if err := reduceGroups(r, sorter, reducer, &ticker{ctx: ctx}); err != nil {
		w.Abort()
		return err
	}
	if err := reducer.Finalize(w.Metadata()); err != nil {
		w.Abort()
		return err
	}
	out, err := w.Close()
	if err != nil {
		return err
	}
	return setManifest(ctx, out)
}

// reduceGroups walks a sorted stream, delimiting groups where the sorter
// reports a group change. A key that sorts before its predecessor fails.
func reduceGroups(r stream.Reader, sorter core.Sorter, reducer plugin.Reducer, progress *ticker) error {
	var prev []byte
	open := false
	err := stream.ForEach(r, func(key, value []byte) error {
		if open {
			cmp := sorter.Compare(prev, key)
			if cmp > 0 {
				return &stream.OrderingError{Prev: prev, Next: key}
			}
			if core.SameGroup(cmp) {
				prev = key
				if err := reducer.AddValue(key, value); err != nil {
					return err
				}
				return progress.tick(r.Progress)
			}
			if err := reducer.End(); err != nil {
				return err
			}
		}
		if err := reducer.Start(key); err != nil {
			return err
		}
		open, prev = true, key
		if err := reducer.AddValue(key, value); err != nil {
			return err
		}
		return progress.tick(r.Progress)
	})
	if err != nil {
		return err
	}
	if open {
		return reducer.End()
	}
	return nil
}

// mergeRounds holds the state of a bounded fan-in merge between rounds.
type mergeRounds struct {
	Current manifest.Manifest  `json:"current"`
	Carry   *manifest.Manifest `json:"carry,omitempty"`
	Round   []string           `json:"round,omitempty"`
}

// next folds the results of the last round back into Current and plans the
// following one. No groups means every partition fits in a single merge.
func (m *mergeRounds) next(ctx task.Context, sorter core.Sorter, maxFiles int) ([]manifest.Manifest, error) {
	if len(m.Round) > 0 {
		base := manifest.Manifest{}
		if m.Carry != nil {
			base = *m.Carry
		}
		current, err := collect(ctx, m.Round, base)
		if err != nil {
			return nil, err
		}
		current.NumPartitions = m.Current.NumPartitions
		current.Encoding = m.Current.Encoding
		m.Current, m.Round, m.Carry = current, nil, nil
	}
	groups, carry := m.Current.SplitMergepart(sorter, maxFiles)
	if len(groups) > 0 {
		m.Carry = &carry
	}
	return groups, nil
}

func (m *mergeRounds) spawn(ctx task.Context, groups []manifest.Manifest, sorter plugin.Ref, params Params) error {
	parts := make([]task.Task, 0, len(groups))
	for _, g := range groups {
		parts = append(parts, &ReducePart{
			Input:        g,
			Sorter:       sorter,
			Reducer:      identityReducer,
			Partition:    g.Chunks[0].Partition,
			SortedOutput: true,
			Params:       params,
		})
	}
	ids, err := spawn(ctx, parts...)
	if err != nil {
		return err
	}
	m.Round = ids
	return nil
}

func maxRuns(m manifest.Manifest, sorter core.Sorter) int {
	most := 0
	for _, part := range m.SplitByPartition() {
		most = max(most, len(part.Runs(sorter)))
	}
	return most
}

// Reduce groups a dataset of sorted chunks by its sorter and runs a reducer
// over every group. Partitions with too many runs are merged down first.
type Reduce struct {
	Input        manifest.Manifest `json:"input"`
	Sorter       plugin.Ref        `json:"sorter"`
	Reducer      plugin.Ref        `json:"reducer"`
	SortedOutput bool              `json:"sorted_output,omitempty"`
	Params
	State    string      `json:"state,omitempty"`
	Merge    mergeRounds `json:"merge"`
	Phases   phases      `json:"phases"`
	Children []string    `json:"children,omitempty"`
}

func (t *Reduce) Validate() error {
	switch {
	case t.Sorter.Name == "":
		return errors.New("reduce: sorter is required")
	case t.Reducer.Name == "":
		return errors.New("reduce: reducer is required")
	}
	return nil
}

func (t *Reduce) Run(ctx task.Context) error {
	sorter, err := ctx.Plugins().Sorter(t.Sorter)
	if err != nil {
		return err
	}
	if _, err := ctx.Plugins().Reducer(t.Reducer); err != nil {
		return err
	}

	switch t.State {
	case "":
		t.Merge = mergeRounds{Current: t.Input}
		t.Phases.Left = manifest.ExpectedMergeRounds(maxRuns(t.Input, sorter), t.maxFiles()) + 1
		t.State = stateMerge
		fallthrough
	case stateMerge:
		groups, err := t.Merge.next(ctx, sorter, t.maxFiles())
		if err != nil {
			return err
		}
		if len(groups) > 0 {
			t.Phases.next(ctx)
			// Merged runs rejoin the carried input, so they keep its encoding.
			params := t.Params
			params.Encoding = t.Input.Encoding
			return t.Merge.spawn(ctx, groups, t.Sorter, params)
		}
		return t.reduce(ctx)
	case stateFinal:
		base := emptyManifest(t.Input.NumPartitions, t.Encoding)
		out, err := collect(ctx, t.Children, base)
		if err != nil {
			return err
		}
		out.Sort = ""
		if t.SortedOutput {
			out.Sort = t.Sorter.Key()
		}
		return setManifest(ctx, out)
	default:
		return fmt.Errorf("reduce: unknown state %q", t.State)
	}
}

func (t *Reduce) reduce(ctx task.Context) error {
	var parts []task.Task
	for p, part := range t.Merge.Current.SplitByPartition() {
		if part.Empty() {
			continue
		}
		parts = append(parts, &ReducePart{
			Input:        part,
			Sorter:       t.Sorter,
			Reducer:      t.Reducer,
			Partition:    p,
			SortedOutput: t.SortedOutput,
			Params:       t.Params,
		})
	}
	if len(parts) == 0 {
		return setManifest(ctx, emptyManifest(t.Input.NumPartitions, t.Encoding))
	}
	t.Phases.next(ctx)
	var err error
	if t.Children, err = spawn(ctx, parts...); err != nil {
		return err
	}
	t.State = stateFinal
	return nil
}
