package tasks

import (
	"errors"
	"fmt"

	"github.com/nemanja-m/gobatch/pkg/manifest"
	"github.com/nemanja-m/gobatch/pkg/plugin"
	"github.com/nemanja-m/gobatch/pkg/task"
)

const (
	statePresort = "presort"
	stateReduce  = "reduce"
	stateDone    = "done"
)

var identityMapper = plugin.Ref{Name: "identity"}

// Sort produces a dataset ordered by a sorter: every partition is a single
// chain of non-overlapping chunks. Unsorted chunks are presorted first, then
// runs are merged with bounded fan-in.
type Sort struct {
	Input  manifest.Manifest `json:"input"`
	Sorter plugin.Ref        `json:"sorter"`
	// NumPartitions repartitions the data; zero keeps the input's partitions.
	NumPartitions int `json:"num_partitions,omitempty"`
	// Summarize names a reducer whose Summarize combines equal keys during
	// the presort.
	Summarize *plugin.Ref `json:"summarize,omitempty"`
	Params
	State  string      `json:"state,omitempty"`
	Merge  mergeRounds `json:"merge"`
	Phases phases      `json:"phases"`
	// Final lists, per partition, the merge child or the chunks already in
	// order.
	Final []sortedPart `json:"final,omitempty"`
}

type sortedPart struct {
	Child  string               `json:"child,omitempty"`
	Chunks []manifest.ChunkInfo `json:"chunks,omitempty"`
}

func (t *Sort) Validate() error {
	if t.Sorter.Name == "" {
		return errors.New("sort: sorter is required")
	}
	return nil
}

func (t *Sort) partitions() int {
	if t.NumPartitions > 0 {
		return t.NumPartitions
	}
	return t.Input.NumPartitions
}

// inputMetadata is the metadata carried to the output. Summarizing rewrites
// records, so nothing is carried then.
func (t *Sort) inputMetadata() manifest.Metadata {
	if t.Summarize != nil {
		return nil
	}
	return t.Input.Metadata.Clone()
}

func (t *Sort) Run(ctx task.Context) error {
	sorter, err := ctx.Plugins().Sorter(t.Sorter)
	if err != nil {
		return err
	}
	sortName := t.Sorter.Key()

	switch t.State {
	case "":
		if t.Input.Empty() {
			out := emptyManifest(t.partitions(), t.Encoding)
			out.Metadata = t.inputMetadata()
			out.Sort = sortName
			return setManifest(ctx, out)
		}
		if t.Encoding == "" {
			t.Encoding = t.Input.Encoding
		}
		keep := sortName
		if t.partitions() != t.Input.NumPartitions || !manifest.SameEncoding(t.Encoding, t.Input.Encoding) {
			keep = ""
		}
		pending, done := t.Input.SplitSort(keep, t.goalSize())
		// Every run written from here on uses the output encoding; done is
		// empty whenever that differs from the input's.
		done.Encoding = t.Encoding
		done.Metadata = t.inputMetadata()
		t.Merge = mergeRounds{Current: done}
		runs := maxRuns(done, sorter)
		if len(pending) > 0 {
			runs += len(pending)
			t.Phases.Left = 1
		}
		t.Phases.Left += manifest.ExpectedMergeRounds(runs, t.maxFiles()) + 1
		if len(pending) > 0 {
			return t.presort(ctx, pending, done)
		}
		t.State = stateMerge
		return t.merge(ctx)
	case statePresort, stateMerge:
		t.State = stateMerge
		return t.merge(ctx)
	case stateFinal:
		out := emptyManifest(t.partitions(), t.Encoding)
		out.Metadata = t.Merge.Current.Metadata.Clone()
		rules := ctx.Plugins().MergeRules()
		for _, part := range t.Final {
			m := emptyManifest(t.partitions(), t.Encoding)
			m.Chunks = part.Chunks
			if part.Child != "" {
				if m, err = childManifest(ctx, part.Child); err != nil {
					return err
				}
			}
			if out, err = out.Add(m, rules); err != nil {
				return err
			}
		}
		out.NumPartitions = t.partitions()
		out.Sort = sortName
		return setManifest(ctx, out)
	default:
		return fmt.Errorf("sort: unknown state %q", t.State)
	}
}

// presort spawns one MapPart per group of unsorted chunks. Their outputs
// join the already sorted chunks as runs of the first merge round.
func (t *Sort) presort(ctx task.Context, pending []manifest.Manifest, done manifest.Manifest) error {
	t.Phases.next(ctx)
	sorterRef := t.Sorter
	output := OutputSpec{NumPartitions: t.partitions(), Sorter: &sorterRef, Summarize: t.Summarize}
	parts := make([]task.Task, 0, len(pending))
	for _, g := range pending {
		parts = append(parts, &MapPart{Input: g, Mapper: identityMapper, Output: output, Params: t.Params})
	}
	ids, err := spawn(ctx, parts...)
	if err != nil {
		return err
	}
	carry := done
	carry.NumPartitions = t.partitions()
	carry.Encoding = t.Encoding
	t.Merge = mergeRounds{Current: carry, Carry: &carry, Round: ids}
	t.State = statePresort
	return nil
}

func (t *Sort) merge(ctx task.Context) error {
	sorter, err := ctx.Plugins().Sorter(t.Sorter)
	if err != nil {
		return err
	}
	groups, err := t.Merge.next(ctx, sorter, t.maxFiles())
	if err != nil {
		return err
	}
	if len(groups) > 0 {
		t.Phases.next(ctx)
		return t.Merge.spawn(ctx, groups, t.Sorter, t.Params)
	}

	// Every partition now has at most maxFiles runs; merge the ones with
	// more than one into a single chain.
	t.Final = nil
	var parts []task.Task
	for p, part := range t.Merge.Current.SplitByPartition() {
		runs := part.Runs(sorter)
		switch len(runs) {
		case 0:
			continue
		case 1:
			t.Final = append(t.Final, sortedPart{Chunks: runs[0]})
			continue
		}
		parts = append(parts, &ReducePart{
			Input:        part,
			Sorter:       t.Sorter,
			Reducer:      identityReducer,
			Partition:    p,
			SortedOutput: true,
			Params:       t.Params,
		})
		t.Final = append(t.Final, sortedPart{})
	}
	t.State = stateFinal
	if len(parts) == 0 {
		return t.Run(ctx)
	}
	t.Phases.next(ctx)
	ids, err := spawn(ctx, parts...)
	if err != nil {
		return err
	}
	next := 0
	for i := range t.Final {
		if t.Final[i].Chunks == nil {
			t.Final[i].Child = ids[next]
			next++
		}
	}
	return nil
}

// SortedReduce sorts its input, then reduces the sorted dataset.
type SortedReduce struct {
	Input         manifest.Manifest `json:"input"`
	Sorter        plugin.Ref        `json:"sorter"`
	Reducer       plugin.Ref        `json:"reducer"`
	NumPartitions int               `json:"num_partitions,omitempty"`
	// Summarize pre-aggregates equal keys with the reducer during the sort.
	Summarize    bool `json:"summarize,omitempty"`
	SortedOutput bool `json:"sorted_output,omitempty"`
	Params
	State string `json:"state,omitempty"`
	Child string `json:"child,omitempty"`
}

func (t *SortedReduce) Validate() error {
	switch {
	case t.Sorter.Name == "":
		return errors.New("sorted_reduce: sorter is required")
	case t.Reducer.Name == "":
		return errors.New("sorted_reduce: reducer is required")
	}
	return nil
}

func (t *SortedReduce) Run(ctx task.Context) error {
	switch t.State {
	case "":
		sort := &Sort{Input: t.Input, Sorter: t.Sorter, NumPartitions: t.NumPartitions, Params: t.Params}
		if t.Summarize {
			reducer := t.Reducer
			sort.Summarize = &reducer
		}
		ctx.SplitProgress(0, 0.5)
		return t.spawn(ctx, sort, stateReduce)
	case stateReduce:
		sorted, err := childManifest(ctx, t.Child)
		if err != nil {
			return err
		}
		ctx.SplitProgress(0, 1)
		return t.spawn(ctx, &Reduce{
			Input:        sorted,
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
		return fmt.Errorf("sorted_reduce: unknown state %q", t.State)
	}
}

func (t *SortedReduce) spawn(ctx task.Context, child task.Task, next string) error {
	id, err := ctx.AddSubtask(child)
	if err != nil {
		return err
	}
	t.Child, t.State = id, next
	return nil
}
