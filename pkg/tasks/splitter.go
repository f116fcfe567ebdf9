package tasks

import (
	"errors"
	"fmt"
	"slices"

	"github.com/nemanja-m/gobatch/pkg/core"
	"github.com/nemanja-m/gobatch/pkg/manifest"
	"github.com/nemanja-m/gobatch/pkg/plugin"
	"github.com/nemanja-m/gobatch/pkg/stream"
	"github.com/nemanja-m/gobatch/pkg/task"
)

// Splitter re-chunks a sorted dataset so that chunk boundaries fall exactly
// at the given split keys and wherever the splitter plug-in asks for one.
type Splitter struct {
	Input     manifest.Manifest `json:"input"`
	Sorter    plugin.Ref        `json:"sorter"`
	SplitKeys [][]byte          `json:"split_keys,omitempty"`
	Splitter  *plugin.Ref       `json:"splitter,omitempty"`
	Params
	State    string   `json:"state,omitempty"`
	Children []string `json:"children,omitempty"`
}

func (t *Splitter) Validate() error {
	if t.Sorter.Name == "" {
		return errors.New("splitter: sorter is required")
	}
	return nil
}

func (t *Splitter) Run(ctx task.Context) error {
	sortName := t.Sorter.Key()
	if t.State == stateCollect {
		base := emptyManifest(t.Input.NumPartitions, t.Encoding)
		base.Metadata = t.Input.Metadata.Clone()
		out, err := collect(ctx, t.Children, base)
		if err != nil {
			return err
		}
		out.Sort = sortName
		return setManifest(ctx, out)
	}

	if !t.Input.Empty() && t.Input.Sort != sortName {
		return fmt.Errorf("splitter: input is not sorted by %s", sortName)
	}
	var parts []task.Task
	for p, part := range t.Input.SplitByPartition() {
		if part.Empty() {
			continue
		}
		parts = append(parts, &SplitterPart{
			Input:     part,
			Sorter:    t.Sorter,
			SplitKeys: t.SplitKeys,
			Splitter:  t.Splitter,
			Partition: p,
			Params:    t.Params,
		})
	}
	if len(parts) == 0 {
		out := emptyManifest(t.Input.NumPartitions, t.Encoding)
		out.Metadata = t.Input.Metadata.Clone()
		out.Sort = sortName
		return setManifest(ctx, out)
	}
	var err error
	if t.Children, err = spawn(ctx, parts...); err != nil {
		return err
	}
	t.State = stateCollect
	return nil
}

type SplitterPart struct {
	Input     manifest.Manifest `json:"input"`
	Sorter    plugin.Ref        `json:"sorter"`
	SplitKeys [][]byte          `json:"split_keys,omitempty"`
	Splitter  *plugin.Ref       `json:"splitter,omitempty"`
	Partition int               `json:"partition"`
	Params
}

func (t *SplitterPart) Validate() error {
	if t.Sorter.Name == "" {
		return errors.New("splitter_part: sorter is required")
	}
	return nil
}

func (t *SplitterPart) Resources(*plugin.Registry) core.Resources {
	return core.Resources{Cost: costOf(t.Input.Size())}
}

func (t *SplitterPart) Run(ctx task.Context) error {
	plugins := ctx.Plugins()
	sorter, err := plugins.Sorter(t.Sorter)
	if err != nil {
		return err
	}
	var splitter plugin.Splitter
	if !t.Splitter.IsZero() {
		if splitter, err = plugins.Splitter(*t.Splitter); err != nil {
			return err
		}
	}
	keys := slices.Clone(t.SplitKeys)
	slices.SortFunc(keys, sorter.Compare)

	dir, err := outputDir(ctx)
	if err != nil {
		return err
	}
	partition := t.Partition
	w, err := stream.Output{
		Dir:             dir,
		Encoding:        t.Encoding,
		NumPartitions:   t.Input.NumPartitions,
		Partition:       &partition,
		Sorter:          sorter,
		SortName:        t.Sorter.Key(),
		Presorted:       true,
		AllowSplitGroup: true,
	}.Create()
	if err != nil {
		return err
	}

	r, err := stream.Input{Manifest: t.Input}.Open()
	if err != nil {
		w.Abort()
		return err
	}
	defer r.Close()

	var prev []byte
	next := 0
	progress := &ticker{ctx: ctx}
	err = stream.ForEach(r, func(key, value []byte) error {
		// Skip split keys at or before the first record.
		for next < len(keys) && sorter.Compare(keys[next], key) <= 0 && prev == nil {
			next++
		}
		if prev != nil {
			cut := false
			for next < len(keys) && sorter.Compare(keys[next], key) <= 0 {
				cut = true
				next++
			}
			if cut || (splitter != nil && splitter.Split(prev, key)) {
				if err := w.Split(); err != nil {
					return err
				}
			}
		}
		if err := w.Emit(key, value); err != nil {
			return err
		}
		prev = key
		return progress.tick(r.Progress)
	})
	if err != nil {
		w.Abort()
		return err
	}
	out, err := w.Close()
	if err != nil {
		return err
	}
	return setManifest(ctx, out)
}
