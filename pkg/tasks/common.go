// Package tasks implements the generic, resumable compositions of the batch
// engine: import, map, dual map, sort, reduce, splitter and map-reduce. Each
// composite is a state machine whose State field records the phase to resume
// in after its subtasks finish.
//
// Metadata describes the records of a dataset. Compositions that only
// reorder or re-chunk records (sort without summarizing, splitter) carry the
// input's metadata to their output. Compositions that write new records
// (import, map, dual map, reduce) start from empty metadata and keep only
// what their plug-ins install.
package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nemanja-m/gobatch/pkg/chunker"
	"github.com/nemanja-m/gobatch/pkg/manifest"
	"github.com/nemanja-m/gobatch/pkg/plugin"
	"github.com/nemanja-m/gobatch/pkg/stream"
	"github.com/nemanja-m/gobatch/pkg/task"
)

const (
	DefaultGoalSize = 64 << 20 // 64MB
	DefaultMaxFiles = 16

	progressEvery = 1024

	// bytesPerSecond is the throughput assumed when estimating task cost.
	bytesPerSecond = 64 << 20
)

// Params are the sizing knobs shared by every composition.
type Params struct {
	GoalSize int64  `json:"goal_size,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	MaxFiles int    `json:"max_files,omitempty"`
}

func (p Params) goalSize() int64 {
	if p.GoalSize <= 0 {
		return DefaultGoalSize
	}
	return p.GoalSize
}

func (p Params) maxFiles() int {
	if p.MaxFiles < 2 {
		return DefaultMaxFiles
	}
	return p.MaxFiles
}

// OutputSpec shapes the dataset a mapping step writes.
type OutputSpec struct {
	NumPartitions int `json:"num_partitions,omitempty"`
	// Sorter presorts every output chunk and routes records by its partitioner.
	Sorter *plugin.Ref `json:"sorter,omitempty"`
	// Summarize names a reducer whose Summarize combines values of equal keys.
	Summarize *plugin.Ref `json:"summarize,omitempty"`
}

func (s OutputSpec) build(plugins *plugin.Registry, dir string, params Params) (stream.Output, error) {
	out := stream.Output{
		Dir:           dir,
		Encoding:      params.Encoding,
		GoalSize:      params.goalSize(),
		NumPartitions: s.NumPartitions,
	}
	if !s.Sorter.IsZero() {
		sorter, err := plugins.Sorter(*s.Sorter)
		if err != nil {
			return stream.Output{}, err
		}
		out.Sorter = sorter
		out.SortName = s.Sorter.Key()
	}
	if !s.Summarize.IsZero() {
		if out.Sorter == nil {
			return stream.Output{}, fmt.Errorf("summarize needs a sorter")
		}
		summarize, err := summarizer(plugins, *s.Summarize)
		if err != nil {
			return stream.Output{}, err
		}
		out.Summarize = summarize
	}
	return out, nil
}

func summarizer(plugins *plugin.Registry, ref plugin.Ref) (chunker.SummarizeFunc, error) {
	reducer, err := plugins.Reducer(ref)
	if err != nil {
		return nil, err
	}
	s, ok := reducer.(plugin.Summarizer)
	if !ok {
		return nil, fmt.Errorf("reducer %q cannot summarize", ref.Name)
	}
	return s.Summarize, nil
}

// outputDir returns an empty directory private to the running task. Files of
// an earlier, interrupted run of the same task are discarded.
func outputDir(ctx task.Context, sub ...string) (string, error) {
	dir := filepath.Join(append([]string{ctx.RootPath(), ctx.ID()}, sub...)...)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear output dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

func setManifest(ctx task.Context, m manifest.Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	ctx.SetOutput(data)
	return nil
}

func childManifest(ctx task.Context, id string) (manifest.Manifest, error) {
	data, err := ctx.GetOutput(id)
	if err != nil {
		return manifest.Manifest{}, err
	}
	return manifest.Decode(data)
}

// collect adds the output manifests of ids onto base, in order.
func collect(ctx task.Context, ids []string, base manifest.Manifest) (manifest.Manifest, error) {
	rules := ctx.Plugins().MergeRules()
	out := base.Clone()
	for _, id := range ids {
		m, err := childManifest(ctx, id)
		if err != nil {
			return manifest.Manifest{}, fmt.Errorf("output of %s: %w", id, err)
		}
		if out, err = out.Add(m, rules); err != nil {
			return manifest.Manifest{}, err
		}
	}
	return out, nil
}

func spawn(ctx task.Context, children ...task.Task) ([]string, error) {
	ids := make([]string, 0, len(children))
	for _, child := range children {
		id, err := ctx.AddSubtask(child)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func emptyManifest(partitions int, encoding string) manifest.Manifest {
	return manifest.Manifest{
		Chunks:        []manifest.ChunkInfo{},
		NumPartitions: partitions,
		Encoding:      encoding,
	}
}

// ticker reports leaf progress every progressEvery records.
type ticker struct {
	ctx task.Context
	n   int
}

func (t *ticker) tick(fraction func() float64) error {
	t.n++
	if t.n%progressEvery != 0 {
		return nil
	}
	if err := t.ctx.Context().Err(); err != nil {
		return err
	}
	if !t.ctx.UpdateProgress(fraction()) {
		return task.ErrCancelled
	}
	return nil
}

// phases splits what is left of a composite's progress evenly over the
// phases still to come.
type phases struct {
	Left int `json:"phases_left,omitempty"`
}

func (p *phases) next(ctx task.Context) {
	ctx.SplitProgress(0, 1/float64(max(p.Left, 1)))
	if p.Left > 1 {
		p.Left--
	}
}

func costOf(size int64) time.Duration {
	return time.Duration(float64(size) / bytesPerSecond * float64(time.Second))
}
