package tasks

import (
	"errors"
	"os"
	"strings"

	"github.com/nemanja-m/gobatch/pkg/core"
	"github.com/nemanja-m/gobatch/pkg/plugin"
	"github.com/nemanja-m/gobatch/pkg/stream"
	"github.com/nemanja-m/gobatch/pkg/task"
)

const stateCollect = "collect"

// Import turns text files into a record dataset, one ImportPart per file.
type Import struct {
	Patterns []string `json:"patterns"`
	// Separator splits each line into key and value. Without one the key is
	// the file path and the value the line.
	Separator     string `json:"separator,omitempty"`
	NumPartitions int    `json:"num_partitions,omitempty"`
	Params
	State    string   `json:"state,omitempty"`
	Children []string `json:"children,omitempty"`
}

func (t *Import) Validate() error {
	if len(t.Patterns) == 0 {
		return errors.New("import: at least one pattern is required")
	}
	return nil
}

func (t *Import) Run(ctx task.Context) error {
	if t.State == stateCollect {
		out, err := collect(ctx, t.Children, emptyManifest(t.NumPartitions, t.Encoding))
		if err != nil {
			return err
		}
		return setManifest(ctx, out)
	}

	files, err := stream.FindFiles(t.Patterns...)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return setManifest(ctx, emptyManifest(t.NumPartitions, t.Encoding))
	}

	parts := make([]task.Task, 0, len(files))
	for _, path := range files {
		parts = append(parts, &ImportPart{
			Path:          path,
			Separator:     t.Separator,
			NumPartitions: t.NumPartitions,
			Params:        t.Params,
		})
	}
	if t.Children, err = spawn(ctx, parts...); err != nil {
		return err
	}
	t.State = stateCollect
	return nil
}

type ImportPart struct {
	Path          string `json:"path"`
	Separator     string `json:"separator,omitempty"`
	NumPartitions int    `json:"num_partitions,omitempty"`
	Params
}

func (t *ImportPart) Validate() error {
	if t.Path == "" {
		return errors.New("import_part: path is required")
	}
	return nil
}

func (t *ImportPart) Resources(*plugin.Registry) core.Resources {
	info, err := os.Stat(t.Path)
	if err != nil {
		return core.Resources{}
	}
	return core.Resources{Cost: costOf(info.Size())}
}

func (t *ImportPart) Run(ctx task.Context) error {
	dir, err := outputDir(ctx)
	if err != nil {
		return err
	}
	info, err := os.Stat(t.Path)
	if err != nil {
		return err
	}
	w, err := stream.Output{
		Dir:           dir,
		Encoding:      t.Encoding,
		GoalSize:      t.goalSize(),
		NumPartitions: t.NumPartitions,
	}.Create()
	if err != nil {
		return err
	}

	var consumed int64
	progress := &ticker{ctx: ctx}
	fraction := func() float64 {
		if info.Size() == 0 {
			return 1
		}
		return min(float64(consumed)/float64(info.Size()), 1)
	}
	err = stream.ScanLines(t.Path, 0, func(line stream.Line) error {
		consumed += int64(len(line.Text)) + 1
		key, value := []byte(t.Path), []byte(line.Text)
		if t.Separator != "" {
			k, v, _ := strings.Cut(line.Text, t.Separator)
			key, value = []byte(k), []byte(v)
		}
		if err := w.Emit(key, value); err != nil {
			return err
		}
		return progress.tick(fraction)
	})
	if err != nil {
		w.Abort()
		return err
	}
	if err := w.Metadata().Set(plugin.StatsNamespace, plugin.RecordsKey, w.Records()); err != nil {
		w.Abort()
		return err
	}
	out, err := w.Close()
	if err != nil {
		return err
	}
	return setManifest(ctx, out)
}
