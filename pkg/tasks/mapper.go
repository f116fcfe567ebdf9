package tasks

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nemanja-m/gobatch/pkg/core"
	"github.com/nemanja-m/gobatch/pkg/manifest"
	"github.com/nemanja-m/gobatch/pkg/plugin"
	"github.com/nemanja-m/gobatch/pkg/stream"
	"github.com/nemanja-m/gobatch/pkg/task"
)

// Map runs a mapper over its input, one MapPart per goal-sized group.
type Map struct {
	Input  manifest.Manifest `json:"input"`
	Mapper plugin.Ref        `json:"mapper"`
	Output OutputSpec        `json:"output"`
	Params
	State    string   `json:"state,omitempty"`
	Children []string `json:"children,omitempty"`
}

func (t *Map) Validate() error {
	if t.Mapper.Name == "" {
		return errors.New("map: mapper is required")
	}
	return nil
}

func (t *Map) Run(ctx task.Context) error {
	empty := emptyManifest(t.Output.NumPartitions, t.Encoding)
	if t.State == stateCollect {
		out, err := collect(ctx, t.Children, empty)
		if err != nil {
			return err
		}
		return setManifest(ctx, out)
	}

	groups := t.Input.SplitByGoalSize(t.goalSize())
	if len(groups) == 0 {
		return setManifest(ctx, empty)
	}
	parts := make([]task.Task, 0, len(groups))
	for _, g := range groups {
		parts = append(parts, &MapPart{Input: g, Mapper: t.Mapper, Output: t.Output, Params: t.Params})
	}
	var err error
	if t.Children, err = spawn(ctx, parts...); err != nil {
		return err
	}
	t.State = stateCollect
	return nil
}

type MapPart struct {
	Input  manifest.Manifest `json:"input"`
	Mapper plugin.Ref        `json:"mapper"`
	Output OutputSpec        `json:"output"`
	Params
}

func (t *MapPart) Validate() error {
	if t.Mapper.Name == "" {
		return errors.New("map_part: mapper is required")
	}
	return nil
}

func (t *MapPart) Resources(plugins *plugin.Registry) core.Resources {
	res := core.Resources{Cost: costOf(t.Input.Size())}
	if plugins == nil {
		return res
	}
	if m, err := plugins.Mapper(t.Mapper); err == nil {
		declared := m.Resources()
		res.Profile = declared.Profile
		res.Cost = max(res.Cost, declared.Cost)
	}
	return res
}

func (t *MapPart) Run(ctx task.Context) error {
	plugins := ctx.Plugins()
	mapper, err := plugins.Mapper(t.Mapper)
	if err != nil {
		return err
	}
	if err := mapper.Setup(); err != nil {
		return fmt.Errorf("mapper setup: %w", err)
	}
	dir, err := outputDir(ctx)
	if err != nil {
		return err
	}
	spec, err := t.Output.build(plugins, dir, t.Params)
	if err != nil {
		return err
	}
	w, err := spec.Create()
	if err != nil {
		return err
	}
	r, err := stream.Input{Manifest: t.Input}.Open()
	if err != nil {
		w.Abort()
		return err
	}
	defer r.Close()

	progress := &ticker{ctx: ctx}
	err = stream.ForEach(r, func(key, value []byte) error {
		if err := mapper.Map(key, value, w); err != nil {
			return err
		}
		return progress.tick(r.Progress)
	})
	if err == nil {
		err = mapper.InstallMetadata(w.Metadata())
	}
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

// DualOutput is the output of a dual map: one manifest per route.
type DualOutput struct {
	First  manifest.Manifest `json:"first"`
	Second manifest.Manifest `json:"second"`
}

func DecodeDualOutput(data []byte) (DualOutput, error) {
	var out DualOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return DualOutput{}, fmt.Errorf("decode dual output: %w", err)
	}
	return out, nil
}

func setDualOutput(ctx task.Context, out DualOutput) error {
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	ctx.SetOutput(data)
	return nil
}

// DualMap runs a dual mapper, routing each record to one of two datasets.
type DualMap struct {
	Input  manifest.Manifest `json:"input"`
	Mapper plugin.Ref        `json:"mapper"`
	First  OutputSpec        `json:"first"`
	Second OutputSpec        `json:"second"`
	Params
	State    string   `json:"state,omitempty"`
	Children []string `json:"children,omitempty"`
}

func (t *DualMap) Validate() error {
	if t.Mapper.Name == "" {
		return errors.New("dual_map: mapper is required")
	}
	return nil
}

func (t *DualMap) Run(ctx task.Context) error {
	out := DualOutput{
		First:  emptyManifest(t.First.NumPartitions, t.Encoding),
		Second: emptyManifest(t.Second.NumPartitions, t.Encoding),
	}
	if t.State == stateCollect {
		rules := ctx.Plugins().MergeRules()
		for _, id := range t.Children {
			data, err := ctx.GetOutput(id)
			if err != nil {
				return err
			}
			part, err := DecodeDualOutput(data)
			if err != nil {
				return err
			}
			if out.First, err = out.First.Add(part.First, rules); err != nil {
				return err
			}
			if out.Second, err = out.Second.Add(part.Second, rules); err != nil {
				return err
			}
		}
		return setDualOutput(ctx, out)
	}

	groups := t.Input.SplitByGoalSize(t.goalSize())
	if len(groups) == 0 {
		return setDualOutput(ctx, out)
	}
	parts := make([]task.Task, 0, len(groups))
	for _, g := range groups {
		parts = append(parts, &DualMapPart{Input: g, Mapper: t.Mapper, First: t.First, Second: t.Second, Params: t.Params})
	}
	var err error
	if t.Children, err = spawn(ctx, parts...); err != nil {
		return err
	}
	t.State = stateCollect
	return nil
}

type DualMapPart struct {
	Input  manifest.Manifest `json:"input"`
	Mapper plugin.Ref        `json:"mapper"`
	First  OutputSpec        `json:"first"`
	Second OutputSpec        `json:"second"`
	Params
}

func (t *DualMapPart) Validate() error {
	if t.Mapper.Name == "" {
		return errors.New("dual_map_part: mapper is required")
	}
	return nil
}

func (t *DualMapPart) Resources(plugins *plugin.Registry) core.Resources {
	res := core.Resources{Cost: costOf(t.Input.Size())}
	if plugins == nil {
		return res
	}
	if m, err := plugins.DualMapper(t.Mapper); err == nil {
		declared := m.Resources()
		res.Profile = declared.Profile
		res.Cost = max(res.Cost, declared.Cost)
	}
	return res
}

func (t *DualMapPart) Run(ctx task.Context) error {
	plugins := ctx.Plugins()
	mapper, err := plugins.DualMapper(t.Mapper)
	if err != nil {
		return err
	}
	if err := mapper.Setup(); err != nil {
		return fmt.Errorf("dual mapper setup: %w", err)
	}

	writers := make([]*stream.Writer, 0, 2)
	abort := func() {
		for _, w := range writers {
			w.Abort()
		}
	}
	for _, side := range []struct {
		name string
		spec OutputSpec
	}{{"first", t.First}, {"second", t.Second}} {
		dir, err := outputDir(ctx, side.name)
		if err != nil {
			abort()
			return err
		}
		spec, err := side.spec.build(plugins, dir, t.Params)
		if err != nil {
			abort()
			return err
		}
		w, err := spec.Create()
		if err != nil {
			abort()
			return err
		}
		writers = append(writers, w)
	}
	first, second := writers[0], writers[1]

	r, err := stream.Input{Manifest: t.Input}.Open()
	if err != nil {
		abort()
		return err
	}
	defer r.Close()

	progress := &ticker{ctx: ctx}
	err = stream.ForEach(r, func(key, value []byte) error {
		if err := mapper.Map(key, value, first, second); err != nil {
			return err
		}
		return progress.tick(r.Progress)
	})
	if err == nil {
		err = mapper.InstallMetadata(first.Metadata(), second.Metadata())
	}
	if err != nil {
		abort()
		return err
	}

	var out DualOutput
	if out.First, err = first.Close(); err != nil {
		second.Abort()
		return err
	}
	if out.Second, err = second.Close(); err != nil {
		return err
	}
	return setDualOutput(ctx, out)
}
