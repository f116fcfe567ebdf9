package tasks

import "github.com/nemanja-m/gobatch/pkg/task"

// Register installs every generic composition on reg.
func Register(reg *task.Registry) error {
	types := []struct {
		name    string
		factory task.Factory
	}{
		{"import", func() task.Task { return &Import{} }},
		{"import_part", func() task.Task { return &ImportPart{} }},
		{"map", func() task.Task { return &Map{} }},
		{"map_part", func() task.Task { return &MapPart{} }},
		{"dual_map", func() task.Task { return &DualMap{} }},
		{"dual_map_part", func() task.Task { return &DualMapPart{} }},
		{"reduce", func() task.Task { return &Reduce{} }},
		{"reduce_part", func() task.Task { return &ReducePart{} }},
		{"sort", func() task.Task { return &Sort{} }},
		{"sorted_reduce", func() task.Task { return &SortedReduce{} }},
		{"splitter", func() task.Task { return &Splitter{} }},
		{"splitter_part", func() task.Task { return &SplitterPart{} }},
		{"map_reduce", func() task.Task { return &MapReduce{} }},
	}
	for _, tt := range types {
		if err := reg.Register(tt.name, 1, tt.factory, task.Strict()); err != nil {
			return err
		}
	}
	return nil
}
