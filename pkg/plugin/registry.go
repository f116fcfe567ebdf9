// Package plugin holds the named mapper, reducer, sorter and splitter
// implementations the generic tasks run. Plug-ins are registered explicitly on
// a Registry during process start and built from a JSON parameter blob.
package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/nemanja-m/gobatch/pkg/core"
	"github.com/nemanja-m/gobatch/pkg/manifest"
)

var ErrUnknownPlugin = errors.New("unknown plug-in")

type Mapper interface {
	Setup() error
	Map(key, value []byte, out core.Emitter) error
	InstallMetadata(md *manifest.Metadata) error
	Resources() core.Resources
}

// DualMapper routes every input record to one of two outputs.
type DualMapper interface {
	Setup() error
	Map(key, value []byte, first, second core.Emitter) error
	InstallMetadata(first, second *manifest.Metadata) error
	Resources() core.Resources
}

// Reducer sees the records of one sort group between Start and End.
type Reducer interface {
	Setup(out core.Emitter) error
	Start(key []byte) error
	AddValue(key, value []byte) error
	End() error
	Finalize(md *manifest.Metadata) error
}

// Summarizer is implemented by reducers whose values can be pre-aggregated
// commutatively while records are still being written.
type Summarizer interface {
	Summarize(total, add []byte) ([]byte, error)
}

// Splitter decides where a sorted stream must start a new chunk.
type Splitter interface {
	Split(prev, next []byte) bool
}

type Factory[T any] func(params json.RawMessage) (T, error)

// Ref names a plug-in together with its parameters.
type Ref struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (r *Ref) IsZero() bool {
	return r == nil || r.Name == ""
}

// Key identifies the plug-in together with its parameters. Chunks record the
// key of the sorter that ordered them.
func (r Ref) Key() string {
	if len(r.Params) == 0 {
		return r.Name
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, r.Params); err != nil {
		return r.Name
	}
	if compact := buf.String(); compact != "{}" && compact != "null" {
		return r.Name + compact
	}
	return r.Name
}

type table[T any] struct {
	kind    string
	entries map[string]Factory[T]
}

func newTable[T any](kind string) table[T] {
	return table[T]{kind: kind, entries: make(map[string]Factory[T])}
}

func (t table[T]) register(name string, factory Factory[T]) error {
	if name == "" {
		return fmt.Errorf("%s name is required", t.kind)
	}
	if _, exists := t.entries[name]; exists {
		return fmt.Errorf("%s already registered: %s", t.kind, name)
	}
	t.entries[name] = factory
	return nil
}

func (t table[T]) build(name string, params json.RawMessage) (T, error) {
	var zero T
	factory, exists := t.entries[name]
	if !exists {
		return zero, fmt.Errorf("%w: %s %q", ErrUnknownPlugin, t.kind, name)
	}
	p, err := factory(params)
	if err != nil {
		return zero, fmt.Errorf("%s %q: %w", t.kind, name, err)
	}
	return p, nil
}

func (t table[T]) names() []string {
	return slices.Sorted(maps.Keys(t.entries))
}

type Registry struct {
	mu sync.RWMutex

	mappers     table[Mapper]
	dualMappers table[DualMapper]
	reducers    table[Reducer]
	sorters     table[core.Sorter]
	splitters   table[Splitter]
	mergeRules  manifest.MergeRules
}

func NewRegistry() *Registry {
	return &Registry{
		mappers:     newTable[Mapper]("mapper"),
		dualMappers: newTable[DualMapper]("dual mapper"),
		reducers:    newTable[Reducer]("reducer"),
		sorters:     newTable[core.Sorter]("sorter"),
		splitters:   newTable[Splitter]("splitter"),
		mergeRules:  make(manifest.MergeRules),
	}
}

func (r *Registry) RegisterMapper(name string, factory Factory[Mapper]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mappers.register(name, factory)
}

func (r *Registry) RegisterDualMapper(name string, factory Factory[DualMapper]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dualMappers.register(name, factory)
}

func (r *Registry) RegisterReducer(name string, factory Factory[Reducer]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reducers.register(name, factory)
}

func (r *Registry) RegisterSorter(name string, factory Factory[core.Sorter]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorters.register(name, factory)
}

func (r *Registry) RegisterSplitter(name string, factory Factory[Splitter]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.splitters.register(name, factory)
}

// RegisterMergeRule sets how a metadata key combines when manifests are added.
func (r *Registry) RegisterMergeRule(key string, fn manifest.MergeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mergeRules[key] = fn
}

func (r *Registry) Mapper(ref Ref) (Mapper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mappers.build(ref.Name, ref.Params)
}

func (r *Registry) DualMapper(ref Ref) (DualMapper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dualMappers.build(ref.Name, ref.Params)
}

func (r *Registry) Reducer(ref Ref) (Reducer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reducers.build(ref.Name, ref.Params)
}

func (r *Registry) Sorter(ref Ref) (core.Sorter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorters.build(ref.Name, ref.Params)
}

func (r *Registry) Splitter(ref Ref) (Splitter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.splitters.build(ref.Name, ref.Params)
}

func (r *Registry) MergeRules() manifest.MergeRules {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.mergeRules)
}

// List returns the registered names grouped by kind.
func (r *Registry) List() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		r.mappers.kind:     r.mappers.names(),
		r.dualMappers.kind: r.dualMappers.names(),
		r.reducers.kind:    r.reducers.names(),
		r.sorters.kind:     r.sorters.names(),
		r.splitters.kind:   r.splitters.names(),
	}
}

// DecodeParams unmarshals a parameter blob; an empty blob leaves v untouched.
func DecodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
