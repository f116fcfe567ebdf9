package plugin

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nemanja-m/gobatch/pkg/core"
	"github.com/nemanja-m/gobatch/pkg/manifest"
)

// Metadata namespace and keys written by the built-in reducers.
const (
	StatsNamespace = "stats"
	GroupsKey      = "groups"
	RecordsKey     = "records"
)

// BaseMapper provides no-op hooks for mappers that only implement Map.
type BaseMapper struct{}

func (BaseMapper) Setup() error                             { return nil }
func (BaseMapper) InstallMetadata(*manifest.Metadata) error { return nil }
func (BaseMapper) Resources() core.Resources                { return core.Resources{} }

// BaseReducer keeps the output emitter and provides no-op hooks.
type BaseReducer struct {
	Out core.Emitter
}

func (r *BaseReducer) Setup(out core.Emitter) error {
	r.Out = out
	return nil
}

func (r *BaseReducer) Start([]byte) error                { return nil }
func (r *BaseReducer) End() error                        { return nil }
func (r *BaseReducer) Finalize(*manifest.Metadata) error { return nil }

type identityMapper struct{ BaseMapper }

func (identityMapper) Map(key, value []byte, out core.Emitter) error {
	return out.Emit(key, value)
}

type swapMapper struct{ BaseMapper }

func (swapMapper) Map(key, value []byte, out core.Emitter) error {
	return out.Emit(value, key)
}

// identityReducer re-emits every record; the sort and merge rounds use it.
type identityReducer struct{ BaseReducer }

func (r *identityReducer) AddValue(key, value []byte) error {
	return r.Out.Emit(key, value)
}

// countReducer emits the number of values in each group and records the
// number of groups in metadata.
type countReducer struct {
	BaseReducer
	key    []byte
	n      int64
	groups int64
}

func (r *countReducer) Start(key []byte) error {
	r.key, r.n = key, 0
	r.groups++
	return nil
}

func (r *countReducer) AddValue(_, _ []byte) error {
	r.n++
	return nil
}

func (r *countReducer) End() error {
	return r.Out.Emit(r.key, strconv.AppendInt(nil, r.n, 10))
}

func (r *countReducer) Finalize(md *manifest.Metadata) error {
	return md.Set(StatsNamespace, GroupsKey, r.groups)
}

// sumReducer adds decimal integer values per group.
type sumReducer struct {
	BaseReducer
	key   []byte
	total int64
}

func (r *sumReducer) Start(key []byte) error {
	r.key, r.total = key, 0
	return nil
}

func (r *sumReducer) AddValue(_, value []byte) error {
	n, err := parseInt(value)
	if err != nil {
		return err
	}
	r.total += n
	return nil
}

func (r *sumReducer) End() error {
	return r.Out.Emit(r.key, strconv.AppendInt(nil, r.total, 10))
}

func (r *sumReducer) Summarize(total, add []byte) ([]byte, error) {
	return SumValues(total, add)
}

// firstReducer keeps the first value of every group.
type firstReducer struct {
	BaseReducer
	seen bool
}

func (r *firstReducer) Start([]byte) error {
	r.seen = false
	return nil
}

func (r *firstReducer) AddValue(key, value []byte) error {
	if r.seen {
		return nil
	}
	r.seen = true
	return r.Out.Emit(key, value)
}

// SumValues adds two decimal integers.
func SumValues(total, add []byte) ([]byte, error) {
	a, err := parseInt(total)
	if err != nil {
		return nil, err
	}
	b, err := parseInt(add)
	if err != nil {
		return nil, err
	}
	return strconv.AppendInt(nil, a+b, 10), nil
}

func parseInt(value []byte) (int64, error) {
	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value %q is not an integer", value)
	}
	return n, nil
}

func noParams[T any](build func() T) Factory[T] {
	return func(json.RawMessage) (T, error) {
		return build(), nil
	}
}

// RegisterBuiltins installs the generic plug-ins every process ships with.
func RegisterBuiltins(r *Registry) error {
	registrations := []error{
		r.RegisterMapper("identity", noParams(func() Mapper { return identityMapper{} })),
		r.RegisterMapper("swap", noParams(func() Mapper { return swapMapper{} })),
		r.RegisterReducer("identity", noParams(func() Reducer { return &identityReducer{} })),
		r.RegisterReducer("count", noParams(func() Reducer { return &countReducer{} })),
		r.RegisterReducer("sum", noParams(func() Reducer { return &sumReducer{} })),
		r.RegisterReducer("first", noParams(func() Reducer { return &firstReducer{} })),
		r.RegisterSorter("lexical", noParams(func() core.Sorter { return LexicalSorter{} })),
		r.RegisterSorter("reverse", noParams(func() core.Sorter { return ReverseSorter{} })),
		r.RegisterSorter("prefix", newPrefixSorter),
		r.RegisterSplitter("prefix", newPrefixSplitter),
	}
	for _, err := range registrations {
		if err != nil {
			return err
		}
	}
	r.RegisterMergeRule(GroupsKey, manifest.MergeSum)
	r.RegisterMergeRule(RecordsKey, manifest.MergeSum)
	return nil
}
