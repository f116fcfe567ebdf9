package core

import "time"

// DefaultProfile is the worker profile assumed when a task declares none.
const DefaultProfile = "default"

type KeyValue struct {
	Key   []byte
	Value []byte
}

// Size approximates the in-memory footprint of the record.
func (kv KeyValue) Size() int64 {
	return int64(len(kv.Key) + len(kv.Value) + 16)
}

// Emitter receives records produced by mappers, reducers and streams.
type Emitter interface {
	Emit(key, value []byte) error
}

// EmitFunc adapts a function to the Emitter interface.
type EmitFunc func(key, value []byte) error

func (f EmitFunc) Emit(key, value []byte) error {
	return f(key, value)
}

// Sorter orders keys with two granularities. Compare returns -2 or 2 when the
// keys belong to different reduction groups, -1 or 1 when they share a group
// but differ in order, and 0 when they are equal. Partition must send every
// key of a group to the same bucket.
type Sorter interface {
	Compare(a, b []byte) int
	Partition(key []byte, numPartitions int) int
}

// SameGroup reports whether a comparison result keeps two keys in one group.
func SameGroup(cmp int) bool {
	return cmp >= -1 && cmp <= 1
}

// Resources is the coarse resource class a task or plug-in asks for.
type Resources struct {
	Profile string        `json:"profile,omitempty"`
	Cost    time.Duration `json:"cost,omitempty"`
}

func (r Resources) ProfileOrDefault() string {
	if r.Profile == "" {
		return DefaultProfile
	}
	return r.Profile
}
