// Package manifest describes chunked datasets: an ordered list of immutable
// chunk files plus mergeable metadata. Manifests are values; every operation
// returns a new manifest and leaves its receiver untouched.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

var ErrIncompatible = errors.New("incompatible manifests")

// ChunkInfo describes one chunk file, or a record slice of it when Limit is set.
type ChunkInfo struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Records   int64  `json:"records"`
	FirstKey  []byte `json:"first_key,omitempty"`
	LastKey   []byte `json:"last_key,omitempty"`
	Partition int    `json:"partition,omitempty"`
	// Sort names the sorter the chunk's own records follow.
	Sort   string `json:"sort,omitempty"`
	Offset int64  `json:"offset,omitempty"`
	Limit  int64  `json:"limit,omitempty"`
}

type Manifest struct {
	Chunks []ChunkInfo `json:"chunks"`
	// Sort, when set, means chunks within each partition are ordered and
	// their key ranges do not overlap.
	Sort          string   `json:"sort,omitempty"`
	NumPartitions int      `json:"num_partitions,omitempty"`
	Encoding      string   `json:"encoding,omitempty"`
	Metadata      Metadata `json:"metadata,omitempty"`
}

func Decode(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	for i, c := range m.Chunks {
		if c.Partition < 0 || c.Partition >= m.Partitions() {
			return Manifest{}, fmt.Errorf("decode manifest: chunk %d has partition %d of %d", i, c.Partition, m.Partitions())
		}
	}
	return m, nil
}

func (m Manifest) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func (m Manifest) Partitions() int {
	if m.NumPartitions < 1 {
		return 1
	}
	return m.NumPartitions
}

func (m Manifest) Empty() bool {
	return len(m.Chunks) == 0
}

func (m Manifest) Size() int64 {
	var total int64
	for _, c := range m.Chunks {
		total += c.Size
	}
	return total
}

func (m Manifest) Records() int64 {
	var total int64
	for _, c := range m.Chunks {
		total += c.Records
	}
	return total
}

func (m Manifest) Clone() Manifest {
	return m.WithChunks(m.Chunks)
}

// WithChunks returns a manifest sharing m's header but holding a copy of chunks.
func (m Manifest) WithChunks(chunks []ChunkInfo) Manifest {
	out := m
	out.Chunks = slices.Clone(chunks)
	if out.Chunks == nil {
		out.Chunks = []ChunkInfo{}
	}
	out.Metadata = m.Metadata.Clone()
	return out
}

// SameEncoding compares codec names; an empty name is the null codec.
func SameEncoding(a, b string) bool {
	norm := func(s string) string {
		if s == "" {
			return "null"
		}
		return s
	}
	return norm(a) == norm(b)
}

// Add concatenates the chunks of m and other and merges their metadata.
// Sorted manifests are not re-sorted: the caller only combines disjoint
// ranges or re-sorts afterwards. An empty side adopts the other's layout.
func (m Manifest) Add(other Manifest, rules MergeRules) (Manifest, error) {
	md, err := m.Metadata.Merge(other.Metadata, rules)
	if err != nil {
		return Manifest{}, err
	}

	var out Manifest
	switch {
	case m.Empty() && !other.Empty():
		out = other.Clone()
	case other.Empty():
		out = m.Clone()
		if out.NumPartitions == 0 {
			out.NumPartitions = other.NumPartitions
		}
		if out.Encoding == "" {
			out.Encoding = other.Encoding
		}
	default:
		if m.Partitions() != other.Partitions() {
			return Manifest{}, fmt.Errorf("%w: %d vs %d partitions", ErrIncompatible, m.Partitions(), other.Partitions())
		}
		if !SameEncoding(m.Encoding, other.Encoding) {
			return Manifest{}, fmt.Errorf("%w: encoding %q vs %q", ErrIncompatible, m.Encoding, other.Encoding)
		}
		out = m.WithChunks(append(slices.Clone(m.Chunks), other.Chunks...))
		if m.Sort != other.Sort {
			out.Sort = ""
		}
	}
	out.Metadata = md
	return out, nil
}

// Concat adds manifests left to right.
func Concat(rules MergeRules, manifests ...Manifest) (Manifest, error) {
	var out Manifest
	for i, m := range manifests {
		if i == 0 {
			out = m.Clone()
			continue
		}
		var err error
		if out, err = out.Add(m, rules); err != nil {
			return Manifest{}, err
		}
	}
	if out.Chunks == nil {
		out.Chunks = []ChunkInfo{}
	}
	return out, nil
}
