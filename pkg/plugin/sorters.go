package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nemanja-m/gobatch/pkg/core"
)

func sign(c int) int {
	switch {
	case c < 0:
		return -1
	case c > 0:
		return 1
	}
	return 0
}

// rangePartition maps the first key byte onto n contiguous buckets so that
// concatenating partitions in order preserves lexical order.
func rangePartition(key []byte, n int) int {
	if n <= 1 || len(key) == 0 {
		return 0
	}
	return int(key[0]) * n / 256
}

// LexicalSorter orders keys bytewise; every distinct key is its own group.
type LexicalSorter struct{}

func (LexicalSorter) Compare(a, b []byte) int {
	return 2 * sign(bytes.Compare(a, b))
}

func (LexicalSorter) Partition(key []byte, n int) int {
	return rangePartition(key, n)
}

type ReverseSorter struct{}

func (ReverseSorter) Compare(a, b []byte) int {
	return -2 * sign(bytes.Compare(a, b))
}

func (ReverseSorter) Partition(key []byte, n int) int {
	if n <= 1 {
		return 0
	}
	return n - 1 - rangePartition(key, n)
}

// PrefixSorter groups keys by their first Length bytes and orders bytewise
// within a group.
type PrefixSorter struct {
	Length int `json:"length"`
}

func (s PrefixSorter) group(key []byte) []byte {
	return key[:min(s.Length, len(key))]
}

func (s PrefixSorter) Compare(a, b []byte) int {
	if c := bytes.Compare(s.group(a), s.group(b)); c != 0 {
		return 2 * sign(c)
	}
	return sign(bytes.Compare(a, b))
}

func (s PrefixSorter) Partition(key []byte, n int) int {
	return core.Partition(s.group(key), n)
}

// PrefixSplitter starts a new chunk whenever the key prefix changes.
type PrefixSplitter struct {
	Length int `json:"length"`
}

func (s PrefixSplitter) Split(prev, next []byte) bool {
	return !bytes.Equal(prev[:min(s.Length, len(prev))], next[:min(s.Length, len(next))])
}

func newPrefixSorter(params json.RawMessage) (core.Sorter, error) {
	s := PrefixSorter{}
	if err := DecodeParams(params, &s); err != nil {
		return nil, err
	}
	if s.Length < 0 {
		return nil, fmt.Errorf("prefix length must not be negative: %d", s.Length)
	}
	return s, nil
}

func newPrefixSplitter(params json.RawMessage) (Splitter, error) {
	s := PrefixSplitter{Length: 1}
	if err := DecodeParams(params, &s); err != nil {
		return nil, err
	}
	if s.Length < 1 {
		return nil, fmt.Errorf("prefix length must be positive: %d", s.Length)
	}
	return s, nil
}
