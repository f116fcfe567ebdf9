// Package stream builds record readers over manifests and partitioned,
// chunked writers that produce them.
package stream

import (
	"container/heap"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nemanja-m/gobatch/pkg/core"
	"github.com/nemanja-m/gobatch/pkg/kvio"
	"github.com/nemanja-m/gobatch/pkg/manifest"
)

type Reader interface {
	// Next returns the next record or io.EOF.
	Next() (core.KeyValue, error)
	// Progress is the fraction of the input's records returned so far.
	Progress() float64
	Close() error
}

// Input describes what to read. Without a sorter chunks are read in manifest
// order; with one the sorted runs of the manifest are merged.
type Input struct {
	Manifest manifest.Manifest
	Sorter   core.Sorter
}

func (in Input) Open() (Reader, error) {
	total := in.Manifest.Records()
	if in.Sorter == nil {
		return &sequentialReader{chunks: in.Manifest.Chunks, encoding: in.Manifest.Encoding, total: total}, nil
	}

	m := &mergeReader{sorter: in.Sorter, total: total}
	for i, run := range in.Manifest.Runs(in.Sorter) {
		src := &sequentialReader{chunks: run, encoding: in.Manifest.Encoding}
		kv, err := src.Next()
		if errors.Is(err, io.EOF) {
			src.Close()
			continue
		}
		if err != nil {
			m.Close()
			src.Close()
			return nil, err
		}
		m.heads = append(m.heads, &mergeHead{kv: kv, src: src, run: i})
	}
	heap.Init(m)
	return m, nil
}

// ForEach drains r, calling fn for every record.
func ForEach(r Reader, fn func(key, value []byte) error) error {
	for {
		kv, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(kv.Key, kv.Value); err != nil {
			return err
		}
	}
}

type sequentialReader struct {
	chunks   []manifest.ChunkInfo
	encoding string
	total    int64
	read     int64

	idx       int
	file      *os.File
	reader    *kvio.Reader
	remaining int64 // records left in the current slice, -1 when unbounded
}

func (r *sequentialReader) Next() (core.KeyValue, error) {
	for {
		if r.reader == nil {
			if r.idx >= len(r.chunks) {
				return core.KeyValue{}, io.EOF
			}
			if err := r.open(r.chunks[r.idx]); err != nil {
				return core.KeyValue{}, err
			}
			r.idx++
		}
		if r.remaining == 0 {
			r.closeChunk()
			continue
		}
		kv, err := r.reader.Read()
		if errors.Is(err, io.EOF) {
			if r.remaining > 0 {
				return core.KeyValue{}, fmt.Errorf("%w: %s ended early", kvio.ErrCorrupt, r.file.Name())
			}
			r.closeChunk()
			continue
		}
		if err != nil {
			return core.KeyValue{}, fmt.Errorf("read %s: %w", r.file.Name(), err)
		}
		if r.remaining > 0 {
			r.remaining--
		}
		r.read++
		return kv, nil
	}
}

func (r *sequentialReader) open(info manifest.ChunkInfo) error {
	f, err := os.Open(info.Path)
	if err != nil {
		return fmt.Errorf("open chunk: %w", err)
	}
	kr, err := kvio.NewReader(f, r.encoding)
	if err != nil {
		f.Close()
		return err
	}
	if err := kr.Skip(info.Offset); err != nil {
		kr.Close()
		f.Close()
		return fmt.Errorf("seek %s: %w", info.Path, err)
	}
	r.file, r.reader = f, kr
	r.remaining = -1
	if info.Limit > 0 {
		r.remaining = info.Limit
	}
	return nil
}

func (r *sequentialReader) closeChunk() {
	if r.reader != nil {
		r.reader.Close()
		r.file.Close()
		r.reader, r.file = nil, nil
	}
}

func (r *sequentialReader) Progress() float64 {
	if r.total <= 0 {
		return 1
	}
	return min(float64(r.read)/float64(r.total), 1)
}

func (r *sequentialReader) Close() error {
	r.closeChunk()
	r.idx = len(r.chunks)
	return nil
}

type mergeHead struct {
	kv  core.KeyValue
	src *sequentialReader
	run int
}

// mergeReader is a k-way merge over sorted runs. Equal keys come out in run
// order so the merge is stable.
type mergeReader struct {
	sorter core.Sorter
	heads  []*mergeHead
	total  int64
	read   int64
}

func (m *mergeReader) Len() int { return len(m.heads) }

func (m *mergeReader) Less(i, j int) bool {
	if c := m.sorter.Compare(m.heads[i].kv.Key, m.heads[j].kv.Key); c != 0 {
		return c < 0
	}
	return m.heads[i].run < m.heads[j].run
}

func (m *mergeReader) Swap(i, j int) { m.heads[i], m.heads[j] = m.heads[j], m.heads[i] }

func (m *mergeReader) Push(x any) { m.heads = append(m.heads, x.(*mergeHead)) }

func (m *mergeReader) Pop() any {
	n := len(m.heads)
	h := m.heads[n-1]
	m.heads = m.heads[:n-1]
	return h
}

func (m *mergeReader) Next() (core.KeyValue, error) {
	if len(m.heads) == 0 {
		return core.KeyValue{}, io.EOF
	}
	top := m.heads[0]
	out := top.kv

	next, err := top.src.Next()
	switch {
	case errors.Is(err, io.EOF):
		top.src.Close()
		heap.Pop(m)
	case err != nil:
		return core.KeyValue{}, err
	default:
		top.kv = next
		heap.Fix(m, 0)
	}
	m.read++
	return out, nil
}

func (m *mergeReader) Progress() float64 {
	if m.total <= 0 {
		return 1
	}
	return min(float64(m.read)/float64(m.total), 1)
}

func (m *mergeReader) Close() error {
	for _, h := range m.heads {
		h.src.Close()
	}
	m.heads = nil
	return nil
}
