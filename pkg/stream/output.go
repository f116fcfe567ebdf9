package stream

import (
	"bytes"
	"fmt"

	"github.com/nemanja-m/gobatch/pkg/chunker"
	"github.com/nemanja-m/gobatch/pkg/core"
	"github.com/nemanja-m/gobatch/pkg/manifest"
)

// OrderingError reports a record emitted out of order into a stream declared
// as presorted.
type OrderingError struct {
	Prev []byte
	Next []byte
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("records out of order: %q emitted after %q", e.Next, e.Prev)
}

// Output describes the chunked, partitioned dataset a Writer produces.
type Output struct {
	Dir           string
	Encoding      string
	GoalSize      int64
	NumPartitions int
	// Partition pins every record to one partition instead of routing by key.
	Partition *int
	Sorter    core.Sorter
	SortName  string
	// Presorted declares records arrive in Sorter order; violations fail.
	Presorted bool
	// Summarize combines values of equal keys while chunks accumulate.
	Summarize       chunker.SummarizeFunc
	AllowSplitGroup bool
}

func (o Output) partitions() int {
	return max(o.NumPartitions, 1)
}

func (o Output) newHolder() chunker.Holder {
	switch {
	case o.Presorted:
		return chunker.NewHoldHolder(o.SortName)
	case o.Sorter != nil && o.Summarize != nil:
		return chunker.NewSummaryHolder(o.Sorter, o.SortName, o.Summarize)
	case o.Sorter != nil:
		return chunker.NewSortHolder(o.Sorter, o.SortName)
	default:
		return chunker.NewHoldHolder("")
	}
}

// Writer is an Emitter routing records to one chunker per partition.
type Writer struct {
	out      Output
	chunkers []*chunker.Chunker
	last     [][]byte
	metadata manifest.Metadata
	records  int64
	closed   bool
}

func (o Output) Create() (*Writer, error) {
	if o.Presorted && o.Sorter == nil {
		return nil, fmt.Errorf("presorted output needs a sorter")
	}
	if o.Partition != nil && (*o.Partition < 0 || *o.Partition >= o.partitions()) {
		return nil, fmt.Errorf("partition %d out of range [0,%d)", *o.Partition, o.partitions())
	}
	n := o.partitions()
	return &Writer{
		out:      o,
		chunkers: make([]*chunker.Chunker, n),
		last:     make([][]byte, n),
	}, nil
}

func (w *Writer) partition(key []byte) int {
	switch {
	case w.out.Partition != nil:
		return *w.out.Partition
	case w.out.partitions() == 1:
		return 0
	case w.out.Sorter != nil:
		return w.out.Sorter.Partition(key, w.out.partitions())
	default:
		return core.Partition(key, w.out.partitions())
	}
}

func (w *Writer) chunker(p int) (*chunker.Chunker, error) {
	if c := w.chunkers[p]; c != nil {
		return c, nil
	}
	c, err := chunker.New(chunker.Config{
		Dir:             w.out.Dir,
		Encoding:        w.out.Encoding,
		GoalSize:        w.out.GoalSize,
		Partition:       p,
		Sorter:          w.out.Sorter,
		Presorted:       w.out.Presorted,
		AllowSplitGroup: w.out.AllowSplitGroup,
		NewHolder:       w.out.newHolder,
	})
	if err != nil {
		return nil, err
	}
	w.chunkers[p] = c
	return c, nil
}

// Emit copies key and value; callers may reuse their buffers.
func (w *Writer) Emit(key, value []byte) error {
	if w.closed {
		return fmt.Errorf("emit on closed writer")
	}
	p := w.partition(key)
	if w.out.Presorted {
		if prev := w.last[p]; prev != nil && w.out.Sorter.Compare(prev, key) > 0 {
			return &OrderingError{Prev: prev, Next: bytes.Clone(key)}
		}
	}
	c, err := w.chunker(p)
	if err != nil {
		return err
	}
	kv := core.KeyValue{Key: bytes.Clone(key), Value: bytes.Clone(value)}
	if kv.Key == nil {
		kv.Key = []byte{}
	}
	if err := c.Write(kv); err != nil {
		return err
	}
	w.last[p] = kv.Key
	w.records++
	return nil
}

// Split ends the current chunk of every partition.
func (w *Writer) Split() error {
	for _, c := range w.chunkers {
		if c == nil {
			continue
		}
		if err := c.Split(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) Metadata() *manifest.Metadata {
	return &w.metadata
}

func (w *Writer) Records() int64 {
	return w.records
}

// Close flushes every partition and returns the manifest of what was written.
func (w *Writer) Close() (manifest.Manifest, error) {
	if w.closed {
		return manifest.Manifest{}, fmt.Errorf("writer already closed")
	}
	w.closed = true

	m := manifest.Manifest{
		Chunks:        []manifest.ChunkInfo{},
		NumPartitions: w.out.NumPartitions,
		Encoding:      w.out.Encoding,
		Metadata:      w.metadata,
	}
	if w.out.Presorted {
		m.Sort = w.out.SortName
	}
	for _, c := range w.chunkers {
		if c == nil {
			continue
		}
		chunks, err := c.Close()
		if err != nil {
			w.abortAll()
			return manifest.Manifest{}, err
		}
		m.Chunks = append(m.Chunks, chunks...)
	}
	return m, nil
}

// Abort discards everything written so far.
func (w *Writer) Abort() {
	w.closed = true
	w.abortAll()
}

func (w *Writer) abortAll() {
	for _, c := range w.chunkers {
		if c != nil {
			c.Abort()
		}
	}
}
