// Package chunker turns a stream of records into bounded chunk files. While
// one holder is being encoded and written on a background goroutine the
// other keeps accumulating records.
package chunker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"

	"github.com/nemanja-m/gobatch/pkg/core"
	"github.com/nemanja-m/gobatch/pkg/kvio"
	"github.com/nemanja-m/gobatch/pkg/manifest"
)

const chunkExt = ".chunk"

type Config struct {
	Dir       string
	Encoding  string
	GoalSize  int64
	Partition int
	// Sorter, when set together with Presorted, delimits the groups a chunk
	// boundary must not cut through.
	Sorter          core.Sorter
	Presorted       bool
	AllowSplitGroup bool
	NewHolder       func() Holder
}

type flushResult struct {
	info manifest.ChunkInfo
	err  error
}

type Chunker struct {
	cfg      Config
	current  Holder
	previous Holder
	lastKey  []byte
	hasLast  bool
	inflight chan flushResult
	chunks   []manifest.ChunkInfo
	err      error
	closed   bool
}

func New(cfg Config) (*Chunker, error) {
	if cfg.NewHolder == nil {
		cfg.NewHolder = func() Holder { return NewHoldHolder("") }
	}
	if cfg.Presorted && cfg.Sorter == nil && !cfg.AllowSplitGroup {
		return nil, fmt.Errorf("presorted chunker needs a sorter")
	}
	if _, err := kvio.Lookup(cfg.Encoding); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	return &Chunker{
		cfg:      cfg,
		current:  cfg.NewHolder(),
		previous: cfg.NewHolder(),
	}, nil
}

func (c *Chunker) Write(kv core.KeyValue) error {
	if c.closed {
		return fmt.Errorf("chunker closed")
	}
	if c.err != nil {
		return c.err
	}
	if c.current.Oversized(c.cfg.GoalSize) && c.splitAllowed(kv.Key) {
		if err := c.flush(); err != nil {
			return err
		}
	}
	if err := c.current.Write(kv); err != nil {
		return err
	}
	c.lastKey, c.hasLast = kv.Key, true
	return nil
}

// splitAllowed reports whether a chunk may end right before key.
func (c *Chunker) splitAllowed(key []byte) bool {
	if !c.cfg.Presorted || c.cfg.AllowSplitGroup || !c.hasLast {
		return true
	}
	cmp := c.cfg.Sorter.Compare(c.lastKey, key)
	return cmp == 2 || cmp == -2
}

// Split ends the current chunk regardless of its size.
func (c *Chunker) Split() error {
	if c.err != nil {
		return c.err
	}
	return c.flush()
}

// Close writes what is left and returns the chunks in write order.
func (c *Chunker) Close() ([]manifest.ChunkInfo, error) {
	if c.closed {
		return c.chunks, c.err
	}
	c.closed = true
	if err := c.flush(); err != nil {
		return nil, err
	}
	if err := c.wait(); err != nil {
		return nil, err
	}
	return c.chunks, nil
}

// Abort waits for the in-flight write and removes every chunk file written.
func (c *Chunker) Abort() {
	_ = c.wait()
	for _, info := range c.chunks {
		_ = os.Remove(info.Path)
	}
	c.chunks = nil
	c.closed = true
}

func (c *Chunker) flush() error {
	if err := c.wait(); err != nil {
		return err
	}
	if c.current.Len() == 0 {
		return nil
	}
	c.current, c.previous = c.previous, c.current
	h := c.previous
	done := make(chan flushResult, 1)
	c.inflight = done
	go func() {
		info, err := c.writeChunk(h)
		done <- flushResult{info: info, err: err}
	}()
	return nil
}

func (c *Chunker) wait() error {
	if c.inflight != nil {
		res := <-c.inflight
		c.inflight = nil
		if res.err != nil && c.err == nil {
			c.err = res.err
		}
		if res.err == nil {
			c.chunks = append(c.chunks, res.info)
		}
	}
	return c.err
}

func (c *Chunker) writeChunk(h Holder) (manifest.ChunkInfo, error) {
	defer h.Clear()

	if err := h.PrepRead(); err != nil {
		return manifest.ChunkInfo{}, err
	}

	path := filepath.Join(c.cfg.Dir, ulid.Make().String()+chunkExt)
	f, err := os.Create(path)
	if err != nil {
		return manifest.ChunkInfo{}, fmt.Errorf("create chunk: %w", err)
	}
	fail := func(err error) (manifest.ChunkInfo, error) {
		f.Close()
		os.Remove(path)
		return manifest.ChunkInfo{}, err
	}

	w, err := kvio.NewWriter(f, c.cfg.Encoding)
	if err != nil {
		return fail(err)
	}
	if err := h.Read(w.Write); err != nil {
		return fail(fmt.Errorf("write chunk %s: %w", path, err))
	}
	if err := w.Close(); err != nil {
		return fail(fmt.Errorf("write chunk %s: %w", path, err))
	}
	stat, err := f.Stat()
	if err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return manifest.ChunkInfo{}, fmt.Errorf("close chunk %s: %w", path, err)
	}

	info := manifest.ChunkInfo{
		Path:      path,
		Size:      stat.Size(),
		Partition: c.cfg.Partition,
	}
	h.SetFileInfo(&info)
	return info, nil
}
