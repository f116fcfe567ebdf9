// Package kvio implements the chunk file format: a sequence of
// length-prefixed key/value pairs, optionally wrapped by a named codec.
package kvio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nemanja-m/gobatch/pkg/core"
)

// maxFieldSize bounds a single key or value; larger prefixes mean corruption.
const maxFieldSize = 1 << 30

var ErrCorrupt = errors.New("corrupt chunk")

type Writer struct {
	codec   io.WriteCloser
	buf     *bufio.Writer
	scratch []byte
	records int64
}

func NewWriter(w io.Writer, codecName string) (*Writer, error) {
	codec, err := Lookup(codecName)
	if err != nil {
		return nil, err
	}
	cw, err := codec.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("%s writer: %w", codec.Name(), err)
	}
	return &Writer{codec: cw, buf: bufio.NewWriter(cw)}, nil
}

func (w *Writer) Write(kv core.KeyValue) error {
	w.scratch = binary.AppendUvarint(w.scratch[:0], uint64(len(kv.Key)))
	w.scratch = append(w.scratch, kv.Key...)
	w.scratch = binary.AppendUvarint(w.scratch, uint64(len(kv.Value)))
	w.scratch = append(w.scratch, kv.Value...)
	if _, err := w.buf.Write(w.scratch); err != nil {
		return err
	}
	w.records++
	return nil
}

func (w *Writer) Records() int64 {
	return w.records
}

// Close flushes buffered records and closes the codec. It does not close the
// underlying writer.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.codec.Close()
}

type Reader struct {
	codec io.ReadCloser
	buf   *bufio.Reader
}

func NewReader(r io.Reader, codecName string) (*Reader, error) {
	codec, err := Lookup(codecName)
	if err != nil {
		return nil, err
	}
	cr, err := codec.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%s reader: %w", codec.Name(), err)
	}
	return &Reader{codec: cr, buf: bufio.NewReader(cr)}, nil
}

// Read returns the next record, or io.EOF after the last one.
func (r *Reader) Read() (core.KeyValue, error) {
	key, err := r.field(true)
	if err != nil {
		return core.KeyValue{}, err
	}
	value, err := r.field(false)
	if err != nil {
		return core.KeyValue{}, err
	}
	return core.KeyValue{Key: key, Value: value}, nil
}

// Skip discards n records.
func (r *Reader) Skip(n int64) error {
	for range n {
		if _, err := r.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: skip past end", ErrCorrupt)
			}
			return err
		}
	}
	return nil
}

func (r *Reader) Close() error {
	return r.codec.Close()
}

func (r *Reader) field(first bool) ([]byte, error) {
	n, err := binary.ReadUvarint(r.buf)
	if err != nil {
		if errors.Is(err, io.EOF) && first {
			return nil, io.EOF
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if n > maxFieldSize {
		return nil, fmt.Errorf("%w: field of %d bytes", ErrCorrupt, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r.buf, data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return data, nil
}
