package stream

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nemanja-m/gobatch/pkg/manifest"
)

const DefaultBufferSize = 1024 * 1024 // 1MB

type Line struct {
	Filename string
	Number   int
	Text     string
}

// FindFiles expands doublestar patterns into a sorted, de-duplicated list of
// regular files.
func FindFiles(patterns ...string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, name := range matches {
			info, err := os.Lstat(name)
			if err != nil {
				continue
			}
			if info.Mode().IsRegular() {
				files = append(files, name)
			}
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}

// ScanLines calls fn for every line of the file. Lines longer than
// bufferSize fail the scan.
func ScanLines(filePath string, bufferSize int, fn func(Line) error) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, min(bufferSize, 64*1024)), bufferSize)

	for i := 1; scanner.Scan(); i++ {
		line := Line{Filename: filePath, Number: i, Text: scanner.Text()}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", filePath, err)
	}
	return nil
}

// ExportTSV writes every record of m as a "key\tvalue" line.
func ExportTSV(m manifest.Manifest, w io.Writer) error {
	r, err := Input{Manifest: m}.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	bw := bufio.NewWriter(w)
	err = ForEach(r, func(key, value []byte) error {
		bw.Write(key)
		bw.WriteByte('\t')
		bw.Write(value)
		return bw.WriteByte('\n')
	})
	if err != nil {
		return err
	}
	return bw.Flush()
}
