package stream

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindFiles(t *testing.T) {
	// tmpDir/
	//   file1.txt
	//   file2.txt
	//   subdir/
	//     file3.txt
	//     file4.log
	//   emptydir/
	//   symlink.txt -> file1.txt
	tmpDir := t.TempDir()
	file1 := filepath.Join(tmpDir, "file1.txt")
	file2 := filepath.Join(tmpDir, "file2.txt")
	subdir := filepath.Join(tmpDir, "subdir")
	file3 := filepath.Join(subdir, "file3.txt")
	file4 := filepath.Join(subdir, "file4.log")

	require.NoError(t, os.Mkdir(subdir, 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(tmpDir, "emptydir"), 0o755))
	for _, f := range []string{file1, file2, file3, file4} {
		require.NoError(t, os.WriteFile(f, []byte("content"), 0o644))
	}
	require.NoError(t, os.Symlink(file1, filepath.Join(tmpDir, "symlink.txt")))

	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{
			name:     "single file pattern",
			patterns: []string{file1},
			want:     []string{file1},
		},
		{
			name:     "wildcard skips symlinks",
			patterns: []string{filepath.Join(tmpDir, "*.txt")},
			want:     []string{file1, file2},
		},
		{
			name:     "recursive pattern",
			patterns: []string{filepath.Join(tmpDir, "**/*.txt")},
			want:     []string{file1, file2, file3},
		},
		{
			name:     "multiple patterns with wildcards",
			patterns: []string{filepath.Join(tmpDir, "*.txt"), filepath.Join(subdir, "*.log")},
			want:     []string{file1, file2, file4},
		},
		{
			name:     "overlapping patterns are de-duplicated",
			patterns: []string{file3, filepath.Join(subdir, "*")},
			want:     []string{file3, file4},
		},
		{
			name:     "no patterns",
			patterns: nil,
			want:     nil,
		},
		{
			name:     "pattern with no matches",
			patterns: []string{filepath.Join(tmpDir, "*.nonexistent")},
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindFiles(tt.patterns...)
			require.NoError(t, err)
			require.True(t, slices.IsSorted(got))
			require.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestFindFiles_ExcludesDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(tmpDir, "test.txt"), 0o755))
	file := filepath.Join(tmpDir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("content"), 0o644))

	got, err := FindFiles(filepath.Join(tmpDir, "*.txt"))
	require.NoError(t, err)
	require.Equal(t, []string{file}, got)
}

func TestFindFiles_InvalidPattern(t *testing.T) {
	_, err := FindFiles("[invalid")
	require.Error(t, err)
}
