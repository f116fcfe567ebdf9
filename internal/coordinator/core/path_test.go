package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestJobRoot_CreateAndRemove(t *testing.T) {
	rootPath := t.TempDir()

	dir, err := CreateJobRoot(rootPath, "alice-1")
	if err != nil {
		t.Fatalf("CreateJobRoot() error = %v", err)
	}
	if dir != filepath.Join(rootPath, "alice-1") {
		t.Errorf("CreateJobRoot() = %v, want %v", dir, filepath.Join(rootPath, "alice-1"))
	}

	// Creating an existing root is not an error.
	if _, err := CreateJobRoot(rootPath, "alice-1"); err != nil {
		t.Fatalf("CreateJobRoot() second call error = %v", err)
	}

	testFile := filepath.Join(dir, "alice-1.0", "chunk")
	if err := os.MkdirAll(filepath.Dir(testFile), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		t.Fatalf("cannot write to job root: %v", err)
	}

	if err := RemoveJobRoot(rootPath, "alice-1"); err != nil {
		t.Fatalf("RemoveJobRoot() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("job root still exists after RemoveJobRoot(): %v", err)
	}

	// Removing a missing root is not an error.
	if err := RemoveJobRoot(rootPath, "alice-1"); err != nil {
		t.Errorf("RemoveJobRoot() on missing root error = %v", err)
	}
}
