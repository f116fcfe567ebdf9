package core

import (
	"fmt"
	"os"
	"path/filepath"
)

// JobRoot is the working directory of a job under the ledger root path.
func JobRoot(rootPath, jobID string) string {
	return filepath.Join(rootPath, jobID)
}

func CreateJobRoot(rootPath, jobID string) (string, error) {
	dir := JobRoot(rootPath, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job root: %w", err)
	}
	return dir, nil
}

func RemoveJobRoot(rootPath, jobID string) error {
	if err := os.RemoveAll(JobRoot(rootPath, jobID)); err != nil {
		return fmt.Errorf("remove job root: %w", err)
	}
	return nil
}
