package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskStore persists ledger records with optimistic concurrency. Records are
// returned as copies.
type TaskStore interface {
	Get(ctx context.Context, id string) (*TaskInfo, error)
	// Put writes task if its Version matches the stored one; Version zero
	// creates the record. On success task.Version holds the new version.
	// A mismatch, or creating an existing id, returns ErrConflict.
	Put(ctx context.Context, task *TaskInfo) error
	Delete(ctx context.Context, id string, version int64) error
	// List returns matching records in ledger iteration (creation) order.
	List(ctx context.Context, filter TaskFilter) ([]*TaskInfo, error)
	// Runnable returns up to limit queued records without pending children
	// for a profile, in ledger iteration order.
	Runnable(ctx context.Context, profile string, limit int) ([]*TaskInfo, error)
}

type WorkerStore interface {
	AddWorker(worker *Worker) error
	GetWorkerByID(id uuid.UUID) (*Worker, error)
	GetAllWorkers() ([]*Worker, error)
	UpdateWorkerHeartbeat(id uuid.UUID, timestamp time.Time) error
	RemoveWorker(id uuid.UUID) error
	GetStaleWorkers(threshold time.Time) ([]*Worker, error)
}
