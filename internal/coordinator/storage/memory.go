package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
)

// InMemoryTaskStore keeps ledger records in process memory, in creation order.
type InMemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*core.TaskInfo
	order []string
}

func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{
		tasks: make(map[string]*core.TaskInfo),
	}
}

func (s *InMemoryTaskStore) Get(_ context.Context, id string) (*core.TaskInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, exists := s.tasks[id]
	if !exists {
		return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	return task.Clone(), nil
}

func (s *InMemoryTaskStore) Put(_ context.Context, task *core.TaskInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.tasks[task.ID]
	switch {
	case task.Version == 0 && exists:
		return fmt.Errorf("create task %s: %w", task.ID, core.ErrConflict)
	case task.Version == 0:
		s.order = append(s.order, task.ID)
	case !exists:
		return fmt.Errorf("task %s: %w", task.ID, core.ErrNotFound)
	case stored.Version != task.Version:
		return fmt.Errorf("task %s at version %d: %w", task.ID, task.Version, core.ErrConflict)
	}

	task.Version++
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *InMemoryTaskStore) Delete(_ context.Context, id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.tasks[id]
	if !exists {
		return fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	if stored.Version != version {
		return fmt.Errorf("delete task %s at version %d: %w", id, version, core.ErrConflict)
	}
	delete(s.tasks, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return nil
}

func (s *InMemoryTaskStore) List(_ context.Context, filter core.TaskFilter) ([]*core.TaskInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*core.TaskInfo
	for _, id := range s.order {
		if task := s.tasks[id]; filter.Match(task) {
			tasks = append(tasks, task.Clone())
		}
	}
	return tasks, nil
}

func (s *InMemoryTaskStore) Runnable(_ context.Context, profile string, limit int) ([]*core.TaskInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*core.TaskInfo
	for _, id := range s.order {
		if limit > 0 && len(tasks) >= limit {
			break
		}
		if task := s.tasks[id]; task.Runnable() && task.Profile == profile {
			tasks = append(tasks, task.Clone())
		}
	}
	return tasks, nil
}

// InMemoryWorkerStore is the worker registry. Worker liveness is transient,
// so the registry lives in memory for every ledger backend.
type InMemoryWorkerStore struct {
	mu      sync.RWMutex
	workers map[uuid.UUID]*core.Worker
}

func NewInMemoryWorkerStore() *InMemoryWorkerStore {
	return &InMemoryWorkerStore{
		workers: make(map[uuid.UUID]*core.Worker),
	}
}

func (s *InMemoryWorkerStore) AddWorker(worker *core.Worker) error {
	if worker == nil {
		return fmt.Errorf("worker is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := *worker
	s.workers[worker.ID] = &w
	return nil
}

func (s *InMemoryWorkerStore) GetWorkerByID(id uuid.UUID) (*core.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	worker, exists := s.workers[id]
	if !exists {
		return nil, fmt.Errorf("worker %s: %w", id, core.ErrNotFound)
	}
	w := *worker
	return &w, nil
}

func (s *InMemoryWorkerStore) GetAllWorkers() ([]*core.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	workers := make([]*core.Worker, 0, len(s.workers))
	for _, worker := range s.workers {
		w := *worker
		workers = append(workers, &w)
	}
	return workers, nil
}

func (s *InMemoryWorkerStore) UpdateWorkerHeartbeat(id uuid.UUID, timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	worker, exists := s.workers[id]
	if !exists {
		return fmt.Errorf("worker %s: %w", id, core.ErrNotFound)
	}
	worker.LastHeartbeatAt = timestamp
	return nil
}

func (s *InMemoryWorkerStore) RemoveWorker(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, id)
	return nil
}

func (s *InMemoryWorkerStore) GetStaleWorkers(threshold time.Time) ([]*core.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []*core.Worker
	for _, worker := range s.workers {
		if worker.LastHeartbeatAt.Before(threshold) {
			w := *worker
			stale = append(stale, &w)
		}
	}
	return stale, nil
}
