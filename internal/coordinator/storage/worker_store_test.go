package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
)

func TestInMemoryWorkerStore(t *testing.T) {
	store := NewInMemoryWorkerStore()
	now := time.Now()

	fresh := &core.Worker{ID: uuid.New(), Address: "worker1:5000", LastHeartbeatAt: now}
	stale := &core.Worker{ID: uuid.New(), Address: "worker2:5000", LastHeartbeatAt: now.Add(-time.Minute)}
	for _, w := range []*core.Worker{fresh, stale} {
		if err := store.AddWorker(w); err != nil {
			t.Fatalf("AddWorker() error = %v", err)
		}
	}

	got, err := store.GetWorkerByID(fresh.ID)
	if err != nil {
		t.Fatalf("GetWorkerByID() error = %v", err)
	}
	if got.Address != "worker1:5000" {
		t.Errorf("Address = %s, want worker1:5000", got.Address)
	}

	workers, _ := store.GetAllWorkers()
	if len(workers) != 2 {
		t.Errorf("GetAllWorkers() returned %d workers, want 2", len(workers))
	}

	staleWorkers, _ := store.GetStaleWorkers(now.Add(-30 * time.Second))
	if len(staleWorkers) != 1 || staleWorkers[0].ID != stale.ID {
		t.Errorf("GetStaleWorkers() = %v, want only %s", staleWorkers, stale.ID)
	}

	if err := store.UpdateWorkerHeartbeat(stale.ID, now); err != nil {
		t.Fatalf("UpdateWorkerHeartbeat() error = %v", err)
	}
	staleWorkers, _ = store.GetStaleWorkers(now.Add(-30 * time.Second))
	if len(staleWorkers) != 0 {
		t.Errorf("expected no stale workers after heartbeat, got %d", len(staleWorkers))
	}

	if err := store.UpdateWorkerHeartbeat(uuid.New(), now); err == nil {
		t.Error("expected error for unknown worker heartbeat")
	}

	if err := store.RemoveWorker(fresh.ID); err != nil {
		t.Fatalf("RemoveWorker() error = %v", err)
	}
	if _, err := store.GetWorkerByID(fresh.ID); err == nil {
		t.Error("expected error for removed worker")
	}
}
