package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
)

type workerService struct {
	workerStore core.WorkerStore
	now         func() time.Time
	logger      logging.Logger
}

func NewWorkerService(workerStore core.WorkerStore, logger logging.Logger) core.WorkerService {
	return &workerService{
		workerStore: workerStore,
		now:         time.Now,
		logger:      logger,
	}
}

func (s *workerService) RegisterWorker(worker *core.Worker) error {
	if worker.ID == uuid.Nil {
		return fmt.Errorf("worker id is required")
	}
	worker.Profile = core.ProfileOrDefault(worker.Profile)
	s.logger.Info("Registering worker", "worker_id", worker.ID, "address", worker.Address, "profile", worker.Profile)

	now := s.now()
	worker.Status = core.WorkerStatusActive
	worker.RegisteredAt = now
	worker.LastHeartbeatAt = now
	return s.workerStore.AddWorker(worker)
}

func (s *workerService) RecordHeartbeat(workerID uuid.UUID) error {
	return s.workerStore.UpdateWorkerHeartbeat(workerID, s.now())
}

func (s *workerService) RemoveWorker(workerID uuid.UUID) error {
	s.logger.Debug("Removing worker", "worker_id", workerID)
	return s.workerStore.RemoveWorker(workerID)
}

func (s *workerService) GetStaleWorkers(timeout time.Duration) ([]*core.Worker, error) {
	threshold := s.now().Add(-timeout)
	return s.workerStore.GetStaleWorkers(threshold)
}
