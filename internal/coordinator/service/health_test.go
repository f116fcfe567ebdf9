package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
	"github.com/nemanja-m/gobatch/internal/coordinator/storage"
)

type healthTestLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *healthTestLogger) Debug(msg string, args ...any) { l.record(msg) }
func (l *healthTestLogger) Info(msg string, args ...any)  { l.record(msg) }
func (l *healthTestLogger) Warn(msg string, args ...any)  { l.record(msg) }
func (l *healthTestLogger) Error(msg string, args ...any) { l.record(msg) }
func (l *healthTestLogger) Fatal(msg string, args ...any) { l.record(msg) }

func (l *healthTestLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *healthTestLogger) getMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.messages)
}

type mockWorkerServiceForHealth struct {
	core.WorkerService

	mu         sync.Mutex
	stale      []*core.Worker
	staleErr   error
	removed    []uuid.UUID
	staleCalls int
}

func (m *mockWorkerServiceForHealth) GetStaleWorkers(timeout time.Duration) ([]*core.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleCalls++
	return m.stale, m.staleErr
}

func (m *mockWorkerServiceForHealth) RemoveWorker(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
	return nil
}

func (m *mockWorkerServiceForHealth) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staleCalls
}

type mockJobServiceForHealth struct {
	core.JobService

	requeueErr error
	expireErr  error
}

func (m *mockJobServiceForHealth) RequeueWorkerTasks(ctx context.Context, workerID string) error {
	return m.requeueErr
}

func (m *mockJobServiceForHealth) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	return 0, m.expireErr
}

func TestHealthChecker_Sweep(t *testing.T) {
	ctx := context.Background()
	jobs := newTestJobService(t)

	t0 := time.Now().UTC()
	workers := NewWorkerService(storage.NewInMemoryWorkerStore(), &mockLogger{}).(*workerService)
	workers.now = func() time.Time { return t0 }

	gone := &core.Worker{ID: uuid.New(), Address: "worker-a:5000"}
	alive := &core.Worker{ID: uuid.New(), Address: "worker-b:5000"}
	require.NoError(t, workers.RegisterWorker(gone))
	require.NoError(t, workers.RegisterWorker(alive))

	orphaned, err := jobs.AddJob(ctx, "alice", leaf("root"))
	require.NoError(t, err)
	mustClaim(t, jobs, gone.ID.String(), orphaned)
	leased, err := jobs.AddJob(ctx, "bob", leaf("root"))
	require.NoError(t, err)
	mustClaim(t, jobs, alive.ID.String(), leased)

	workers.now = func() time.Time { return t0.Add(time.Minute) }
	require.NoError(t, workers.RecordHeartbeat(alive.ID))

	logger := &healthTestLogger{}
	checker := NewHealthChecker(HealthCheckerConfig{
		CheckInterval: time.Second,
		StaleTimeout:  15 * time.Second,
	}, workers, jobs, logger)

	res := checker.Sweep(ctx)
	require.Equal(t, SweepResult{RemovedWorkers: 1}, res)
	mustState(t, jobs, orphaned, core.TaskStateQueued)
	mustState(t, jobs, leased, core.TaskStateRunning)
	require.Contains(t, logger.getMessages(), "Removed stale worker")

	// The surviving worker never renews its lease.
	checker.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	res = checker.Sweep(ctx)
	require.Equal(t, SweepResult{ExpiredLeases: 1}, res)
	mustState(t, jobs, leased, core.TaskStateQueued)
}

func TestHealthChecker_KeepsWorkerWhenRequeueFails(t *testing.T) {
	worker := &core.Worker{ID: uuid.New()}
	workers := &mockWorkerServiceForHealth{stale: []*core.Worker{worker}}
	jobs := &mockJobServiceForHealth{requeueErr: errors.New("ledger unavailable")}
	logger := &healthTestLogger{}

	checker := NewHealthChecker(HealthCheckerConfig{CheckInterval: time.Second}, workers, jobs, logger)
	res := checker.Sweep(context.Background())

	require.Zero(t, res.RemovedWorkers)
	require.Empty(t, workers.removed)
	require.Contains(t, logger.getMessages(), "Failed to requeue worker tasks")
}

func TestHealthChecker_LogsFailures(t *testing.T) {
	workers := &mockWorkerServiceForHealth{staleErr: errors.New("store closed")}
	jobs := &mockJobServiceForHealth{expireErr: errors.New("store closed")}
	logger := &healthTestLogger{}

	checker := NewHealthChecker(HealthCheckerConfig{CheckInterval: time.Second}, workers, jobs, logger)
	require.Equal(t, SweepResult{}, checker.Sweep(context.Background()))

	messages := logger.getMessages()
	require.Contains(t, messages, "Failed to get stale workers")
	require.Contains(t, messages, "Failed to expire task leases")
}

func TestHealthChecker_StartSweepsUntilCancelled(t *testing.T) {
	workers := &mockWorkerServiceForHealth{}
	checker := NewHealthChecker(HealthCheckerConfig{CheckInterval: 5 * time.Millisecond}, workers, &mockJobServiceForHealth{}, &healthTestLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return workers.calls() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("health checker did not stop after context cancellation")
	}
}
