package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
)

// claimBatch is how many runnable candidates one claim attempt inspects.
const claimBatch = 16

var errUnchanged = errors.New("unchanged")

type JobServiceConfig struct {
	// RootPath holds one working directory per job.
	RootPath      string
	LeaseDuration time.Duration
	Retry         core.RetryPolicy
}

type jobService struct {
	store  core.TaskStore
	config JobServiceConfig
	now    func() time.Time

	logger logging.Logger
}

func NewJobService(store core.TaskStore, config JobServiceConfig, logger logging.Logger) core.JobService {
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = time.Minute
	}
	if config.Retry.Attempts == 0 {
		config.Retry = core.DefaultRetryPolicy()
	}
	return &jobService{
		store:  store,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

func (s *jobService) AddJob(ctx context.Context, user string, task core.NewTask) (string, error) {
	if err := validateUser(user); err != nil {
		return "", err
	}
	if task.Type == "" {
		return "", fmt.Errorf("%w: task type is required", core.ErrInvalidState)
	}

	var id string
	err := s.config.Retry.Do(ctx, func() error {
		roots, err := s.store.List(ctx, core.TaskFilter{User: user, RootsOnly: true})
		if err != nil {
			return err
		}
		id = fmt.Sprintf("%s-%d", user, nextSequence(user, roots))
		now := s.now()
		return s.store.Put(ctx, &core.TaskInfo{
			ID:        id,
			User:      user,
			Root:      id,
			State:     core.TaskStateQueued,
			Type:      task.Type,
			Task:      task.Task,
			Profile:   core.ProfileOrDefault(task.Profile),
			Cost:      task.Cost,
			Progress:  core.InitialProgress(),
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	if err != nil {
		return "", fmt.Errorf("add job: %w", err)
	}

	if s.config.RootPath != "" {
		if _, err := core.CreateJobRoot(s.config.RootPath, id); err != nil {
			return "", err
		}
	}

	s.logger.Info("Job submitted", "job_id", id, "user", user, "type", task.Type)
	return id, nil
}

func validateUser(user string) error {
	if user == "" {
		return fmt.Errorf("%w: user is required", core.ErrInvalidState)
	}
	if strings.ContainsAny(user, "./\\ \t\n") {
		return fmt.Errorf("%w: invalid user name %q", core.ErrInvalidState, user)
	}
	return nil
}

func nextSequence(user string, roots []*core.TaskInfo) int {
	seq := 0
	prefix := user + "-"
	for _, r := range roots {
		n, err := strconv.Atoi(strings.TrimPrefix(r.ID, prefix))
		if err == nil && n > seq {
			seq = n
		}
	}
	return seq + 1
}

func (s *jobService) GetTask(ctx context.Context, id string) (*core.TaskInfo, error) {
	return s.store.Get(ctx, id)
}

func (s *jobService) JobTasks(ctx context.Context, id string) ([]*core.TaskInfo, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.store.List(ctx, core.TaskFilter{Root: t.Root})
}

func (s *jobService) JobProgress(ctx context.Context, id string) (float64, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	byID, err := s.jobIndex(ctx, t.Root)
	if err != nil {
		return 0, err
	}
	return core.TaskProgress(t, byID), nil
}

func (s *jobService) Summaries(ctx context.Context, filter core.JobFilter) ([]core.SummaryInfo, int, error) {
	tasks, err := s.store.List(ctx, core.TaskFilter{User: filter.User})
	if err != nil {
		return nil, 0, err
	}
	summaries := core.Summarize(tasks)
	if filter.State != nil {
		summaries = slices.DeleteFunc(summaries, func(sum core.SummaryInfo) bool {
			return sum.State != *filter.State
		})
	}

	total := len(summaries)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return summaries[start:end], total, nil
}

func (s *jobService) GetSummary(ctx context.Context, id string) (*core.SummaryInfo, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.List(ctx, core.TaskFilter{Root: t.Root})
	if err != nil {
		return nil, err
	}
	summaries := core.Summarize(tasks)
	if len(summaries) == 0 {
		return nil, fmt.Errorf("job %s: %w", t.Root, core.ErrNotFound)
	}
	return &summaries[0], nil
}

func (s *jobService) ClaimTask(ctx context.Context, workerID, profile string) (*core.TaskInfo, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	profile = core.ProfileOrDefault(profile)

	var claimed *core.TaskInfo
	err := s.config.Retry.Do(ctx, func() error {
		candidates, err := s.store.Runnable(ctx, profile, claimBatch)
		if err != nil {
			return err
		}
		for _, t := range candidates {
			now := s.now()
			t.State = core.TaskStateRunning
			t.Worker = workerID
			t.LeaseExpires = now.Add(s.config.LeaseDuration)
			t.Progress.Phased = false
			t.UpdatedAt = now
			err := s.store.Put(ctx, t)
			if errors.Is(err, core.ErrConflict) {
				continue
			}
			if err != nil {
				return err
			}
			claimed = t
			return nil
		}
		if len(candidates) > 0 {
			return core.ErrConflict
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if claimed != nil {
		s.logger.Debug("Task claimed", "task_id", claimed.ID, "worker_id", workerID, "type", claimed.Type)
	}
	return claimed, nil
}

func (s *jobService) ReportResult(ctx context.Context, id, workerID string, report core.Report) error {
	switch report.Kind {
	case core.ReportOutput:
		return s.reportOutput(ctx, id, workerID, report.Output)
	case core.ReportSubtasks:
		return s.reportSubtasks(ctx, id, workerID, report)
	case core.ReportError:
		return s.reportError(ctx, id, workerID, report.Error)
	default:
		return fmt.Errorf("%w: unknown report kind %q", core.ErrInvalidState, report.Kind)
	}
}

func (s *jobService) reportOutput(ctx context.Context, id, workerID string, output []byte) error {
	t, err := s.update(ctx, id, func(t *core.TaskInfo) error {
		if err := checkLease(t, workerID); err != nil {
			return err
		}
		if t.State == core.TaskStateCancelling {
			t.State = core.TaskStateCancelled
		} else {
			t.State = core.TaskStateDone
			t.Output = output
		}
		t.Release()
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Task finished", "task_id", id, "state", t.State)
	if t.State == core.TaskStateDone && !t.IsRoot() {
		return s.refreshWaiting(ctx, t.Parent)
	}
	if t.State == core.TaskStateDone {
		s.logger.Info("Job done", "job_id", t.ID)
	}
	return nil
}

func (s *jobService) reportSubtasks(ctx context.Context, id, workerID string, report core.Report) error {
	if len(report.Subtasks) == 0 {
		return fmt.Errorf("%w: task %s reported no subtasks", core.ErrInvalidState, id)
	}

	parent, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := checkLease(parent, workerID); err != nil {
		return err
	}

	// Children are created before the parent references them so the parent
	// never points at a missing record. If the lease is lost between here
	// and the update below, the records stay unreferenced. Child ids derive
	// from the parent's child count, so the next lease holder resuming from
	// the same state hits ErrConflict on them and adopts them.
	ids := make([]string, len(report.Subtasks))
	for i, sub := range report.Subtasks {
		ids[i] = core.ChildID(parent.ID, len(parent.Children)+i)
		now := s.now()
		err := s.store.Put(ctx, &core.TaskInfo{
			ID:        ids[i],
			User:      parent.User,
			Root:      parent.Root,
			Parent:    parent.ID,
			State:     core.TaskStateQueued,
			Type:      sub.Type,
			Task:      sub.Task,
			Profile:   core.ProfileOrDefault(sub.Profile),
			Cost:      sub.Cost,
			Progress:  core.InitialProgress(),
			CreatedAt: now,
			UpdatedAt: now,
		})
		if errors.Is(err, core.ErrConflict) {
			s.logger.Debug("Subtask already exists", "task_id", ids[i])
			continue
		}
		if err != nil {
			return fmt.Errorf("create subtask %s: %w", ids[i], err)
		}
	}

	t, err := s.update(ctx, id, func(t *core.TaskInfo) error {
		if err := checkLease(t, workerID); err != nil {
			return err
		}
		if len(report.State) > 0 {
			t.Task = report.State
		}
		if !t.Progress.Phased {
			byID, err := s.jobIndex(ctx, t.Root)
			if err != nil {
				return err
			}
			t.Progress = t.Progress.Split(core.TaskProgress(t, byID), 0, 1, len(t.Children))
		}
		t.Progress.Self = 1
		t.Progress.Phased = false
		for _, child := range ids {
			if !slices.Contains(t.Children, child) {
				t.Children = append(t.Children, child)
			}
		}
		waiting, err := s.waiting(ctx, t)
		if err != nil {
			return err
		}
		t.Waiting = waiting
		if t.State == core.TaskStateCancelling {
			t.State = core.TaskStateCancelled
		} else {
			t.State = core.TaskStateQueued
		}
		t.Release()
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Task suspended", "task_id", id, "subtasks", len(ids), "waiting", t.Waiting)
	if t.State == core.TaskStateCancelled {
		return s.cancelSubtree(ctx, t)
	}
	return nil
}

func (s *jobService) reportError(ctx context.Context, id, workerID, message string) error {
	if message == "" {
		message = "task failed"
	}
	t, err := s.update(ctx, id, func(t *core.TaskInfo) error {
		if err := checkLease(t, workerID); err != nil {
			return err
		}
		t.State = core.TaskStateCancelled
		t.Error = message
		t.Release()
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Warn("Task failed", "task_id", id, "job_id", t.Root, "error", message)
	return s.cancelTree(ctx, t.Root, message)
}

func (s *jobService) UpdateProgress(ctx context.Context, id, workerID string, fraction float64) (bool, error) {
	running := true
	_, err := s.update(ctx, id, func(t *core.TaskInfo) error {
		if checkLease(t, workerID) != nil || t.State == core.TaskStateCancelling {
			running = false
			return errUnchanged
		}
		t.Progress = t.Progress.WithSelf(fraction)
		t.LeaseExpires = s.now().Add(s.config.LeaseDuration)
		return nil
	})
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return running, nil
}

func (s *jobService) SplitProgress(ctx context.Context, id, workerID string, cur, future float64) error {
	_, err := s.update(ctx, id, func(t *core.TaskInfo) error {
		if err := checkLease(t, workerID); err != nil {
			return err
		}
		byID, err := s.jobIndex(ctx, t.Root)
		if err != nil {
			return err
		}
		t.Progress = t.Progress.Split(core.TaskProgress(t, byID), cur, future, len(t.Children))
		t.Progress.Phased = true
		t.LeaseExpires = s.now().Add(s.config.LeaseDuration)
		return nil
	})
	return err
}

func (s *jobService) CancelJob(ctx context.Context, id string) error {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	s.logger.Info("Cancelling job", "job_id", t.Root)
	return s.cancelTree(ctx, t.Root, fmt.Sprintf("job %s cancelled", t.Root))
}

func (s *jobService) CancelTask(ctx context.Context, id string) error {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	s.logger.Info("Cancelling task", "task_id", id, "job_id", t.Root)
	return s.cancelTree(ctx, t.Root, fmt.Sprintf("task %s cancelled", id))
}

// cancelTree cancels every unfinished task of a job and records reason on
// the root unless it already carries an error.
func (s *jobService) cancelTree(ctx context.Context, root, reason string) error {
	tasks, err := s.store.List(ctx, core.TaskFilter{Root: root})
	if err != nil {
		return err
	}
	for _, t := range core.SortTopDown(tasks) {
		if err := s.cancelOne(ctx, t.ID); err != nil {
			return err
		}
	}
	_, err = s.update(ctx, root, func(t *core.TaskInfo) error {
		if t.Error != "" {
			return errUnchanged
		}
		t.Error = reason
		return nil
	})
	return err
}

func (s *jobService) cancelSubtree(ctx context.Context, parent *core.TaskInfo) error {
	for _, id := range parent.Children {
		child, err := s.store.Get(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.cancelOne(ctx, id); err != nil {
			return err
		}
		if err := s.cancelSubtree(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

func (s *jobService) cancelOne(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, func(t *core.TaskInfo) error {
		switch t.State {
		case core.TaskStateQueued, core.TaskStateResurrect:
			t.State = core.TaskStateCancelled
		case core.TaskStateRunning:
			t.State = core.TaskStateCancelling
		default:
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	return err
}

func (s *jobService) RemoveJob(ctx context.Context, id string) error {
	root, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !root.IsRoot() {
		return fmt.Errorf("%w: %s is not a job", core.ErrInvalidState, id)
	}
	tasks, err := s.store.List(ctx, core.TaskFilter{Root: id})
	if err != nil {
		return err
	}
	ordered := core.SortTopDown(tasks)

	for _, t := range ordered {
		_, err := s.update(ctx, t.ID, func(t *core.TaskInfo) error {
			if t.State == core.TaskStateErasing {
				return errUnchanged
			}
			t.State = core.TaskStateErasing
			t.Release()
			return nil
		})
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return err
		}
	}

	for _, t := range slices.Backward(ordered) {
		if err := s.delete(ctx, t.ID); err != nil {
			return err
		}
	}

	if s.config.RootPath != "" {
		if err := core.RemoveJobRoot(s.config.RootPath, id); err != nil {
			return err
		}
	}
	s.logger.Info("Job removed", "job_id", id, "tasks", len(ordered))
	return nil
}

func (s *jobService) delete(ctx context.Context, id string) error {
	err := s.config.Retry.Do(ctx, func() error {
		t, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		return s.store.Delete(ctx, id, t.Version)
	})
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	return err
}

func (s *jobService) ResurrectJob(ctx context.Context, id string) error {
	root, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	tasks, err := s.store.List(ctx, core.TaskFilter{Root: root.Root})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		switch t.State {
		case core.TaskStateCancelling:
			return fmt.Errorf("%w: task %s is still cancelling", core.ErrInvalidState, t.ID)
		case core.TaskStateErasing:
			return fmt.Errorf("%w: job %s is being removed", core.ErrInvalidState, root.Root)
		}
	}

	ordered := core.SortTopDown(tasks)
	for _, t := range ordered {
		_, err := s.update(ctx, t.ID, func(t *core.TaskInfo) error {
			if t.State != core.TaskStateCancelled {
				return errUnchanged
			}
			t.State = core.TaskStateResurrect
			return nil
		})
		if err != nil {
			return err
		}
	}

	resurrected := 0
	for _, t := range ordered {
		_, err := s.update(ctx, t.ID, func(t *core.TaskInfo) error {
			if t.State != core.TaskStateResurrect {
				return errUnchanged
			}
			resurrected++
			waiting, err := s.waiting(ctx, t)
			if err != nil {
				return err
			}
			t.State = core.TaskStateQueued
			t.Waiting = waiting
			t.Error = ""
			t.Release()
			return nil
		})
		if err != nil {
			return err
		}
	}

	s.logger.Info("Job resurrected", "job_id", root.Root, "tasks", resurrected)
	return nil
}

func (s *jobService) RenewLeases(ctx context.Context, workerID string) error {
	tasks, err := s.leasedBy(ctx, workerID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		_, err := s.update(ctx, t.ID, func(t *core.TaskInfo) error {
			if checkLease(t, workerID) != nil {
				return errUnchanged
			}
			t.LeaseExpires = s.now().Add(s.config.LeaseDuration)
			return nil
		})
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *jobService) RequeueWorkerTasks(ctx context.Context, workerID string) error {
	tasks, err := s.leasedBy(ctx, workerID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := s.release(ctx, t.ID, func(t *core.TaskInfo) bool {
			return t.Worker == workerID
		}); err != nil {
			return err
		}
		s.logger.Info("Task requeued", "task_id", t.ID, "worker_id", workerID)
	}
	return nil
}

func (s *jobService) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	tasks, err := s.store.List(ctx, core.TaskFilter{
		States: []core.TaskState{core.TaskStateRunning, core.TaskStateCancelling},
	})
	if err != nil {
		return 0, err
	}
	expired := func(t *core.TaskInfo) bool {
		return !t.LeaseExpires.IsZero() && t.LeaseExpires.Before(now)
	}

	count := 0
	for _, t := range tasks {
		if !expired(t) {
			continue
		}
		if err := s.release(ctx, t.ID, expired); err != nil {
			return count, err
		}
		s.logger.Warn("Task lease expired", "task_id", t.ID, "worker_id", t.Worker)
		count++
	}
	return count, nil
}

// release takes a leased task away from its worker: running tasks go back
// to the queue and cancelling tasks finish their cancellation.
func (s *jobService) release(ctx context.Context, id string, match func(*core.TaskInfo) bool) error {
	_, err := s.update(ctx, id, func(t *core.TaskInfo) error {
		if !t.Leased() || !match(t) {
			return errUnchanged
		}
		if t.State == core.TaskStateCancelling {
			t.State = core.TaskStateCancelled
		} else {
			t.State = core.TaskStateQueued
		}
		t.Release()
		return nil
	})
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	return err
}

func (s *jobService) leasedBy(ctx context.Context, workerID string) ([]*core.TaskInfo, error) {
	return s.store.List(ctx, core.TaskFilter{
		Worker: workerID,
		States: []core.TaskState{core.TaskStateRunning, core.TaskStateCancelling},
	})
}

func (s *jobService) refreshWaiting(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, func(t *core.TaskInfo) error {
		waiting, err := s.waiting(ctx, t)
		if err != nil {
			return err
		}
		if waiting == t.Waiting {
			return errUnchanged
		}
		t.Waiting = waiting
		return nil
	})
	return err
}

// waiting counts the children of t that are not done.
func (s *jobService) waiting(ctx context.Context, t *core.TaskInfo) (int, error) {
	n := 0
	for _, id := range t.Children {
		child, err := s.store.Get(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			n++
			continue
		}
		if err != nil {
			return 0, err
		}
		if child.State != core.TaskStateDone {
			n++
		}
	}
	return n, nil
}

func (s *jobService) jobIndex(ctx context.Context, root string) (map[string]*core.TaskInfo, error) {
	tasks, err := s.store.List(ctx, core.TaskFilter{Root: root})
	if err != nil {
		return nil, err
	}
	return core.IndexByID(tasks), nil
}

// update applies mutate to a fresh copy of a record and writes it back with
// a conditional put, retrying on conflicts. A mutate returning errUnchanged
// skips the write.
func (s *jobService) update(ctx context.Context, id string, mutate func(*core.TaskInfo) error) (*core.TaskInfo, error) {
	var result *core.TaskInfo
	err := s.config.Retry.Do(ctx, func() error {
		t, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(t); err != nil {
			if errors.Is(err, errUnchanged) {
				result = t
				return nil
			}
			return err
		}
		t.UpdatedAt = s.now()
		if err := s.store.Put(ctx, t); err != nil {
			return err
		}
		result = t
		return nil
	})
	return result, err
}

func checkLease(t *core.TaskInfo, workerID string) error {
	if !t.Leased() || t.Worker != workerID {
		return fmt.Errorf("%w: task %s", core.ErrLeaseLost, t.ID)
	}
	return nil
}
