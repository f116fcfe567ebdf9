package core

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	batch "github.com/nemanja-m/gobatch/pkg/core"
)

type TaskState string

const (
	TaskStateQueued     TaskState = "queued"
	TaskStateRunning    TaskState = "running"
	TaskStateDone       TaskState = "done"
	TaskStateCancelling TaskState = "cancelling"
	TaskStateCancelled  TaskState = "cancelled"
	TaskStateErasing    TaskState = "erasing"
	TaskStateResurrect  TaskState = "resurrect"
)

var TaskStates = []TaskState{
	TaskStateQueued,
	TaskStateRunning,
	TaskStateDone,
	TaskStateCancelling,
	TaskStateCancelled,
	TaskStateErasing,
	TaskStateResurrect,
}

func ParseTaskState(s string) (TaskState, bool) {
	state := TaskState(s)
	return state, slices.Contains(TaskStates, state)
}

// Progress is the persisted part of a task's progress. The visible value is
// derived from it together with the children of the current phase.
type Progress struct {
	// Self is the fraction of the task's own work done in the current phase.
	Self float64 `json:"self"`
	// Base is the progress frozen when the current phase started.
	Base float64 `json:"base"`
	// Cur and Future weigh own work and children within the current phase.
	Cur    float64 `json:"cur"`
	Future float64 `json:"future"`
	// Phase is the index of the first child spawned in the current phase.
	Phase int `json:"phase"`
	// Phased is set when the running task split its progress explicitly.
	Phased bool `json:"phased,omitempty"`
}

func InitialProgress() Progress {
	return Progress{Cur: 1}
}

// TaskInfo is one ledger record.
type TaskInfo struct {
	ID       string    `json:"id"`
	User     string    `json:"user"`
	Root     string    `json:"root"`
	Parent   string    `json:"parent,omitempty"`
	Children []string  `json:"children,omitempty"`
	State    TaskState `json:"state"`
	Type     string    `json:"type"`
	// Task is the serialized task envelope.
	Task     []byte        `json:"task"`
	Profile  string        `json:"profile"`
	Cost     time.Duration `json:"cost"`
	Progress Progress      `json:"progress"`
	// Waiting counts children that are not done.
	Waiting      int       `json:"waiting"`
	Error        string    `json:"error,omitempty"`
	Output       []byte    `json:"output,omitempty"`
	Worker       string    `json:"worker,omitempty"`
	LeaseExpires time.Time `json:"lease_expires,omitzero"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (t *TaskInfo) Clone() *TaskInfo {
	if t == nil {
		return nil
	}
	c := *t
	c.Children = slices.Clone(t.Children)
	c.Task = slices.Clone(t.Task)
	c.Output = slices.Clone(t.Output)
	return &c
}

// ChildID is the id of the index-th child of parent. Ids are positional, so a
// task re-run from the same persisted state names its children the same way.
func ChildID(parent string, index int) string {
	return fmt.Sprintf("%s.%d", parent, index)
}

func (t *TaskInfo) IsRoot() bool {
	return t.Parent == ""
}

func (t *TaskInfo) Runnable() bool {
	return t.State == TaskStateQueued && t.Waiting == 0
}

// Leased reports whether t is held by a worker.
func (t *TaskInfo) Leased() bool {
	return t.State == TaskStateRunning || t.State == TaskStateCancelling
}

// Release clears the worker lease.
func (t *TaskInfo) Release() {
	t.Worker = ""
	t.LeaseExpires = time.Time{}
}

// NewTask is a task to be added to the ledger.
type NewTask struct {
	Type    string        `json:"type"`
	Task    []byte        `json:"task"`
	Profile string        `json:"profile,omitempty"`
	Cost    time.Duration `json:"cost,omitempty"`
}

// ProfileOrDefault maps an empty worker profile to the default one.
func ProfileOrDefault(profile string) string {
	return batch.Resources{Profile: profile}.ProfileOrDefault()
}

type ReportKind string

const (
	ReportOutput   ReportKind = "output"
	ReportSubtasks ReportKind = "subtasks"
	ReportError    ReportKind = "error"
)

// Report is what a worker publishes after one run of a task.
type Report struct {
	Kind ReportKind `json:"kind"`
	// State is the task re-serialized after a run that spawned subtasks.
	State    []byte    `json:"state,omitempty"`
	Output   []byte    `json:"output,omitempty"`
	Subtasks []NewTask `json:"subtasks,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// SummaryInfo is the per-job view derived from task records.
type SummaryInfo struct {
	ID        string            `json:"id"`
	User      string            `json:"user"`
	Type      string            `json:"type"`
	State     TaskState         `json:"state"`
	Progress  float64           `json:"progress"`
	Tasks     map[TaskState]int `json:"tasks"`
	Total     int               `json:"total"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type TaskFilter struct {
	Root      string
	User      string
	Worker    string
	States    []TaskState
	RootsOnly bool
}

func (f TaskFilter) Match(t *TaskInfo) bool {
	switch {
	case f.Root != "" && t.Root != f.Root:
		return false
	case f.User != "" && t.User != f.User:
		return false
	case f.Worker != "" && t.Worker != f.Worker:
		return false
	case f.RootsOnly && !t.IsRoot():
		return false
	case len(f.States) > 0 && !slices.Contains(f.States, t.State):
		return false
	}
	return true
}

type JobFilter struct {
	User   string
	State  *TaskState
	Limit  int
	Offset int
}

type WorkerStatus string

const (
	WorkerStatusActive WorkerStatus = "ACTIVE"
)

type Worker struct {
	ID              uuid.UUID
	Address         string
	Profile         string
	Status          WorkerStatus
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
}
