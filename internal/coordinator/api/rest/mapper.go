package rest

import (
	"encoding/json"
	"fmt"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
)

func jobLinks(id string) Links {
	return Links{
		Self:  fmt.Sprintf("/api/jobs/%s", id),
		Tasks: fmt.Sprintf("/api/jobs/%s/tasks", id),
	}
}

func ToJobSummary(summary core.SummaryInfo) JobSummary {
	return JobSummary{
		JobID:       summary.ID,
		User:        summary.User,
		Type:        summary.Type,
		Status:      string(summary.State),
		Progress:    summary.Progress,
		SubmittedAt: summary.CreatedAt,
	}
}

// ToGetJobResponse builds the job view from its summary and root record.
func ToGetJobResponse(summary core.SummaryInfo, root *core.TaskInfo) GetJobResponse {
	resp := GetJobResponse{
		JobID:    summary.ID,
		User:     summary.User,
		Type:     summary.Type,
		Status:   string(summary.State),
		Progress: summary.Progress,
		Tasks: TaskCounts{
			Total:      summary.Total,
			Queued:     summary.Tasks[core.TaskStateQueued],
			Running:    summary.Tasks[core.TaskStateRunning],
			Done:       summary.Tasks[core.TaskStateDone],
			Cancelling: summary.Tasks[core.TaskStateCancelling],
			Cancelled:  summary.Tasks[core.TaskStateCancelled],
		},
		Timestamps: TimestampsInfo{
			Submitted: summary.CreatedAt,
			Updated:   summary.UpdatedAt,
		},
		Error: summary.Error,
		Links: jobLinks(summary.ID),
	}
	if root != nil && root.State == core.TaskStateDone {
		resp.Output = outputJSON(root.Output)
	}
	return resp
}

// outputJSON passes JSON outputs through and quotes anything else.
func outputJSON(output []byte) json.RawMessage {
	if len(output) == 0 {
		return nil
	}
	if json.Valid(output) {
		return json.RawMessage(output)
	}
	quoted, _ := json.Marshal(string(output))
	return quoted
}

func ToTaskInfo(task *core.TaskInfo, byID map[string]*core.TaskInfo) TaskInfo {
	return TaskInfo{
		TaskID:    task.ID,
		Parent:    task.Parent,
		Type:      task.Type,
		Status:    string(task.State),
		Profile:   task.Profile,
		Worker:    task.Worker,
		Waiting:   task.Waiting,
		Progress:  core.TaskProgress(task, byID),
		Error:     task.Error,
		CreatedAt: task.CreatedAt,
		UpdatedAt: task.UpdatedAt,
	}
}
