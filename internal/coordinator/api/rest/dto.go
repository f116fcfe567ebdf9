package rest

import (
	"encoding/json"
	"time"
)

type SubmitJobRequest struct {
	User string `json:"user"`
	// Task is a serialized task envelope: {"type": ..., "version": ..., "state": {...}}.
	Task json.RawMessage `json:"task"`
	// Profile overrides the worker profile the task declares.
	Profile string `json:"profile,omitempty"`
}

type SubmitJobResponse struct {
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	Links       Links     `json:"links"`
}

type Links struct {
	Self  string `json:"self"`
	Tasks string `json:"tasks,omitempty"`
}

type GetJobResponse struct {
	JobID      string         `json:"job_id"`
	User       string         `json:"user"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	Progress   float64        `json:"progress"`
	Tasks      TaskCounts     `json:"tasks"`
	Timestamps TimestampsInfo `json:"timestamps"`
	Error      string         `json:"error,omitempty"`
	// Output is the root task output once the job is done.
	Output json.RawMessage `json:"output,omitempty"`
	Links  Links           `json:"links"`
}

type TaskCounts struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Running    int `json:"running"`
	Done       int `json:"done"`
	Cancelling int `json:"cancelling"`
	Cancelled  int `json:"cancelled"`
}

type TimestampsInfo struct {
	Submitted time.Time `json:"submitted"`
	Updated   time.Time `json:"updated"`
}

type ListJobsResponse struct {
	Jobs       []JobSummary `json:"jobs"`
	Total      int          `json:"total"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
	NextOffset *int         `json:"next_offset,omitempty"`
}

type JobSummary struct {
	JobID       string    `json:"job_id"`
	User        string    `json:"user"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Progress    float64   `json:"progress"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type GetTasksResponse struct {
	Tasks []TaskInfo `json:"tasks"`
}

type TaskInfo struct {
	TaskID    string    `json:"task_id"`
	Parent    string    `json:"parent,omitempty"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Profile   string    `json:"profile"`
	Worker    string    `json:"worker,omitempty"`
	Waiting   int       `json:"waiting"`
	Progress  float64   `json:"progress"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type JobActionResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
