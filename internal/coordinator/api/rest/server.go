package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
	"github.com/nemanja-m/gobatch/internal/shared/config"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
	"github.com/nemanja-m/gobatch/pkg/plugin"
	"github.com/nemanja-m/gobatch/pkg/task"
)

const defaultPageSize = 10

type API struct {
	jobService core.JobService
	tasks      *task.Registry
	plugins    *plugin.Registry
	logger     logging.Logger
}

// NewAPI serves the job ledger to submitters. When tasks is set, submitted
// envelopes are decoded up front and their declared resources applied.
func NewAPI(jobService core.JobService, tasks *task.Registry, plugins *plugin.Registry, logger logging.Logger) *API {
	return &API{
		jobService: jobService,
		tasks:      tasks,
		plugins:    plugins,
		logger:     logger,
	}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/jobs", a.submitJob)
	mux.HandleFunc("GET /api/jobs", a.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", a.getJob)
	mux.HandleFunc("GET /api/jobs/{id}/tasks", a.getJobTasks)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", a.cancelJob)
	mux.HandleFunc("POST /api/jobs/{id}/resurrect", a.resurrectJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", a.removeJob)
}

// submitJob handles POST /api/jobs
func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.User == "" {
		req.User = UserFromContext(r.Context())
	}

	newTask, err := a.toNewTask(req)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	jobID, err := a.jobService.AddJob(r.Context(), req.User, newTask)
	if errors.Is(err, core.ErrInvalidState) {
		a.respondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	if err != nil {
		a.respondServiceError(w, "failed to submit job", err)
		return
	}

	a.respondJSON(w, http.StatusCreated, SubmitJobResponse{
		JobID:       jobID,
		Status:      string(core.TaskStateQueued),
		SubmittedAt: time.Now().UTC(),
		Links:       jobLinks(jobID),
	})
}

func (a *API) toNewTask(req SubmitJobRequest) (core.NewTask, error) {
	if req.User == "" {
		return core.NewTask{}, fmt.Errorf("user is required")
	}
	if len(req.Task) == 0 {
		return core.NewTask{}, fmt.Errorf("task is required")
	}
	typ, err := task.TypeName(req.Task)
	if err != nil {
		return core.NewTask{}, err
	}
	if typ == "" {
		return core.NewTask{}, fmt.Errorf("task type is required")
	}

	newTask := core.NewTask{Type: typ, Task: req.Task, Profile: req.Profile}
	if a.tasks != nil {
		t, err := a.tasks.Decode(req.Task)
		if err != nil {
			return core.NewTask{}, err
		}
		res := task.ResourcesOf(t, a.plugins)
		newTask.Cost = res.Cost
		if newTask.Profile == "" {
			newTask.Profile = res.Profile
		}
	}
	return newTask, nil
}

// getJob handles GET /api/jobs/{id}
func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	summary, err := a.jobService.GetSummary(r.Context(), jobID)
	if err != nil {
		a.respondServiceError(w, "job not found", err)
		return
	}
	root, err := a.jobService.GetTask(r.Context(), summary.ID)
	if err != nil {
		a.respondServiceError(w, "job not found", err)
		return
	}

	a.respondJSON(w, http.StatusOK, ToGetJobResponse(*summary, root))
}

// listJobs handles GET /api/jobs with filters and pagination
func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := core.JobFilter{
		User:  query.Get("user"),
		Limit: defaultPageSize,
	}
	if filter.User == "" {
		filter.User = UserFromContext(r.Context())
	}
	if stateStr := query.Get("status"); stateStr != "" {
		state, ok := core.ParseTaskState(stateStr)
		if !ok {
			a.respondError(w, http.StatusBadRequest, "invalid status filter", stateStr)
			return
		}
		filter.State = &state
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			filter.Limit = l
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	summaries, total, err := a.jobService.Summaries(r.Context(), filter)
	if err != nil {
		a.respondServiceError(w, "failed to list jobs", err)
		return
	}

	jobs := make([]JobSummary, 0, len(summaries))
	for _, s := range summaries {
		jobs = append(jobs, ToJobSummary(s))
	}

	var nextOffset *int
	if end := filter.Offset + len(jobs); end < total {
		nextOffset = &end
	}

	a.respondJSON(w, http.StatusOK, ListJobsResponse{
		Jobs:       jobs,
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
		NextOffset: nextOffset,
	})
}

// getJobTasks handles GET /api/jobs/{id}/tasks
func (a *API) getJobTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.jobService.JobTasks(r.Context(), r.PathValue("id"))
	if err != nil {
		a.respondServiceError(w, "job not found", err)
		return
	}

	byID := core.IndexByID(tasks)
	resp := GetTasksResponse{Tasks: make([]TaskInfo, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, ToTaskInfo(t, byID))
	}

	a.respondJSON(w, http.StatusOK, resp)
}

// cancelJob handles POST /api/jobs/{id}/cancel
func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := a.jobService.CancelJob(r.Context(), jobID); err != nil {
		a.respondServiceError(w, "failed to cancel job", err)
		return
	}
	a.respondJobState(w, r, jobID)
}

// resurrectJob handles POST /api/jobs/{id}/resurrect
func (a *API) resurrectJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := a.jobService.ResurrectJob(r.Context(), jobID); err != nil {
		a.respondServiceError(w, "failed to resurrect job", err)
		return
	}
	a.respondJobState(w, r, jobID)
}

// removeJob handles DELETE /api/jobs/{id}
func (a *API) removeJob(w http.ResponseWriter, r *http.Request) {
	if err := a.jobService.RemoveJob(r.Context(), r.PathValue("id")); err != nil {
		a.respondServiceError(w, "failed to remove job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) respondJobState(w http.ResponseWriter, r *http.Request, jobID string) {
	root, err := a.jobService.GetTask(r.Context(), jobID)
	if err != nil {
		a.respondServiceError(w, "job not found", err)
		return
	}
	a.respondJSON(w, http.StatusAccepted, JobActionResponse{JobID: root.ID, Status: string(root.State)})
}

func (a *API) respondServiceError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		a.respondError(w, http.StatusNotFound, message, err.Error())
	case errors.Is(err, core.ErrInvalidState):
		a.respondError(w, http.StatusConflict, message, err.Error())
	default:
		a.logger.Error("Job service request failed", "error", err)
		a.respondError(w, http.StatusInternalServerError, message, err.Error())
	}
}

func (a *API) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (a *API) respondError(w http.ResponseWriter, statusCode int, error string, message string) {
	writeError(w, statusCode, error, message)
}

func NewServer(
	cfg config.RESTConfig,
	jobService core.JobService,
	tasks *task.Registry,
	plugins *plugin.Registry,
	logger logging.Logger,
) *http.Server {
	api := NewAPI(jobService, tasks, plugins, logger)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	handler := Chain(
		mux,
		RequestIDMiddleware,
		UserMiddleware,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		LimitBodyMiddleware(cfg.MaxBodyBytes),
	)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
