package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rob634/rmhgeoapi-sub017/internal/api/response"
	"github.com/rob634/rmhgeoapi-sub017/internal/cache"
	"github.com/rob634/rmhgeoapi-sub017/pkg/core"
	"github.com/rob634/rmhgeoapi-sub017/pkg/security"
)

// terminalJobTTL is how long completed and failed job views stay cached.
const terminalJobTTL = 10 * time.Minute

// Submitter is the slice of the coordinator the submit handler depends on.
type Submitter interface {
	SubmitJob(ctx context.Context, jobType string, params map[string]any) (string, error)
}

// JobView is the API representation of a job.
type JobView struct {
	ID           string         `json:"id"`
	JobType      string         `json:"job_type"`
	Status       string         `json:"status"`
	CurrentStage int            `json:"current_stage"`
	TotalStages  int            `json:"total_stages"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	StageResults map[string]any `json:"stage_results,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TaskView is the API representation of a task.
type TaskView struct {
	ID          string         `json:"id"`
	Stage       int            `json:"stage"`
	TaskType    string         `json:"task_type"`
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func jobView(j *core.Job) (*JobView, error) {
	params, err := j.ParameterMap()
	if err != nil {
		return nil, err
	}
	v := &JobView{
		ID:           j.ID,
		JobType:      j.JobType,
		Status:       string(j.Status),
		CurrentStage: j.CurrentStage,
		TotalStages:  j.TotalStages,
		Parameters:   params,
		Error:        j.LastError,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
	if len(j.StageResults) > 0 {
		var results map[string]any
		if err := json.Unmarshal(j.StageResults, &results); err != nil {
			return nil, err
		}
		v.StageResults = results
	}
	return v, nil
}

func taskView(t *core.Task) (*TaskView, error) {
	result, err := t.ResultMap()
	if err != nil {
		return nil, err
	}
	return &TaskView{
		ID:          t.ID,
		Stage:       t.Stage,
		TaskType:    t.TaskType,
		Status:      string(t.Status),
		Result:      result,
		Error:       t.LastError,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}, nil
}

// NewSubmitJobHandler returns the handler for POST /api/v1/jobs. Submission
// is asynchronous: the response carries the deterministic job ID and the
// caller polls for status. Resubmitting identical parameters returns the
// same ID without creating duplicate work.
func NewSubmitJobHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JobType    string         `json:"job_type"`
			Parameters map[string]any `json:"parameters"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if err := security.ValidateJobType(req.JobType); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_JOB_TYPE", err.Error(), nil)
			return
		}
		paramsJSON, err := json.Marshal(req.Parameters)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Parameters are not valid JSON", nil)
			return
		}
		if err := security.ValidateParameterSize(paramsJSON); err != nil {
			response.Error(w, http.StatusRequestEntityTooLarge, "PARAMETERS_TOO_LARGE", err.Error(), nil)
			return
		}

		jobID, err := svc.SubmitJob(r.Context(), req.JobType, req.Parameters)
		if err != nil {
			if errors.Is(err, core.ErrUnknownJobType) {
				response.Error(w, http.StatusBadRequest, "UNKNOWN_JOB_TYPE", err.Error(), nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "SUBMIT_FAILED", "Failed to submit job", nil)
			return
		}

		response.Accepted(w, map[string]any{
			"job_id": jobID,
			"status": string(core.JobQueued),
		})
	}
}

// NewGetJobHandler returns the handler for GET /api/v1/jobs/{jobID}.
// Terminal jobs are served from the Redis cache when one is configured.
func NewGetJobHandler(st core.StateStore, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")

		if c != nil {
			if body, ok, err := c.Get(r.Context(), cache.JobViewKey(jobID)); err == nil && ok {
				var v JobView
				if json.Unmarshal(body, &v) == nil {
					response.JSON(w, &v)
					return
				}
			}
		}

		job, err := st.GetJob(r.Context(), jobID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to load job", nil)
			return
		}
		if job == nil {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No job with that ID", nil)
			return
		}

		v, err := jobView(job)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to decode job", nil)
			return
		}

		if c != nil && job.Status.Terminal() {
			if body, err := json.Marshal(v); err == nil {
				// Best effort; a cache write failure never fails the read.
				_ = c.Set(r.Context(), cache.JobViewKey(jobID), body, terminalJobTTL)
			}
		}

		response.JSON(w, v)
	}
}

// NewListJobTasksHandler returns the handler for GET /api/v1/jobs/{jobID}/tasks.
func NewListJobTasksHandler(st core.StateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")

		job, err := st.GetJob(r.Context(), jobID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to load job", nil)
			return
		}
		if job == nil {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No job with that ID", nil)
			return
		}

		views := make([]*TaskView, 0)
		for stage := 1; stage <= job.CurrentStage; stage++ {
			tasks, err := st.ListStageTasks(r.Context(), jobID, stage)
			if err != nil {
				response.Error(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to load tasks", nil)
				return
			}
			for _, t := range tasks {
				v, err := taskView(t)
				if err != nil {
					response.Error(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to decode task", nil)
					return
				}
				views = append(views, v)
			}
		}

		response.JSON(w, map[string]any{
			"job_id": jobID,
			"tasks":  views,
		})
	}
}

// Pinger reports backend liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns the handler for GET /api/v1/health.
func NewHealthHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		checks := make(map[string]string, len(deps))
		for name, p := range deps {
			if p == nil {
				continue
			}
			if err := p.Ping(r.Context()); err != nil {
				checks[name] = err.Error()
				status = "degraded"
			} else {
				checks[name] = "ok"
			}
		}
		if status != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED", "One or more backends are unavailable", checks)
			return
		}
		response.JSON(w, map[string]any{"status": status, "checks": checks})
	}
}
