package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/carecast/internal/campaign"
	"github.com/foxzi/carecast/internal/scheduler"
	"github.com/foxzi/carecast/internal/store"
)

// Version is reported by the health endpoint
var Version = "dev"

// ScheduleRequest is the request body for POST /jobs
type ScheduleRequest struct {
	JobName    string              `json:"job_name"`
	ActionType campaign.ActionType `json:"action_type"`
	Config     map[string]any      `json:"config,omitempty"`
	AccountID  string              `json:"account_id"`
	Recipients []campaign.Person   `json:"recipients"`
}

// EstimateRequest is the request body for POST /jobs/estimate
type EstimateRequest struct {
	ActionType     campaign.ActionType `json:"action_type"`
	RecipientCount int                 `json:"recipient_count"`
	AccountID      string              `json:"account_id,omitempty"`
	Config         map[string]any      `json:"config,omitempty"`
}

// JobSummary is a job without its tasks
type JobSummary struct {
	ID                      string              `json:"id"`
	JobName                 string              `json:"job_name"`
	ActionType              campaign.ActionType `json:"action_type"`
	AccountID               string              `json:"account_id"`
	Status                  campaign.JobStatus  `json:"status"`
	Statistics              campaign.Statistics `json:"statistics"`
	EstimatedStart          time.Time           `json:"estimated_start"`
	EstimatedCompletionTime time.Time           `json:"estimated_completion_time"`
	CreatedBy               string              `json:"created_by"`
	CreatedAt               time.Time           `json:"created_at"`
	CompletedAt             *time.Time          `json:"completed_at,omitempty"`
}

// JobResponse is a job with its tasks in creation order
type JobResponse struct {
	JobSummary
	Config map[string]any   `json:"config,omitempty"`
	Tasks  []*campaign.Task `json:"tasks"`
}

// JobListResponse is a page of jobs
type JobListResponse struct {
	Jobs  []JobSummary `json:"jobs"`
	Total int          `json:"total"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
}

// TickResponse is the response for POST /dispatch/tick
type TickResponse struct {
	Executed int `json:"executed"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Uptime  string       `json:"uptime"`
	Storage *store.Stats `json:"storage,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

func summarize(job *campaign.Job) JobSummary {
	return JobSummary{
		ID:                      job.ID,
		JobName:                 job.JobName,
		ActionType:              job.ActionType,
		AccountID:               job.AccountID,
		Status:                  job.Status,
		Statistics:              job.Statistics,
		EstimatedStart:          job.EstimatedStart,
		EstimatedCompletionTime: job.EstimatedCompletionTime,
		CreatedBy:               job.CreatedBy,
		CreatedAt:               job.CreatedAt,
		CompletedAt:             job.CompletedAt,
	}
}

func jobResponse(job *campaign.Job) JobResponse {
	return JobResponse{
		JobSummary: summarize(job),
		Config:     job.Config,
		Tasks:      job.OrderedTasks(),
	}
}

// handleSchedule handles POST /api/v1/jobs
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := s.deps.Scheduler.Schedule(r.Context(), scheduler.Request{
		JobName:    req.JobName,
		ActionType: req.ActionType,
		Config:     req.Config,
		AccountID:  req.AccountID,
		Recipients: req.Recipients,
		ActorID:    ActorFromContext(r.Context()),
	})
	if err != nil {
		s.sendEngineError(w, err, "Failed to schedule job")
		return
	}

	s.sendJSON(w, http.StatusCreated, jobResponse(job))
}

// handleEstimate handles POST /api/v1/jobs/estimate
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	est, err := s.deps.Scheduler.Estimate(r.Context(), scheduler.EstimateRequest{
		ActionType:     req.ActionType,
		RecipientCount: req.RecipientCount,
		AccountID:      req.AccountID,
		Config:         req.Config,
	})
	if err != nil {
		s.sendEngineError(w, err, "Failed to estimate job")
		return
	}

	s.sendJSON(w, http.StatusOK, est)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := pageFilter(r)
	jobs, total, err := s.deps.Scheduler.ListLiveJobs(r.Context(), filter)
	if err != nil {
		s.sendEngineError(w, err, "Failed to list jobs")
		return
	}
	s.sendJSON(w, http.StatusOK, listResponse(jobs, total, filter))
}

// handleGetJob handles GET /api/v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Scheduler.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "Failed to get job")
		return
	}
	s.sendJSON(w, http.StatusOK, jobResponse(job))
}

// handleStopJob handles POST /api/v1/jobs/{id}/stop
func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Scheduler.Stop(r.Context(), chi.URLParam(r, "id"), ActorFromContext(r.Context()))
	if err != nil {
		s.sendEngineError(w, err, "Failed to stop job")
		return
	}
	s.sendJSON(w, http.StatusOK, summarize(job))
}

// handleRemoveTask handles DELETE /api/v1/jobs/{id}/tasks/{taskID}
func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Scheduler.RemoveTask(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "taskID"), ActorFromContext(r.Context()))
	if err != nil {
		s.sendEngineError(w, err, "Failed to remove task")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// handleListArchive handles GET /api/v1/archive
func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	filter := pageFilter(r)
	jobs, total, err := s.deps.Scheduler.ListArchivedJobs(r.Context(), filter)
	if err != nil {
		s.sendEngineError(w, err, "Failed to list archived jobs")
		return
	}
	s.sendJSON(w, http.StatusOK, listResponse(jobs, total, filter))
}

// handleGetArchived handles GET /api/v1/archive/{id}
func (s *Server) handleGetArchived(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Scheduler.GetArchivedJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "Failed to get archived job")
		return
	}
	s.sendJSON(w, http.StatusOK, jobResponse(job))
}

// handleTick handles POST /api/v1/dispatch/tick
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Ticker.Tick(r.Context())
	if err != nil {
		s.sendEngineError(w, err, "Failed to run dispatch")
		return
	}
	s.sendJSON(w, http.StatusOK, TickResponse{Executed: n})
}

// handleGetRecipient handles GET /api/v1/recipients/{id}
func (s *Server) handleGetRecipient(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.GetRecipient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "Failed to get recipient")
		return
	}
	s.sendJSON(w, http.StatusOK, rec)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, _ := s.deps.Store.Stats(r.Context())

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).String(),
		Storage: stats,
	})
}

func pageFilter(r *http.Request) campaign.JobListFilter {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return campaign.JobListFilter{Page: page, Limit: limit}
}

func listResponse(jobs []*campaign.Job, total int, filter campaign.JobListFilter) JobListResponse {
	resp := JobListResponse{
		Jobs:  make([]JobSummary, 0, len(jobs)),
		Total: total,
		Page:  filter.Page,
		Limit: filter.Limit,
	}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, summarize(job))
	}
	return resp
}

// sendEngineError maps domain errors to HTTP status codes
func (s *Server) sendEngineError(w http.ResponseWriter, err error, fallback string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, campaign.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, campaign.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, campaign.ErrConflict), errors.Is(err, campaign.ErrTaskNotPending):
		status = http.StatusConflict
	case errors.Is(err, campaign.ErrCapacityExhausted):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		s.logger.Error(fallback, "error", err)
		s.sendError(w, status, fallback)
		return
	}

	s.logger.Debug("request rejected", "status", status, "error", err)
	s.sendError(w, status, err.Error())
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	sendJSON(w, status, v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	sendError(w, status, message)
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
