// Package scheduler turns a batch of recipients into a persisted campaign
// job whose tasks are spread over future slots within the account's limits.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/carecast/internal/allocator"
	"github.com/foxzi/carecast/internal/archive"
	"github.com/foxzi/carecast/internal/audit"
	"github.com/foxzi/carecast/internal/campaign"
	"github.com/foxzi/carecast/internal/metrics"
	"github.com/foxzi/carecast/internal/ratelimit"
	"github.com/foxzi/carecast/internal/store"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Options contains scheduler settings
type Options struct {
	Strategy  allocator.Strategy
	Allocator allocator.Options

	// DefaultPerHour and DefaultPerDay are used for estimates without an account
	DefaultPerHour int
	DefaultPerDay  int

	// MaxRecipients caps the size of one job
	MaxRecipients int
}

// Request describes a job to schedule
type Request struct {
	JobName    string
	ActionType campaign.ActionType
	Config     map[string]any
	AccountID  string
	Recipients []campaign.Person
	ActorID    string
}

// EstimateRequest describes a dry-run allocation
type EstimateRequest struct {
	ActionType     campaign.ActionType
	RecipientCount int
	AccountID      string
	Config         map[string]any
}

// Estimate is the timing of a hypothetical job
type Estimate struct {
	EstimatedStart      time.Time `json:"estimated_start"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
	Tasks               int       `json:"tasks"`
}

// Scheduler creates jobs and manages their pending tasks
type Scheduler struct {
	store   store.Store
	audit   audit.Recorder
	archive *archive.Manager
	alloc   allocator.Allocator
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a scheduler
func New(st store.Store, rec audit.Recorder, arch *archive.Manager, opts Options, logger *slog.Logger) (*Scheduler, error) {
	alloc, err := allocator.New(opts.Strategy, opts.Allocator)
	if err != nil {
		return nil, fmt.Errorf("failed to create allocator: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxRecipients <= 0 {
		opts.MaxRecipients = 10000
	}

	return &Scheduler{
		store:   st,
		audit:   rec,
		archive: arch,
		alloc:   alloc,
		opts:    opts,
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
	}, nil
}

// SetClock replaces the time source
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Scheduler) validate(req *Request) error {
	if !req.ActionType.Valid() {
		return fmt.Errorf("unknown action type %q: %w", req.ActionType, campaign.ErrInvalidInput)
	}
	if req.AccountID == "" {
		return fmt.Errorf("account_id is required: %w", campaign.ErrInvalidInput)
	}
	if len(req.Recipients) == 0 {
		return fmt.Errorf("recipients are required: %w", campaign.ErrInvalidInput)
	}
	if len(req.Recipients) > s.opts.MaxRecipients {
		return fmt.Errorf("too many recipients (%d > %d): %w", len(req.Recipients), s.opts.MaxRecipients, campaign.ErrInvalidInput)
	}
	for i, p := range req.Recipients {
		if p.ID == "" {
			return fmt.Errorf("recipient %d has no id: %w", i, campaign.ErrInvalidInput)
		}
	}
	return nil
}

// Schedule allocates slots for every recipient and persists the job
// together with the account's projected counters and the recipients'
// back-references
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*campaign.Job, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	now := s.now()

	acct, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	active, err := s.store.ActiveJob(ctx, acct.ID, req.ActionType)
	if err != nil {
		return nil, fmt.Errorf("failed to check active job: %w", err)
	}
	if active != "" {
		return nil, fmt.Errorf("account %s already runs %s job %s: %w", acct.ID, req.ActionType, active, campaign.ErrConflict)
	}

	plan, err := s.alloc.Allocate(allocator.Request{
		Recipients:     req.Recipients,
		Start:          now,
		ActionType:     req.ActionType,
		ActionsPerHour: actionsPerHour(req.Config, acct.Rate.PerHour),
		State:          acct.SchedulingSeed(now),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate slots: %w", err)
	}

	name := req.JobName
	if name == "" {
		name = fmt.Sprintf("%s-%s", req.ActionType, now.Format("20060102-150405"))
	}

	job := &campaign.Job{
		ID:                      uuid.New().String(),
		JobName:                 name,
		ActionType:              req.ActionType,
		AccountID:               acct.ID,
		Config:                  req.Config,
		Status:                  campaign.JobProcessing,
		EstimatedStart:          plan.EstimatedStart,
		EstimatedCompletionTime: plan.EstimatedCompletion,
		CreatedBy:               req.ActorID,
		CreatedAt:               now,
	}
	for _, a := range plan.Assignments {
		job.AddTask(&campaign.Task{
			ID:           uuid.New().String(),
			Person:       a.Person,
			ScheduledFor: a.ScheduledFor,
			Status:       campaign.TaskPending,
		})
	}

	if err := s.store.CreateJob(ctx, job, plan.State); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	action := audit.Action(audit.OpCreateSchedule, string(job.ActionType))
	entries := make([]*audit.Entry, 0, len(job.TaskOrder))
	for _, t := range job.OrderedTasks() {
		entries = append(entries, &audit.Entry{
			Action:      action,
			ActorID:     req.ActorID,
			RecipientID: t.Person.ID,
			AccountID:   job.AccountID,
			JobID:       job.ID,
			Details: audit.Details(map[string]any{
				"task_id":       t.ID,
				"scheduled_for": t.ScheduledFor,
			}),
		})
	}
	if err := s.audit.Record(ctx, entries...); err != nil {
		s.logger.Error("failed to record schedule audit", "job_id", job.ID, "error", err)
	}

	metrics.IncJobsScheduled(string(job.ActionType))
	s.logger.Info("job scheduled",
		"job_id", job.ID,
		"account_id", job.AccountID,
		"action_type", job.ActionType,
		"tasks", job.Statistics.Total,
		"estimated_start", job.EstimatedStart,
		"estimated_completion", job.EstimatedCompletionTime,
	)

	return job, nil
}

// Estimate runs the allocator for placeholder recipients without
// persisting anything
func (s *Scheduler) Estimate(ctx context.Context, req EstimateRequest) (*Estimate, error) {
	if !req.ActionType.Valid() {
		return nil, fmt.Errorf("unknown action type %q: %w", req.ActionType, campaign.ErrInvalidInput)
	}
	if req.RecipientCount <= 0 || req.RecipientCount > s.opts.MaxRecipients {
		return nil, fmt.Errorf("recipient count must be between 1 and %d: %w", s.opts.MaxRecipients, campaign.ErrInvalidInput)
	}

	now := s.now()
	state := ratelimit.State{PerHour: s.opts.DefaultPerHour, PerDay: s.opts.DefaultPerDay}
	if req.AccountID != "" {
		acct, err := s.store.GetAccount(ctx, req.AccountID)
		if err != nil {
			return nil, fmt.Errorf("failed to load account: %w", err)
		}
		state = acct.SchedulingSeed(now)
	}

	placeholders := make([]campaign.Person, req.RecipientCount)
	for i := range placeholders {
		placeholders[i] = campaign.Person{ID: fmt.Sprintf("estimate-%d", i)}
	}

	plan, err := s.alloc.Allocate(allocator.Request{
		Recipients:     placeholders,
		Start:          now,
		ActionType:     req.ActionType,
		ActionsPerHour: actionsPerHour(req.Config, state.PerHour),
		State:          state,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate slots: %w", err)
	}

	return &Estimate{
		EstimatedStart:      plan.EstimatedStart,
		EstimatedCompletion: plan.EstimatedCompletion,
		Tasks:               len(plan.Assignments),
	}, nil
}

// RemoveTask deletes a pending task from a live job. A job left without
// open tasks is archived as completed.
func (s *Scheduler) RemoveTask(ctx context.Context, jobID, taskID, actorID string) (campaign.Statistics, error) {
	job, task, err := s.store.RemoveTask(ctx, jobID, taskID)
	if err != nil {
		return campaign.Statistics{}, fmt.Errorf("failed to remove task: %w", err)
	}

	err = s.audit.Record(ctx, &audit.Entry{
		Action:      audit.Action(audit.OpRemoveSchedule, string(job.ActionType)),
		ActorID:     actorID,
		RecipientID: task.Person.ID,
		AccountID:   job.AccountID,
		JobID:       job.ID,
		Details: audit.Details(map[string]any{
			"task_id":       task.ID,
			"scheduled_for": task.ScheduledFor,
		}),
	})
	if err != nil {
		s.logger.Error("failed to record removal audit", "job_id", job.ID, "task_id", task.ID, "error", err)
	}

	s.logger.Info("task removed", "job_id", job.ID, "task_id", task.ID, "remaining", job.Statistics.Total)

	if job.Statistics.Done() {
		if err := s.archive.Finalize(ctx, job.ID); err != nil {
			return job.Statistics, err
		}
	}

	return job.Statistics, nil
}

// GetJob returns a live job
func (s *Scheduler) GetJob(ctx context.Context, id string) (*campaign.Job, error) {
	return s.store.GetJob(ctx, id)
}

// GetArchivedJob returns an archived job
func (s *Scheduler) GetArchivedJob(ctx context.Context, id string) (*campaign.Job, error) {
	return s.store.GetArchived(ctx, id)
}

// ListLiveJobs returns a page of live jobs, newest first
func (s *Scheduler) ListLiveJobs(ctx context.Context, filter campaign.JobListFilter) ([]*campaign.Job, int, error) {
	return s.store.ListLive(ctx, normalize(filter))
}

// ListArchivedJobs returns a page of archived jobs, newest first
func (s *Scheduler) ListArchivedJobs(ctx context.Context, filter campaign.JobListFilter) ([]*campaign.Job, int, error) {
	return s.store.ListArchived(ctx, normalize(filter))
}

// Stop archives a live job as paused
func (s *Scheduler) Stop(ctx context.Context, jobID, actorID string) (*campaign.Job, error) {
	return s.archive.Stop(ctx, jobID, actorID)
}

func normalize(f campaign.JobListFilter) campaign.JobListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	return f
}

func actionsPerHour(cfg map[string]any, fallback int) int {
	if n, ok := campaign.ConfigInt(cfg, "actions_per_hour"); ok && n > 0 {
		return n
	}
	return fallback
}

// IsClientError reports whether err is caused by the request rather than
// by the engine
func IsClientError(err error) bool {
	return errors.Is(err, campaign.ErrInvalidInput) ||
		errors.Is(err, campaign.ErrConflict) ||
		errors.Is(err, campaign.ErrCapacityExhausted) ||
		errors.Is(err, campaign.ErrNotFound) ||
		errors.Is(err, campaign.ErrTaskNotPending)
}
