// Package archive moves jobs out of the live store, either when every task
// finished or on an explicit stop.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/foxzi/carecast/internal/audit"
	"github.com/foxzi/carecast/internal/campaign"
	"github.com/foxzi/carecast/internal/metrics"
	"github.com/foxzi/carecast/internal/store"
)

// Manager archives jobs
type Manager struct {
	store  store.Store
	audit  audit.Recorder
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates an archive manager
func NewManager(st store.Store, rec audit.Recorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		store:  st,
		audit:  rec,
		logger: logger.With("component", "archive"),
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Stop archives a live job as paused regardless of its open tasks and
// records a cancellation for every task that was not executed.
// A job that is not live yields campaign.ErrNotFound.
func (m *Manager) Stop(ctx context.Context, jobID, actorID string) (*campaign.Job, error) {
	job, err := m.store.Archive(ctx, jobID, campaign.JobPaused, m.now())
	if errors.Is(err, campaign.ErrJobNotLive) {
		return nil, fmt.Errorf("job %s is not live: %w", jobID, campaign.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stop job: %w", err)
	}

	open := job.OpenTasks()
	entries := make([]*audit.Entry, 0, len(open))
	for _, t := range open {
		entries = append(entries, &audit.Entry{
			Action:      audit.Action(audit.OpRemoveSchedule, string(job.ActionType)),
			ActorID:     actorID,
			RecipientID: t.Person.ID,
			AccountID:   job.AccountID,
			JobID:       job.ID,
			Details: audit.Details(map[string]any{
				"task_id":       t.ID,
				"scheduled_for": t.ScheduledFor,
				"status":        t.Status,
				"reason":        "job stopped",
			}),
		})
	}
	if err := m.audit.Record(ctx, entries...); err != nil {
		m.logger.Error("failed to record cancellations", "job_id", job.ID, "error", err)
	}

	metrics.IncJobsArchived(string(campaign.JobPaused))
	m.logger.Info("job stopped",
		"job_id", job.ID,
		"account_id", job.AccountID,
		"cancelled", len(open),
		"actor_id", actorID,
	)

	return job, nil
}

// Finalize archives a finished job as completed. A job that already left
// the live store is ignored.
func (m *Manager) Finalize(ctx context.Context, jobID string) error {
	job, err := m.store.Archive(ctx, jobID, campaign.JobCompleted, m.now())
	if errors.Is(err, campaign.ErrJobNotLive) {
		m.logger.Debug("job already archived", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}

	metrics.IncJobsArchived(string(campaign.JobCompleted))
	m.logger.Info("job completed",
		"job_id", job.ID,
		"account_id", job.AccountID,
		"completed", job.Statistics.Completed,
		"failed", job.Statistics.Failed,
	)

	return nil
}
