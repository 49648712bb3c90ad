// Package dispatcher executes due tasks. Every task is claimed and charged
// against its account in the store before the provider is called, so
// overlapping or repeated ticks never execute a task twice.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxzi/carecast/internal/archive"
	"github.com/foxzi/carecast/internal/audit"
	"github.com/foxzi/carecast/internal/campaign"
	"github.com/foxzi/carecast/internal/executor"
	"github.com/foxzi/carecast/internal/metrics"
	"github.com/foxzi/carecast/internal/ratelimit"
	"github.com/foxzi/carecast/internal/store"
)

const interruptedMessage = "execution interrupted"

// Config holds dispatcher configuration
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	Concurrency  int

	// ClaimTimeout is how long a task may stay claimed before it is
	// considered interrupted
	ClaimTimeout time.Duration

	// ExecTimeout bounds a single provider call
	ExecTimeout time.Duration
}

// DefaultConfig returns default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		PollInterval: 30 * time.Second,
		Concurrency:  5,
		ClaimTimeout: 10 * time.Minute,
		ExecTimeout:  30 * time.Second,
	}
}

// Dispatcher runs due tasks against the executor
type Dispatcher struct {
	cfg      Config
	store    store.Store
	exec     executor.Executor
	audit    audit.Recorder
	archive  *archive.Manager
	accounts *ratelimit.KeyedMutex
	logger   *slog.Logger
	now      func() time.Time

	tickMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new dispatcher
func New(cfg Config, st store.Store, exec executor.Executor, rec audit.Recorder, arch *archive.Manager, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = def.ClaimTimeout
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = def.ExecTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		exec:     exec,
		audit:    rec,
		archive:  arch,
		accounts: ratelimit.NewKeyedMutex(),
		logger:   logger.With("component", "dispatcher"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetClock replaces the time source
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Start runs Tick on the poll interval until Stop is called
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
	d.logger.Info("dispatcher started",
		"batch_size", d.cfg.BatchSize,
		"poll_interval", d.cfg.PollInterval,
		"concurrency", d.cfg.Concurrency,
	)
}

// Stop stops the dispatcher gracefully
func (d *Dispatcher) Stop() {
	d.logger.Info("stopping dispatcher...")
	d.cancel()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Tick(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("tick failed", "error", err)
			}
		}
	}
}

// Tick recovers interrupted claims, then claims and executes every task
// that is due. It returns the number of executed tasks. Once ctx is done no
// new action starts: claims not yet executed are released back to pending
// and in-flight actions finish under ExecTimeout.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	started := time.Now()
	defer func() { metrics.ObserveTick(time.Since(started)) }()

	now := d.now()
	d.recoverStale(ctx, now)

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	result, err := d.store.ClaimDue(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim due tasks: %w", err)
	}

	for _, def := range result.Deferred {
		metrics.IncTasksDeferred(def.AccountID)
		if def.DeniedBy == store.DeniedNoAccount {
			d.logger.Warn("task deferred, account not found",
				"job_id", def.JobID,
				"task_id", def.TaskID,
				"account_id", def.AccountID,
			)
			continue
		}
		d.logger.Debug("task deferred",
			"job_id", def.JobID,
			"task_id", def.TaskID,
			"account_id", def.AccountID,
			"limit", def.DeniedBy,
		)
	}

	if len(result.Claims) == 0 {
		return 0, nil
	}

	// Started actions and their outcomes outlive the caller; ctx only
	// gates starting new ones
	persistCtx := context.WithoutCancel(ctx)

	var processed, released atomic.Int64
	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, claim := range result.Claims {
		if !acquire(ctx, sem) {
			for _, rest := range result.Claims[i:] {
				d.release(persistCtx, rest)
				released.Add(1)
			}
			break
		}
		wg.Add(1)

		go func(claim *store.Claim) {
			defer func() {
				<-sem
				wg.Done()
			}()

			if d.process(ctx, persistCtx, claim) {
				processed.Add(1)
			} else {
				released.Add(1)
			}
		}(claim)
	}

	wg.Wait()

	n := int(processed.Load())
	if r := released.Load(); r > 0 {
		d.logger.Info("tick interrupted", "executed", n, "released", r)
		return n, nil
	}
	d.logger.Info("tick completed", "executed", n, "deferred", len(result.Deferred))
	return n, nil
}

// acquire takes a concurrency slot unless ctx is done first
func acquire(ctx context.Context, sem chan struct{}) bool {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	if ctx.Err() != nil {
		<-sem
		return false
	}
	return true
}

// release puts a claim that never reached the provider back to pending
func (d *Dispatcher) release(ctx context.Context, claim *store.Claim) {
	err := d.store.ReleaseClaim(ctx, claim.JobID, claim.TaskID)
	switch {
	case errors.Is(err, campaign.ErrJobNotLive):
		d.logger.Debug("released task of archived job", "job_id", claim.JobID, "task_id", claim.TaskID)
	case err != nil:
		// Left processing; RecoverStale fails it after ClaimTimeout
		d.logger.Error("failed to release claim", "job_id", claim.JobID, "task_id", claim.TaskID, "error", err)
	default:
		d.logger.Debug("claim released", "job_id", claim.JobID, "task_id", claim.TaskID)
	}
}

// process executes one claim and records its outcome. It returns false when
// ctx ended before the action started and the claim was released.
func (d *Dispatcher) process(ctx, persistCtx context.Context, claim *store.Claim) bool {
	unlock := d.accounts.Lock(claim.Account.ID)
	if ctx.Err() != nil {
		unlock()
		d.release(persistCtx, claim)
		return false
	}
	success, message := d.execute(persistCtx, claim)
	unlock()

	job, err := d.store.RecordOutcome(persistCtx, claim.JobID, claim.TaskID, success, message, d.now())
	switch {
	case errors.Is(err, campaign.ErrJobNotLive):
		d.logger.Info("job left live store during execution", "job_id", claim.JobID, "task_id", claim.TaskID)
		return true
	case errors.Is(err, campaign.ErrTaskNotClaimed):
		d.logger.Warn("task outcome already recorded", "job_id", claim.JobID, "task_id", claim.TaskID)
		return true
	case err != nil:
		d.logger.Error("failed to record outcome", "job_id", claim.JobID, "task_id", claim.TaskID, "error", err)
		return true
	}

	d.recordExecution(persistCtx, claim.JobID, claim.ActionType, claim.Account.ID, claim.TaskID, claim.Person, success, message)

	if job.Statistics.Done() {
		if err := d.archive.Finalize(persistCtx, job.ID); err != nil {
			d.logger.Error("failed to finalize job", "job_id", job.ID, "error", err)
		}
	}
	return true
}

// execute calls the provider. Transport failures are folded into a failed
// outcome for this task only.
func (d *Dispatcher) execute(ctx context.Context, claim *store.Claim) (bool, string) {
	execCtx, cancel := context.WithTimeout(ctx, d.cfg.ExecTimeout)
	defer cancel()

	res, err := d.exec.Execute(execCtx, &executor.Request{
		JobID:      claim.JobID,
		TaskID:     claim.TaskID,
		ActionType: claim.ActionType,
		Account:    claim.Account,
		Person:     claim.Person,
		Config:     claim.Config,
	})
	if err == nil && res == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", campaign.ErrDependencyFailure, err)
		d.logger.Warn("action failed",
			"job_id", claim.JobID,
			"task_id", claim.TaskID,
			"account_id", claim.Account.ID,
			"error", err,
		)
		return false, err.Error()
	}

	d.logger.Debug("action executed",
		"job_id", claim.JobID,
		"task_id", claim.TaskID,
		"recipient_id", claim.Person.ID,
		"success", res.Success,
	)
	return res.Success, res.Message
}

func (d *Dispatcher) recordExecution(ctx context.Context, jobID string, actionType campaign.ActionType, accountID, taskID string, person campaign.Person, success bool, message string) {
	result := "success"
	if !success {
		result = "failure"
	}
	metrics.IncTasksExecuted(string(actionType), result)

	err := d.audit.Record(ctx, &audit.Entry{
		Action:      audit.Action(audit.OpExecute, string(actionType)),
		RecipientID: person.ID,
		AccountID:   accountID,
		JobID:       jobID,
		Details: audit.Details(map[string]any{
			"task_id": taskID,
			"success": success,
			"message": message,
		}),
	})
	if err != nil {
		d.logger.Error("failed to record execution audit", "job_id", jobID, "task_id", taskID, "error", err)
	}

	err = d.audit.AppendHistory(ctx, jobID, string(actionType), accountID, audit.HistoryRecipient{
		RecipientID: person.ID,
		Name:        person.Name,
		Success:     success,
		Message:     message,
		ProcessedAt: d.now(),
	})
	if err != nil {
		d.logger.Error("failed to append history", "job_id", jobID, "task_id", taskID, "error", err)
	}
}

// recoverStale fails tasks whose claim outlived ClaimTimeout. Their
// outcome is unknown, so they are never executed again.
func (d *Dispatcher) recoverStale(ctx context.Context, now time.Time) {
	stale, err := d.store.RecoverStale(ctx, now.Add(-d.cfg.ClaimTimeout), now)
	if err != nil {
		d.logger.Error("failed to recover stale claims", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	metrics.AddTasksRecovered(len(stale))
	finalize := make(map[string]bool)
	for _, st := range stale {
		d.logger.Warn("recovered interrupted task", "job_id", st.JobID, "task_id", st.Task.ID, "claimed_at", st.Task.ClaimedAt)
		d.recordExecution(ctx, st.JobID, st.ActionType, st.AccountID, st.Task.ID, st.Task.Person, false, interruptedMessage)
		if st.JobDone {
			finalize[st.JobID] = true
		}
	}

	for jobID := range finalize {
		if err := d.archive.Finalize(ctx, jobID); err != nil {
			d.logger.Error("failed to finalize job", "job_id", jobID, "error", err)
		}
	}
}
