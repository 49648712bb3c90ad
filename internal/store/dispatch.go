package store

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/carecast/internal/campaign"
)

// ClaimDue selects pending tasks scheduled at or before now, checks and
// charges the live budget of their accounts and moves them to processing,
// all in one write transaction. Tasks whose account is out of budget stay
// pending and are reported as deferred, as are tasks whose account no
// longer exists. At most limit tasks are claimed
// when limit is positive.
func (s *BoltStore) ClaimDue(ctx context.Context, now time.Time, limit int) (*ClaimResult, error) {
	var result *ClaimResult

	err := s.db.Update(func(tx *bolt.Tx) error {
		result = &ClaimResult{}
		jobs := make(map[string]*campaign.Job)
		accounts := make(map[string]*campaign.Account)

		c := tx.Bucket(bucketDue).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if parseTimestampFromKey(k).After(now) {
				break // All remaining are in the future
			}
			if limit > 0 && len(result.Claims) >= limit {
				break
			}

			jobID, taskID, ok := splitDueRef(v)
			if !ok {
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}

			job, found := jobs[jobID]
			if !found {
				var err error
				if job, err = loadJob(tx, bucketJobs, jobID); err != nil {
					return err
				}
				jobs[jobID] = job
			}

			task, ok := lookupPending(job, taskID)
			if !ok {
				// Job archived or task already claimed, clean up index
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}

			acct, found := accounts[job.AccountID]
			if !found {
				var err error
				if acct, err = loadAccount(tx, job.AccountID); err != nil {
					return err
				}
				accounts[job.AccountID] = acct
			}
			if acct == nil {
				result.Deferred = append(result.Deferred, &Deferral{
					JobID:     jobID,
					TaskID:    taskID,
					AccountID: job.AccountID,
					DeniedBy:  DeniedNoAccount,
				})
				continue
			}

			check := acct.Rate.Check(now, s.loc)
			if !check.Allowed {
				result.Deferred = append(result.Deferred, &Deferral{
					JobID:     jobID,
					TaskID:    taskID,
					AccountID: acct.ID,
					DeniedBy:  check.DeniedBy,
				})
				continue
			}

			acct.Rate.Charge(1)
			acct.UpdatedAt = now
			if _, err := job.Claim(taskID, now); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}

			result.Claims = append(result.Claims, &Claim{
				JobID:        jobID,
				TaskID:       taskID,
				ActionType:   job.ActionType,
				Config:       job.Config,
				Person:       task.Person,
				ScheduledFor: task.ScheduledFor,
				Account:      *acct,
			})
		}

		for id, job := range jobs {
			if job == nil {
				continue
			}
			if err := putJSON(tx.Bucket(bucketJobs), []byte(id), job); err != nil {
				return err
			}
		}
		for id, acct := range accounts {
			if acct == nil {
				continue
			}
			if err := putJSON(tx.Bucket(bucketAccounts), []byte(id), acct); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim due tasks: %w", err)
	}

	return result, nil
}

func lookupPending(job *campaign.Job, taskID string) (*campaign.Task, bool) {
	if job == nil || !job.Status.Live() {
		return nil, false
	}
	task, ok := job.Task(taskID)
	if !ok || task.Status != campaign.TaskPending {
		return nil, false
	}
	return task, true
}

// RecordOutcome stores the result of a claimed task. The write only
// succeeds while the task is still processing; a job that left the live
// store yields campaign.ErrJobNotLive.
func (s *BoltStore) RecordOutcome(ctx context.Context, jobID, taskID string, success bool, message string, now time.Time) (*campaign.Job, error) {
	var job *campaign.Job

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		job, err = loadJob(tx, bucketJobs, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %s: %w", jobID, campaign.ErrJobNotLive)
		}

		if _, err := job.RecordOutcome(taskID, success, message, now); err != nil {
			return err
		}

		return putJSON(tx.Bucket(bucketJobs), []byte(jobID), job)
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

// ReleaseClaim returns a claimed task that was never executed to pending,
// refunds its account charge and puts it back on the due index.
func (s *BoltStore) ReleaseClaim(ctx context.Context, jobID, taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		job, err := loadJob(tx, bucketJobs, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %s: %w", jobID, campaign.ErrJobNotLive)
		}

		task, ok := job.Task(taskID)
		if !ok {
			return fmt.Errorf("task %s: %w", taskID, campaign.ErrNotFound)
		}
		var claimedAt time.Time
		if task.ClaimedAt != nil {
			claimedAt = *task.ClaimedAt
		}
		if _, err := job.Release(taskID); err != nil {
			return err
		}

		acct, err := loadAccount(tx, job.AccountID)
		if err != nil {
			return err
		}
		if acct != nil {
			acct.Rate.Refund(claimedAt)
			if err := putJSON(tx.Bucket(bucketAccounts), []byte(acct.ID), acct); err != nil {
				return err
			}
		}

		ref := dueRef(jobID, taskID)
		if err := tx.Bucket(bucketDue).Put(makeIndexKey(task.ScheduledFor, ref), []byte(ref)); err != nil {
			return fmt.Errorf("failed to add to due index: %w", err)
		}

		return putJSON(tx.Bucket(bucketJobs), []byte(jobID), job)
	})
}

// RecoverStale fails tasks claimed before claimedBefore that never recorded
// an outcome. They are not executed again.
func (s *BoltStore) RecoverStale(ctx context.Context, claimedBefore, now time.Time) ([]*StaleTask, error) {
	var stale []*StaleTask

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)

		var changed []*campaign.Job
		err := b.ForEach(func(k, v []byte) error {
			var job campaign.Job
			if _, err := getJSON(b, k, &job); err != nil {
				return err
			}

			dirty := false
			for _, t := range job.OrderedTasks() {
				if t.Status != campaign.TaskProcessing || t.ClaimedAt == nil || !t.ClaimedAt.Before(claimedBefore) {
					continue
				}
				if _, err := job.RecordOutcome(t.ID, false, "execution interrupted", now); err != nil {
					return err
				}
				stale = append(stale, &StaleTask{
					JobID:      job.ID,
					ActionType: job.ActionType,
					AccountID:  job.AccountID,
					Task:       *t,
				})
				dirty = true
			}
			if dirty {
				changed = append(changed, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Bucket must not be modified inside ForEach
		done := make(map[string]bool)
		for _, job := range changed {
			done[job.ID] = job.Statistics.Done()
			if err := putJSON(b, []byte(job.ID), job); err != nil {
				return err
			}
		}
		for _, st := range stale {
			st.JobDone = done[st.JobID]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to recover stale tasks: %w", err)
	}

	return stale, nil
}
