package store

import (
	"context"
	"fmt"
	"slices"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/carecast/internal/campaign"
	"github.com/foxzi/carecast/internal/ratelimit"
)

// CreateJob persists a new live job, writes the projected counters back to
// its account, locks the account and links every recipient to the job.
// Nothing is written unless all of it succeeds.
func (s *BoltStore) CreateJob(ctx context.Context, job *campaign.Job, projection ratelimit.State) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		acct, err := loadAccount(tx, job.AccountID)
		if err != nil {
			return err
		}
		if acct == nil {
			return fmt.Errorf("account %s: %w", job.AccountID, campaign.ErrNotFound)
		}

		active := tx.Bucket(bucketActive)
		key := activeKey(job.AccountID, job.ActionType)
		if existing := active.Get(key); existing != nil {
			return fmt.Errorf("job %s already active for account %s and %s: %w",
				existing, job.AccountID, job.ActionType, campaign.ErrConflict)
		}
		if tx.Bucket(bucketJobs).Get([]byte(job.ID)) != nil {
			return fmt.Errorf("job %s already exists: %w", job.ID, campaign.ErrConflict)
		}

		if err := putJSON(tx.Bucket(bucketJobs), []byte(job.ID), job); err != nil {
			return err
		}
		if err := tx.Bucket(bucketLiveIndex).Put(makeIndexKey(job.CreatedAt, job.ID), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to add to live index: %w", err)
		}

		due := tx.Bucket(bucketDue)
		for _, t := range job.OrderedTasks() {
			if t.Status != campaign.TaskPending {
				continue
			}
			ref := dueRef(job.ID, t.ID)
			if err := due.Put(makeIndexKey(t.ScheduledFor, ref), []byte(ref)); err != nil {
				return fmt.Errorf("failed to add to due index: %w", err)
			}
		}

		if err := active.Put(key, []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to add to active index: %w", err)
		}

		acct.Projection = projection
		acct.IsLocked = true
		acct.UpdatedAt = job.CreatedAt
		if err := putJSON(tx.Bucket(bucketAccounts), []byte(acct.ID), acct); err != nil {
			return err
		}

		for _, id := range job.RecipientIDs() {
			if err := linkRecipient(tx, id, job.ID); err != nil {
				return err
			}
		}

		return nil
	})
}

// GetJob retrieves a live job by ID
func (s *BoltStore) GetJob(ctx context.Context, id string) (*campaign.Job, error) {
	var job *campaign.Job

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = loadJob(tx, bucketJobs, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", id, campaign.ErrNotFound)
	}
	return job, nil
}

// ListLive returns live jobs newest first and the total count
func (s *BoltStore) ListLive(ctx context.Context, filter campaign.JobListFilter) ([]*campaign.Job, int, error) {
	var (
		jobs  []*campaign.Job
		total int
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		jobs, total, err = listIndexed(tx, bucketLiveIndex, bucketJobs, filter)
		return err
	})

	return jobs, total, err
}

// ActiveJob returns the ID of the live job holding the account for the
// action type, or an empty string
func (s *BoltStore) ActiveJob(ctx context.Context, accountID string, actionType campaign.ActionType) (string, error) {
	var id string

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketActive).Get(activeKey(accountID, actionType)); v != nil {
			id = string(v)
		}
		return nil
	})

	return id, err
}

// RemoveTask deletes a pending task from a live job together with its due
// index entry and, when no other task targets the same recipient, the
// recipient's back-reference
func (s *BoltStore) RemoveTask(ctx context.Context, jobID, taskID string) (*campaign.Job, *campaign.Task, error) {
	var (
		job  *campaign.Job
		task *campaign.Task
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		job, err = loadJob(tx, bucketJobs, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %s: %w", jobID, campaign.ErrNotFound)
		}

		task, err = job.RemoveTask(taskID)
		if err != nil {
			return err
		}

		if err := tx.Bucket(bucketDue).Delete(makeIndexKey(task.ScheduledFor, dueRef(jobID, taskID))); err != nil {
			return fmt.Errorf("failed to remove from due index: %w", err)
		}

		if task.Person.ID != "" && !job.HasRecipient(task.Person.ID) {
			if err := unlinkRecipient(tx, task.Person.ID, jobID); err != nil {
				return err
			}
		}

		return putJSON(tx.Bucket(bucketJobs), []byte(jobID), job)
	})
	if err != nil {
		return nil, nil, err
	}

	return job, task, nil
}

func linkRecipient(tx *bolt.Tx, recipientID, jobID string) error {
	b := tx.Bucket(bucketRecipients)

	rec := campaign.Recipient{ID: recipientID}
	if _, err := getJSON(b, []byte(recipientID), &rec); err != nil {
		return err
	}
	if slices.Contains(rec.Jobs, jobID) {
		return nil
	}
	rec.Jobs = append(rec.Jobs, jobID)
	return putJSON(b, []byte(recipientID), &rec)
}

func unlinkRecipient(tx *bolt.Tx, recipientID, jobID string) error {
	b := tx.Bucket(bucketRecipients)

	var rec campaign.Recipient
	found, err := getJSON(b, []byte(recipientID), &rec)
	if err != nil || !found {
		return err
	}

	rec.Jobs = slices.DeleteFunc(rec.Jobs, func(id string) bool { return id == jobID })
	if len(rec.Jobs) == 0 {
		return b.Delete([]byte(recipientID))
	}
	return putJSON(b, []byte(recipientID), &rec)
}
