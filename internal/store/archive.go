package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/carecast/internal/campaign"
)

// Archive moves a live job to the archive with the given terminal status.
// The live record, its index entries and recipient back-references are
// removed and the account lock is released when the account has no other
// live job. A job that is no longer live yields campaign.ErrJobNotLive.
func (s *BoltStore) Archive(ctx context.Context, jobID string, status campaign.JobStatus, now time.Time) (*campaign.Job, error) {
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

		if err := job.Transition(status); err != nil {
			return err
		}
		job.CompletedAt = &now

		if err := putJSON(tx.Bucket(bucketArchive), []byte(jobID), job); err != nil {
			return err
		}
		if err := tx.Bucket(bucketArchiveIndex).Put(makeIndexKey(now, jobID), []byte(jobID)); err != nil {
			return fmt.Errorf("failed to add to archive index: %w", err)
		}

		if err := tx.Bucket(bucketJobs).Delete([]byte(jobID)); err != nil {
			return fmt.Errorf("failed to delete live job: %w", err)
		}
		if err := tx.Bucket(bucketLiveIndex).Delete(makeIndexKey(job.CreatedAt, jobID)); err != nil {
			return fmt.Errorf("failed to remove from live index: %w", err)
		}

		due := tx.Bucket(bucketDue)
		for _, t := range job.OrderedTasks() {
			if err := due.Delete(makeIndexKey(t.ScheduledFor, dueRef(jobID, t.ID))); err != nil {
				return fmt.Errorf("failed to remove from due index: %w", err)
			}
		}

		active := tx.Bucket(bucketActive)
		key := activeKey(job.AccountID, job.ActionType)
		if bytes.Equal(active.Get(key), []byte(jobID)) {
			if err := active.Delete(key); err != nil {
				return fmt.Errorf("failed to remove from active index: %w", err)
			}
		}

		for _, id := range job.RecipientIDs() {
			if err := unlinkRecipient(tx, id, jobID); err != nil {
				return err
			}
		}

		return releaseAccount(tx, job.AccountID, now)
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

func releaseAccount(tx *bolt.Tx, accountID string, now time.Time) error {
	prefix := []byte(accountID + "|")
	c := tx.Bucket(bucketActive).Cursor()
	if k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) {
		return nil // Another live job holds the account
	}

	acct, err := loadAccount(tx, accountID)
	if err != nil || acct == nil {
		return err
	}
	if !acct.IsLocked {
		return nil
	}
	acct.IsLocked = false
	acct.UpdatedAt = now
	return putJSON(tx.Bucket(bucketAccounts), []byte(accountID), acct)
}

// GetArchived retrieves an archived job by ID
func (s *BoltStore) GetArchived(ctx context.Context, id string) (*campaign.Job, error) {
	var job *campaign.Job

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = loadJob(tx, bucketArchive, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("archived job %s: %w", id, campaign.ErrNotFound)
	}
	return job, nil
}

// ListArchived returns archived jobs, most recently archived first
func (s *BoltStore) ListArchived(ctx context.Context, filter campaign.JobListFilter) ([]*campaign.Job, int, error) {
	var (
		jobs  []*campaign.Job
		total int
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		jobs, total, err = listIndexed(tx, bucketArchiveIndex, bucketArchive, filter)
		return err
	})

	return jobs, total, err
}
