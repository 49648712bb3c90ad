package store

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/carecast/internal/campaign"
)

// CreateAccount stores a new account
func (s *BoltStore) CreateAccount(ctx context.Context, acct *campaign.Account) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		if b.Get([]byte(acct.ID)) != nil {
			return fmt.Errorf("account %s already exists: %w", acct.ID, campaign.ErrConflict)
		}
		return putJSON(b, []byte(acct.ID), acct)
	})
}

// UpdateAccount applies fn to an existing account inside one write
// transaction so concurrent counter charges are not lost
func (s *BoltStore) UpdateAccount(ctx context.Context, id string, fn func(acct *campaign.Account) error) (*campaign.Account, error) {
	var acct *campaign.Account

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		acct, err = loadAccount(tx, id)
		if err != nil {
			return err
		}
		if acct == nil {
			return fmt.Errorf("account %s: %w", id, campaign.ErrNotFound)
		}
		if err := fn(acct); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketAccounts), []byte(id), acct)
	})
	if err != nil {
		return nil, err
	}

	return acct, nil
}

// GetAccount retrieves an account by ID
func (s *BoltStore) GetAccount(ctx context.Context, id string) (*campaign.Account, error) {
	var acct *campaign.Account

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		acct, err = loadAccount(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("account %s: %w", id, campaign.ErrNotFound)
	}
	return acct, nil
}

// ListAccounts returns all accounts ordered by ID
func (s *BoltStore) ListAccounts(ctx context.Context) ([]*campaign.Account, error) {
	var accounts []*campaign.Account

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		return b.ForEach(func(k, v []byte) error {
			var acct campaign.Account
			if _, err := getJSON(b, k, &acct); err != nil {
				return err
			}
			accounts = append(accounts, &acct)
			return nil
		})
	})

	return accounts, err
}

// GetRecipient returns the live job references of a recipient.
// Unknown recipients have no references.
func (s *BoltStore) GetRecipient(ctx context.Context, id string) (*campaign.Recipient, error) {
	rec := &campaign.Recipient{ID: id}

	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := getJSON(tx.Bucket(bucketRecipients), []byte(id), rec)
		return err
	})

	return rec, err
}

// Stats returns storage statistics
func (s *BoltStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		stats.LiveJobs = tx.Bucket(bucketJobs).Stats().KeyN
		stats.ArchivedJobs = tx.Bucket(bucketArchive).Stats().KeyN
		stats.DueTasks = tx.Bucket(bucketDue).Stats().KeyN
		stats.Accounts = tx.Bucket(bucketAccounts).Stats().KeyN
		stats.Recipients = tx.Bucket(bucketRecipients).Stats().KeyN
		return nil
	})

	return stats, err
}
