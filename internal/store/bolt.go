package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/carecast/internal/campaign"
)

var (
	bucketJobs         = []byte("jobs")
	bucketLiveIndex    = []byte("live_index")
	bucketArchive      = []byte("archive")
	bucketArchiveIndex = []byte("archive_index")
	bucketDue          = []byte("due")
	bucketActive       = []byte("active")
	bucketAccounts     = []byte("accounts")
	bucketRecipients   = []byte("recipients")
)

// indexTimeFormat is fixed width so keys sort chronologically
const indexTimeFormat = "2006-01-02T15:04:05.000000000Z"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db  *bolt.DB
	loc *time.Location
}

// NewBoltStore opens or creates the database at path.
// loc defines local midnight for the daily rate window.
func NewBoltStore(path string, loc *time.Location) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	buckets := [][]byte{
		bucketJobs, bucketLiveIndex, bucketArchive, bucketArchiveIndex,
		bucketDue, bucketActive, bucketAccounts, bucketRecipients,
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if loc == nil {
		loc = time.Local
	}
	return &BoltStore{db: db, loc: loc}, nil
}

// Close closes the database connection
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeFormat) + ":" + id)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		ts, _ := time.Parse(indexTimeFormat, s[:i])
		return ts
	}
	return time.Time{}
}

func dueRef(jobID, taskID string) string {
	return jobID + "/" + taskID
}

func splitDueRef(ref []byte) (jobID, taskID string, ok bool) {
	jobID, taskID, ok = strings.Cut(string(ref), "/")
	return
}

func activeKey(accountID string, actionType campaign.ActionType) []byte {
	return []byte(accountID + "|" + string(actionType))
}

func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := b.Put(key, data); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func loadJob(tx *bolt.Tx, bucket []byte, id string) (*campaign.Job, error) {
	var job campaign.Job
	found, err := getJSON(tx.Bucket(bucket), []byte(id), &job)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &job, nil
}

func loadAccount(tx *bolt.Tx, id string) (*campaign.Account, error) {
	var acct campaign.Account
	found, err := getJSON(tx.Bucket(bucketAccounts), []byte(id), &acct)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &acct, nil
}

// listIndexed pages through an index bucket newest first
func listIndexed(tx *bolt.Tx, index, data []byte, filter campaign.JobListFilter) ([]*campaign.Job, int, error) {
	idx := tx.Bucket(index)
	total := idx.Stats().KeyN

	var jobs []*campaign.Job
	skipped := 0
	c := idx.Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		if skipped < filter.Offset() {
			skipped++
			continue
		}

		job, err := loadJob(tx, data, string(v))
		if err != nil {
			return nil, 0, err
		}
		if job == nil {
			continue
		}
		jobs = append(jobs, job)

		if filter.Limit > 0 && len(jobs) >= filter.Limit {
			break
		}
	}
	return jobs, total, nil
}
