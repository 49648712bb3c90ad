// Package store persists live jobs, archived jobs, accounts and recipient
// back-references in BoltDB. Every operation that touches more than one
// entity runs in a single write transaction.
package store

import (
	"context"
	"time"

	"github.com/foxzi/carecast/internal/campaign"
	"github.com/foxzi/carecast/internal/ratelimit"
)

// Store is the durable state of the engine
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *campaign.Job, projection ratelimit.State) error
	GetJob(ctx context.Context, id string) (*campaign.Job, error)
	ListLive(ctx context.Context, filter campaign.JobListFilter) ([]*campaign.Job, int, error)
	ActiveJob(ctx context.Context, accountID string, actionType campaign.ActionType) (string, error)
	RemoveTask(ctx context.Context, jobID, taskID string) (*campaign.Job, *campaign.Task, error)

	// Dispatch
	ClaimDue(ctx context.Context, now time.Time, limit int) (*ClaimResult, error)
	RecordOutcome(ctx context.Context, jobID, taskID string, success bool, message string, now time.Time) (*campaign.Job, error)
	ReleaseClaim(ctx context.Context, jobID, taskID string) error
	RecoverStale(ctx context.Context, claimedBefore, now time.Time) ([]*StaleTask, error)

	// Archive
	Archive(ctx context.Context, jobID string, status campaign.JobStatus, now time.Time) (*campaign.Job, error)
	GetArchived(ctx context.Context, id string) (*campaign.Job, error)
	ListArchived(ctx context.Context, filter campaign.JobListFilter) ([]*campaign.Job, int, error)

	// Accounts and recipients
	CreateAccount(ctx context.Context, acct *campaign.Account) error
	UpdateAccount(ctx context.Context, id string, fn func(acct *campaign.Account) error) (*campaign.Account, error)
	GetAccount(ctx context.Context, id string) (*campaign.Account, error)
	ListAccounts(ctx context.Context) ([]*campaign.Account, error)
	GetRecipient(ctx context.Context, id string) (*campaign.Recipient, error)

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Claim is a task moved to processing and charged against its account
type Claim struct {
	JobID        string
	TaskID       string
	ActionType   campaign.ActionType
	Config       map[string]any
	Person       campaign.Person
	ScheduledFor time.Time
	Account      campaign.Account
}

// DeniedNoAccount marks a deferral whose account record is missing
const DeniedNoAccount = "account"

// Deferral is a due task left pending because its account budget is spent
// or its account is missing
type Deferral struct {
	JobID     string
	TaskID    string
	AccountID string
	DeniedBy  string // "hour", "day" or DeniedNoAccount
}

// ClaimResult is the outcome of one ClaimDue call
type ClaimResult struct {
	Claims   []*Claim
	Deferred []*Deferral
}

// StaleTask is a claimed task that never recorded an outcome
type StaleTask struct {
	JobID      string
	ActionType campaign.ActionType
	AccountID  string
	Task       campaign.Task
	JobDone    bool
}

// Stats contains storage statistics
type Stats struct {
	LiveJobs     int `json:"live_jobs"`
	ArchivedJobs int `json:"archived_jobs"`
	DueTasks     int `json:"due_tasks"`
	Accounts     int `json:"accounts"`
	Recipients   int `json:"recipients"`
}
