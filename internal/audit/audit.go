// Package audit keeps the append-only audit log and the per-job execution
// history in SQLite.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one audit log record
type Entry struct {
	ID          int64     `json:"id"`
	Action      string    `json:"action"`
	ActorID     string    `json:"actor_id"`
	RecipientID string    `json:"recipient_id"`
	AccountID   string    `json:"account_id"`
	JobID       string    `json:"job_id"`
	Details     string    `json:"details"` // JSON
	CreatedAt   time.Time `json:"created_at"`
}

// Filter for listing audit entries
type Filter struct {
	JobID   string
	ActorID string
	Action  string
	Limit   int
	Offset  int
}

// HistoryRecipient is one executed task in a job history
type HistoryRecipient struct {
	RecipientID string    `json:"recipient_id"`
	Name        string    `json:"name"`
	Success     bool      `json:"success"`
	Message     string    `json:"message"`
	ProcessedAt time.Time `json:"processed_at"`
}

// History collects execution outcomes of one job
type History struct {
	JobID      string             `json:"job_id"`
	ActionType string             `json:"action_type"`
	AccountID  string             `json:"account_id"`
	Recipients []HistoryRecipient `json:"recipients"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Recorder appends audit entries and execution history
type Recorder interface {
	Record(ctx context.Context, entries ...*Entry) error
	AppendHistory(ctx context.Context, jobID, actionType, accountID string, rec HistoryRecipient) error
}

// Details encodes entry details as JSON
func Details(v map[string]any) string {
	if len(v) == 0 {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// Action returns the audit action name for an operation on an action type,
// e.g. create_schedule_add_friend
func Action(op, actionType string) string {
	return op + "_" + actionType
}

// Operation prefixes used in action names
const (
	OpCreateSchedule = "create_schedule"
	OpExecute        = "execute"
	OpRemoveSchedule = "remove_schedule"
)
