// Package executor performs campaign actions against the external
// messaging provider.
package executor

import (
	"context"

	"github.com/foxzi/carecast/internal/campaign"
)

// Request describes one action for one recipient
type Request struct {
	JobID      string
	TaskID     string
	ActionType campaign.ActionType
	Account    campaign.Account
	Person     campaign.Person
	Config     map[string]any
}

// Result is the provider's answer
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Executor performs actions. A returned error is a transport or protocol
// failure; a provider refusal is a Result with Success false.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}
