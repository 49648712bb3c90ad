package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/carecast/internal/campaign"
)

var bucketSandbox = []byte("sandbox")

// Captured is an action intercepted by the sandbox
type Captured struct {
	JobID        string              `json:"job_id"`
	TaskID       string              `json:"task_id"`
	ActionType   campaign.ActionType `json:"action_type"`
	AccountID    string              `json:"account_id"`
	Recipient    campaign.Person     `json:"recipient"`
	Message      string              `json:"message,omitempty"`
	CapturedAt   time.Time           `json:"captured_at"`
	SimulatedErr string              `json:"simulated_error,omitempty"`
}

// SandboxExecutor records actions instead of calling the provider
type SandboxExecutor struct {
	db     *bolt.DB
	logger *slog.Logger

	mu               sync.Mutex
	simulateErrors   bool
	errorProbability float64
}

// NewSandboxExecutor creates a sandbox executor storing captures in db
func NewSandboxExecutor(db *bolt.DB, logger *slog.Logger) (*SandboxExecutor, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSandbox)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SandboxExecutor{
		db:               db,
		logger:           logger.With("component", "sandbox"),
		errorProbability: 0.1,
	}, nil
}

// SetErrorSimulation enables/disables random provider refusals
func (s *SandboxExecutor) SetErrorSimulation(enabled bool, probability float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.simulateErrors = enabled
	if probability > 0 && probability <= 1 {
		s.errorProbability = probability
	}
}

var simulatedErrors = []string{
	"recipient not found",
	"account temporarily restricted",
	"recipient privacy settings",
	"provider unavailable",
}

// Execute captures the action and reports success unless an error is simulated
func (s *SandboxExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	captured := &Captured{
		JobID:      req.JobID,
		TaskID:     req.TaskID,
		ActionType: req.ActionType,
		AccountID:  req.Account.ID,
		Recipient:  req.Person,
		CapturedAt: time.Now(),
	}
	if req.ActionType == campaign.ActionSendMessage {
		captured.Message = Message(req.Config, req.Person)
	}

	s.mu.Lock()
	if s.simulateErrors && rand.Float64() < s.errorProbability {
		captured.SimulatedErr = simulatedErrors[rand.IntN(len(simulatedErrors))]
	}
	s.mu.Unlock()

	if err := s.save(captured); err != nil {
		return nil, fmt.Errorf("sandbox: failed to save action: %w", err)
	}

	s.logger.Info("sandbox: action captured",
		"job_id", req.JobID,
		"task_id", req.TaskID,
		"action_type", req.ActionType,
		"recipient_id", req.Person.ID,
	)

	if captured.SimulatedErr != "" {
		return &Result{Success: false, Message: captured.SimulatedErr}, nil
	}
	return &Result{Success: true, Message: "captured by sandbox"}, nil
}

func (s *SandboxExecutor) save(c *Captured) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal action: %w", err)
		}
		key := c.CapturedAt.UTC().Format("2006-01-02T15:04:05.000000000Z") + ":" + c.JobID + "/" + c.TaskID
		return tx.Bucket(bucketSandbox).Put([]byte(key), data)
	})
}

// List returns captured actions, newest first
func (s *SandboxExecutor) List(ctx context.Context, limit int) ([]*Captured, error) {
	var out []*Captured

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var captured Captured
			if err := json.Unmarshal(v, &captured); err != nil {
				continue
			}
			out = append(out, &captured)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})

	return out, err
}

// Clear removes all captured actions
func (s *SandboxExecutor) Clear(ctx context.Context) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandbox)
		count = b.Stats().KeyN
		if err := tx.DeleteBucket(bucketSandbox); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketSandbox)
		return err
	})
	return count, err
}
