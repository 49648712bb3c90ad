package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxzi/carecast/internal/campaign"
)

// HTTPConfig configures the provider client
type HTTPConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// HTTPExecutor calls the provider's JSON API
type HTTPExecutor struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewHTTPExecutor creates a provider client
func NewHTTPExecutor(cfg HTTPConfig, logger *slog.Logger) *HTTPExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &HTTPExecutor{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger.With("component", "executor"),
	}
}

type actionRequest struct {
	JobID           string            `json:"job_id"`
	TaskID          string            `json:"task_id"`
	ActionType      string            `json:"action_type"`
	AccountID       string            `json:"account_id"`
	AccountSettings map[string]string `json:"account_settings,omitempty"`
	Recipient       campaign.Person   `json:"recipient"`
	Message         string            `json:"message,omitempty"`
	Config          map[string]any    `json:"config,omitempty"`
}

// Execute posts the action to /v1/actions/{action_type}.
// Non-2xx and undecodable responses are errors.
func (e *HTTPExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body := actionRequest{
		JobID:           req.JobID,
		TaskID:          req.TaskID,
		ActionType:      string(req.ActionType),
		AccountID:       req.Account.ID,
		AccountSettings: req.Account.Settings,
		Recipient:       req.Person,
		Config:          req.Config,
	}
	if req.ActionType == campaign.ActionSendMessage {
		body.Message = Message(req.Config, req.Person)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/actions/"+string(req.ActionType), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
			return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, errResp.Error)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	e.logger.Debug("action executed",
		"job_id", req.JobID,
		"task_id", req.TaskID,
		"action_type", req.ActionType,
		"success", result.Success,
	)

	return &result, nil
}
