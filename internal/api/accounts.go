package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/foxzi/carecast/internal/audit"
	"github.com/foxzi/carecast/internal/campaign"
	"github.com/foxzi/carecast/internal/ratelimit"
)

// AccountRequest is the request body for POST /accounts
type AccountRequest struct {
	ID       string            `json:"id,omitempty"`
	Name     string            `json:"name"`
	PerHour  int               `json:"rate_limit_per_hour"`
	PerDay   int               `json:"rate_limit_per_day"`
	Settings map[string]string `json:"settings,omitempty"`
}

// LimitsRequest is the request body for PUT /accounts/{id}/limits
type LimitsRequest struct {
	PerHour int `json:"rate_limit_per_hour"`
	PerDay  int `json:"rate_limit_per_day"`
}

// AccountResponse is an account without provider settings
type AccountResponse struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Rate       ratelimit.State `json:"rate"`
	Projection ratelimit.State `json:"projection"`
	IsLocked   bool            `json:"is_locked"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// AuditResponse is a page of audit entries
type AuditResponse struct {
	Entries []audit.Entry `json:"entries"`
	Total   int           `json:"total"`
}

func accountResponse(a *campaign.Account) AccountResponse {
	return AccountResponse{
		ID:         a.ID,
		Name:       a.Name,
		Rate:       a.Rate,
		Projection: a.Projection,
		IsLocked:   a.IsLocked,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

func validateLimits(perHour, perDay int) error {
	if perHour <= 0 {
		return fmt.Errorf("rate_limit_per_hour must be positive: %w", campaign.ErrInvalidInput)
	}
	if perDay < 0 {
		return fmt.Errorf("rate_limit_per_day must not be negative: %w", campaign.ErrInvalidInput)
	}
	return nil
}

// handleCreateAccount handles POST /api/v1/accounts
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validateLimits(req.PerHour, req.PerDay); err != nil {
		s.sendEngineError(w, err, "Failed to create account")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	now := time.Now()
	acct := &campaign.Account{
		ID:        req.ID,
		Name:      req.Name,
		Rate:      ratelimit.State{PerHour: req.PerHour, PerDay: req.PerDay},
		Settings:  req.Settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.Store.CreateAccount(r.Context(), acct); err != nil {
		s.sendEngineError(w, err, "Failed to create account")
		return
	}

	s.logger.Info("account created", "account_id", acct.ID, "per_hour", req.PerHour, "per_day", req.PerDay)
	s.sendJSON(w, http.StatusCreated, accountResponse(acct))
}

// handleListAccounts handles GET /api/v1/accounts
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Store.ListAccounts(r.Context())
	if err != nil {
		s.sendEngineError(w, err, "Failed to list accounts")
		return
	}

	resp := make([]AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, accountResponse(a))
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleGetAccount handles GET /api/v1/accounts/{id}
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Store.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "Failed to get account")
		return
	}
	s.sendJSON(w, http.StatusOK, accountResponse(acct))
}

// handleUpdateLimits handles PUT /api/v1/accounts/{id}/limits
func (s *Server) handleUpdateLimits(w http.ResponseWriter, r *http.Request) {
	var req LimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validateLimits(req.PerHour, req.PerDay); err != nil {
		s.sendEngineError(w, err, "Failed to update limits")
		return
	}

	acct, err := s.deps.Store.UpdateAccount(r.Context(), chi.URLParam(r, "id"), func(a *campaign.Account) error {
		a.Rate.PerHour = req.PerHour
		a.Rate.PerDay = req.PerDay
		a.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		s.sendEngineError(w, err, "Failed to update limits")
		return
	}

	s.logger.Info("account limits updated",
		"account_id", acct.ID,
		"per_hour", req.PerHour,
		"per_day", req.PerDay,
		"actor_id", ActorFromContext(r.Context()),
	)
	s.sendJSON(w, http.StatusOK, accountResponse(acct))
}

// handleAudit handles GET /api/v1/audit
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		JobID:   q.Get("job_id"),
		ActorID: q.Get("actor_id"),
		Action:  q.Get("action"),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}

	entries, total, err := s.deps.Audit.List(r.Context(), filter)
	if err != nil {
		s.sendEngineError(w, err, "Failed to list audit log")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	s.sendJSON(w, http.StatusOK, AuditResponse{Entries: entries, Total: total})
}

// handleHistory handles GET /api/v1/history/{jobID}
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.deps.Audit.GetHistory(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.sendEngineError(w, err, "Failed to get history")
		return
	}
	s.sendJSON(w, http.StatusOK, h)
}
