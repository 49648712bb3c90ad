package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/carecast/internal/executor"
)

// SandboxStorage lists and clears captured actions
type SandboxStorage interface {
	List(ctx context.Context, limit int) ([]*executor.Captured, error)
	Clear(ctx context.Context) (int, error)
}

// SandboxServer handles sandbox API endpoints
type SandboxServer struct {
	storage SandboxStorage
}

// NewSandboxServer creates a new sandbox server
func NewSandboxServer(storage SandboxStorage) *SandboxServer {
	return &SandboxServer{storage: storage}
}

// RegisterRoutes registers sandbox API routes
func (s *SandboxServer) RegisterRoutes(r chi.Router) {
	r.Route("/sandbox", func(r chi.Router) {
		r.Get("/actions", s.handleList)
		r.Delete("/actions", s.handleClear)
	})
}

// SandboxListResponse is the response for GET /api/v1/sandbox/actions
type SandboxListResponse struct {
	Actions []*executor.Captured `json:"actions"`
	Total   int                  `json:"total"`
}

// handleList handles GET /api/v1/sandbox/actions
func (s *SandboxServer) handleList(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
		return
	}

	limit := 100 // Default limit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = min(l, 1000)
	}

	actions, err := s.storage.List(r.Context(), limit)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to list actions")
		return
	}
	if actions == nil {
		actions = []*executor.Captured{}
	}

	sendJSON(w, http.StatusOK, SandboxListResponse{Actions: actions, Total: len(actions)})
}

// handleClear handles DELETE /api/v1/sandbox/actions
func (s *SandboxServer) handleClear(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
		return
	}

	count, err := s.storage.Clear(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to clear actions")
		return
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"cleared": count,
	})
}
