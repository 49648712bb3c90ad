package api

import (
	"context"
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/carecast/internal/config"
)

type contextKey string

const actorKey contextKey = "actor"

// AnonymousActor is used when no actors are configured
const AnonymousActor = "anonymous"

// ActorFromContext returns the authenticated caller
func ActorFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(actorKey).(string); ok {
		return id
	}
	return AnonymousActor
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware resolves the actor from its API key
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.actors.len() == 0 {
			// No actors configured, allow all
			next.ServeHTTP(w, r)
			return
		}

		// Check Authorization header
		auth := r.Header.Get("Authorization")
		if auth == "" {
			// Also check X-API-Key header
			auth = r.Header.Get("X-API-Key")
		}

		// Parse Bearer token
		auth = strings.TrimPrefix(auth, "Bearer ")

		actorID := s.actors.match(auth)
		if actorID == "" {
			s.logger.Warn("unauthorized API request",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			s.sendError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actorID)))
	})
}

// actorKeys matches API keys against the configured bcrypt hashes.
// Verified keys are remembered by their sha256 digest, so bcrypt runs once
// per valid key instead of on every request.
type actorKeys struct {
	actors []config.ActorConfig

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string
}

func newActorKeys(actors []config.ActorConfig) *actorKeys {
	return &actorKeys{
		actors:   actors,
		verified: make(map[[sha256.Size]byte]string),
	}
}

func (k *actorKeys) len() int {
	return len(k.actors)
}

func (k *actorKeys) match(key string) string {
	if key == "" {
		return ""
	}

	digest := sha256.Sum256([]byte(key))
	k.mu.RLock()
	id, ok := k.verified[digest]
	k.mu.RUnlock()
	if ok {
		return id
	}

	for _, a := range k.actors {
		if bcrypt.CompareHashAndPassword([]byte(a.KeyHash), []byte(key)) == nil {
			k.mu.Lock()
			k.verified[digest] = a.ID
			k.mu.Unlock()
			return a.ID
		}
	}
	return ""
}
