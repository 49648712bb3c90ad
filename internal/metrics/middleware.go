package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// HTTPMiddleware creates a middleware that records HTTP request metrics
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := Global()
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := wrapResponseWriter(w)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.status)

		// Normalize path to avoid high cardinality
		path := normalizePath(r)

		m.APIRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.APIRequestDurationSeconds.WithLabelValues(r.Method, path).Observe(duration)

		if wrapped.status >= 400 {
			m.APIErrorsTotal.WithLabelValues(categorizeStatus(wrapped.status)).Inc()
		}
	})
}

// routeParams maps a collection segment to the placeholder reported for the
// identifier that follows it. Placeholders match the chi route parameters.
var routeParams = map[string]string{
	"jobs":       "{id}",
	"tasks":      "{taskID}",
	"archive":    "{id}",
	"accounts":   "{id}",
	"recipients": "{id}",
	"history":    "{jobID}",
}

// routeLiterals are fixed segments that sit where an identifier could be.
var routeLiterals = map[string]bool{
	"estimate": true,
}

// unmatchedRoute labels requests outside the API so scanners cannot grow
// the label set.
const unmatchedRoute = "unmatched"

// normalizePath returns the route label for r. The chi pattern is used when
// the router matched; otherwise identifiers are replaced by walking the
// campaign resource hierarchy.
func normalizePath(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && !strings.HasSuffix(pattern, "*") {
			return trimSlash(pattern)
		}
	}

	path := trimSlash(r.URL.Path)
	if path == "/health" {
		return path
	}
	if !strings.HasPrefix(path, "/api/v1/") {
		return unmatchedRoute
	}

	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		placeholder, ok := routeParams[parts[i-1]]
		if !ok || routeLiterals[parts[i]] || parts[i] == "" {
			continue
		}
		// "tasks" is only a collection below a job
		if parts[i-1] == "tasks" && (i < 3 || parts[i-3] != "jobs") {
			continue
		}
		parts[i] = placeholder
		i++
	}
	return strings.Join(parts, "/")
}

func trimSlash(p string) string {
	if len(p) > 1 {
		return strings.TrimSuffix(p, "/")
	}
	return p
}

// categorizeStatus categorizes HTTP status codes into error types
func categorizeStatus(status int) string {
	switch {
	case status >= 500:
		return "server_error"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "auth_error"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusConflict:
		return "conflict"
	case status == http.StatusUnprocessableEntity:
		return "capacity_exhausted"
	case status == http.StatusBadRequest:
		return "bad_request"
	case status >= 400:
		return "client_error"
	default:
		return "unknown"
	}
}
