package admin

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxAuditBodyBytes = 1024

// auditAction names the operator action behind a mutating admin route.
func auditAction(method, path string) string {
	name := strings.TrimPrefix(path, "/admin/v1/")
	if name == "" || name == path {
		name = "unknown"
	}
	return strings.ReplaceAll(name, "/", ".") + "." + strings.ToLower(method)
}

// AuditMiddleware records every mutating admin request: who ran which
// action, a bounded body excerpt and the outcome. Failed actions log at
// warn level. Reads pass through unlogged.
func AuditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	audit := logger.With("component", "admin_audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		operator, _, _ := r.BasicAuth()
		excerpt := peekBody(r)

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if rec.status() >= http.StatusBadRequest {
			level = slog.LevelWarn
		}
		audit.Log(r.Context(), level, "admin request",
			"request_id", requestID,
			"action", auditAction(r.Method, r.URL.Path),
			"user", operator,
			"remote_addr", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"body_excerpt", excerpt,
			"response_status", rec.status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// peekBody returns up to maxAuditBodyBytes of the request body and leaves the
// full body readable for the handler.
func peekBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, maxAuditBodyBytes+1))
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(head), r.Body))
	if err != nil {
		return ""
	}
	if len(head) > maxAuditBodyBytes {
		return string(head[:maxAuditBodyBytes]) + "...(truncated)"
	}
	return string(head)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.code == 0 {
		s.code = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.code == 0 {
		s.code = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) status() int {
	if s.code == 0 {
		return http.StatusOK
	}
	return s.code
}
