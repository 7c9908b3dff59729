package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/emperorhan/cargo-escrow/internal/reconciliation"
)

const maxIncidentLimit = 1000

// ReconcileRequester triggers a settlement reconciliation run.
type ReconcileRequester interface {
	ReconcileAny(ctx context.Context) (any, error)
}

// IncidentLister returns the most recent reconciliation incidents.
type IncidentLister interface {
	ListIncidents(ctx context.Context, limit int) ([]model.ReconciliationIncident, error)
}

// HealthProvider reports dependency health as JSON-encodable data. ok is
// false when any dependency is down.
type HealthProvider interface {
	Health(ctx context.Context) (report any, ok bool)
}

// Server provides the operator API for reconciliation and incident review.
type Server struct {
	reconcileReq   ReconcileRequester
	incidents      IncidentLister
	healthProvider HealthProvider
	authUser       string
	authPass       string
	logger         *slog.Logger
}

func NewServer(logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{logger: logger.With("component", "admin")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

func WithReconcileRequester(rr ReconcileRequester) ServerOption {
	return func(s *Server) { s.reconcileReq = rr }
}

func WithIncidentLister(il IncidentLister) ServerOption {
	return func(s *Server) { s.incidents = il }
}

func WithHealthProvider(hp HealthProvider) ServerOption {
	return func(s *Server) { s.healthProvider = hp }
}

// WithBasicAuth protects every admin route when user is non-empty.
func WithBasicAuth(user, pass string) ServerOption {
	return func(s *Server) {
		s.authUser = user
		s.authPass = pass
	}
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/v1/reconcile", s.handleReconcile)
	mux.HandleFunc("GET /admin/v1/incidents", s.handleListIncidents)
	mux.HandleFunc("GET /admin/v1/health", s.handleHealth)

	if s.authUser == "" {
		return mux
	}
	return s.basicAuth(mux)
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.authUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.authPass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="cargo-escrow-admin"`)
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconcileReq == nil {
		http.Error(w, `{"error":"reconciliation not available"}`, http.StatusServiceUnavailable)
		return
	}

	result, err := s.reconcileReq.ReconcileAny(r.Context())
	if errors.Is(err, reconciliation.ErrRunInProgress) {
		http.Error(w, `{"error":"reconciliation already running"}`, http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("reconciliation failed", "error", err)
		http.Error(w, `{"error":"reconciliation failed"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	if s.incidents == nil {
		http.Error(w, `{"error":"incidents not available"}`, http.StatusServiceUnavailable)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxIncidentLimit {
			http.Error(w, `{"error":"limit must be between 1 and 1000"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := s.incidents.ListIncidents(r.Context(), limit)
	if err != nil {
		s.logger.Error("list incidents failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []model.ReconciliationIncident{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthProvider == nil {
		http.Error(w, `{"error":"health provider not available"}`, http.StatusServiceUnavailable)
		return
	}

	report, ok := s.healthProvider.Health(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
