package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basisworks/keel/pkg/audit"
	"github.com/basisworks/keel/pkg/auth"
	"github.com/basisworks/keel/pkg/escalation"
	"github.com/basisworks/keel/pkg/orchestrator"
	"github.com/basisworks/keel/pkg/trust"
)

// Server exposes the governance pipeline over HTTP.
type Server struct {
	orch        *orchestrator.Orchestrator
	audit       *audit.Service
	exporter    *audit.Exporter
	trust       *trust.Service
	escalations *escalation.Manager

	validator     *auth.Validator
	clientLimiter *ClientLimiter
	tenantLimiter *TenantLimiter

	// ready reports readiness; nil means always ready.
	ready func(ctx context.Context) error

	logger *slog.Logger
}

// ServerConfig wires a Server. Orchestrator, Audit, Trust and Escalations
// are required; Exporter and the limiters are optional.
type ServerConfig struct {
	Orchestrator *orchestrator.Orchestrator
	Audit        *audit.Service
	Exporter     *audit.Exporter
	Trust        *trust.Service
	Escalations  *escalation.Manager

	Validator     *auth.Validator
	ClientLimiter *ClientLimiter
	TenantLimiter *TenantLimiter

	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

// NewServer validates the wiring and returns a Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	switch {
	case cfg.Orchestrator == nil:
		return nil, errors.New("api: orchestrator is required")
	case cfg.Audit == nil:
		return nil, errors.New("api: audit service is required")
	case cfg.Trust == nil:
		return nil, errors.New("api: trust service is required")
	case cfg.Escalations == nil:
		return nil, errors.New("api: escalation manager is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	return &Server{
		orch:          cfg.Orchestrator,
		audit:         cfg.Audit,
		exporter:      cfg.Exporter,
		trust:         cfg.Trust,
		escalations:   cfg.Escalations,
		validator:     cfg.Validator,
		clientLimiter: cfg.ClientLimiter,
		tenantLimiter: cfg.TenantLimiter,
		ready:         cfg.Ready,
		logger:        logger,
	}, nil
}

// Router builds the route table with the full middleware chain:
// request-id → real-ip → metrics → logging → auth → rate limits.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/intents/evaluate", s.handleEvaluate).Methods(http.MethodPost)
	v1.HandleFunc("/actions/report", s.handleReport).Methods(http.MethodPost)

	v1.HandleFunc("/audit/records", s.handleAuditRecords).Methods(http.MethodGet)
	v1.HandleFunc("/audit/verify", s.handleAuditVerify).Methods(http.MethodGet)
	v1.HandleFunc("/audit/export", s.handleAuditExport).Methods(http.MethodPost)

	v1.HandleFunc("/trust/{entityId}", s.handleTrustGet).Methods(http.MethodGet)
	v1.HandleFunc("/trust/{entityId}/revoke", s.handleTrustRevoke).Methods(http.MethodPost)

	v1.HandleFunc("/escalations", s.handleEscalationList).Methods(http.MethodGet)
	v1.HandleFunc("/escalations/{id}", s.handleEscalationGet).Methods(http.MethodGet)
	v1.HandleFunc("/escalations/{id}/approve", s.handleEscalationApprove).Methods(http.MethodPost)
	v1.HandleFunc("/escalations/{id}/deny", s.handleEscalationDeny).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		WriteNotFound(w, req, "no such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		WriteError(w, req, http.StatusMethodNotAllowed, "Method Not Allowed", "method not supported on this route")
	})

	var h http.Handler = r
	if s.tenantLimiter != nil {
		h = s.tenantLimiter.Middleware(h)
	}
	h = auth.Middleware(s.validator, WriteError)(h)
	if s.clientLimiter != nil {
		h = s.clientLimiter.Middleware(h)
	}
	h = RequestLogger(s.logger)(h)
	h = Metrics(h)
	h = RealIP(h)
	h = auth.RequestID(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			WriteError(w, r, http.StatusServiceUnavailable, "Not Ready", err.Error())
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
