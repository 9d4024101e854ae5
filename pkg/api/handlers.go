package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/basisworks/keel/pkg/audit"
	"github.com/basisworks/keel/pkg/auth"
	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/escalation"
	"github.com/basisworks/keel/pkg/orchestrator"
	"github.com/basisworks/keel/pkg/trust"
)

const maxBodyBytes = 1 << 20 // 1MB

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, r, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// principal returns the authenticated caller, writing a 401 when absent.
// The auth middleware guarantees one on every protected route; this guards
// handlers exercised directly in tests.
func principal(w http.ResponseWriter, r *http.Request) *auth.Principal {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		WriteUnauthorized(w, r, "authentication required")
	}
	return p
}

// EvaluateRequest is the body of POST /v1/intents/evaluate. The tenant on
// the intent is forced to the token's tenant binding; a mismatch is rejected
// rather than silently rewritten.
type EvaluateRequest struct {
	Intent      *contracts.Intent           `json:"intent"`
	Interaction *contracts.AgentInteraction `json:"interaction,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	var req EvaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Intent == nil {
		WriteBadRequest(w, r, "intent is required")
		return
	}
	if req.Intent.TenantID != "" && req.Intent.TenantID != p.TenantID {
		WriteForbidden(w, r, "intent tenant does not match token tenant")
		return
	}
	req.Intent.TenantID = p.TenantID
	if req.Intent.RequestID == "" {
		req.Intent.RequestID = auth.GetRequestID(r.Context())
	}

	d, err := s.orch.DecideInteraction(r.Context(), req.Intent, req.Interaction)
	if err != nil {
		if errors.Is(err, orchestrator.ErrAuditWriteFailed) {
			WriteError(w, r, http.StatusServiceUnavailable, "Audit Unavailable",
				"decision withheld: audit trail is not accepting writes")
			return
		}
		s.logger.Error("evaluate failed", "tenant", p.TenantID, "error", err)
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

// ReportRequest is the body of POST /v1/actions/report.
type ReportRequest struct {
	Intent *contracts.Intent       `json:"intent"`
	Record *contracts.ActionRecord `json:"record"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	var req ReportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Intent == nil || req.Record == nil {
		WriteBadRequest(w, r, "intent and record are required")
		return
	}
	if req.Intent.TenantID != "" && req.Intent.TenantID != p.TenantID {
		WriteForbidden(w, r, "intent tenant does not match token tenant")
		return
	}
	req.Intent.TenantID = p.TenantID

	res, err := s.orch.Report(r.Context(), req.Intent, req.Record)
	if err != nil {
		if errors.Is(err, orchestrator.ErrAuditWriteFailed) {
			WriteError(w, r, http.StatusServiceUnavailable, "Audit Unavailable",
				"report withheld: audit trail is not accepting writes")
			return
		}
		if errors.Is(err, trust.ErrProfileNotFound) {
			WriteNotFound(w, r, "entity is not registered")
			return
		}
		s.logger.Error("report failed", "tenant", p.TenantID, "error", err)
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleAuditRecords(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	q := audit.Query{TenantID: p.TenantID, Limit: 100}
	params := r.URL.Query()
	if v := params.Get("event_type"); v != "" {
		q.EventTypes = []string{v}
	}
	if v := params.Get("actor_id"); v != "" {
		q.ActorID = v
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			WriteBadRequest(w, r, "limit must be an integer in [1,1000]")
			return
		}
		q.Limit = n
	}
	if v := params.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, r, "offset must be a non-negative integer")
			return
		}
		q.Offset = n
	}
	if v := params.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, r, "from must be RFC 3339")
			return
		}
		q.From = t
	}
	if v := params.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, r, "to must be RFC 3339")
			return
		}
		q.To = t
	}

	res, err := s.audit.Query(r.Context(), q)
	if err != nil {
		s.logger.Error("audit query failed", "tenant", p.TenantID, "error", err)
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	startSeq := int64(0)
	if v := r.URL.Query().Get("start_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			WriteBadRequest(w, r, "start_seq must be a non-negative integer")
			return
		}
		startSeq = n
	}
	report, err := s.audit.VerifyChainIntegrity(r.Context(), p.TenantID, startSeq, 0)
	if err != nil {
		s.logger.Error("chain verification failed", "tenant", p.TenantID, "error", err)
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

// ExportRequest is the body of POST /v1/audit/export, RFC 3339 bounds.
type ExportRequest struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	if !p.HasRole("admin") && !p.HasRole("auditor") {
		WriteForbidden(w, r, "export requires the admin or auditor role")
		return
	}
	if s.exporter == nil {
		WriteError(w, r, http.StatusNotImplemented, "Export Disabled", "no export sink is configured")
		return
	}
	var req ExportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var window audit.ExportWindow
	if req.Start != "" {
		t, err := time.Parse(time.RFC3339, req.Start)
		if err != nil {
			WriteBadRequest(w, r, "start must be RFC 3339")
			return
		}
		window.Start = t
	}
	if req.End != "" {
		t, err := time.Parse(time.RFC3339, req.End)
		if err != nil {
			WriteBadRequest(w, r, "end must be RFC 3339")
			return
		}
		window.End = t
	}

	res, err := s.exporter.ExportPack(r.Context(), p.TenantID, window)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidWindow) {
			WriteBadRequest(w, r, err.Error())
			return
		}
		s.logger.Error("export failed", "tenant", p.TenantID, "error", err)
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleTrustGet(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	entityID := mux.Vars(r)["entityId"]
	profile, err := s.trust.Resolve(r.Context(), entityID)
	if errors.Is(err, trust.ErrProfileNotFound) {
		WriteNotFound(w, r, "no such entity")
		return
	}
	if err != nil {
		s.logger.Error("trust resolve failed", "entity", entityID, "error", err)
		WriteInternal(w, r, err)
		return
	}
	// Cross-tenant profiles are indistinguishable from absent ones.
	if profile.TenantID != p.TenantID {
		WriteNotFound(w, r, "no such entity")
		return
	}
	WriteJSON(w, http.StatusOK, profile)
}

// RevokeRequest is the body of POST /v1/trust/{entityId}/revoke.
type RevokeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleTrustRevoke(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	if !p.HasRole("admin") {
		WriteForbidden(w, r, "revocation requires the admin role")
		return
	}
	entityID := mux.Vars(r)["entityId"]
	var req RevokeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		WriteBadRequest(w, r, "reason is required")
		return
	}

	profile, err := s.trust.Resolve(r.Context(), entityID)
	if errors.Is(err, trust.ErrProfileNotFound) {
		WriteNotFound(w, r, "no such entity")
		return
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if profile.TenantID != p.TenantID {
		WriteNotFound(w, r, "no such entity")
		return
	}

	outcome, err := s.trust.Revoke(r.Context(), entityID, req.Reason, trust.WithActor(p.EntityID))
	if err != nil {
		s.logger.Error("revocation failed", "entity", entityID, "error", err)
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleEscalationList(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	pending := s.escalations.ListPending(p.TenantID)
	WriteJSON(w, http.StatusOK, map[string]any{
		"escalations": pending,
		"count":       len(pending),
	})
}

// tenantEscalation looks up an escalation and hides cross-tenant ones.
func (s *Server) tenantEscalation(w http.ResponseWriter, r *http.Request, p *auth.Principal) *escalation.Pending {
	id := mux.Vars(r)["id"]
	e, err := s.escalations.Get(id)
	if err != nil || e.TenantID != p.TenantID {
		WriteNotFound(w, r, "no such escalation")
		return nil
	}
	return e
}

func (s *Server) handleEscalationGet(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	e := s.tenantEscalation(w, r, p)
	if e == nil {
		return
	}
	WriteJSON(w, http.StatusOK, e)
}

func (s *Server) handleEscalationApprove(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	e := s.tenantEscalation(w, r, p)
	if e == nil {
		return
	}
	receipt, err := s.escalations.Approve(r.Context(), e.ID, p.EntityID, p.Roles)
	if err != nil {
		s.writeEscalationError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, receipt)
}

// DenyRequest is the body of POST /v1/escalations/{id}/deny.
type DenyRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEscalationDeny(w http.ResponseWriter, r *http.Request) {
	p := principal(w, r)
	if p == nil {
		return
	}
	e := s.tenantEscalation(w, r, p)
	if e == nil {
		return
	}
	var req DenyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	receipt, err := s.escalations.Deny(r.Context(), e.ID, p.EntityID, req.Reason, p.Roles)
	if err != nil {
		s.writeEscalationError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, receipt)
}

func (s *Server) writeEscalationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, escalation.ErrNotFound):
		WriteNotFound(w, r, "no such escalation")
	case errors.Is(err, escalation.ErrRoleDenied), errors.Is(err, escalation.ErrSelfApprove):
		WriteForbidden(w, r, err.Error())
	case errors.Is(err, escalation.ErrNotPending):
		WriteConflict(w, r, err.Error())
	default:
		s.logger.Error("escalation resolution failed", "error", err)
		WriteInternal(w, r, err)
	}
}
