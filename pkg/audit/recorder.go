package audit

import (
	"context"

	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/escalation"
	"github.com/basisworks/keel/pkg/trust"
)

// TrustRecorder puts trust lifecycle events on the audit chain. It
// satisfies trust.Auditor, so wiring is one line:
//
//	trustCfg.Auditor = audit.NewTrustRecorder(auditSvc)
type TrustRecorder struct {
	svc *Service
}

// NewTrustRecorder wraps the audit service for the trust service.
func NewTrustRecorder(svc *Service) *TrustRecorder {
	return &TrustRecorder{svc: svc}
}

// RecordEvent appends one trust event. The trust service treats failures as
// best-effort; the error is still returned so it can log the drop.
func (r *TrustRecorder) RecordEvent(ctx context.Context, ev trust.AuditEvent) error {
	actor := contracts.Actor{Type: contracts.ActorSystem, ID: "trust-service"}
	if ev.Actor != "" {
		actor = contracts.Actor{Type: contracts.ActorAgent, ID: ev.Actor}
	}
	outcome := Outcome(ev.Outcome)
	if !ValidOutcome(outcome) {
		outcome = OutcomeSuccess
	}
	_, err := r.svc.Record(ctx, RecordInput{
		TenantID:  ev.TenantID,
		EventType: ev.EventType,
		Actor:     actor,
		Target:    Target{Type: "entity", ID: ev.Target},
		Action:    ev.Action,
		Outcome:   outcome,
		Metadata:  ev.Details,
	})
	return err
}

var _ trust.Auditor = (*TrustRecorder)(nil)

// EscalationRecorder puts escalation lifecycle events on the audit chain,
// satisfying escalation.Auditor.
type EscalationRecorder struct {
	svc *Service
}

// NewEscalationRecorder wraps the audit service for the escalation manager.
func NewEscalationRecorder(svc *Service) *EscalationRecorder {
	return &EscalationRecorder{svc: svc}
}

// RecordEvent appends one escalation event, carrying the intent's request
// and trace ids so the record joins the intent's audit trail.
func (r *EscalationRecorder) RecordEvent(ctx context.Context, ev escalation.AuditEvent) error {
	details := map[string]any{"intent_id": ev.IntentID}
	for k, v := range ev.Details {
		details[k] = v
	}
	outcome := OutcomeSuccess
	if ev.EventType == escalation.EventDenied || ev.EventType == escalation.EventExpired {
		outcome = OutcomeFailure
	}
	_, err := r.svc.Record(ctx, RecordInput{
		TenantID:  ev.TenantID,
		EventType: ev.EventType,
		Actor:     ev.Actor,
		Target:    Target{Type: "escalation", ID: ev.EscalationID},
		Action:    ev.Outcome,
		Outcome:   outcome,
		RequestID: ev.RequestID,
		TraceID:   ev.TraceID,
		Metadata:  details,
	})
	return err
}

var _ escalation.Auditor = (*EscalationRecorder)(nil)
