// Package orchestrator composes the governance pipeline: intent validation,
// trust resolution, pre-action semantic checks, the policy engine,
// escalation hand-off, and the audit append that anchors every decision.
// A decision is never returned before its audit record is durable.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basisworks/keel/pkg/audit"
	"github.com/basisworks/keel/pkg/basis"
	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/engine"
	"github.com/basisworks/keel/pkg/escalation"
	"github.com/basisworks/keel/pkg/observability"
	"github.com/basisworks/keel/pkg/patterns"
	"github.com/basisworks/keel/pkg/semantic"
	"github.com/basisworks/keel/pkg/trust"
)

// ErrAuditWriteFailed wraps an audit append failure. The caller never gets
// an allow without a durable audit record, so the whole request fails.
var ErrAuditWriteFailed = errors.New("audit_write_failed")

// Settings are the per-tenant evaluation knobs. Zero fields fall back to
// the process defaults.
type Settings struct {
	Strategy      engine.Strategy
	DefaultAction contracts.DecisionAction
}

// Config wires an Orchestrator.
type Config struct {
	Engine      *engine.Engine
	Semantic    *semantic.Service
	Trust       *trust.Service
	Audit       *audit.Service
	Escalations *escalation.Manager
	Policies    basis.PolicySource

	// Telemetry is optional; nil disables spans and counters.
	Telemetry *observability.Provider

	Defaults  Settings
	PerTenant map[string]Settings

	Logger *slog.Logger
}

// Orchestrator is the pipeline façade. Safe for concurrent use; each
// request's state is local.
type Orchestrator struct {
	engine      *engine.Engine
	semantic    *semantic.Service
	trust       *trust.Service
	audit       *audit.Service
	escalations *escalation.Manager
	policies    basis.PolicySource
	telemetry   *observability.Provider

	defaults  Settings
	perTenant map[string]Settings

	logger *slog.Logger
	now    func() time.Time
}

// New validates the wiring and returns a ready Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Engine == nil:
		return nil, errors.New("orchestrator: engine is required")
	case cfg.Semantic == nil:
		return nil, errors.New("orchestrator: semantic service is required")
	case cfg.Trust == nil:
		return nil, errors.New("orchestrator: trust service is required")
	case cfg.Audit == nil:
		return nil, errors.New("orchestrator: audit service is required")
	case cfg.Policies == nil:
		return nil, errors.New("orchestrator: policy source is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "orchestrator")
	}
	return &Orchestrator{
		engine:      cfg.Engine,
		semantic:    cfg.Semantic,
		trust:       cfg.Trust,
		audit:       cfg.Audit,
		escalations: cfg.Escalations,
		policies:    cfg.Policies,
		telemetry:   cfg.Telemetry,
		defaults:    cfg.Defaults,
		perTenant:   cfg.PerTenant,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (o *Orchestrator) settingsFor(tenantID string) Settings {
	s := o.defaults
	if t, ok := o.perTenant[tenantID]; ok {
		if t.Strategy != "" {
			s.Strategy = t.Strategy
		}
		if t.DefaultAction != "" {
			s.DefaultAction = t.DefaultAction
		}
	}
	return s
}

// Decide evaluates an intent with no semantic interaction surface attached.
func (o *Orchestrator) Decide(ctx context.Context, in *contracts.Intent) (*contracts.Decision, error) {
	return o.DecideInteraction(ctx, in, nil)
}

// DecideInteraction runs the full pipeline for one intent. The interaction,
// when present, is handed to the pre-action semantic validators; its agent
// identity is overwritten with the resolved trust profile.
func (o *Orchestrator) DecideInteraction(ctx context.Context, in *contracts.Intent, ia *contracts.AgentInteraction) (*contracts.Decision, error) {
	start := o.now()
	if in == nil {
		return nil, errors.New("orchestrator: nil intent")
	}
	in.EnsureIdentity(start)

	if err := contracts.ValidateIntent(in); err != nil {
		if in.TenantID == "" {
			// Nothing to audit against; this is the one validation failure
			// that surfaces as a plain error.
			return nil, fmt.Errorf("%s: %w", contracts.ReasonValidationError, err)
		}
		return o.finish(ctx, in, start, denial(string(contracts.ReasonValidationError), err.Error()), nil)
	}

	ctx, span := o.startSpan(ctx, "keel.decide", in)
	defer span.End()

	// Trust gate: revoked entities are denied outright, quarantined ones
	// get a quarantine decision until released. An unknown entity fails
	// closed the same way the revocation oracle treats it.
	profile, err := o.trust.Resolve(ctx, in.Actor.ID)
	switch {
	case errors.Is(err, trust.ErrProfileNotFound):
		return o.finish(ctx, in, start, denial(string(contracts.ReasonRevoked), "entity is not registered"), nil)
	case err != nil:
		return nil, fmt.Errorf("orchestrator: trust resolve: %w", err)
	}
	switch profile.Status {
	case trust.StatusRevoked:
		return o.finish(ctx, in, start, denial(string(contracts.ReasonRevoked), "entity is revoked"), nil)
	case trust.StatusQuarantined:
		return o.finish(ctx, in, start, verdict(contracts.DecisionQuarantine, string(contracts.ReasonQuarantined)), nil)
	}

	// Pre-action semantic checks.
	var pre *semantic.CheckResult
	if ia != nil {
		ia.Agent = contracts.AgentIdentity{
			DID:        in.Actor.ID,
			TenantID:   in.TenantID,
			TrustTier:  string(profile.Tier),
			TrustScore: profile.Score,
			Domains:    profile.Domains,
		}
		preCtx, preSpan := o.startSpan(ctx, "keel.semantic.pre", in)
		pre = o.semantic.PreActionCheck(preCtx, ia.Agent, ia)
		preSpan.End()

		if !pre.Valid {
			o.recordRejection(ctx, in.TenantID, string(pre.Code))
			if pre.Code == contracts.ReasonInjectionDetected && pre.MaxSeverity == patterns.SeverityCritical {
				// A critical injection quarantines the agent, not just the
				// request.
				if qerr := o.trust.Quarantine(ctx, in.Actor.ID, "critical injection detected"); qerr != nil {
					o.logger.Error("quarantine after critical injection failed",
						"tenant", in.TenantID, "entity", in.Actor.ID, "error", qerr)
				}
				v := verdict(contracts.DecisionQuarantine, pre.Reason)
				v.warnings = pre.Warnings
				return o.finish(ctx, in, start, v, pre)
			}
			v := denial(string(pre.Code), pre.Reason)
			v.warnings = pre.Warnings
			return o.finish(ctx, in, start, v, pre)
		}
	}

	// Policy engine.
	bundles, err := o.policies.BundlesFor(ctx, in.TenantID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load bundles: %w", err)
	}
	policies, err := o.policies.PoliciesFor(ctx, in.TenantID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load policies: %w", err)
	}
	settings := o.settingsFor(in.TenantID)

	engCtx, engSpan := o.startSpan(ctx, "keel.engine", in)
	result, err := o.engine.Evaluate(engCtx, in, engine.Input{
		Bundles:     bundles,
		Policies:    policies,
		ActorTier:   string(profile.Tier),
		ActorRoles:  contextRoles(in),
		Environment: map[string]string{"tenant": in.TenantID},
	}, engine.Options{
		Strategy:      settings.Strategy,
		DefaultAction: settings.DefaultAction,
	})
	engSpan.End()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: engine: %w", err)
	}

	v := verdict(result.Action, result.Reason)
	v.denialCode = result.DenialCode
	v.matched = result.MatchedPolicies
	v.modifications = result.Modifications
	v.obligations = result.Obligations
	v.warnings = append(v.warnings, result.Warnings...)
	if pre != nil {
		v.warnings = append(v.warnings, pre.Warnings...)
	}
	v.requiresEscalation = result.RequiresEscalation
	v.approverHint = result.ApproverHint
	if len(result.Modifications) > 0 {
		v.content = result.Content
	}
	// Sanitized data-plane content must reach callers that only consume the
	// decision. Engine rewrites take precedence when both happened.
	if v.content == "" && pre != nil && ia.Message != nil && pre.Content != ia.Message.Content {
		v.content = pre.Content
	}

	// Escalated decisions open a pending approval before they are audited,
	// so the escalation.requested record lands on the same trace.
	if result.Action == contracts.DecisionEscalate && o.escalations != nil {
		p, eerr := o.escalations.Open(ctx, in, result.Reason, result.ApproverHint, nil)
		if eerr != nil {
			o.logger.Error("escalation open failed", "tenant", in.TenantID, "intent", in.ID, "error", eerr)
		} else {
			v.escalationID = p.ID
		}
	}

	return o.finish(ctx, in, start, v, pre)
}

// ReportResult is the outcome of a post-action report.
type ReportResult struct {
	Valid           bool                 `json:"valid"`
	Reason          string               `json:"reason,omitempty"`
	Code            contracts.ReasonCode `json:"code,omitempty"`
	Warnings        []string             `json:"warnings,omitempty"`
	SanitizedOutput string               `json:"sanitizedOutput,omitempty"`
	ProofID         string               `json:"proofId"`
	DurationMs      float64              `json:"durationMs"`
}

// Report runs the post-action validators over what the agent actually did
// and appends the outcome to the audit chain.
func (o *Orchestrator) Report(ctx context.Context, in *contracts.Intent, rec *contracts.ActionRecord) (*ReportResult, error) {
	start := o.now()
	if in == nil || rec == nil {
		return nil, errors.New("orchestrator: nil intent or action record")
	}
	in.EnsureIdentity(start)
	if rec.IntentID == "" {
		rec.IntentID = in.ID
	}

	profile, err := o.trust.Resolve(ctx, in.Actor.ID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: trust resolve: %w", err)
	}
	agent := contracts.AgentIdentity{
		DID:        in.Actor.ID,
		TenantID:   in.TenantID,
		TrustTier:  string(profile.Tier),
		TrustScore: profile.Score,
		Domains:    profile.Domains,
	}

	postCtx, postSpan := o.startSpan(ctx, "keel.semantic.post", in)
	post := o.semantic.PostActionCheck(postCtx, agent, rec)
	postSpan.End()

	eventType := "action.reported"
	outcome := audit.OutcomeSuccess
	if !post.Valid {
		eventType = "action.flagged"
		outcome = audit.OutcomeFailure
		o.recordRejection(ctx, in.TenantID, string(post.Code))
	} else if len(post.Warnings) > 0 {
		outcome = audit.OutcomePartial
	}

	record, err := o.audit.Record(ctx, audit.RecordInput{
		TenantID:  in.TenantID,
		EventType: eventType,
		Actor:     in.Actor,
		Target:    audit.Target{Type: "intent", ID: in.ID},
		Action:    "report",
		Outcome:   outcome,
		Reason:    post.Reason,
		RequestID: in.RequestID,
		TraceID:   in.TraceID,
		Metadata: map[string]any{
			"code":       string(post.Code),
			"warnings":   len(post.Warnings),
			"detections": len(post.Detections),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	}
	o.recordAudit(ctx, in.TenantID, eventType)

	return &ReportResult{
		Valid:           post.Valid,
		Reason:          post.Reason,
		Code:            post.Code,
		Warnings:        post.Warnings,
		SanitizedOutput: post.Content,
		ProofID:         record.ID,
		DurationMs:      float64(o.now().Sub(start).Microseconds()) / 1000.0,
	}, nil
}

// pipelineVerdict accumulates the decision under construction.
type pipelineVerdict struct {
	action             contracts.DecisionAction
	reason             string
	denialCode         *string
	matched            []contracts.PolicyAuditEntry
	modifications      []contracts.Modification
	obligations        []contracts.ObligationOutcome
	warnings           []string
	requiresEscalation bool
	approverHint       string
	escalationID       string
	content            string
}

func verdict(action contracts.DecisionAction, reason string) pipelineVerdict {
	return pipelineVerdict{action: action, reason: reason}
}

func denial(code, reason string) pipelineVerdict {
	v := pipelineVerdict{action: contracts.DecisionDeny, reason: reason}
	v.denialCode = &code
	if reason == "" {
		v.reason = code
	}
	return v
}

// finish audits the verdict and seals the Decision. This is the single exit
// for every decided intent: no decision leaves without a proof id.
func (o *Orchestrator) finish(ctx context.Context, in *contracts.Intent, start time.Time, v pipelineVerdict, pre *semantic.CheckResult) (*contracts.Decision, error) {
	d := &contracts.Decision{
		IntentID:           in.ID,
		Decision:           v.action,
		Reason:             v.reason,
		MatchedPolicies:    v.matched,
		DenialCode:         v.denialCode,
		RequiresEscalation: v.requiresEscalation,
		ApproverHint:       v.approverHint,
		EscalationID:       v.escalationID,
		Content:            v.content,
		Modifications:      v.modifications,
		Obligations:        v.obligations,
		Warnings:           v.warnings,
		EvaluatedAt:        o.now().UTC(),
	}
	if d.MatchedPolicies == nil {
		d.MatchedPolicies = []contracts.PolicyAuditEntry{}
	}
	d.DurationMs = float64(o.now().Sub(start).Microseconds()) / 1000.0

	outcome := audit.OutcomeSuccess
	if v.action == contracts.DecisionDeny || v.action == contracts.DecisionQuarantine {
		outcome = audit.OutcomeFailure
	}
	metadata := map[string]any{
		"goal":             in.Goal,
		"matched_policies": len(v.matched),
		"duration_ms":      d.DurationMs,
	}
	if pre != nil && pre.InstructionHash != "" {
		metadata["instruction_hash"] = pre.InstructionHash
	}
	if v.escalationID != "" {
		metadata["escalation_id"] = v.escalationID
	}

	record, err := o.audit.Record(ctx, audit.RecordInput{
		TenantID:  in.TenantID,
		EventType: "decision." + string(v.action),
		Actor:     in.Actor,
		Target:    audit.Target{Type: "intent", ID: in.ID},
		Action:    "evaluate",
		Outcome:   outcome,
		Reason:    v.reason,
		RequestID: in.RequestID,
		TraceID:   in.TraceID,
		Metadata:  metadata,
	})
	if err != nil {
		o.logger.Error("audit append failed, refusing to answer",
			"tenant", in.TenantID, "intent", in.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	}
	d.ProofID = record.ID
	o.recordAudit(ctx, in.TenantID, "decision."+string(v.action))

	if err := contracts.SealDecision(d); err != nil {
		return nil, fmt.Errorf("orchestrator: seal decision: %w", err)
	}

	if o.telemetry != nil {
		o.telemetry.RecordDecision(ctx, in.TenantID, string(v.action), o.now().Sub(start))
	}
	o.logger.Info("decision",
		"tenant", in.TenantID, "intent_id", in.ID, "decision", string(v.action),
		"reason", v.reason, "duration_ms", d.DurationMs)
	return d, nil
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, in *contracts.Intent) (context.Context, trace.Span) {
	if o.telemetry == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return o.telemetry.StartSpan(ctx, name, trace.WithAttributes(
		attribute.String("keel.tenant", in.TenantID),
		attribute.String("keel.intent_id", in.ID),
	))
}

func (o *Orchestrator) recordAudit(ctx context.Context, tenant, eventType string) {
	if o.telemetry != nil {
		o.telemetry.RecordAudit(ctx, tenant, eventType)
	}
}

func (o *Orchestrator) recordRejection(ctx context.Context, tenant, reason string) {
	if o.telemetry != nil {
		o.telemetry.RecordRejection(ctx, tenant, reason)
	}
}

// contextRoles pulls the actor's roles out of the intent context when the
// caller supplied them.
func contextRoles(in *contracts.Intent) []string {
	raw, ok := in.Context["roles"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// CapabilityAdapter exposes the trust service as the engine's capability
// checker, keeping trust free of engine imports.
type CapabilityAdapter struct {
	Trust *trust.Service
}

// CheckCapability maps the trust decision onto the engine's verdict shape.
func (a CapabilityAdapter) CheckCapability(ctx context.Context, entityID, requested string) (engine.CapabilityVerdict, error) {
	d, err := a.Trust.CheckCapability(ctx, entityID, requested)
	if err != nil {
		return engine.CapabilityVerdict{}, err
	}
	return engine.CapabilityVerdict{
		Granted:            d.Granted,
		Reason:             d.Reason,
		RequiresEscalation: d.RequiresEscalation,
	}, nil
}

var _ engine.CapabilityChecker = CapabilityAdapter{}
