package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basisworks/keel/pkg/basis"
	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/patterns"
)

// scopeMatches applies a constraint's trust-level/role scope to the actor.
// Constraints without a scope apply to everyone.
func scopeMatches(s *basis.Scope, input Input) bool {
	if s == nil {
		return true
	}
	if len(s.TrustLevels) > 0 && !containsFold(s.TrustLevels, input.ActorTier) {
		return false
	}
	if len(s.Roles) > 0 && !intersectsFold(s.Roles, input.ActorRoles) {
		return false
	}
	return true
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

func intersectsFold(a, b []string) bool {
	for _, v := range b {
		if containsFold(a, v) {
			return true
		}
	}
	return false
}

// applyConstraint evaluates one enabled, in-scope constraint against the
// intent, recording contributions, warnings, redactions, and escalation
// flags on the shared state. A constraint that does not hit leaves no trace.
func (e *Engine) applyConstraint(ctx context.Context, in *contracts.Intent, b *basis.Bundle, c basis.Constraint, state *evalState) {
	t0 := time.Now()
	switch c.Kind {
	case basis.KindToolRestriction:
		for _, tool := range in.Tools {
			if containsFold(c.Values, tool) {
				e.hitOrWarn(b, c, state, fmt.Sprintf("tool_restriction:%s", tool), string(contracts.ReasonPolicyDenied), t0)
				return
			}
		}

	case basis.KindEgressWhitelist:
		for _, endpoint := range in.Endpoints {
			if !globsMatchAnyValue(c.Values, endpoint) {
				e.hitOrWarn(b, c, state, fmt.Sprintf("egress_whitelist:%s", endpoint), string(contracts.ReasonPolicyDenied), t0)
				return
			}
		}

	case basis.KindEgressBlacklist:
		for _, endpoint := range in.Endpoints {
			if globsMatchAnyValue(c.Values, endpoint) {
				e.hitOrWarn(b, c, state, fmt.Sprintf("egress_blacklist:%s", endpoint), string(contracts.ReasonPolicyDenied), t0)
				return
			}
		}

	case basis.KindDataProtection:
		e.applyDataProtection(b, c, state, t0)

	case basis.KindCapabilityGate:
		required := c.Values
		if len(required) == 0 {
			required = in.RequestedCapabilities
		}
		e.checkCapabilities(ctx, in, b.PolicyID, required, c, state, t0)

	case basis.KindEscalationRequired:
		// Values narrow the trigger to particular tools or capabilities;
		// an empty list makes the requirement unconditional.
		if len(c.Values) > 0 && !anyValueMatches(c.Values, in.Tools) && !anyValueMatches(c.Values, in.RequestedCapabilities) {
			return
		}
		state.escalateConstraint = true
		if hint := approverHint(c.Parameters); hint != "" {
			state.approverHint = hint
		}
		state.entries = append(state.entries, constraintEntry(b.PolicyID, c, "escalate", t0))
	}
}

// hitOrWarn records the constraint outcome honoring its authored action: warn
// adds a warning and keeps evaluating, anything else denies.
func (e *Engine) hitOrWarn(b *basis.Bundle, c basis.Constraint, state *evalState, reason, denialCode string, t0 time.Time) {
	policyID := gateEntryID("")
	if b != nil {
		policyID = b.PolicyID
	}
	if c.Action == basis.ActionWarn {
		state.warnings = append(state.warnings, reason)
		state.entries = append(state.entries, constraintEntry(policyID, c, "warn", t0))
		return
	}
	state.entries = append(state.entries, constraintEntry(policyID, c, "block", t0))
	state.contributions = append(state.contributions, contribution{
		priority:   0,
		order:      state.nextOrder(),
		effect:     contracts.DecisionDeny,
		reason:     reason,
		denialCode: denialCode,
		policyID:   policyID,
	})
}

// applyDataProtection scans the working content with the constraint's
// pattern and blocks, warns, redacts, or masks per its action. Redact and
// mask rewrite the content in place so later constraints see the result.
func (e *Engine) applyDataProtection(b *basis.Bundle, c basis.Constraint, state *evalState, t0 time.Time) {
	if state.content == "" {
		return
	}
	name := c.NamedPattern
	if name == "" {
		name = c.ID
		if name == "" {
			name = "pattern"
		}
	}

	switch c.Action {
	case basis.ActionRedact, basis.ActionMask:
		rewritten, count, err := rewriteContent(c, state.content)
		if err != nil {
			// Bundle validation compiles patterns at load; reaching this
			// means a bundle bypassed the loader. Fail closed.
			state.warnings = append(state.warnings, fmt.Sprintf("data_protection:%s: %v", name, err))
			e.hitOrWarn(b, basis.Constraint{ID: c.ID, Kind: c.Kind, Action: basis.ActionBlock}, state, fmt.Sprintf("data_protection:%s", name), string(contracts.ReasonProhibitedPattern), t0)
			return
		}
		if count == 0 {
			return
		}
		state.content = rewritten
		state.modifications = append(state.modifications, contracts.Modification{Pattern: name, Count: count})
		state.entries = append(state.entries, constraintEntry(b.PolicyID, c, string(c.Action), t0))

	case basis.ActionWarn:
		count, err := countMatches(c, state.content)
		if err != nil || count == 0 {
			return
		}
		state.warnings = append(state.warnings, fmt.Sprintf("data_protection:%s", name))
		state.entries = append(state.entries, constraintEntry(b.PolicyID, c, "warn", t0))

	default: // block
		count, err := countMatches(c, state.content)
		if err != nil {
			state.warnings = append(state.warnings, fmt.Sprintf("data_protection:%s: %v", name, err))
			return
		}
		if count == 0 {
			return
		}
		e.hitOrWarn(b, c, state, fmt.Sprintf("data_protection:%s", name), string(contracts.ReasonProhibitedPattern), t0)
	}
}

func rewriteContent(c basis.Constraint, content string) (string, int, error) {
	if c.NamedPattern != "" {
		if c.Action == basis.ActionMask {
			masked, err := patterns.Mask(c.NamedPattern, content, 4)
			if err != nil {
				return "", 0, err
			}
			count, _ := countMatches(c, content)
			return masked, count, nil
		}
		return patterns.Redact(c.NamedPattern, content, patterns.DefaultReplacement)
	}

	re, err := patterns.Default.Compile(c.Pattern)
	if err != nil {
		return "", 0, err
	}
	count := len(re.FindAllStringIndex(content, -1))
	if count == 0 {
		return content, 0, nil
	}
	if c.Action == basis.ActionMask {
		return re.ReplaceAllStringFunc(content, func(m string) string {
			return maskTail(m, 4)
		}), count, nil
	}
	return re.ReplaceAllString(content, patterns.DefaultReplacement), count, nil
}

func countMatches(c basis.Constraint, content string) (int, error) {
	if c.NamedPattern != "" {
		spans, err := patterns.Match(c.NamedPattern, content)
		if err != nil {
			return 0, err
		}
		return len(spans), nil
	}
	re, err := patterns.Default.Compile(c.Pattern)
	if err != nil {
		return 0, err
	}
	return len(re.FindAllStringIndex(content, -1)), nil
}

func maskTail(s string, showLast int) string {
	runes := []rune(s)
	if len(runes) <= showLast {
		return s
	}
	masked := make([]rune, len(runes))
	for i := range runes {
		if i < len(runes)-showLast {
			masked[i] = '*'
		} else {
			masked[i] = runes[i]
		}
	}
	return string(masked)
}

// checkCapabilities runs the deny-if-missing gate through the trust service.
// A verdict with RequiresEscalation never denies here: escalation is the
// remedy, so the flag is recorded and combination proceeds. Each capability
// is checked at most once per evaluation.
func (e *Engine) checkCapabilities(ctx context.Context, in *contracts.Intent, policyID string, required []string, c basis.Constraint, state *evalState, t0 time.Time) {
	if len(required) == 0 {
		return
	}
	if state.checkedCaps == nil {
		state.checkedCaps = make(map[string]bool, len(required))
	}
	if e.caps == nil {
		state.warnings = append(state.warnings, "capability checker not configured; failing closed")
		e.hitOrWarn(nil, basis.Constraint{ID: c.ID, Kind: c.Kind, Action: basis.ActionBlock}, state, fmt.Sprintf("insufficient_capability:%s", required[0]), string(contracts.ReasonInsufficientCap), t0)
		return
	}

	for _, capability := range required {
		if state.checkedCaps[capability] {
			continue
		}
		state.checkedCaps[capability] = true

		verdict, err := e.caps.CheckCapability(ctx, in.Actor.ID, capability)
		if err != nil {
			state.warnings = append(state.warnings, fmt.Sprintf("capability check %s: %v", capability, err))
			e.hitOrWarn(nil, basis.Constraint{ID: c.ID, Kind: c.Kind, Action: basis.ActionBlock}, state, fmt.Sprintf("insufficient_capability:%s", capability), string(contracts.ReasonInsufficientCap), t0)
			return
		}
		if verdict.RequiresEscalation {
			state.escalateCapability = true
			if state.approverHint == "" {
				if hint := approverHint(c.Parameters); hint != "" {
					state.approverHint = hint
				}
			}
			state.entries = append(state.entries, contracts.PolicyAuditEntry{
				PolicyID:   gateEntryID(policyID),
				Name:       capability,
				Matched:    true,
				Effect:     "escalate",
				DurationMs: msSince(t0),
			})
			continue
		}
		if !verdict.Granted {
			code := verdict.Reason
			if code == "" {
				code = string(contracts.ReasonInsufficientCap)
			}
			e.hitOrWarn(nil, basis.Constraint{ID: c.ID, Kind: c.Kind, Action: basis.ActionBlock}, state, fmt.Sprintf("%s:%s", code, capability), code, t0)
			return
		}
	}
}

func constraintEntry(policyID string, c basis.Constraint, effect string, t0 time.Time) contracts.PolicyAuditEntry {
	name := string(c.Kind)
	if c.ID != "" {
		name = c.ID
	}
	return contracts.PolicyAuditEntry{
		PolicyID:   policyID,
		Name:       name,
		Matched:    true,
		Effect:     effect,
		DurationMs: msSince(t0),
	}
}

func gateEntryID(policyID string) string {
	if policyID == "" {
		return "capability_gate"
	}
	return policyID
}

func approverHint(params map[string]any) string {
	for _, key := range []string{"approver_hint", "approver"} {
		if v, ok := params[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// globsMatchAnyValue is the closed-list variant of globsMatchAny: an empty
// list matches nothing, which makes an empty whitelist deny everything.
func globsMatchAnyValue(globs []string, value string) bool {
	for _, g := range globs {
		if globMatch(g, value) {
			return true
		}
	}
	return false
}

func msSince(t0 time.Time) float64 {
	return float64(time.Since(t0).Microseconds()) / 1000.0
}
