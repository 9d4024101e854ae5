package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/basisworks/keel/pkg/basis"
	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/rules"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func testIntent() *contracts.Intent {
	return &contracts.Intent{
		ID:         "intent-1",
		TenantID:   "tenant-a",
		Actor:      contracts.Actor{Type: contracts.ActorAgent, ID: "agent-7"},
		Goal:       "summarize quarterly documents",
		IntentType: "analysis",
		Tools:      []string{"file_read"},
	}
}

func tenantRule() rules.Group {
	return rules.Group{Rules: []rules.Rule{
		{Field: "intent.tenant_id", Operator: rules.OpEq, Value: "tenant-a"},
	}}
}

func policy(id string, priority int, effect basis.Effect) basis.Policy {
	return basis.Policy{
		ID:       id,
		TenantID: "tenant-a",
		Name:     id,
		Priority: priority,
		Effect:   effect,
		Rules:    tenantRule(),
		Enabled:  true,
	}
}

func constraintBundle(cs ...basis.Constraint) *basis.Bundle {
	return &basis.Bundle{
		BasisVersion: "1.0",
		PolicyID:     "test-bundle",
		Metadata:     basis.Metadata{Name: "test", Version: "1.0.0"},
		Constraints:  cs,
	}
}

func allowByDefault() Options {
	return Options{Strategy: StrategyDenyOverrides, DefaultAction: contracts.DecisionAllow}
}

type fakeChecker struct {
	verdicts map[string]CapabilityVerdict
	err      error
}

func (f *fakeChecker) CheckCapability(_ context.Context, _, requested string) (CapabilityVerdict, error) {
	if f.err != nil {
		return CapabilityVerdict{}, f.err
	}
	if v, ok := f.verdicts[requested]; ok {
		return v, nil
	}
	return CapabilityVerdict{Granted: true}, nil
}

func TestEvaluateDefaultAction(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.Evaluate(context.Background(), testIntent(), Input{}, Options{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionDeny {
		t.Errorf("empty surface under default options: action = %s, want deny", res.Action)
	}
	if res.Reason != "default_action" {
		t.Errorf("reason = %q, want default_action", res.Reason)
	}
	if res.DenialCode == nil || *res.DenialCode != string(contracts.ReasonPolicyDenied) {
		t.Errorf("denial code = %v, want policy_denied", res.DenialCode)
	}
	if res.Permitted {
		t.Error("Permitted = true for a deny")
	}

	res, err = e.Evaluate(context.Background(), testIntent(), Input{}, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionAllow || !res.Permitted {
		t.Errorf("default allow: action = %s permitted = %v", res.Action, res.Permitted)
	}
	if res.DenialCode != nil {
		t.Errorf("allow carries denial code %q", *res.DenialCode)
	}
}

func TestEvaluateStrategies(t *testing.T) {
	e := newTestEngine(t)
	input := Input{Policies: []basis.Policy{
		policy("p-allow", 10, basis.EffectAllow),
		policy("p-deny", 20, basis.EffectDeny),
	}}

	cases := []struct {
		strategy Strategy
		want     contracts.DecisionAction
		reason   string
	}{
		{StrategyDenyOverrides, contracts.DecisionDeny, "policy_denied:p-deny"},
		{StrategyAllowOverrides, contracts.DecisionAllow, "policy_allowed:p-allow"},
		{StrategyFirstMatch, contracts.DecisionAllow, "policy_allowed:p-allow"},
		{StrategyPriorityBased, contracts.DecisionAllow, "policy_allowed:p-allow"},
	}
	for _, tc := range cases {
		res, err := e.Evaluate(context.Background(), testIntent(), input, Options{Strategy: tc.strategy})
		if err != nil {
			t.Fatalf("%s: Evaluate: %v", tc.strategy, err)
		}
		if res.Action != tc.want {
			t.Errorf("%s: action = %s, want %s", tc.strategy, res.Action, tc.want)
		}
		if res.Reason != tc.reason {
			t.Errorf("%s: reason = %q, want %q", tc.strategy, res.Reason, tc.reason)
		}
	}
}

func TestEvaluatePriorityOrdersContributions(t *testing.T) {
	e := newTestEngine(t)
	// The lower-priority deny should win first-match even when declared last.
	input := Input{Policies: []basis.Policy{
		policy("p-allow", 50, basis.EffectAllow),
		policy("p-deny", 5, basis.EffectDeny),
	}}

	res, err := e.Evaluate(context.Background(), testIntent(), input, Options{Strategy: StrategyFirstMatch})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionDeny || res.Reason != "policy_denied:p-deny" {
		t.Errorf("first-match over (5 deny, 50 allow): got %s %q", res.Action, res.Reason)
	}
}

func TestEvaluateSkipsDisabledAndUnmatchedPreconditions(t *testing.T) {
	e := newTestEngine(t)

	disabled := policy("p-disabled", 1, basis.EffectDeny)
	disabled.Enabled = false

	scoped := policy("p-deploy-only", 2, basis.EffectDeny)
	scoped.Conditions = &basis.Conditions{IntentTypes: []string{"deploy*"}}

	toolScoped := policy("p-shell-only", 3, basis.EffectDeny)
	toolScoped.Conditions = &basis.Conditions{Actions: []string{"shell_*"}}

	input := Input{Policies: []basis.Policy{disabled, scoped, toolScoped}}
	res, err := e.Evaluate(context.Background(), testIntent(), input, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionAllow {
		t.Fatalf("action = %s, want allow (no policy should have applied)", res.Action)
	}
	if len(res.MatchedPolicies) != 0 {
		t.Errorf("matched policies = %d, want 0", len(res.MatchedPolicies))
	}
}

func TestEvaluateToolRestriction(t *testing.T) {
	e := newTestEngine(t)
	in := testIntent()
	in.Tools = []string{"shell_execute"}
	input := Input{Bundles: []*basis.Bundle{constraintBundle(basis.Constraint{
		Kind:   basis.KindToolRestriction,
		Action: basis.ActionBlock,
		Values: []string{"shell_execute", "file_delete"},
	})}}

	res, err := e.Evaluate(context.Background(), in, input, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionDeny {
		t.Fatalf("action = %s, want deny", res.Action)
	}
	if res.Reason != "tool_restriction:shell_execute" {
		t.Errorf("reason = %q", res.Reason)
	}
	if res.DenialCode == nil || *res.DenialCode != string(contracts.ReasonPolicyDenied) {
		t.Errorf("denial code = %v", res.DenialCode)
	}

	// The same constraint with action warn lets the intent through.
	input.Bundles[0].Constraints[0].Action = basis.ActionWarn
	res, err = e.Evaluate(context.Background(), in, input, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionAllow {
		t.Errorf("warn action: got %s, want allow", res.Action)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != "tool_restriction:shell_execute" {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestEvaluateEgressConstraints(t *testing.T) {
	e := newTestEngine(t)

	in := testIntent()
	in.Endpoints = []string{"https://api.internal.example/v1", "https://evil.example/exfil"}

	whitelist := Input{Bundles: []*basis.Bundle{constraintBundle(basis.Constraint{
		Kind:   basis.KindEgressWhitelist,
		Action: basis.ActionBlock,
		Values: []string{"https://api.internal.example/*"},
	})}}
	res, err := e.Evaluate(context.Background(), in, whitelist, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionDeny || res.Reason != "egress_whitelist:https://evil.example/exfil" {
		t.Errorf("whitelist: got %s %q", res.Action, res.Reason)
	}

	blacklist := Input{Bundles: []*basis.Bundle{constraintBundle(basis.Constraint{
		Kind:   basis.KindEgressBlacklist,
		Action: basis.ActionBlock,
		Values: []string{"https://evil.example/*"},
	})}}
	res, err = e.Evaluate(context.Background(), in, blacklist, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionDeny || res.Reason != "egress_blacklist:https://evil.example/exfil" {
		t.Errorf("blacklist: got %s %q", res.Action, res.Reason)
	}

	// Endpoints inside the whitelist pass.
	in.Endpoints = []string{"https://api.internal.example/v1"}
	res, err = e.Evaluate(context.Background(), in, whitelist, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionAllow {
		t.Errorf("in-whitelist endpoint: got %s, want allow", res.Action)
	}
}

func TestEvaluateDataProtectionRedact(t *testing.T) {
	e := newTestEngine(t)
	in := testIntent()
	in.Content = "User SSN is 123-45-6789"

	input := Input{Bundles: []*basis.Bundle{constraintBundle(basis.Constraint{
		Kind:         basis.KindDataProtection,
		Action:       basis.ActionRedact,
		NamedPattern: "ssn_us",
	})}}
	res, err := e.Evaluate(context.Background(), in, input, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionAllow {
		t.Fatalf("action = %s, want allow", res.Action)
	}
	if res.Content != "User SSN is [REDACTED]" {
		t.Errorf("content = %q", res.Content)
	}
	want := []contracts.Modification{{Pattern: "ssn_us", Count: 1}}
	if !reflect.DeepEqual(res.Modifications, want) {
		t.Errorf("modifications = %+v, want %+v", res.Modifications, want)
	}
	// Original intent content is untouched.
	if in.Content != "User SSN is 123-45-6789" {
		t.Errorf("intent content mutated: %q", in.Content)
	}
}

func TestEvaluateDataProtectionBlock(t *testing.T) {
	e := newTestEngine(t)
	in := testIntent()
	in.Content = `config: api_key = "sk_live_abcdef1234567890"`

	input := Input{Bundles: []*basis.Bundle{constraintBundle(basis.Constraint{
		Kind:         basis.KindDataProtection,
		Action:       basis.ActionBlock,
		NamedPattern: "api_key",
	})}}
	res, err := e.Evaluate(context.Background(), in, input, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionDeny {
		t.Fatalf("action = %s, want deny", res.Action)
	}
	if res.Reason != "data_protection:api_key" {
		t.Errorf("reason = %q", res.Reason)
	}
	if res.DenialCode == nil || *res.DenialCode != string(contracts.ReasonProhibitedPattern) {
		t.Errorf("denial code = %v, want prohibited_pattern", res.DenialCode)
	}
}

func TestEvaluateDataProtectionChain(t *testing.T) {
	e := newTestEngine(t)
	in := testIntent()
	in.Content = "SSN 123-45-6789 mail bob@example.com"

	input := Input{Bundles: []*basis.Bundle{constraintBundle(
		basis.Constraint{Kind: basis.KindDataProtection, Action: basis.ActionRedact, NamedPattern: "ssn_us"},
		basis.Constraint{Kind: basis.KindDataProtection, Action: basis.ActionRedact, NamedPattern: "email"},
	)}}
	res, err := e.Evaluate(context.Background(), in, input, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Content != "SSN [REDACTED] mail [REDACTED]" {
		t.Errorf("content = %q", res.Content)
	}
	if len(res.Modifications) != 2 {
		t.Fatalf("modifications = %+v", res.Modifications)
	}
}

func TestEvaluateCapabilityGate(t *testing.T) {
	checker := &fakeChecker{verdicts: map[string]CapabilityVerdict{
		"payments:execute/high": {Granted: false, Reason: "insufficient_trust_tier"},
	}}
	e := newTestEngine(t, WithCapabilityChecker(checker))

	in := testIntent()
	in.RequestedCapabilities = []string{"payments:execute/high"}

	res, err := e.Evaluate(context.Background(), in, Input{}, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionDeny {
		t.Fatalf("action = %s, want deny", res.Action)
	}
	if res.Reason != "insufficient_trust_tier:payments:execute/high" {
		t.Errorf("reason = %q", res.Reason)
	}
	if res.DenialCode == nil || *res.DenialCode != "insufficient_trust_tier" {
		t.Errorf("denial code = %v", res.DenialCode)
	}

	// Granted capabilities pass through.
	in.RequestedCapabilities = []string{"docs:read"}
	res, err = e.Evaluate(context.Background(), in, Input{}, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionAllow {
		t.Errorf("granted capability: got %s, want allow", res.Action)
	}
}

func TestEvaluateCapabilityGateFailsClosedWithoutChecker(t *testing.T) {
	e := newTestEngine(t)
	in := testIntent()
	in.RequestedCapabilities = []string{"payments:execute/high"}

	res, err := e.Evaluate(context.Background(), in, Input{}, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionDeny {
		t.Fatalf("no checker: action = %s, want deny", res.Action)
	}
	if res.DenialCode == nil || *res.DenialCode != string(contracts.ReasonInsufficientCap) {
		t.Errorf("denial code = %v", res.DenialCode)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a warning about the missing checker")
	}
}

func TestEvaluateCapabilityGateCheckerError(t *testing.T) {
	e := newTestEngine(t, WithCapabilityChecker(&fakeChecker{err: errors.New("trust store down")}))
	in := testIntent()
	in.RequestedCapabilities = []string{"docs:read"}

	res, err := e.Evaluate(context.Background(), in, Input{}, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionDeny {
		t.Fatalf("checker error: action = %s, want deny", res.Action)
	}
	if res.DenialCode == nil || *res.DenialCode != string(contracts.ReasonInsufficientCap) {
		t.Errorf("denial code = %v", res.DenialCode)
	}
}

func TestEvaluateCapabilityEscalation(t *testing.T) {
	checker := &fakeChecker{verdicts: map[string]CapabilityVerdict{
		"financial:transaction/high": {Granted: false, Reason: "insufficient_trust_tier", RequiresEscalation: true},
	}}
	e := newTestEngine(t, WithCapabilityChecker(checker))

	in := testIntent()
	in.RequestedCapabilities = []string{"financial:transaction/high"}

	res, err := e.Evaluate(context.Background(), in, Input{}, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionEscalate {
		t.Fatalf("action = %s, want escalate", res.Action)
	}
	if !res.RequiresEscalation {
		t.Error("RequiresEscalation = false")
	}
	if res.Reason != "capability_requires_escalation" {
		t.Errorf("reason = %q", res.Reason)
	}
	if res.DenialCode != nil {
		t.Errorf("escalate carries denial code %q", *res.DenialCode)
	}
	if res.Permitted {
		t.Error("escalate must not be permitted")
	}
}

func TestEvaluateEscalationRequiredConstraint(t *testing.T) {
	e := newTestEngine(t)
	in := testIntent()
	in.Tools = []string{"deploy_production"}

	input := Input{Bundles: []*basis.Bundle{constraintBundle(basis.Constraint{
		Kind:       basis.KindEscalationRequired,
		Action:     basis.ActionBlock,
		Values:     []string{"deploy_*"},
		Parameters: map[string]any{"approver_hint": "release-managers"},
	})}}

	res, err := e.Evaluate(context.Background(), in, input, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionEscalate {
		t.Fatalf("action = %s, want escalate", res.Action)
	}
	if res.Reason != "escalation_required" {
		t.Errorf("reason = %q", res.Reason)
	}
	if res.ApproverHint != "release-managers" {
		t.Errorf("approver hint = %q", res.ApproverHint)
	}

	// Tools outside the value set do not trigger the requirement.
	in.Tools = []string{"file_read"}
	res, err = e.Evaluate(context.Background(), in, input, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionAllow {
		t.Errorf("unscoped tool: got %s, want allow", res.Action)
	}
}

func TestEvaluateEscalationNeverConvertsDeny(t *testing.T) {
	e := newTestEngine(t)
	in := testIntent()
	in.Tools = []string{"shell_execute"}

	input := Input{Bundles: []*basis.Bundle{constraintBundle(
		basis.Constraint{Kind: basis.KindEscalationRequired, Action: basis.ActionBlock},
		basis.Constraint{Kind: basis.KindToolRestriction, Action: basis.ActionBlock, Values: []string{"shell_execute"}},
	)}}

	res, err := e.Evaluate(context.Background(), in, input, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionDeny {
		t.Fatalf("action = %s, want deny (escalation must not rescue a deny)", res.Action)
	}
	if res.RequiresEscalation {
		t.Error("RequiresEscalation = true on a deny")
	}
}

func TestEvaluateConstraintScope(t *testing.T) {
	e := newTestEngine(t)
	in := testIntent()
	in.Tools = []string{"shell_execute"}

	bundle := constraintBundle(basis.Constraint{
		Kind:   basis.KindToolRestriction,
		Action: basis.ActionBlock,
		Values: []string{"shell_execute"},
		Scope:  &basis.Scope{TrustLevels: []string{"untrusted", "basic"}},
	})

	// Actor above the scoped tiers is not restricted.
	res, err := e.Evaluate(context.Background(), in, Input{Bundles: []*basis.Bundle{bundle}, ActorTier: "trusted"}, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionAllow {
		t.Errorf("out-of-scope tier: got %s, want allow", res.Action)
	}

	res, err = e.Evaluate(context.Background(), in, Input{Bundles: []*basis.Bundle{bundle}, ActorTier: "basic"}, allowByDefault())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Action != contracts.DecisionDeny {
		t.Errorf("in-scope tier: got %s, want deny", res.Action)
	}
}

func TestEvaluateParallelMatchesSequential(t *testing.T) {
	e := newTestEngine(t)
	policies := []basis.Policy{
		policy("p-a", 10, basis.EffectAllow),
		policy("p-b", 20, basis.EffectAllow),
		policy("p-c", 30, basis.EffectAllow),
		policy("p-d", 40, basis.EffectAllow),
		policy("p-e", 50, basis.EffectAllow),
	}
	in := testIntent()

	seq, err := e.Evaluate(context.Background(), in, Input{Policies: policies}, Options{Strategy: StrategyFirstMatch, MaxParallelism: 1})
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	par, err := e.Evaluate(context.Background(), in, Input{Policies: policies}, Options{Strategy: StrategyFirstMatch, MaxParallelism: 4})
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}

	if seq.Action != par.Action || seq.Reason != par.Reason {
		t.Errorf("parallel diverged: %s %q vs %s %q", seq.Action, seq.Reason, par.Action, par.Reason)
	}
	if len(seq.MatchedPolicies) != len(par.MatchedPolicies) {
		t.Fatalf("entry counts differ: %d vs %d", len(seq.MatchedPolicies), len(par.MatchedPolicies))
	}
	for i := range seq.MatchedPolicies {
		if seq.MatchedPolicies[i].PolicyID != par.MatchedPolicies[i].PolicyID {
			t.Errorf("entry %d: %s vs %s", i, seq.MatchedPolicies[i].PolicyID, par.MatchedPolicies[i].PolicyID)
		}
	}
}

func TestEvaluateMatchedPolicyTrace(t *testing.T) {
	e := newTestEngine(t)
	input := Input{Policies: []basis.Policy{policy("p-allow", 10, basis.EffectAllow)}}

	res, err := e.Evaluate(context.Background(), testIntent(), input, Options{Strategy: StrategyDenyOverrides})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.MatchedPolicies) != 1 {
		t.Fatalf("matched = %+v", res.MatchedPolicies)
	}
	entry := res.MatchedPolicies[0]
	if entry.PolicyID != "p-allow" || !entry.Matched || entry.Effect != "allow" {
		t.Errorf("entry = %+v", entry)
	}
	if len(entry.Rules) != 1 || entry.Rules[0].Field != "intent.tenant_id" {
		t.Errorf("rule traces = %+v", entry.Rules)
	}
}
