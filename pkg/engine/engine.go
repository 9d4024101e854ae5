// Package engine is the policy decision point: it evaluates one intent
// against the tenant's policy surface (runtime policies plus bundle
// constraints) under a configurable conflict-resolution strategy and returns
// a single combined result with a full audit trace.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basisworks/keel/pkg/basis"
	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/rules"
)

// Strategy decides how multiple matched effects combine.
type Strategy string

const (
	StrategyDenyOverrides  Strategy = "deny-overrides"
	StrategyAllowOverrides Strategy = "allow-overrides"
	StrategyFirstMatch     Strategy = "first-match"
	StrategyPriorityBased  Strategy = "priority-based"
)

// ValidStrategy reports whether s is a member of the closed strategy set.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyDenyOverrides, StrategyAllowOverrides, StrategyFirstMatch, StrategyPriorityBased:
		return true
	}
	return false
}

// Options select the combination behavior for one evaluation.
type Options struct {
	// Strategy defaults to deny-overrides, the fail-closed choice.
	Strategy Strategy
	// DefaultAction applies when nothing matched. Only allow or deny are
	// meaningful; anything else is coerced to deny.
	DefaultAction contracts.DecisionAction
	// MaxParallelism > 1 evaluates independent policies concurrently.
	// Contributions merge deterministically either way.
	MaxParallelism int
}

func (o Options) normalized() Options {
	if !ValidStrategy(o.Strategy) {
		o.Strategy = StrategyDenyOverrides
	}
	if o.DefaultAction != contracts.DecisionAllow {
		o.DefaultAction = contracts.DecisionDeny
	}
	if o.MaxParallelism < 1 {
		o.MaxParallelism = 1
	}
	return o
}

// CapabilityVerdict is the trust service's answer for one requested
// capability.
type CapabilityVerdict struct {
	Granted            bool
	Reason             string // insufficient_trust_tier, insufficient_capability, revoked
	RequiresEscalation bool
}

// CapabilityChecker resolves capability grants for an actor. Implemented by
// the trust service; nil checkers fail closed.
type CapabilityChecker interface {
	CheckCapability(ctx context.Context, entityID, requested string) (CapabilityVerdict, error)
}

// Input is the policy surface and actor context for one evaluation.
type Input struct {
	Policies    []basis.Policy
	Bundles     []*basis.Bundle
	ActorTier   string   // resolved tier name, consulted by constraint scopes
	ActorRoles  []string // consulted by constraint scopes
	Environment map[string]string
}

// EvaluationResult is the engine's combined verdict with its full trace.
type EvaluationResult struct {
	Action             contracts.DecisionAction
	Reason             string
	DenialCode         *string
	Permitted          bool
	RequiresEscalation bool
	ApproverHint       string

	MatchedPolicies []contracts.PolicyAuditEntry
	Obligations     []contracts.ObligationOutcome
	Modifications   []contracts.Modification
	// Content is the intent payload after redact/mask constraints ran.
	Content  string
	Warnings []string

	TotalDurationMs float64
	EvaluatedAt     time.Time
}

// Engine evaluates intents. Safe for concurrent use.
type Engine struct {
	caps        CapabilityChecker
	obligations *obligationEvaluator
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCapabilityChecker wires the trust service in for capability_gate
// constraints. Without one, every capability gate denies.
func WithCapabilityChecker(c CapabilityChecker) Option {
	return func(e *Engine) { e.caps = c }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New constructs an Engine. The CEL environment for obligation triggers is
// built once here; a failure is a config error.
func New(opts ...Option) (*Engine, error) {
	evaluator, err := newObligationEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		obligations: evaluator,
		logger:      slog.Default().With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// contribution is one matched effect awaiting strategy combination. Order is
// the declared position (constraints first, then policies); merges sort by
// (priority, order) so reruns are identical.
type contribution struct {
	priority   int
	order      int
	effect     contracts.DecisionAction // allow or deny
	reason     string
	denialCode string
	policyID   string
}

// Evaluate runs the full decision algorithm: bundle constraints in declared
// order, then enabled policies ascending by priority, then strategy
// combination, escalation conversion, and obligations. It is a pure function
// of (intent, input, options) apart from durations; rule errors mark rules
// unmatched and never abort the evaluation.
func (e *Engine) Evaluate(ctx context.Context, in *contracts.Intent, input Input, opts Options) (*EvaluationResult, error) {
	if in == nil {
		return nil, fmt.Errorf("engine: nil intent")
	}
	opts = opts.normalized()
	start := time.Now()

	ec := rules.ContextFor(in, input.Environment)
	state := &evalState{content: in.Content}

	// Step 0: requested capabilities gate through the trust service even
	// when no bundle carries an explicit capability_gate constraint.
	if len(in.RequestedCapabilities) > 0 {
		e.checkCapabilities(ctx, in, "", in.RequestedCapabilities, basis.Constraint{Kind: basis.KindCapabilityGate}, state, time.Now())
	}

	// Step 1: bundle constraints, declared order across bundles.
	for _, b := range input.Bundles {
		if opts.Strategy == StrategyDenyOverrides && state.hasDeny() {
			break
		}
		for _, c := range b.EnabledConstraints() {
			if !scopeMatches(c.Scope, input) {
				continue
			}
			e.applyConstraint(ctx, in, b, c, state)
			if opts.Strategy == StrategyDenyOverrides && state.hasDeny() {
				break
			}
		}
	}

	// Step 2: enabled policies ascending by priority (stable on declared
	// order), unless a deny already short-circuited the strategy.
	if !(opts.Strategy == StrategyDenyOverrides && state.hasDeny()) {
		e.evaluatePolicies(ctx, ec, in, input.Policies, opts, state)
	}

	// Step 3: combine.
	result := &EvaluationResult{
		MatchedPolicies: state.entries,
		Modifications:   state.modifications,
		Content:         state.content,
		Warnings:        state.warnings,
		EvaluatedAt:     time.Now().UTC(),
	}
	e.combine(result, state, opts)

	// Step 4: escalation converts allow, never deny.
	if result.Action == contracts.DecisionAllow && (state.escalateCapability || state.escalateConstraint) {
		result.Action = contracts.DecisionEscalate
		result.RequiresEscalation = true
		result.DenialCode = nil
		if state.escalateCapability {
			result.Reason = "capability_requires_escalation"
		} else {
			result.Reason = "escalation_required"
		}
		// The constraint's approver hint wins over any capability default.
		result.ApproverHint = state.approverHint
	}

	// Step 5: obligations evaluate against the same context regardless of
	// outcome; the caller discharges them only on permit.
	for _, b := range input.Bundles {
		outcomes, warnings := e.obligations.evaluate(ctx, b.Obligations, ec)
		result.Obligations = append(result.Obligations, outcomes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	result.Permitted = result.Action == contracts.DecisionAllow
	result.TotalDurationMs = float64(time.Since(start).Microseconds()) / 1000.0
	return result, nil
}

// evalState accumulates contributions and side effects during one run.
type evalState struct {
	contributions []contribution
	entries       []contracts.PolicyAuditEntry
	warnings      []string
	modifications []contracts.Modification
	content       string

	escalateCapability bool
	escalateConstraint bool
	approverHint       string
	checkedCaps        map[string]bool

	order int
}

func (s *evalState) nextOrder() int {
	s.order++
	return s.order
}

func (s *evalState) hasDeny() bool {
	for _, c := range s.contributions {
		if c.effect == contracts.DecisionDeny {
			return true
		}
	}
	return false
}

func (e *Engine) evaluatePolicies(ctx context.Context, ec rules.EvalContext, in *contracts.Intent, policies []basis.Policy, opts Options, state *evalState) {
	ordered := make([]basis.Policy, 0, len(policies))
	for _, p := range policies {
		if p.Enabled {
			ordered = append(ordered, p)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	type outcome struct {
		matched bool
		entry   contracts.PolicyAuditEntry
	}
	outcomes := make([]outcome, len(ordered))

	evalOne := func(i int) {
		p := ordered[i]
		if !preconditionsMatch(p.Conditions, in) {
			return
		}
		t0 := time.Now()
		matched, traces := rules.Evaluate(p.Rules, ec)
		outcomes[i] = outcome{
			matched: matched,
			entry: contracts.PolicyAuditEntry{
				PolicyID:   p.ID,
				Name:       p.Name,
				Priority:   p.Priority,
				Matched:    matched,
				Effect:     string(p.Effect),
				Rules:      traces,
				DurationMs: float64(time.Since(t0).Microseconds()) / 1000.0,
			},
		}
	}

	if opts.MaxParallelism > 1 && len(ordered) > 1 {
		sem := make(chan struct{}, opts.MaxParallelism)
		var wg sync.WaitGroup
		for i := range ordered {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				evalOne(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range ordered {
			evalOne(i)
			if opts.Strategy == StrategyDenyOverrides && outcomes[i].matched && ordered[i].Effect == basis.EffectDeny {
				break
			}
		}
	}

	// Merge in sort order so parallel runs are indistinguishable from
	// sequential ones.
	for i, out := range outcomes {
		if !out.matched {
			continue
		}
		p := ordered[i]
		state.entries = append(state.entries, out.entry)
		denialCode := ""
		reason := fmt.Sprintf("policy_allowed:%s", p.ID)
		if p.Effect == basis.EffectDeny {
			denialCode = string(contracts.ReasonPolicyDenied)
			reason = fmt.Sprintf("policy_denied:%s", p.ID)
		}
		state.contributions = append(state.contributions, contribution{
			priority:   p.Priority,
			order:      state.nextOrder(),
			effect:     effectToAction(p.Effect),
			reason:     reason,
			denialCode: denialCode,
			policyID:   p.ID,
		})
		if opts.Strategy == StrategyDenyOverrides && p.Effect == basis.EffectDeny {
			return
		}
	}
}

func effectToAction(e basis.Effect) contracts.DecisionAction {
	if e == basis.EffectAllow {
		return contracts.DecisionAllow
	}
	return contracts.DecisionDeny
}

// combine applies the conflict-resolution strategy over the accumulated
// contributions, already ordered by (priority, declared order).
func (e *Engine) combine(result *EvaluationResult, state *evalState, opts Options) {
	contribs := append([]contribution(nil), state.contributions...)
	sort.SliceStable(contribs, func(i, j int) bool {
		if contribs[i].priority != contribs[j].priority {
			return contribs[i].priority < contribs[j].priority
		}
		return contribs[i].order < contribs[j].order
	})

	if len(contribs) == 0 {
		result.Action = opts.DefaultAction
		result.Reason = "default_action"
		if opts.DefaultAction == contracts.DecisionDeny {
			result.DenialCode = strPtr(string(contracts.ReasonPolicyDenied))
		}
		return
	}

	var winner *contribution
	switch opts.Strategy {
	case StrategyDenyOverrides:
		winner = firstWithEffect(contribs, contracts.DecisionDeny)
		if winner == nil {
			winner = &contribs[0]
		}
	case StrategyAllowOverrides:
		winner = firstWithEffect(contribs, contracts.DecisionAllow)
		if winner == nil {
			winner = &contribs[0]
		}
	case StrategyFirstMatch, StrategyPriorityBased:
		// Both take the first contribution in (priority, declared) order;
		// first-match arrives pre-sorted the same way because policies are
		// evaluated ascending by priority.
		winner = &contribs[0]
	}

	result.Action = winner.effect
	result.Reason = winner.reason
	if winner.effect == contracts.DecisionDeny && winner.denialCode != "" {
		result.DenialCode = strPtr(winner.denialCode)
	}
}

func firstWithEffect(contribs []contribution, effect contracts.DecisionAction) *contribution {
	for i := range contribs {
		if contribs[i].effect == effect {
			return &contribs[i]
		}
	}
	return nil
}

// preconditionsMatch checks action/resource/intentType globs. Empty
// condition lists match everything; a trailing * is a prefix match.
func preconditionsMatch(c *basis.Conditions, in *contracts.Intent) bool {
	if c == nil {
		return true
	}
	if !globsMatchAny(c.IntentTypes, in.IntentType) {
		return false
	}
	if len(c.Actions) > 0 && !anyValueMatches(c.Actions, in.Tools) {
		return false
	}
	if len(c.Resources) > 0 && !anyValueMatches(c.Resources, in.Endpoints) {
		return false
	}
	return true
}

func globsMatchAny(globs []string, value string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if globMatch(g, value) {
			return true
		}
	}
	return false
}

func anyValueMatches(globs, values []string) bool {
	for _, v := range values {
		for _, g := range globs {
			if globMatch(g, v) {
				return true
			}
		}
	}
	return false
}

// globMatch supports exact equality and a single trailing *, which matches
// any suffix (including none).
func globMatch(glob, value string) bool {
	if glob == "*" {
		return true
	}
	if strings.HasSuffix(glob, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(glob, "*"))
	}
	return glob == value
}

func strPtr(s string) *string { return &s }
