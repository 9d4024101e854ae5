// Package basis defines the BASIS policy language: versioned declarative
// bundles of constraints and obligations, plus the runtime Policy form the
// governance engine evaluates. Bundles are authored offline in YAML or JSON,
// parsed once, validated against an embedded JSON Schema plus semantic checks,
// and cached keyed by (tenant, policy_id, version).
package basis

import (
	"time"

	"github.com/basisworks/keel/pkg/rules"
)

// Supported basis_version values. Anything else fails validation with
// unsupported_version.
var SupportedVersions = map[string]bool{
	"1.0": true,
	"1.1": true,
}

// ConstraintKind is the closed set of constraint discriminators. Unknown
// kinds are an unknown_variant validation error, never a silent fallthrough.
type ConstraintKind string

const (
	KindToolRestriction    ConstraintKind = "tool_restriction"
	KindEgressWhitelist    ConstraintKind = "egress_whitelist"
	KindEgressBlacklist    ConstraintKind = "egress_blacklist"
	KindDataProtection     ConstraintKind = "data_protection"
	KindCapabilityGate     ConstraintKind = "capability_gate"
	KindEscalationRequired ConstraintKind = "escalation_required"
)

// ValidConstraintKind reports whether k is a member of the closed kind set.
func ValidConstraintKind(k ConstraintKind) bool {
	switch k {
	case KindToolRestriction, KindEgressWhitelist, KindEgressBlacklist,
		KindDataProtection, KindCapabilityGate, KindEscalationRequired:
		return true
	}
	return false
}

// ConstraintAction is what a matched constraint does to the intent.
type ConstraintAction string

const (
	ActionBlock  ConstraintAction = "block"
	ActionWarn   ConstraintAction = "warn"
	ActionRedact ConstraintAction = "redact"
	ActionMask   ConstraintAction = "mask"
)

// ValidConstraintAction reports whether a is a member of the closed action set.
func ValidConstraintAction(a ConstraintAction) bool {
	switch a {
	case ActionBlock, ActionWarn, ActionRedact, ActionMask:
		return true
	}
	return false
}

// Scope narrows a constraint to particular trust levels or roles. An empty
// scope applies to everyone.
type Scope struct {
	TrustLevels []string `json:"trust_levels,omitempty" yaml:"trust_levels,omitempty"`
	Roles       []string `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// Constraint is one declarative restriction inside a bundle. The wire
// discriminator key is "type" to match the authored format.
type Constraint struct {
	ID           string           `json:"id,omitempty" yaml:"id,omitempty"`
	Kind         ConstraintKind   `json:"type" yaml:"type"`
	Action       ConstraintAction `json:"action" yaml:"action"`
	Values       []string         `json:"values,omitempty" yaml:"values,omitempty"`
	Pattern      string           `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	NamedPattern string           `json:"named_pattern,omitempty" yaml:"named_pattern,omitempty"`
	Scope        *Scope           `json:"scope,omitempty" yaml:"scope,omitempty"`
	Severity     string           `json:"severity,omitempty" yaml:"severity,omitempty"`
	Message      string           `json:"message,omitempty" yaml:"message,omitempty"`
	Enabled      *bool            `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Parameters   map[string]any   `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// IsEnabled treats a missing enabled flag as true.
func (c Constraint) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

/// Obligation is a side requirement attached to a decision: when the trigger
// expression evaluates true against the intent context, the engine attaches
// {action, parameters} to the result for the caller to discharge.
type Obligation struct {
	Trigger    string         `json:"trigger" yaml:"trigger"`
	Action     string         `json:"action" yaml:"action"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Metadata carries the human-facing identity of a bundle. Version is semver.
type Metadata struct {
	Name        string    `json:"name" yaml:"name"`
	Version     string    `json:"version" yaml:"version"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Bundle is a parsed BASIS policy bundle. Immutable after Parse; updates
// are new versions, never edits.
type Bundle struct {
	BasisVersion string       `json:"basis_version" yaml:"basis_version"`
	PolicyID     string       `json:"policy_id" yaml:"policy_id"`
	Metadata     Metadata     `json:"metadata" yaml:"metadata"`
	Constraints  []Constraint `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Obligations  []Obligation `json:"obligations,omitempty" yaml:"obligations,omitempty"`

	// raw is the normalized JSON document Parse decoded from, kept so
	// Validate can check the authored shape (unknown keys included) rather
	// than the lossy typed form. Nil for bundles constructed in code.
	raw []byte
}

// EnabledConstraints returns the constraints that participate in evaluation,
// in declared order.
func (b *Bundle) EnabledConstraints() []Constraint {
	out := make([]Constraint, 0, len(b.Constraints))
	for _, c := range b.Constraints {
		if c.IsEnabled() {
			out = append(out, c)
		}
	}
	return out
}

// Effect is a runtime policy verdict.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// ValidEffect reports whether e is allow or deny.
func ValidEffect(e Effect) bool {
	return e == EffectAllow || e == EffectDeny
}

// Conditions are precondition globs a policy must pass before its rule group
// runs. A trailing * matches any suffix; empty lists match everything.
type Conditions struct {
	Actions     []string `json:"actions,omitempty" yaml:"actions,omitempty"`
	Resources   []string `json:"resources,omitempty" yaml:"resources,omitempty"`
	IntentTypes []string `json:"intent_types,omitempty" yaml:"intent_types,omitempty"`
}

// Policy is the runtime evaluation unit, distinct from a bundle entry: a
// prioritized rule group with an allow/deny effect. Lower priority wins
// priority-based conflicts.
type Policy struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenant_id,omitempty"`
	BundleID   string      `json:"bundle_id,omitempty"`
	Name       string      `json:"name"`
	Priority   int         `json:"priority"`
	Effect     Effect      `json:"effect"`
	Rules      rules.Group `json:"rules"`
	Conditions *Conditions `json:"conditions,omitempty"`
	Enabled    bool        `json:"enabled"`
	CreatedAt  time.Time   `json:"created_at,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at,omitempty"`
}
