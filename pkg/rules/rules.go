// Package rules evaluates policy rule groups against an intent evaluation
// context. Evaluation is pure: no I/O, no clock beyond per-rule duration
// stamps, and reruns over the same inputs yield identical match traces.
//
// Field paths are dot-separated and rooted at one of "intent", "context" or
// "environment". A missing segment resolves to Undefined, which compares
// unequal to every scalar; it never aborts evaluation.
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/patterns"
)

// Operator is a rule comparison operator.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
)

// ValidOperator reports membership in the closed operator set.
func ValidOperator(op Operator) bool {
	switch op {
	case OpEq, OpNe, OpGt, OpLt, OpGte, OpLte, OpIn, OpContains, OpMatches:
		return true
	}
	return false
}

// Logic combines the rules of a group.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// ValidLogic reports membership in the closed logic set.
func ValidLogic(l Logic) bool { return l == LogicAnd || l == LogicOr }

// Rule is a single field comparison.
type Rule struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// Group is an AND/OR tree of rules. Empty Logic means "and". A group with
// no rules and no subgroups never matches; absence of conditions is not
// consent.
type Group struct {
	Logic  Logic   `json:"logic,omitempty" yaml:"logic,omitempty"`
	Rules  []Rule  `json:"rules,omitempty" yaml:"rules,omitempty"`
	Groups []Group `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// Empty reports whether the group carries no rules at any depth.
func (g Group) Empty() bool {
	if len(g.Rules) > 0 {
		return false
	}
	for _, sub := range g.Groups {
		if !sub.Empty() {
			return false
		}
	}
	return true
}

// EvalContext is the value universe rules evaluate against.
type EvalContext struct {
	Intent      map[string]any
	Context     map[string]any
	Environment map[string]string
}

// ContextFor flattens an intent into the evaluation universe rules and
// obligation triggers see.
func ContextFor(in *contracts.Intent, env map[string]string) EvalContext {
	ec := EvalContext{
		Intent: map[string]any{
			"id":           in.ID,
			"tenant_id":    in.TenantID,
			"goal":         in.Goal,
			"intent_type":  in.IntentType,
			"tools":        toAnySlice(in.Tools),
			"endpoints":    toAnySlice(in.Endpoints),
			"content":      in.Content,
			"capabilities": toAnySlice(in.RequestedCapabilities),
			"actor": map[string]any{
				"id":   in.Actor.ID,
				"type": string(in.Actor.Type),
				"name": in.Actor.Name,
			},
		},
		Context:     in.Context,
		Environment: env,
	}
	if ec.Context == nil {
		ec.Context = map[string]any{}
	}
	if ec.Environment == nil {
		ec.Environment = map[string]string{}
	}
	return ec
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// undefined is the distinct missing-path value. It is unequal to every
// scalar and to itself under rule equality.
type undefined struct{}

// Undefined is what Resolve returns for a missing path.
var Undefined = undefined{}

func (undefined) String() string { return "<undefined>" }

// MarshalJSON renders the sentinel as a readable token in traces.
func (undefined) MarshalJSON() ([]byte, error) { return []byte(`"<undefined>"`), nil }

// Resolve walks a dot path against the context. The first segment selects
// the root map (intent, context, environment); anything else resolves
// against intent for backward compatibility with unrooted paths.
func Resolve(ec EvalContext, path string) any {
	segs := strings.Split(path, ".")
	if len(segs) == 0 || segs[0] == "" {
		return Undefined
	}
	var cur any
	switch segs[0] {
	case "intent":
		cur = ec.Intent
		segs = segs[1:]
	case "context":
		cur = ec.Context
		segs = segs[1:]
	case "environment":
		cur = stringMapToAny(ec.Environment)
		segs = segs[1:]
	default:
		cur = ec.Intent
	}
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return Undefined
		}
		next, ok := m[seg]
		if !ok {
			return Undefined
		}
		cur = next
	}
	if cur == nil {
		return Undefined
	}
	return cur
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Evaluate runs a group against the context and returns whether it matched
// plus the trace of every rule actually evaluated. AND stops at the first
// false, OR at the first true; short-circuited rules leave no trace.
func Evaluate(g Group, ec EvalContext) (bool, []contracts.RuleTrace) {
	logic := g.Logic
	if logic == "" {
		logic = LogicAnd
	}
	if !ValidLogic(logic) {
		return false, nil
	}
	if g.Empty() {
		return false, nil
	}

	var traces []contracts.RuleTrace
	switch logic {
	case LogicAnd:
		for _, r := range g.Rules {
			tr := evalRule(r, ec)
			traces = append(traces, tr)
			if !tr.Matched {
				return false, traces
			}
		}
		for _, sub := range g.Groups {
			ok, sts := Evaluate(sub, ec)
			traces = append(traces, sts...)
			if !ok {
				return false, traces
			}
		}
		return true, traces
	default: // LogicOr
		for _, r := range g.Rules {
			tr := evalRule(r, ec)
			traces = append(traces, tr)
			if tr.Matched {
				return true, traces
			}
		}
		for _, sub := range g.Groups {
			ok, sts := Evaluate(sub, ec)
			traces = append(traces, sts...)
			if ok {
				return true, traces
			}
		}
		return false, traces
	}
}

func evalRule(r Rule, ec EvalContext) contracts.RuleTrace {
	start := time.Now()
	actual := Resolve(ec, r.Field)
	tr := contracts.RuleTrace{
		Field:    r.Field,
		Operator: string(r.Operator),
		Expected: r.Value,
		Actual:   actual,
	}

	switch r.Operator {
	case OpEq:
		tr.Matched = looseEqual(actual, r.Value)
	case OpNe:
		tr.Matched = !looseEqual(actual, r.Value)
	case OpGt, OpLt, OpGte, OpLte:
		tr.Matched, tr.Error = compareNumeric(r.Operator, actual, r.Value)
	case OpIn:
		tr.Matched, tr.Error = evalIn(actual, r.Value)
	case OpContains:
		tr.Matched, tr.Error = evalContains(actual, r.Value)
	case OpMatches:
		tr.Matched, tr.Error = evalMatches(actual, r.Value)
	default:
		tr.Error = fmt.Sprintf("unknown operator %q", r.Operator)
	}

	tr.DurationMs = float64(time.Since(start).Nanoseconds()) / 1e6
	return tr
}

// looseEqual compares scalars with numeric cross-type equality (an int in
// config equals the float64 JSON decoding produces) and strict equality
// everywhere else. Undefined equals nothing.
func looseEqual(a, b any) bool {
	if _, miss := a.(undefined); miss {
		return false
	}
	if _, miss := b.(undefined); miss {
		return false
	}
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return as == bs
	}
	ab, aBool := a.(bool)
	bb, bBool := b.(bool)
	if aBool && bBool {
		return ab == bb
	}
	return false
}

func compareNumeric(op Operator, actual, expected any) (bool, string) {
	if _, miss := actual.(undefined); miss {
		return false, "field undefined"
	}
	af, ok := toFloat(actual)
	if !ok {
		return false, fmt.Sprintf("%s requires numeric operands, got %T", op, actual)
	}
	ef, ok := toFloat(expected)
	if !ok {
		return false, fmt.Sprintf("%s requires numeric operands, got %T", op, expected)
	}
	switch op {
	case OpGt:
		return af > ef, ""
	case OpLt:
		return af < ef, ""
	case OpGte:
		return af >= ef, ""
	default:
		return af <= ef, ""
	}
}

func evalIn(actual, expected any) (bool, string) {
	arr, ok := toAnyArray(expected)
	if !ok {
		return false, fmt.Sprintf("in requires an array value, got %T", expected)
	}
	for _, item := range arr {
		if looseEqual(actual, item) {
			return true, ""
		}
	}
	return false, ""
}

func evalContains(actual, expected any) (bool, string) {
	switch av := actual.(type) {
	case undefined:
		return false, "field undefined"
	case string:
		es, ok := expected.(string)
		if !ok {
			return false, fmt.Sprintf("contains over a string requires a string value, got %T", expected)
		}
		return strings.Contains(av, es), ""
	default:
		arr, ok := toAnyArray(actual)
		if !ok {
			return false, fmt.Sprintf("contains requires a string or array field, got %T", actual)
		}
		for _, item := range arr {
			if looseEqual(item, expected) {
				return true, ""
			}
		}
		return false, ""
	}
}

func evalMatches(actual, expected any) (bool, string) {
	expr, ok := expected.(string)
	if !ok {
		return false, fmt.Sprintf("matches requires a string pattern, got %T", expected)
	}
	str, ok := actual.(string)
	if !ok {
		if _, miss := actual.(undefined); miss {
			return false, "field undefined"
		}
		return false, fmt.Sprintf("matches requires a string field, got %T", actual)
	}
	re, err := patterns.Default.Compile(expr)
	if err != nil {
		return false, fmt.Sprintf("invalid pattern: %v", err)
	}
	return re.MatchString(str), ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toAnyArray(v any) ([]any, bool) {
	switch arr := v.(type) {
	case []any:
		return arr, true
	case []string:
		out := make([]any, len(arr))
		for i, s := range arr {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(arr))
		for i, n := range arr {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(arr))
		for i, n := range arr {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}
