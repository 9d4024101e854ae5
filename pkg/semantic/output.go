package semantic

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/patterns"
)

// OutputConfig configures the output validator. Zero values mean: no schema
// gate, builtin patterns only, medium threshold, all endpoints allowed.
type OutputConfig struct {
	// AllowedSchemas accepts output matching any one schema, first match
	// wins. Empty skips the schema gate entirely.
	AllowedSchemas []json.RawMessage
	// ProhibitedPatterns are extra regexes scanned alongside the builtin
	// catalogue; they detect at severity high.
	ProhibitedPatterns []string
	// SeverityThreshold is the minimum severity that denies; detections
	// below it are ignored.
	SeverityThreshold patterns.Severity
	BlockedEndpoints  []string // globs, checked first
	AllowedEndpoints  []string // globs; empty allows everything not blocked
	// Library overrides the builtin pattern catalogue.
	Library *patterns.Library
}

type customPattern struct {
	name string
	re   *regexp.Regexp
}

// OutputValidator checks agent output against allowed schemas, prohibited
// patterns, and endpoint policy.
type OutputValidator struct {
	schemas   []*jsonschema.Schema
	custom    []customPattern
	threshold int
	blocked   []string
	allowed   []string
	lib       *patterns.Library
}

// OutputResult is the verdict for one output.
type OutputResult struct {
	Valid       bool                 `json:"valid"`
	Reason      string               `json:"reason,omitempty"`
	Code        contracts.ReasonCode `json:"code,omitempty"`
	SchemaIndex int                  `json:"schema_index"` // accepting schema, -1 when ungated
	Detections  []Detection          `json:"detections,omitempty"`
}

// Redaction is one pattern's replacement count from Sanitize.
type Redaction struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// NewOutputValidator compiles the configured schemas and custom patterns; any
// compile failure is a configuration error.
func NewOutputValidator(cfg OutputConfig) (*OutputValidator, error) {
	v := &OutputValidator{
		threshold: patterns.SeverityRank(cfg.SeverityThreshold),
		blocked:   cfg.BlockedEndpoints,
		allowed:   cfg.AllowedEndpoints,
		lib:       cfg.Library,
	}
	if v.threshold == 0 {
		v.threshold = patterns.SeverityRank(patterns.SeverityMedium)
	}
	if v.lib == nil {
		v.lib = patterns.Default
	}
	for i, raw := range cfg.AllowedSchemas {
		url := fmt.Sprintf("https://keel.schemas.local/output-schemas/%d.json", i)
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
			return nil, fmt.Errorf("semantic: output schema %d: %w", i, err)
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("semantic: output schema %d: %w", i, err)
		}
		v.schemas = append(v.schemas, sch)
	}
	for _, expr := range cfg.ProhibitedPatterns {
		re, err := v.lib.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("semantic: prohibited pattern %q: %w", expr, err)
		}
		v.custom = append(v.custom, customPattern{name: expr, re: re})
	}
	return v, nil
}

// urlRe extracts candidate URLs permissively; endpoint globs decide.
var urlRe = regexp.MustCompile(`https?://[^\s"'<>\\]+`)

// Validate serializes the output, gates it through the allowed schemas,
// scans for prohibited patterns at or above the threshold, and checks every
// embedded URL against endpoint policy.
func (v *OutputValidator) Validate(output any) OutputResult {
	res := OutputResult{Valid: true, SchemaIndex: -1}
	text := serializeOutput(output)

	if len(v.schemas) > 0 {
		idx, ok := v.schemaAccepts(text)
		if !ok {
			return OutputResult{
				Valid:       false,
				Reason:      "output_schema_mismatch",
				Code:        contracts.ReasonOutputSchemaMismatch,
				SchemaIndex: -1,
			}
		}
		res.SchemaIndex = idx
	}

	res.Detections = v.scan(text)
	for _, d := range res.Detections {
		if patterns.SeverityRank(d.Severity) >= v.threshold {
			res.Valid = false
			res.Reason = fmt.Sprintf("prohibited_pattern:%s", d.Pattern)
			res.Code = contracts.ReasonProhibitedPattern
			return res
		}
	}

	for _, url := range urlRe.FindAllString(text, -1) {
		if blocked, ok := v.endpointAllowed(url); !ok {
			res.Valid = false
			res.Reason = fmt.Sprintf("endpoint_blocked:%s", blocked)
			res.Code = contracts.ReasonProhibitedPattern
			return res
		}
	}
	return res
}

func (v *OutputValidator) schemaAccepts(text string) (int, bool) {
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return -1, false
	}
	for i, sch := range v.schemas {
		if sch.Validate(doc) == nil {
			return i, true
		}
	}
	return -1, false
}

func (v *OutputValidator) scan(text string) []Detection {
	var out []Detection
	for _, id := range v.lib.Names() {
		p, ok := v.lib.Lookup(id)
		if !ok {
			continue
		}
		for _, loc := range p.Regexp().FindAllStringIndex(text, -1) {
			out = append(out, Detection{
				Category: "prohibited-pattern",
				Pattern:  id,
				Severity: p.Severity,
				Start:    loc[0],
				End:      loc[1],
				Excerpt:  clipExcerpt(text[loc[0]:loc[1]]),
			})
		}
	}
	for _, c := range v.custom {
		for _, loc := range c.re.FindAllStringIndex(text, -1) {
			out = append(out, Detection{
				Category: "prohibited-pattern",
				Pattern:  c.name,
				Severity: patterns.SeverityHigh,
				Start:    loc[0],
				End:      loc[1],
				Excerpt:  clipExcerpt(text[loc[0]:loc[1]]),
			})
		}
	}
	return out
}

// CheckEndpoints applies block-then-allow policy to explicit endpoint lists
// (block wins; a non-empty allowlist admits only matches). Returns the first
// offending endpoint.
func (v *OutputValidator) CheckEndpoints(endpoints []string) (string, bool) {
	for _, ep := range endpoints {
		if blocked, ok := v.endpointAllowed(ep); !ok {
			return blocked, false
		}
	}
	return "", true
}

func (v *OutputValidator) endpointAllowed(url string) (string, bool) {
	if matchAnyGlob(v.blocked, url) {
		return url, false
	}
	if len(v.allowed) > 0 && !matchAnyGlob(v.allowed, url) {
		return url, false
	}
	return "", true
}

// Sanitize replaces every catalogue and custom-pattern match with
// [REDACTED] and reports per-pattern counts. Replacement text matches no
// pattern, so sanitizing twice is a no-op.
func (v *OutputValidator) Sanitize(text string) (string, []Redaction) {
	var log []Redaction
	for _, id := range v.lib.Names() {
		out, n, err := v.lib.Redact(id, text, patterns.DefaultReplacement)
		if err != nil || n == 0 {
			continue
		}
		text = out
		log = append(log, Redaction{Pattern: id, Count: n})
	}
	for _, c := range v.custom {
		n := len(c.re.FindAllStringIndex(text, -1))
		if n == 0 {
			continue
		}
		text = c.re.ReplaceAllString(text, patterns.DefaultReplacement)
		log = append(log, Redaction{Pattern: c.name, Count: n})
	}
	return text, log
}

// serializeOutput renders any output shape to the text form scanned by the
// validators. Strings pass through; everything else is JSON.
func serializeOutput(output any) string {
	switch o := output.(type) {
	case nil:
		return ""
	case string:
		return o
	case []byte:
		return string(o)
	}
	b, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(b)
}
