package semantic

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TrustedInstruction is a pre-approved instruction identified by the hash of
// its normalized form.
type TrustedInstruction struct {
	ID   string `json:"id" yaml:"id"`
	Hash string `json:"hash" yaml:"hash"` // sha256:<hex>
}

// InstructionTemplate is a parameterized approved instruction. {{name}}
// segments in the description become extraction slots; ParamsSchema, when
// present, validates the extracted values.
type InstructionTemplate struct {
	ID           string          `json:"id" yaml:"id"`
	Description  string          `json:"description" yaml:"description"`
	ParamsSchema json.RawMessage `json:"params_schema,omitempty" yaml:"params_schema,omitempty"`
}

// SignedSource admits instructions arriving from a matching source, with an
// optional ed25519 signature requirement over the raw instruction bytes.
type SignedSource struct {
	Pattern          string            `json:"pattern" yaml:"pattern"`
	RequireSignature bool              `json:"require_signature" yaml:"require_signature"`
	PublicKey        ed25519.PublicKey `json:"-" yaml:"-"`
}

// InstructionConfig configures the instruction validator.
type InstructionConfig struct {
	Trusted   []TrustedInstruction
	Templates []InstructionTemplate
	Sources   []SignedSource
	// MinConfidence rejects template matches covering less than this share
	// of the input. Zero accepts any match.
	MinConfidence float64
}

// InstructionResult reports which path approved the instruction, or the
// computed hash when none did.
type InstructionResult struct {
	Valid      bool           `json:"valid"`
	Method     string         `json:"method,omitempty"` // hash, template, signed_source
	TrustedID  string         `json:"trusted_id,omitempty"`
	TemplateID string         `json:"template_id,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Hash       string         `json:"hash"`
	Reason     string         `json:"reason,omitempty"`
}

// NormalizeInstruction canonicalizes an instruction for hashing: lowercase,
// collapse whitespace runs, strip non-ASCII-printable, trim.
func NormalizeInstruction(s string) string {
	s = strings.ToLower(s)
	s = wsRun.ReplaceAllString(s, " ")
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

var wsRun = regexp.MustCompile(`\s+`)

// InstructionHash is the sha256:-prefixed hex digest of the normalized form.
func InstructionHash(s string) string {
	sum := sha256.Sum256([]byte(NormalizeInstruction(s)))
	return "sha256:" + hex.EncodeToString(sum[:])
}

type compiledTemplate struct {
	id     string
	re     *regexp.Regexp
	schema *jsonschema.Schema
}

// InstructionValidator approves instructions by exact hash, template match,
// or signed source, in that order.
type InstructionValidator struct {
	hashes        map[string]string // hash -> trusted id
	templates     []compiledTemplate
	sources       []SignedSource
	minConfidence float64
}

var templateSlot = regexp.MustCompile(`\{\{([a-zA-Z0-9_]+)\}\}`)

// NewInstructionValidator compiles templates and their parameter schemas up
// front; a template that does not compile is a configuration error.
func NewInstructionValidator(cfg InstructionConfig) (*InstructionValidator, error) {
	v := &InstructionValidator{
		hashes:        make(map[string]string, len(cfg.Trusted)),
		sources:       cfg.Sources,
		minConfidence: cfg.MinConfidence,
	}
	for _, t := range cfg.Trusted {
		v.hashes[t.Hash] = t.ID
	}
	for _, t := range cfg.Templates {
		re, err := compileTemplate(t.Description)
		if err != nil {
			return nil, fmt.Errorf("semantic: template %s: %w", t.ID, err)
		}
		ct := compiledTemplate{id: t.ID, re: re}
		if len(t.ParamsSchema) > 0 {
			url := fmt.Sprintf("https://keel.schemas.local/instruction-templates/%s.json", t.ID)
			compiler := jsonschema.NewCompiler()
			if err := compiler.AddResource(url, strings.NewReader(string(t.ParamsSchema))); err != nil {
				return nil, fmt.Errorf("semantic: template %s schema: %w", t.ID, err)
			}
			sch, err := compiler.Compile(url)
			if err != nil {
				return nil, fmt.Errorf("semantic: template %s schema: %w", t.ID, err)
			}
			ct.schema = sch
		}
		v.templates = append(v.templates, ct)
	}
	return v, nil
}

// compileTemplate turns a template description into a regex over normalized
// instructions: literal segments match exactly (whitespace runs flexible),
// {{name}} segments become named captures. Interior slots are non-greedy so
// the following literal bounds them; a trailing slot is greedy so it captures
// the whole tail instead of a single character.
func compileTemplate(description string) (*regexp.Regexp, error) {
	desc := strings.ToLower(strings.TrimSpace(description))
	locs := templateSlot.FindAllStringSubmatchIndex(desc, -1)
	var b strings.Builder
	last := 0
	for i, loc := range locs {
		b.WriteString(literalPattern(desc[last:loc[0]]))
		name := desc[loc[2]:loc[3]]
		if i == len(locs)-1 && strings.TrimSpace(desc[loc[1]:]) == "" {
			fmt.Fprintf(&b, `(?P<%s>.+)`, name)
		} else {
			fmt.Fprintf(&b, `(?P<%s>.+?)`, name)
		}
		last = loc[1]
	}
	b.WriteString(literalPattern(desc[last:]))
	return regexp.Compile(b.String())
}

func literalPattern(lit string) string {
	lit = wsRun.ReplaceAllString(lit, " ")
	quoted := regexp.QuoteMeta(lit)
	return strings.ReplaceAll(quoted, " ", `\s+`)
}

// Validate tries each approval path in order. The hash of the normalized
// instruction is always returned so rejections can be audited.
func (v *InstructionValidator) Validate(instruction, source, signature string) InstructionResult {
	hash := InstructionHash(instruction)

	if id, ok := v.hashes[hash]; ok {
		return InstructionResult{Valid: true, Method: "hash", TrustedID: id, Hash: hash}
	}

	normalized := NormalizeInstruction(instruction)
	if len(normalized) > 0 {
		for _, t := range v.templates {
			loc := t.re.FindStringSubmatchIndex(normalized)
			if loc == nil {
				continue
			}
			params := extractParams(t.re, normalized, loc)
			if t.schema != nil {
				if err := t.schema.Validate(toSchemaDoc(params)); err != nil {
					continue
				}
			}
			confidence := float64(loc[1]-loc[0]) / float64(len(normalized))
			if v.minConfidence > 0 && confidence < v.minConfidence {
				continue
			}
			return InstructionResult{
				Valid:      true,
				Method:     "template",
				TemplateID: t.id,
				Confidence: confidence,
				Params:     params,
				Hash:       hash,
			}
		}
	}

	for _, src := range v.sources {
		if !matchGlob(src.Pattern, source) {
			continue
		}
		if !src.RequireSignature {
			return InstructionResult{Valid: true, Method: "signed_source", Hash: hash}
		}
		sig, err := base64.StdEncoding.DecodeString(signature)
		if err != nil || len(src.PublicKey) != ed25519.PublicKeySize {
			continue
		}
		if ed25519.Verify(src.PublicKey, []byte(instruction), sig) {
			return InstructionResult{Valid: true, Method: "signed_source", Hash: hash}
		}
	}

	return InstructionResult{Valid: false, Hash: hash, Reason: "instruction_not_approved"}
}

func extractParams(re *regexp.Regexp, input string, loc []int) map[string]any {
	names := re.SubexpNames()
	params := make(map[string]any)
	for i, name := range names {
		if i == 0 || name == "" {
			continue
		}
		if 2*i+1 < len(loc) && loc[2*i] >= 0 {
			params[name] = strings.TrimSpace(input[loc[2*i]:loc[2*i+1]])
		}
	}
	return params
}

// toSchemaDoc converts extracted params to the generic decoded-JSON shape the
// schema validator expects.
func toSchemaDoc(params map[string]any) any {
	doc := make(map[string]any, len(params))
	for k, v := range params {
		doc[k] = v
	}
	return doc
}
