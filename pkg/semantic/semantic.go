// Package semantic validates the meaning of agent interactions, not just
// their shape: approved instructions, output schemas and secrets, inference
// scope, untrusted context, and control/data channel separation. Validators
// are CPU-bound and deterministic; the service sequences them under
// per-validator budgets and fails closed on overrun.
package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/patterns"
)

// Default validator budgets. Pre-action checks sit on the request path, so
// their budgets are tight; post-action checks may chew on large outputs.
const (
	DefaultPreValidatorBudget  = 100 * time.Millisecond
	DefaultPreTotalBudget      = 500 * time.Millisecond
	DefaultPostValidatorBudget = 200 * time.Millisecond
	DefaultPostTotalBudget     = 2 * time.Second
)

// Config assembles all five validators plus the budget knobs.
type Config struct {
	Instruction InstructionConfig
	Output      OutputConfig
	Inference   InferenceConfig
	Context     ContextConfig
	DualChannel DualChannelConfig

	PreValidatorBudget  time.Duration
	PreTotalBudget      time.Duration
	PostValidatorBudget time.Duration
	PostTotalBudget     time.Duration
}

// CheckResult is the outcome of one phase (pre- or post-action).
type CheckResult struct {
	Valid    bool                 `json:"valid"`
	Reason   string               `json:"reason,omitempty"`
	Code     contracts.ReasonCode `json:"code,omitempty"`
	Warnings []string             `json:"warnings,omitempty"`

	Detections  []Detection       `json:"detections,omitempty"`
	MaxSeverity patterns.Severity `json:"max_severity,omitempty"`

	// InstructionHash is always computed when an instruction was present,
	// valid or not, so rejections can be audited.
	InstructionHash string  `json:"instruction_hash,omitempty"`
	Channel         Channel `json:"channel,omitempty"`
	// Content carries rewritten content: the post-dual-channel message in
	// the pre phase, the sanitized output in the post phase.
	Content    string      `json:"content,omitempty"`
	Redactions []Redaction `json:"redactions,omitempty"`

	DurationMs float64 `json:"duration_ms"`
}

// InteractionResult composes both phases.
type InteractionResult struct {
	Valid      bool                 `json:"valid"`
	Reason     string               `json:"reason,omitempty"`
	Code       contracts.ReasonCode `json:"code,omitempty"`
	Pre        *CheckResult         `json:"pre,omitempty"`
	Post       *CheckResult         `json:"post,omitempty"`
	DurationMs float64              `json:"duration_ms"`
}

// Service sequences the validators. Safe for concurrent use.
type Service struct {
	instruction *InstructionValidator
	output      *OutputValidator
	inference   *InferenceValidator
	contexts    *ContextValidator
	dual        *DualChannelEnforcer
	creds       *CredentialCache
	logger      *slog.Logger

	preBudget, preCap   time.Duration
	postBudget, postCap time.Duration
}

// ServiceOption configures optional collaborators.
type ServiceOption func(*Service)

// WithCredentialCache attaches the DID-keyed credential cache.
func WithCredentialCache(c *CredentialCache) ServiceOption {
	return func(s *Service) { s.creds = c }
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService compiles every validator's configuration up front; compile
// failures are configuration errors.
func NewService(cfg Config, opts ...ServiceOption) (*Service, error) {
	instruction, err := NewInstructionValidator(cfg.Instruction)
	if err != nil {
		return nil, err
	}
	output, err := NewOutputValidator(cfg.Output)
	if err != nil {
		return nil, err
	}

	s := &Service{
		instruction: instruction,
		output:      output,
		inference:   NewInferenceValidator(cfg.Inference),
		contexts:    NewContextValidator(cfg.Context),
		dual:        NewDualChannelEnforcer(cfg.DualChannel),
		logger:      slog.Default().With("component", "semantic"),
		preBudget:   durationOr(cfg.PreValidatorBudget, DefaultPreValidatorBudget),
		preCap:      durationOr(cfg.PreTotalBudget, DefaultPreTotalBudget),
		postBudget:  durationOr(cfg.PostValidatorBudget, DefaultPostValidatorBudget),
		postCap:     durationOr(cfg.PostTotalBudget, DefaultPostTotalBudget),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// Credentials exposes the attached credential cache, nil when none is wired.
func (s *Service) Credentials() *CredentialCache { return s.creds }

// runStep runs one CPU-bound validator under its budget. Validators do not
// poll the context; overruns are detected when they return.
func runStep(ctx context.Context, budget time.Duration, fn func()) error {
	stepCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	fn()
	return stepCtx.Err()
}

// PreActionCheck runs the pre-action sequence: channel classification and
// enforcement, instruction approval, context item validation, declared
// inference ops. The first failure short-circuits.
func (s *Service) PreActionCheck(ctx context.Context, agent contracts.AgentIdentity, ia *contracts.AgentInteraction) *CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.preCap)
	defer cancel()

	res := &CheckResult{Valid: true}
	finish := func() *CheckResult {
		res.DurationMs = msSinceStart(start)
		return res
	}
	fail := func(reason string, code contracts.ReasonCode) *CheckResult {
		res.Valid = false
		res.Reason = reason
		res.Code = code
		return finish()
	}

	if ia.Message != nil {
		var dr DualChannelResult
		if err := runStep(ctx, s.preBudget, func() { dr = s.dual.Enforce(*ia.Message) }); err != nil {
			return fail("timeout", contracts.ReasonTimeout)
		}
		res.Channel = dr.Channel
		res.Content = dr.Content
		res.Warnings = append(res.Warnings, dr.Warnings...)
		res.Detections = append(res.Detections, dr.Detections...)
		if !dr.Allowed {
			res.MaxSeverity = MaxSeverity(res.Detections)
			return fail(dr.Reason, dr.Code)
		}
	}

	if ia.Instruction != "" {
		var ir InstructionResult
		if err := runStep(ctx, s.preBudget, func() {
			ir = s.instruction.Validate(ia.Instruction, messageSource(ia), ia.InstructionSignature)
		}); err != nil {
			return fail("timeout", contracts.ReasonTimeout)
		}
		res.InstructionHash = ir.Hash
		if !ir.Valid {
			return fail(ir.Reason, contracts.ReasonInstructionNotApproved)
		}
	}

	for _, item := range ia.ContextItems {
		var cr ContextResult
		if err := runStep(ctx, s.preBudget, func() { cr = s.contexts.ValidateItem(item, time.Now()) }); err != nil {
			return fail("timeout", contracts.ReasonTimeout)
		}
		res.Detections = append(res.Detections, cr.Detections...)
		if patterns.SeverityRank(cr.MaxSeverity) > patterns.SeverityRank(res.MaxSeverity) {
			res.MaxSeverity = cr.MaxSeverity
		}
		if !cr.Valid {
			return fail(cr.Reason, cr.Code)
		}
	}

	for _, op := range ia.Inferences {
		var ir InferenceResult
		if err := runStep(ctx, s.preBudget, func() { ir = s.inference.ValidateOp(op) }); err != nil {
			return fail("timeout", contracts.ReasonTimeout)
		}
		if !ir.Valid {
			return fail(ir.Reason, ir.Code)
		}
	}

	res.MaxSeverity = MaxSeverity(res.Detections)
	return finish()
}

// PostActionCheck validates what the agent actually produced: output schema
// and prohibited patterns, endpoints, derived knowledge. When the phase
// passes with warnings, Content carries a sanitized rendition of the output.
func (s *Service) PostActionCheck(ctx context.Context, agent contracts.AgentIdentity, rec *contracts.ActionRecord) *CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.postCap)
	defer cancel()

	res := &CheckResult{Valid: true}
	finish := func() *CheckResult {
		res.DurationMs = msSinceStart(start)
		return res
	}
	fail := func(reason string, code contracts.ReasonCode) *CheckResult {
		res.Valid = false
		res.Reason = reason
		res.Code = code
		return finish()
	}
	if rec == nil {
		return finish()
	}

	var or OutputResult
	if err := runStep(ctx, s.postBudget, func() { or = s.output.Validate(rec.Output) }); err != nil {
		return fail("timeout", contracts.ReasonTimeout)
	}
	res.Detections = append(res.Detections, or.Detections...)
	if !or.Valid {
		res.MaxSeverity = MaxSeverity(res.Detections)
		return fail(or.Reason, or.Code)
	}
	for _, d := range or.Detections {
		res.Warnings = append(res.Warnings, fmt.Sprintf("output_detection:%s", d.Pattern))
	}

	if len(rec.Endpoints) > 0 {
		var blocked string
		var ok bool
		if err := runStep(ctx, s.postBudget, func() { blocked, ok = s.output.CheckEndpoints(rec.Endpoints) }); err != nil {
			return fail("timeout", contracts.ReasonTimeout)
		}
		if !ok {
			return fail(fmt.Sprintf("endpoint_blocked:%s", blocked), contracts.ReasonProhibitedPattern)
		}
	}

	for _, dk := range rec.DerivedKnowledge {
		var ir InferenceResult
		if err := runStep(ctx, s.postBudget, func() { ir = s.inference.ValidateDerived(dk) }); err != nil {
			return fail("timeout", contracts.ReasonTimeout)
		}
		res.Warnings = append(res.Warnings, ir.Warnings...)
		res.Detections = append(res.Detections, ir.PIIFindings...)
		if !ir.Valid {
			res.MaxSeverity = MaxSeverity(res.Detections)
			return fail(ir.Reason, ir.Code)
		}
	}

	if len(res.Warnings) > 0 {
		sanitized, log := s.output.Sanitize(serializeOutput(rec.Output))
		res.Content = sanitized
		res.Redactions = log
	}
	res.MaxSeverity = MaxSeverity(res.Detections)
	return finish()
}

// ValidateInteraction runs both phases and composes the verdict.
func (s *Service) ValidateInteraction(ctx context.Context, ia *contracts.AgentInteraction, rec *contracts.ActionRecord) *InteractionResult {
	start := time.Now()

	pre := s.PreActionCheck(ctx, ia.Agent, ia)
	out := &InteractionResult{Valid: pre.Valid, Reason: pre.Reason, Code: pre.Code, Pre: pre}
	if pre.Valid && rec != nil {
		post := s.PostActionCheck(ctx, ia.Agent, rec)
		out.Post = post
		if !post.Valid {
			out.Valid = false
			out.Reason = post.Reason
			out.Code = post.Code
		}
	}
	out.DurationMs = msSinceStart(start)
	return out
}

func messageSource(ia *contracts.AgentInteraction) string {
	if ia.Message != nil {
		return ia.Message.Source
	}
	return ""
}

func msSinceStart(t0 time.Time) float64 {
	return float64(time.Since(t0).Microseconds()) / 1000.0
}

// matchGlob matches with * as a multi-character wildcard anywhere in the
// pattern. Compiled forms are cached; an empty pattern matches nothing.
func matchGlob(pattern, value string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}
	re, err := globRegexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

func matchAnyGlob(globs []string, value string) bool {
	for _, g := range globs {
		if matchGlob(g, value) {
			return true
		}
	}
	return false
}

var (
	globMu    sync.RWMutex
	globCache = map[string]*regexp.Regexp{}
)

func globRegexp(pattern string) (*regexp.Regexp, error) {
	globMu.RLock()
	re, ok := globCache[pattern]
	globMu.RUnlock()
	if ok {
		return re, nil
	}

	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}

	globMu.Lock()
	globCache[pattern] = re
	globMu.Unlock()
	return re, nil
}
