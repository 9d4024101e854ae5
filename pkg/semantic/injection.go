package semantic

import (
	"regexp"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/basisworks/keel/pkg/patterns"
)

// Injection categories form a closed set; scanners report nothing outside it.
const (
	CategoryInstructionOverride    = "instruction-override"
	CategoryRoleManipulation       = "role-manipulation"
	CategoryDataExfiltration       = "data-exfiltration"
	CategoryPrivilegeEscalation    = "privilege-escalation"
	CategorySystemPromptExtraction = "system-prompt-extraction"
	CategoryJailbreak              = "jailbreak"
	CategoryHiddenInstructions     = "hidden-instructions"
	CategoryInstructionLike        = "instruction-like"
)

// Detection is one scanner hit. Start and End are byte offsets into the
// original (unfolded) input.
type Detection struct {
	Category string            `json:"category"`
	Pattern  string            `json:"pattern"`
	Severity patterns.Severity `json:"severity"`
	Start    int               `json:"start"`
	End      int               `json:"end"`
	Excerpt  string            `json:"excerpt,omitempty"`
}

type injectionPattern struct {
	category string
	name     string
	severity patterns.Severity
	re       *regexp.Regexp
}

var injectionCatalogue = []injectionPattern{
	{CategoryInstructionOverride, "ignore-previous", patterns.SeverityCritical,
		regexp.MustCompile(`(?i)\b(?:ignore|disregard|forget)\b[^.\n]{0,40}\b(?:previous|prior|above|earlier|all)\b[^.\n]{0,20}\b(?:instructions?|directives?|rules?|prompts?)\b`)},
	{CategoryInstructionOverride, "new-instructions", patterns.SeverityHigh,
		regexp.MustCompile(`(?i)\byour new (?:instructions?|task|objective) (?:is|are)\b`)},
	{CategoryInstructionOverride, "override-system", patterns.SeverityHigh,
		regexp.MustCompile(`(?i)\boverride\b[^.\n]{0,30}\b(?:system|safety|policy|policies)\b`)},

	{CategoryRoleManipulation, "you-are-now", patterns.SeverityHigh,
		regexp.MustCompile(`(?i)\byou are now\b`)},
	{CategoryRoleManipulation, "act-as", patterns.SeverityMedium,
		regexp.MustCompile(`(?i)\b(?:act|behave) as (?:if you|an?\b|the\b)`)},
	{CategoryRoleManipulation, "pretend", patterns.SeverityMedium,
		regexp.MustCompile(`(?i)\bpretend (?:to be|you are|you're)\b`)},

	{CategoryDataExfiltration, "send-secrets", patterns.SeverityCritical,
		regexp.MustCompile(`(?i)\b(?:send|post|upload|forward|exfiltrate)\b[^.\n]{0,40}\b(?:credentials?|secrets?|passwords?|api keys?|tokens?|environment variables?)\b`)},
	{CategoryDataExfiltration, "dump-data", patterns.SeverityCritical,
		regexp.MustCompile(`(?i)\b(?:dump|leak|expose)\b[^.\n]{0,30}\b(?:database|all (?:the )?data|user records?)\b`)},

	{CategoryPrivilegeEscalation, "grant-admin", patterns.SeverityCritical,
		regexp.MustCompile(`(?i)\bgrant\b[^.\n]{0,20}\b(?:admin|root|superuser|full access)\b`)},
	{CategoryPrivilegeEscalation, "disable-safety", patterns.SeverityCritical,
		regexp.MustCompile(`(?i)\b(?:disable|bypass|turn off)\b[^.\n]{0,30}\b(?:safety|security|guardrails?|filters?|restrictions?)\b`)},
	{CategoryPrivilegeEscalation, "elevate", patterns.SeverityHigh,
		regexp.MustCompile(`(?i)\b(?:escalate|elevate)\b[^.\n]{0,20}\bprivileges?\b`)},

	{CategorySystemPromptExtraction, "reveal-prompt", patterns.SeverityHigh,
		regexp.MustCompile(`(?i)\b(?:reveal|show|print|repeat|output|display)\b[^.\n]{0,30}\b(?:system prompt|initial instructions?|hidden (?:prompt|instructions?)|original instructions?)\b`)},
	{CategorySystemPromptExtraction, "ask-rules", patterns.SeverityMedium,
		regexp.MustCompile(`(?i)\bwhat (?:are|were) your (?:instructions?|rules|guidelines)\b`)},

	{CategoryJailbreak, "jailbreak", patterns.SeverityHigh,
		regexp.MustCompile(`(?i)\bjail\s?break\b`)},
	{CategoryJailbreak, "alternate-mode", patterns.SeverityHigh,
		regexp.MustCompile(`(?i)\b(?:dan|developer|god) mode\b`)},
	{CategoryJailbreak, "no-restrictions", patterns.SeverityHigh,
		regexp.MustCompile(`(?i)\bno longer (?:bound|restricted|limited) by\b`)},

	{CategoryHiddenInstructions, "zero-width", patterns.SeverityHigh,
		regexp.MustCompile("[\u200B\u200C\u200D\u2060\uFEFF]")},
	{CategoryHiddenInstructions, "comment-payload", patterns.SeverityMedium,
		regexp.MustCompile(`(?i)<!--[^>]{0,100}(?:instruction|command|execute|ignore)[^>]{0,100}-->`)},
	{CategoryHiddenInstructions, "base64-run", patterns.SeverityLow,
		regexp.MustCompile(`\b[A-Za-z0-9+/]{60,}={0,2}\b`)},
}

// instructionLike are the extra patterns the dual-channel enforcer applies to
// data-plane content: imperatives, shell commands, file and network verbs.
var instructionLike = []injectionPattern{
	{CategoryInstructionLike, "imperative", patterns.SeverityMedium,
		regexp.MustCompile(`(?i)\b(?:execute|run|delete|remove|install|download|launch|invoke)\b\s+(?:the\s+|this\s+|a\s+|all\s+)?[\w./-]+`)},
	{CategoryInstructionLike, "shell-command", patterns.SeverityHigh,
		regexp.MustCompile(`(?i)(?:\brm\s+-rf\b|\bchmod\b|\bchown\b|\bcurl\s+http|\bwget\s+http|\bpowershell\b|\bcmd\.exe\b|/bin/sh\b)`)},
	{CategoryInstructionLike, "file-operation", patterns.SeverityMedium,
		regexp.MustCompile(`(?i)\b(?:read|write|open|modify|append to|overwrite)\b[^.\n]{0,20}\bfiles?\b`)},
	{CategoryInstructionLike, "network-operation", patterns.SeverityMedium,
		regexp.MustCompile(`(?i)\bconnect (?:to|back to)\b|\bopen an? (?:socket|connection|tunnel)\b`)},
}

// foldNFKC normalizes each rune with NFKC and returns the folded string plus
// a map from every folded byte position back to the byte offset of the
// originating rune. Per-rune folding keeps the map exact for the confusable
// substitutions attackers use (fullwidth forms, ligatures); multi-rune
// compositions are out of scope.
func foldNFKC(s string) (string, []int) {
	var folded []byte
	offsets := make([]int, 0, len(s))
	for i, r := range s {
		f := norm.NFKC.String(string(r))
		folded = append(folded, f...)
		for j := 0; j < len(f); j++ {
			offsets = append(offsets, i)
		}
	}
	return string(folded), offsets
}

func scanWith(catalogue []injectionPattern, content string) []Detection {
	if content == "" {
		return nil
	}
	folded, offsets := foldNFKC(content)

	var out []Detection
	for _, p := range catalogue {
		for _, loc := range p.re.FindAllStringIndex(folded, -1) {
			start, end := mapSpan(content, offsets, loc[0], loc[1])
			out = append(out, Detection{
				Category: p.category,
				Pattern:  p.name,
				Severity: p.severity,
				Start:    start,
				End:      end,
				Excerpt:  clipExcerpt(content[start:end]),
			})
		}
	}
	return out
}

// mapSpan translates a [start,end) span in the folded string back to the
// original. When a match ends mid-rune the end snaps to the rune boundary.
func mapSpan(original string, offsets []int, start, end int) (int, int) {
	origStart := len(original)
	if start < len(offsets) {
		origStart = offsets[start]
	}
	origEnd := len(original)
	if end < len(offsets) {
		origEnd = offsets[end]
	}
	if origEnd <= origStart {
		_, size := utf8.DecodeRuneInString(original[origStart:])
		origEnd = origStart + size
	}
	return origStart, origEnd
}

func clipExcerpt(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ScanInjection scans content for the injection catalogue. Matching runs over
// the NFKC fold so homoglyph variants are caught; spans point into the
// original string.
func ScanInjection(content string) []Detection {
	return scanWith(injectionCatalogue, content)
}

// ScanDataPlane applies the instruction-like patterns plus the injection
// catalogue, the combined surface that data-channel content is held to.
func ScanDataPlane(content string) []Detection {
	out := scanWith(instructionLike, content)
	return append(out, scanWith(injectionCatalogue, content)...)
}

// MaxSeverity returns the highest severity among detections, or the empty
// severity when there are none.
func MaxSeverity(ds []Detection) patterns.Severity {
	var max patterns.Severity
	for _, d := range ds {
		if patterns.SeverityRank(d.Severity) > patterns.SeverityRank(max) {
			max = d.Severity
		}
	}
	return max
}
