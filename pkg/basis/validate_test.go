package basis

import (
	"strings"
	"testing"
	"time"
)

func validBundle() *Bundle {
	return &Bundle{
		BasisVersion: "1.0",
		PolicyID:     "baseline-tools",
		Metadata: Metadata{
			Name:      "Baseline",
			Version:   "1.0.0",
			CreatedAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		},
		Constraints: []Constraint{
			{Kind: KindToolRestriction, Action: ActionBlock, Values: []string{"shell_execute"}},
			{Kind: KindDataProtection, Action: ActionRedact, NamedPattern: "ssn_us", Severity: "high"},
		},
		Obligations: []Obligation{
			{Trigger: `intent.goal != ""`, Action: "notify"},
		},
	}
}

func issueFor(issues []ValidationIssue, keyword string) *ValidationIssue {
	for i := range issues {
		if issues[i].Keyword == keyword {
			return &issues[i]
		}
	}
	return nil
}

func TestValidateAcceptsWellFormedBundle(t *testing.T) {
	if issues := Validate(validBundle()); len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", ErrorList(issues))
	}
}

func TestValidateUnsupportedVersion(t *testing.T) {
	b := validBundle()
	b.BasisVersion = "2.0"
	issues := Validate(b)
	issue := issueFor(issues, KeywordUnsupportedVersion)
	if issue == nil {
		t.Fatalf("missing unsupported_version issue: %v", issues)
	}
	if issue.Path != "/basis_version" {
		t.Errorf("path = %q", issue.Path)
	}
}

func TestValidatePolicyID(t *testing.T) {
	for _, bad := range []string{"ab", "-leading", "trailing-", "UPPER-case", "has_underscore", strings.Repeat("a", 65)} {
		b := validBundle()
		b.PolicyID = bad
		if issueFor(Validate(b), KeywordPolicyID) == nil {
			t.Errorf("policy_id %q should be rejected", bad)
		}
	}
	for _, good := range []string{"abc", "a-b", "policy-01", strings.Repeat("a", 64)} {
		b := validBundle()
		b.PolicyID = good
		if issueFor(Validate(b), KeywordPolicyID) != nil {
			t.Errorf("policy_id %q should be accepted", good)
		}
	}
}

func TestValidateSemver(t *testing.T) {
	for _, bad := range []string{"", "1.0", "v1.0.0", "1.0.0.0", "one.two.three"} {
		b := validBundle()
		b.Metadata.Version = bad
		if issueFor(Validate(b), KeywordSemver) == nil {
			t.Errorf("version %q should be rejected", bad)
		}
	}
	b := validBundle()
	b.Metadata.Version = "2.1.3-rc.1"
	if issueFor(Validate(b), KeywordSemver) != nil {
		t.Error("prerelease semver should be accepted")
	}
}

func TestValidateClosedSets(t *testing.T) {
	b := validBundle()
	b.Constraints = append(b.Constraints, Constraint{Kind: "firewall", Action: ActionBlock})
	issues := Validate(b)
	issue := issueFor(issues, KeywordUnknownVariant)
	if issue == nil {
		t.Fatalf("unknown kind must be unknown_variant: %v", issues)
	}
	if issue.Path != "/constraints/2/type" {
		t.Errorf("path = %q", issue.Path)
	}

	b = validBundle()
	b.Constraints[0].Action = "explode"
	if issueFor(Validate(b), KeywordUnknownVariant) == nil {
		t.Error("unknown action must be unknown_variant")
	}
}

func TestValidatePatterns(t *testing.T) {
	b := validBundle()
	b.Constraints[1].Pattern = "(["
	if issueFor(Validate(b), KeywordPattern) == nil {
		t.Error("invalid regex must fail load")
	}

	b = validBundle()
	b.Constraints[1].NamedPattern = "no_such_pattern"
	if issueFor(Validate(b), KeywordNamedPattern) == nil {
		t.Error("unregistered named pattern must fail load")
	}

	b = validBundle()
	b.Constraints[1].Severity = "catastrophic"
	if issueFor(Validate(b), KeywordSeverity) == nil {
		t.Error("unknown severity must fail load")
	}
}

func TestValidateAuthoredShape(t *testing.T) {
	// Unknown keys in the authored document surface as schema issues with a
	// path, not parse errors.
	doc := `{
	  "basis_version": "1.0",
	  "policy_id": "abc-def",
	  "metadata": {"name": "n", "version": "1.0.0", "created_at": "2025-01-01T00:00:00Z"},
	  "surprise": true
	}`
	b, err := Parse([]byte(doc), FormatJSON)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	issues := Validate(b)
	if issueFor(issues, "additionalProperties") == nil {
		t.Fatalf("unknown key should produce an additionalProperties issue: %v", issues)
	}

	// Missing obligation trigger is a schema issue too.
	doc = `{
	  "basis_version": "1.0",
	  "policy_id": "abc-def",
	  "metadata": {"name": "n", "version": "1.0.0", "created_at": "2025-01-01T00:00:00Z"},
	  "obligations": [{"action": "notify"}]
	}`
	b, err = Parse([]byte(doc), FormatJSON)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if issueFor(Validate(b), "required") == nil {
		t.Error("missing trigger should produce a required issue")
	}
}

func TestErrorListMessage(t *testing.T) {
	issues := ErrorList{
		{Path: "/basis_version", Message: "unsupported", Keyword: KeywordUnsupportedVersion},
		{Path: "/policy_id", Message: "bad shape", Keyword: KeywordPolicyID},
	}
	msg := issues.Error()
	if !strings.Contains(msg, "/basis_version: unsupported") || !strings.Contains(msg, "/policy_id: bad shape") {
		t.Errorf("message = %q", msg)
	}
	if ErrorList(nil).Error() == "" {
		t.Error("empty list still formats")
	}
}
