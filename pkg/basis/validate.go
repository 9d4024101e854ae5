package basis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/basisworks/keel/pkg/patterns"
)

const bundleSchemaURL = "https://keel.schemas.local/basis-bundle.schema.json"

// bundleSchemaJSON is the structural contract for bundles. Closed sets
// (kinds, actions, severities) and cross-field rules (semver, policy_id
// shape, regex compilation) are enforced by the semantic pass in Validate;
// the schema gate keeps shapes and required keys honest.
const bundleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://keel.schemas.local/basis-bundle.schema.json",
  "type": "object",
  "required": ["basis_version", "policy_id", "metadata"],
  "additionalProperties": false,
  "properties": {
    "basis_version": {"type": "string"},
    "policy_id": {"type": "string"},
    "metadata": {
      "type": "object",
      "required": ["name", "version", "created_at"],
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "version": {"type": "string"},
        "created_at": {"type": "string", "format": "date-time"},
        "description": {"type": "string"}
      }
    },
    "constraints": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "action"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string"},
          "type": {"type": "string"},
          "action": {"type": "string"},
          "values": {"type": "array", "items": {"type": "string"}},
          "pattern": {"type": "string"},
          "named_pattern": {"type": "string"},
          "scope": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "trust_levels": {"type": "array", "items": {"type": "string"}},
              "roles": {"type": "array", "items": {"type": "string"}}
            }
          },
          "severity": {"type": "string"},
          "message": {"type": "string"},
          "enabled": {"type": "boolean"},
          "parameters": {"type": "object"}
        }
      }
    },
    "obligations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["trigger", "action"],
        "additionalProperties": false,
        "properties": {
          "trigger": {"type": "string", "minLength": 1},
          "action": {"type": "string", "minLength": 1},
          "parameters": {"type": "object"}
        }
      }
    }
  }
}`

var (
	bundleSchemaOnce sync.Once
	bundleSchema     *jsonschema.Schema
	bundleSchemaErr  error

	policyIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)
)

func compiledBundleSchema() (*jsonschema.Schema, error) {
	bundleSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(bundleSchemaURL, strings.NewReader(bundleSchemaJSON)); err != nil {
			bundleSchemaErr = fmt.Errorf("bundle schema load failed: %w", err)
			return
		}
		bundleSchema, bundleSchemaErr = c.Compile(bundleSchemaURL)
	})
	return bundleSchema, bundleSchemaErr
}

// ValidationIssue is one problem found in a bundle. Path is a JSON pointer
// into the document; Keyword names the failed check (schema keyword or one
// of the semantic keywords below).
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Keyword string `json:"keyword"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// Semantic keywords used alongside the JSON Schema vocabulary.
const (
	KeywordUnsupportedVersion = "unsupported_version"
	KeywordUnknownVariant     = "unknown_variant"
	KeywordPolicyID           = "policy_id"
	KeywordSemver             = "semver"
	KeywordPattern            = "pattern"
	KeywordNamedPattern       = "named_pattern"
	KeywordSeverity           = "severity"
)

// ErrorList aggregates validation issues and implements error.
type ErrorList []ValidationIssue

func (e ErrorList) Error() string {
	if len(e) == 0 {
		return "basis: no issues"
	}
	parts := make([]string, len(e))
	for i, issue := range e {
		parts[i] = issue.String()
	}
	return "basis: invalid bundle: " + strings.Join(parts, "; ")
}

// Validate checks b against the embedded JSON Schema and the semantic rules
// of the language: supported basis_version, policy_id shape, semver metadata
// version, closed constraint kinds and actions, named patterns registered in
// the library, and custom regexes that compile. A nil or empty return means
// the bundle is loadable; regex compilation here guarantees evaluation never
// sees an invalid pattern.
func Validate(b *Bundle) []ValidationIssue {
	if b == nil {
		return []ValidationIssue{{Path: "", Message: "bundle is nil", Keyword: "required"}}
	}

	var issues []ValidationIssue
	issues = append(issues, schemaIssues(b)...)

	if !SupportedVersions[b.BasisVersion] {
		issues = append(issues, ValidationIssue{
			Path:    "/basis_version",
			Message: fmt.Sprintf("unsupported basis_version %q (supported: 1.0, 1.1)", b.BasisVersion),
			Keyword: KeywordUnsupportedVersion,
		})
	}
	if n := len(b.PolicyID); n < 3 || n > 64 || !policyIDRe.MatchString(b.PolicyID) {
		issues = append(issues, ValidationIssue{
			Path:    "/policy_id",
			Message: fmt.Sprintf("policy_id %q must be lowercase-kebab, 3-64 chars", b.PolicyID),
			Keyword: KeywordPolicyID,
		})
	}
	if _, err := semver.StrictNewVersion(b.Metadata.Version); err != nil {
		issues = append(issues, ValidationIssue{
			Path:    "/metadata/version",
			Message: fmt.Sprintf("version %q is not semver: %v", b.Metadata.Version, err),
			Keyword: KeywordSemver,
		})
	}

	for i, c := range b.Constraints {
		base := fmt.Sprintf("/constraints/%d", i)
		if !ValidConstraintKind(c.Kind) {
			issues = append(issues, ValidationIssue{
				Path:    base + "/type",
				Message: fmt.Sprintf("unknown constraint type %q", c.Kind),
				Keyword: KeywordUnknownVariant,
			})
		}
		if !ValidConstraintAction(c.Action) {
			issues = append(issues, ValidationIssue{
				Path:    base + "/action",
				Message: fmt.Sprintf("unknown constraint action %q", c.Action),
				Keyword: KeywordUnknownVariant,
			})
		}
		if c.Pattern != "" {
			if _, err := patterns.Default.Compile(c.Pattern); err != nil {
				issues = append(issues, ValidationIssue{
					Path:    base + "/pattern",
					Message: fmt.Sprintf("pattern does not compile: %v", err),
					Keyword: KeywordPattern,
				})
			}
		}
		if c.NamedPattern != "" {
			if _, ok := patterns.Default.Lookup(c.NamedPattern); !ok {
				issues = append(issues, ValidationIssue{
					Path:    base + "/named_pattern",
					Message: fmt.Sprintf("named pattern %q is not registered", c.NamedPattern),
					Keyword: KeywordNamedPattern,
				})
			}
		}
		if c.Severity != "" && patterns.SeverityRank(patterns.Severity(c.Severity)) == 0 {
			issues = append(issues, ValidationIssue{
				Path:    base + "/severity",
				Message: fmt.Sprintf("unknown severity %q", c.Severity),
				Keyword: KeywordSeverity,
			})
		}
	}

	return issues
}

// schemaIssues validates the authored document (when Parse kept it) or the
// typed form against the embedded schema, flattening the cause tree into
// path/message/keyword issues.
func schemaIssues(b *Bundle) []ValidationIssue {
	schema, err := compiledBundleSchema()
	if err != nil {
		return []ValidationIssue{{Path: "", Message: err.Error(), Keyword: "schema"}}
	}

	doc := b.raw
	if doc == nil {
		marshalled, err := json.Marshal(b)
		if err != nil {
			return []ValidationIssue{{Path: "", Message: err.Error(), Keyword: "schema"}}
		}
		doc = marshalled
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return []ValidationIssue{{Path: "", Message: err.Error(), Keyword: "schema"}}
	}

	err = schema.Validate(generic)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []ValidationIssue{{Path: "", Message: err.Error(), Keyword: "schema"}}
	}
	return flattenSchemaError(ve)
}

func flattenSchemaError(ve *jsonschema.ValidationError) []ValidationIssue {
	if len(ve.Causes) == 0 {
		return []ValidationIssue{{
			Path:    ve.InstanceLocation,
			Message: ve.Message,
			Keyword: schemaKeyword(ve.KeywordLocation),
		}}
	}
	var issues []ValidationIssue
	for _, cause := range ve.Causes {
		issues = append(issues, flattenSchemaError(cause)...)
	}
	return issues
}

func schemaKeyword(keywordLocation string) string {
	if i := strings.LastIndexByte(keywordLocation, '/'); i >= 0 {
		return keywordLocation[i+1:]
	}
	return keywordLocation
}
