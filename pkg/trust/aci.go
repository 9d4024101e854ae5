package trust

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/basisworks/keel/pkg/tiers"
)

// ACI is a parsed agent capability identifier, the coordinate an agent
// presents when registering or delegating:
//
//	acme.finance.payments:OPERATOR-L3-T4@1.2.0#approve,read
//
// Domain is the dotted org.unit.service triple, Role the authority class,
// Level the clearance rung (0..5), Tier the trust tier the identity claims,
// Version the agent contract version, and Facets optional lowercase
// qualifiers.
type ACI struct {
	Domain  string
	Role    string
	Level   int
	Tier    tiers.Tier
	Version *semver.Version
	Facets  []string
}

// ErrInvalidACI marks identifiers that do not satisfy the grammar.
var ErrInvalidACI = errors.New("trust: invalid capability identifier")

var aciRe = regexp.MustCompile(
	`^([a-z0-9]+\.[a-z0-9-]+\.[a-z0-9-]+):([A-Z]+)-L([0-5])-T([0-5])@(\d+\.\d+\.\d+)(?:#([a-z]+(?:,[a-z]+)*))?$`)

// ParseACI validates s against the identifier grammar and decomposes it.
func ParseACI(s string) (*ACI, error) {
	m := aciRe.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidACI, s)
	}
	level, _ := strconv.Atoi(m[3])
	ordinal, _ := strconv.Atoi(m[4])
	version, err := semver.StrictNewVersion(m[5])
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", ErrInvalidACI, m[5], err)
	}
	a := &ACI{
		Domain:  m[1],
		Role:    m[2],
		Level:   level,
		Tier:    tiers.FromOrdinal(ordinal),
		Version: version,
	}
	if m[6] != "" {
		a.Facets = strings.Split(m[6], ",")
	}
	return a, nil
}

// String reassembles the canonical identifier form.
func (a *ACI) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:%s-L%d-T%d@%s", a.Domain, a.Role, a.Level, tiers.Ordinal(a.Tier), a.Version)
	if len(a.Facets) > 0 {
		sb.WriteByte('#')
		sb.WriteString(strings.Join(a.Facets, ","))
	}
	return sb.String()
}

// CoveredBy reports whether a stays within parent's authority: same domain,
// level and tier no higher than the parent's, and every facet held by the
// parent. Derived identities in a delegation chain must satisfy this so
// scopes only ever narrow.
func (a *ACI) CoveredBy(parent *ACI) bool {
	if parent == nil || a.Domain != parent.Domain {
		return false
	}
	if a.Level > parent.Level {
		return false
	}
	if tiers.Ordinal(a.Tier) > tiers.Ordinal(parent.Tier) {
		return false
	}
	for _, f := range a.Facets {
		if !parent.hasFacet(f) {
			return false
		}
	}
	return true
}

func (a *ACI) hasFacet(f string) bool {
	for _, have := range a.Facets {
		if have == f {
			return true
		}
	}
	return false
}
