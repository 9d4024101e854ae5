// Package capability implements the hierarchical permission taxonomy:
// capability strings of the form namespace:category/action[/scope...],
// wildcard matching, the builtin tier registry, and monotonic derivation
// for delegation.
//
// Wildcards appear only as a whole final path segment ("data:read/*") or as
// the whole-namespace form ("data:*"). A bare "*" is invalid everywhere.
package capability

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Sentinel errors.
var (
	ErrInvalid      = errors.New("capability: invalid capability string")
	ErrBareWildcard = errors.New("capability: bare wildcard is not a capability")
)

var segmentRe = regexp.MustCompile(`^[a-z0-9_]+$`)
var namespaceRe = regexp.MustCompile(`^[a-z0-9]+$`)

// Capability is a parsed permission string.
type Capability struct {
	Namespace string `json:"namespace"`
	Category  string `json:"category"`
	Action    string `json:"action"`
	Scope     string `json:"scope,omitempty"`

	// NamespaceWildcard marks the "ns:*" form; SuffixWildcard marks a
	// trailing "/*" segment.
	NamespaceWildcard bool `json:"-"`
	SuffixWildcard    bool `json:"-"`
}

// String reassembles the canonical string form.
func (c Capability) String() string {
	if c.NamespaceWildcard {
		return c.Namespace + ":*"
	}
	var b strings.Builder
	b.WriteString(c.Namespace)
	b.WriteByte(':')
	b.WriteString(c.Category)
	if c.Action != "" {
		b.WriteByte('/')
		b.WriteString(c.Action)
	}
	if c.Scope != "" {
		b.WriteByte('/')
		b.WriteString(c.Scope)
	}
	if c.SuffixWildcard {
		b.WriteString("/*")
	}
	return b.String()
}

// Wildcard reports whether the capability grants more than a single point in
// the taxonomy.
func (c Capability) Wildcard() bool {
	return c.NamespaceWildcard || c.SuffixWildcard
}

// Parse validates and decomposes a capability string.
func Parse(s string) (Capability, error) {
	if s == "*" {
		return Capability{}, ErrBareWildcard
	}

	ns, rest, ok := strings.Cut(s, ":")
	if !ok || ns == "" || rest == "" {
		return Capability{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if !namespaceRe.MatchString(ns) {
		return Capability{}, fmt.Errorf("%w: bad namespace in %q", ErrInvalid, s)
	}

	if rest == "*" {
		return Capability{Namespace: ns, NamespaceWildcard: true}, nil
	}

	segs := strings.Split(rest, "/")
	if len(segs) < 2 {
		return Capability{}, fmt.Errorf("%w: %q needs category/action", ErrInvalid, s)
	}

	cap := Capability{Namespace: ns}
	for i, seg := range segs {
		last := i == len(segs)-1
		if seg == "*" {
			if !last {
				return Capability{}, fmt.Errorf("%w: wildcard must be the final segment in %q", ErrInvalid, s)
			}
			cap.SuffixWildcard = true
			continue
		}
		if !segmentRe.MatchString(seg) {
			return Capability{}, fmt.Errorf("%w: bad segment %q in %q", ErrInvalid, seg, s)
		}
		switch i {
		case 0:
			cap.Category = seg
		case 1:
			cap.Action = seg
		default:
			if cap.Scope == "" {
				cap.Scope = seg
			} else {
				cap.Scope += "/" + seg
			}
		}
	}

	// "ns:cat/*" is valid (any action under the category); "ns:cat" alone
	// is not a grantable point.
	if cap.Category == "" {
		return Capability{}, fmt.Errorf("%w: %q missing category", ErrInvalid, s)
	}
	if cap.Action == "" && !cap.SuffixWildcard {
		return Capability{}, fmt.Errorf("%w: %q missing action", ErrInvalid, s)
	}
	return cap, nil
}

// Match reports whether a granted capability covers a requested one.
// The requested side must be concrete; wildcards there never match.
func Match(granted, requested string) bool {
	req, err := Parse(requested)
	if err != nil || req.Wildcard() {
		return false
	}
	if granted == requested {
		return true
	}

	g, err := Parse(granted)
	if err != nil {
		return false
	}
	switch {
	case g.NamespaceWildcard:
		return g.Namespace == req.Namespace
	case g.SuffixWildcard:
		prefix := strings.TrimSuffix(granted, "*")
		return strings.HasPrefix(requested, prefix)
	default:
		return false
	}
}

// MatchAny reports whether any granted capability covers the request.
func MatchAny(granted []string, requested string) bool {
	for _, g := range granted {
		if Match(g, requested) {
			return true
		}
	}
	return false
}

// CoveredBy reports whether every capability the child string can expand to
// is also covered by the parent string. Used by derivation: a child grant may
// never widen the parent's.
func CoveredBy(child, parent string) bool {
	if child == parent {
		_, err := Parse(child)
		return err == nil
	}

	c, err := Parse(child)
	if err != nil {
		return false
	}
	if !c.Wildcard() {
		return Match(parent, child)
	}

	p, err := Parse(parent)
	if err != nil {
		return false
	}
	switch {
	case p.NamespaceWildcard:
		return p.Namespace == c.Namespace
	case p.SuffixWildcard:
		if c.NamespaceWildcard {
			// A namespace-wide child is broader than any suffix parent.
			return false
		}
		parentPrefix := strings.TrimSuffix(parent, "*")
		childPrefix := strings.TrimSuffix(child, "*")
		return strings.HasPrefix(childPrefix, parentPrefix)
	default:
		// Concrete parent can only cover an identical child, handled above.
		return false
	}
}

// DeriveChild filters a requested capability set down to what a parent grant
// set covers. The result never widens the parent: every returned capability
// (wildcard or concrete) is covered by some parent grant. Requested entries
// that fail to parse poison the derivation.
func DeriveChild(parent, requested []string) ([]string, error) {
	child := make([]string, 0, len(requested))
	for _, want := range requested {
		if _, err := Parse(want); err != nil {
			return nil, fmt.Errorf("derive: %w", err)
		}
		for _, have := range parent {
			if CoveredBy(want, have) {
				child = append(child, want)
				break
			}
		}
	}
	return child, nil
}
