// Package trust resolves entity trust profiles and answers capability
// questions against them. A profile carries a numeric score, the tier
// derived from it, explicit capability grants and attestations; revoking an
// entity invalidates its delegation graph transitively and fans the revoked
// DIDs out over redis pub/sub so credential caches converge within the
// tier's SLA.
package trust

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basisworks/keel/pkg/tiers"
)

// Status is the lifecycle state of a profile. Revoked is terminal.
type Status string

const (
	StatusActive      Status = "active"
	StatusQuarantined Status = "quarantined"
	StatusRevoked     Status = "revoked"
)

// Profile is the trust view of one entity.
type Profile struct {
	EntityID            string     `json:"entityId"`
	TenantID            string     `json:"tenantId"`
	Score               int        `json:"score"`
	Tier                tiers.Tier `json:"tier"`
	Status              Status     `json:"status"`
	Domains             []string   `json:"domains,omitempty"`
	GrantedCapabilities []string   `json:"grantedCapabilities,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

func (p *Profile) clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Domains = append([]string(nil), p.Domains...)
	cp.GrantedCapabilities = append([]string(nil), p.GrantedCapabilities...)
	return &cp
}

// HasDomain reports whether the profile declares domain.
func (p *Profile) HasDomain(domain string) bool {
	for _, d := range p.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// Attestation is an issuer's signed claim that a subject holds a tier for a
// capability scope. The signature covers the canonical payload; see
// SignAttestation.
type Attestation struct {
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	Issuer    string          `json:"issuer"`
	Scope     string          `json:"scope"`
	Tier      tiers.Tier      `json:"tier"`
	IssuedAt  time.Time       `json:"issuedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Evidence  json.RawMessage `json:"evidence,omitempty"`
	Signature []byte          `json:"signature,omitempty"`
	Revoked   bool            `json:"revoked"`
}

// Delegation is one issuer→delegate edge in the capability graph. The
// capability set is derived at creation and never widens the issuer's own
// grants.
type Delegation struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	Issuer       string    `json:"issuer"`
	Delegate     string    `json:"delegate"`
	Capabilities []string  `json:"capabilities"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	Revoked      bool      `json:"revoked"`
	RevokedAt    time.Time `json:"revokedAt,omitempty"`
}

// Token is an access token minted under a delegation. Revoking any entity
// in the chain expires every live token downstream of it.
type Token struct {
	ID           string    `json:"id"`
	EntityID     string    `json:"entityId"`
	DelegationID string    `json:"delegationId,omitempty"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// RevocationOutcome summarizes one Revoke call: what was invalidated and
// the propagation SLA owed for the root's tier.
type RevocationOutcome struct {
	EntityID           string        `json:"entityId"`
	Reason             string        `json:"reason"`
	RevokedAt          time.Time     `json:"revokedAt"`
	EntitiesAffected   []string      `json:"entitiesAffected"`
	DelegationsRevoked int           `json:"delegationsRevoked"`
	TokensExpired      int           `json:"tokensExpired"`
	SLA                time.Duration `json:"sla"`
	Published          bool          `json:"published"`
}

var (
	ErrProfileNotFound     = errors.New("trust: profile not found")
	ErrDelegationNotFound  = errors.New("trust: delegation not found")
	ErrAttestationNotFound = errors.New("trust: attestation not found")
)

// CycleError reports a cycle in the delegation graph. Path lists the entity
// ids along the walk, with the repeated entity closing the loop.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("trust: circular_dependency: %s", strings.Join(e.Path, " -> "))
}
