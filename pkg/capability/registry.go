package capability

import (
	"sort"

	"github.com/basisworks/keel/pkg/tiers"
)

// Standard capability identifiers. The registry below is the authority on
// minimum tiers; anything absent from it requires the top tier.
const (
	DataReadPublic     = "data:read/public"
	DataReadFiles      = "data:read/files"
	DataWriteFiles     = "data:write/files"
	DataDeleteFiles    = "data:delete/files"
	NetworkEgressHTTP  = "network:egress/http"
	NetworkExternalAPI = "network:egress/external_api"
	ComputeSandboxed   = "compute:execute/sandboxed"
	ComputeShell       = "compute:execute/shell"
	MessagingNotify    = "messaging:send/notification"
	MessagingBroadcast = "messaging:send/broadcast"
	FinancialLow       = "financial:transaction/low"
	FinancialHigh      = "financial:transaction/high"
	IdentityDelegate   = "identity:delegate/capability"
	PIIAccessRecords   = "pii:access/records"
	ExportBulk         = "export:data/bulk"
)

// minimumTiers maps each standard capability to the lowest tier allowed to
// hold it.
var minimumTiers = map[string]tiers.Tier{
	DataReadPublic:     tiers.Sandbox,
	DataReadFiles:      tiers.Provisional,
	DataWriteFiles:     tiers.Standard,
	DataDeleteFiles:    tiers.Trusted,
	NetworkEgressHTTP:  tiers.Standard,
	NetworkExternalAPI: tiers.Trusted,
	ComputeSandboxed:   tiers.Provisional,
	ComputeShell:       tiers.Certified,
	MessagingNotify:    tiers.Standard,
	MessagingBroadcast: tiers.Certified,
	FinancialLow:       tiers.Trusted,
	FinancialHigh:      tiers.Autonomous,
	IdentityDelegate:   tiers.Certified,
	PIIAccessRecords:   tiers.Certified,
	ExportBulk:         tiers.Autonomous,
}

// alwaysEscalate is the closed set of capabilities that require a human
// approver regardless of tier or grants.
var alwaysEscalate = map[string]bool{
	FinancialHigh:      true,
	ComputeShell:       true,
	MessagingBroadcast: true,
	IdentityDelegate:   true,
	ExportBulk:         true,
}

// criticalClasses name capability namespaces whose use always performs a
// synchronous revocation check, bypassing trust caches.
var criticalClasses = map[string]bool{
	"financial": true,
	"pii":       true,
	"export":    true,
}

// MinimumTier returns the lowest tier that may hold the capability. Unknown
// capabilities require the top tier so they fail closed.
func MinimumTier(cap string) tiers.Tier {
	if t, ok := minimumTiers[cap]; ok {
		return t
	}
	return tiers.Autonomous
}

// Registered reports whether cap is a standard capability.
func Registered(cap string) bool {
	_, ok := minimumTiers[cap]
	return ok
}

// RequiresEscalation reports membership in the closed always-escalate set.
func RequiresEscalation(cap string) bool {
	return alwaysEscalate[cap]
}

// Critical reports whether using the capability counts as a critical
// operation (financial movement, PII access, bulk export, or an external
// API touch).
func Critical(cap string) bool {
	c, err := Parse(cap)
	if err != nil {
		return true
	}
	if criticalClasses[c.Namespace] {
		return true
	}
	return cap == NetworkExternalAPI
}

// Standard returns the registered capabilities in lexical order.
func Standard() []string {
	out := make([]string, 0, len(minimumTiers))
	for cap := range minimumTiers {
		out = append(out, cap)
	}
	sort.Strings(out)
	return out
}
