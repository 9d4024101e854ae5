// Package tiers defines the trust-tier ladder. A tier is a coarse ordinal
// bucket over a numeric trust score (0..1000); tier-derived parameters
// (cache TTLs, revocation propagation SLAs) live here so every service
// applies the same ladder.
package tiers

import "time"

// Tier identifies a trust tier.
type Tier string

const (
	Sandbox     Tier = "sandbox"
	Provisional Tier = "provisional"
	Standard    Tier = "standard"
	Trusted     Tier = "trusted"
	Certified   Tier = "certified"
	Autonomous  Tier = "autonomous"
)

// Band is one rung of the ladder with its inclusive score range.
type Band struct {
	Tier    Tier
	Label   string // short ordinal form, T0..T5
	Name    string
	Ordinal int
	Min     int
	Max     int
}

// AllBands lists the ladder in ascending order.
var AllBands = []Band{
	{Tier: Sandbox, Label: "T0", Name: "Sandbox", Ordinal: 0, Min: 0, Max: 99},
	{Tier: Provisional, Label: "T1", Name: "Provisional", Ordinal: 1, Min: 100, Max: 299},
	{Tier: Standard, Label: "T2", Name: "Standard", Ordinal: 2, Min: 300, Max: 499},
	{Tier: Trusted, Label: "T3", Name: "Trusted", Ordinal: 3, Min: 500, Max: 699},
	{Tier: Certified, Label: "T4", Name: "Certified", Ordinal: 4, Min: 700, Max: 899},
	{Tier: Autonomous, Label: "T5", Name: "Autonomous", Ordinal: 5, Min: 900, Max: 1000},
}

var byTier = func() map[Tier]Band {
	m := make(map[Tier]Band, len(AllBands))
	for _, b := range AllBands {
		m[b.Tier] = b
	}
	return m
}()

// Get returns the band for a tier, or nil if the tier is unknown.
func Get(t Tier) *Band {
	b, ok := byTier[t]
	if !ok {
		return nil
	}
	return &b
}

// Valid reports whether t names a tier on the ladder.
func Valid(t Tier) bool {
	_, ok := byTier[t]
	return ok
}

// ClampScore forces a score into the 0..1000 range.
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 1000 {
		return 1000
	}
	return score
}

// FromScore maps a trust score to its tier. Scores are clamped first.
func FromScore(score int) Tier {
	score = ClampScore(score)
	for _, b := range AllBands {
		if score >= b.Min && score <= b.Max {
			return b.Tier
		}
	}
	return Sandbox
}

// FromOrdinal maps T0..T5 ordinals to tiers; out-of-range ordinals clamp to
// the nearest rung.
func FromOrdinal(n int) Tier {
	if n < 0 {
		n = 0
	}
	if n >= len(AllBands) {
		n = len(AllBands) - 1
	}
	return AllBands[n].Tier
}

// Ordinal returns the rung index of a tier, or -1 for unknown tiers so that
// comparisons against them fail closed.
func Ordinal(t Tier) int {
	b, ok := byTier[t]
	if !ok {
		return -1
	}
	return b.Ordinal
}

// AtLeast reports whether have meets or exceeds want. Unknown tiers never
// satisfy anything.
func AtLeast(have, want Tier) bool {
	ho, wo := Ordinal(have), Ordinal(want)
	if ho < 0 || wo < 0 {
		return false
	}
	return ho >= wo
}

// CacheTTL is how long a resolved trust profile may be served from cache.
// High tiers are always re-resolved.
func CacheTTL(t Tier) time.Duration {
	switch Ordinal(t) {
	case 0, 1:
		return 60 * time.Second
	case 2:
		return 30 * time.Second
	case 3:
		return 10 * time.Second
	default:
		return 0
	}
}

// RevocationSLA is the propagation deadline for revocations of an entity at
// tier t.
func RevocationSLA(t Tier) time.Duration {
	switch Ordinal(t) {
	case 0, 1:
		return 60 * time.Second
	case 2, 3:
		return 10 * time.Second
	case 4, 5:
		return time.Second
	default:
		return 60 * time.Second
	}
}
