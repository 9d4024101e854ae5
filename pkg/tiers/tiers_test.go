package tiers_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/basisworks/keel/pkg/tiers"
)

func TestFromScoreBands(t *testing.T) {
	tests := []struct {
		score int
		want  tiers.Tier
	}{
		{0, tiers.Sandbox},
		{99, tiers.Sandbox},
		{100, tiers.Provisional},
		{299, tiers.Provisional},
		{300, tiers.Standard},
		{499, tiers.Standard},
		{500, tiers.Trusted},
		{600, tiers.Trusted},
		{699, tiers.Trusted},
		{700, tiers.Certified},
		{899, tiers.Certified},
		{900, tiers.Autonomous},
		{1000, tiers.Autonomous},
		{-50, tiers.Sandbox},
		{5000, tiers.Autonomous},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tiers.FromScore(tt.score), "score %d", tt.score)
	}
}

func TestOrdinalLadder(t *testing.T) {
	prev := -1
	for _, b := range tiers.AllBands {
		assert.Equal(t, prev+1, tiers.Ordinal(b.Tier), "ordinal gap at %s", b.Tier)
		prev = tiers.Ordinal(b.Tier)
	}
	assert.Equal(t, -1, tiers.Ordinal("galactic"), "unknown tier must have ordinal -1")
}

func TestAtLeastFailsClosedOnUnknown(t *testing.T) {
	assert.True(t, tiers.AtLeast(tiers.Trusted, tiers.Standard))
	assert.False(t, tiers.AtLeast(tiers.Standard, tiers.Trusted))
	assert.False(t, tiers.AtLeast("galactic", tiers.Sandbox), "unknown tier must never satisfy a requirement")
	assert.False(t, tiers.AtLeast(tiers.Autonomous, "galactic"), "unknown requirement must never be satisfied")
}

func TestFromOrdinalClamps(t *testing.T) {
	assert.Equal(t, tiers.Sandbox, tiers.FromOrdinal(-3))
	assert.Equal(t, tiers.Autonomous, tiers.FromOrdinal(99))
	assert.Equal(t, tiers.Trusted, tiers.FromOrdinal(3))
}

func TestCacheTTL(t *testing.T) {
	assert.Equal(t, 60*time.Second, tiers.CacheTTL(tiers.Sandbox))
	assert.Equal(t, 60*time.Second, tiers.CacheTTL(tiers.Provisional))
	assert.Equal(t, 30*time.Second, tiers.CacheTTL(tiers.Standard))
	assert.Equal(t, 10*time.Second, tiers.CacheTTL(tiers.Trusted))
	assert.Equal(t, time.Duration(0), tiers.CacheTTL(tiers.Certified), "T4+ must always re-resolve")
	assert.Equal(t, time.Duration(0), tiers.CacheTTL(tiers.Autonomous))
}

func TestRevocationSLA(t *testing.T) {
	assert.Equal(t, 60*time.Second, tiers.RevocationSLA(tiers.Sandbox))
	assert.Equal(t, 10*time.Second, tiers.RevocationSLA(tiers.Standard))
	assert.Equal(t, 10*time.Second, tiers.RevocationSLA(tiers.Trusted))
	assert.Equal(t, time.Second, tiers.RevocationSLA(tiers.Certified))
	assert.Equal(t, time.Second, tiers.RevocationSLA(tiers.Autonomous))
}

func TestGetAndLabels(t *testing.T) {
	b := tiers.Get(tiers.Certified)
	assert.NotNil(t, b)
	assert.Equal(t, "T4", b.Label)
	assert.Equal(t, 700, b.Min)
	assert.Equal(t, 899, b.Max)

	assert.Nil(t, tiers.Get("galactic"))
	assert.True(t, tiers.Valid(tiers.Sandbox))
	assert.False(t, tiers.Valid("galactic"))
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0, tiers.ClampScore(-10))
	assert.Equal(t, 1000, tiers.ClampScore(10_000))
	assert.Equal(t, 412, tiers.ClampScore(412))
}
