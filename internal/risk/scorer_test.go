package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore_LevelThresholds(t *testing.T) {
	cases := []struct {
		name    string
		factors Factors
		review  bool
		level   Level
	}{
		{
			name:    "clean standard template is low risk",
			factors: Factors{TemplateType: "standard", AccountAgeDays: 400, TrustScore: 90, DurationMonths: 24},
			level:   LevelLow,
		},
		{
			name: "unverified identity plus young account stays low below 40",
			factors: Factors{
				TemplateType:   "standard",
				IdentityUnverified: true,
				AccountAgeDays: 5,
				TrustScore:     90,
				DurationMonths: 24,
			},
			level: LevelLow,
		},
		{
			name: "prior breach forces high regardless of score",
			factors: Factors{
				TemplateType:   "standard",
				AccountAgeDays: 400,
				TrustScore:     90,
				DurationMonths: 24,
				PriorBreach:    true,
			},
			level: LevelHigh,
		},
		{
			name:   "requiresReview flag forces high even at score zero",
			factors: Factors{TemplateType: "standard", AccountAgeDays: 400, TrustScore: 90, DurationMonths: 24},
			review: true,
			level:  LevelHigh,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Score(tc.factors, tc.review)
			assert.Equal(t, tc.level, got.Level)
		})
	}
}

func TestScore_CapsAtTabledMaximumAndClampsTotal(t *testing.T) {
	degenerate := Factors{
		EmailUnverified:         true,
		PhoneUnverified:         true,
		IdentityUnverified:      true,
		AccountAgeDays:          1,
		TrustScore:              0,
		TemplateType:            "custom",
		CustomTermCount:         1000,
		DurationMonths:          999,
		TerritorialRestrictions: 1000,
		PriorBreach:             true,
	}
	got := Score(degenerate, false)
	require.LessOrEqual(t, got.Score, 100)
	assert.Equal(t, LevelHigh, got.Level)
	assert.True(t, got.RequiresReview)
}

func TestScore_MonotonicInPriorBreach(t *testing.T) {
	base := Factors{TemplateType: "standard", AccountAgeDays: 400, TrustScore: 90, DurationMonths: 24}
	baseline := Score(base, false)

	withBreach := base
	withBreach.PriorBreach = true
	bumped := Score(withBreach, false)

	assert.GreaterOrEqual(t, bumped.Score, baseline.Score)
}

func TestRoute_Thresholds(t *testing.T) {
	assert.Equal(t, RouteAutoApprove, Assessment{Score: 10}.Route())
	assert.Equal(t, RouteCreatorReview, Assessment{Score: 30}.Route())
	assert.Equal(t, RouteCreatorReview, Assessment{Score: 69}.Route())
	assert.Equal(t, RouteLegalReview, Assessment{Score: 70}.Route())
	assert.Equal(t, RouteLegalReview, Assessment{Score: 10, RequiresReview: true}.Route())
}
