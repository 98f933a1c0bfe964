package trust_test

import (
	"testing"
	"time"

	"agentmarket/internal/identity"
	"agentmarket/internal/trust"
)

var now = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func TestScoreBounds(t *testing.T) {
	cases := []struct {
		name     string
		profile  identity.Profile
		feedback []trust.RatedFeedback
	}{
		{"zero account", identity.Profile{}, nil},
		{"maxed account", identity.Profile{
			Tier:         3,
			SystemStake:  1_000_000,
			RegisteredAt: now.Add(-10 * 365 * 24 * time.Hour),
		}, []trust.RatedFeedback{{Score: 100, ReviewerTier: 3}, {Score: 100, ReviewerTier: 3}}},
		{"out-of-range inputs clamped", identity.Profile{
			Tier:         9,
			SystemStake:  -5,
			RegisteredAt: now.Add(24 * time.Hour), // registered "in the future"
		}, []trust.RatedFeedback{{Score: 900, ReviewerTier: -1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := trust.Score("acct", tc.profile, tc.feedback, 10000, now)
			if ts.Score < 0 || ts.Score > 100 {
				t.Fatalf("score out of range: %d", ts.Score)
			}
		})
	}
}

func TestScoreMonotonicInStake(t *testing.T) {
	p := identity.Profile{Tier: 1, RegisteredAt: now.Add(-90 * 24 * time.Hour)}
	prev := int64(-1)
	for stake := int64(0); stake <= 12000; stake += 500 {
		p.SystemStake = stake
		ts := trust.Score("acct", p, nil, 10000, now)
		if ts.Score < prev {
			t.Fatalf("score decreased at stake %d: %d < %d", stake, ts.Score, prev)
		}
		prev = ts.Score
	}
	p.SystemStake = 10000
	full := trust.Score("acct", p, nil, 10000, now)
	if full.Stake != 20 {
		t.Fatalf("full stake should give 20 points, got %d", full.Stake)
	}
}

func TestScoreMonotonicInTenure(t *testing.T) {
	p := identity.Profile{Tier: 2, SystemStake: 5000}
	prev := int64(-1)
	for months := 0; months <= 14; months++ {
		p.RegisteredAt = now.Add(-time.Duration(months) * 30 * 24 * time.Hour)
		ts := trust.Score("acct", p, nil, 10000, now)
		if ts.Score < prev {
			t.Fatalf("score decreased at %d months: %d < %d", months, ts.Score, prev)
		}
		prev = ts.Score
	}
	if ts := trust.Score("acct", p, nil, 10000, now); ts.Longevity != 10 {
		t.Fatalf("longevity capped at 10, got %d", ts.Longevity)
	}
}

func TestReputationWeightedByReviewerTier(t *testing.T) {
	// a tier-3 reviewer's 100 outweighs a tier-0 reviewer's 0
	fb := []trust.RatedFeedback{
		{Score: 100, ReviewerTier: 3},
		{Score: 0, ReviewerTier: 0},
	}
	ts := trust.Score("acct", identity.Profile{}, fb, 10000, now)
	// weighted mean = (100*4 + 0*1) / 5 = 80 -> 32 of 40
	if ts.Reputation != 32 {
		t.Fatalf("weighted reputation: got %d want 32", ts.Reputation)
	}
	unweighted := []trust.RatedFeedback{
		{Score: 100, ReviewerTier: 0},
		{Score: 0, ReviewerTier: 0},
	}
	if got := trust.Score("acct", identity.Profile{}, unweighted, 10000, now).Reputation; got != 20 {
		t.Fatalf("even split reputation: got %d want 20", got)
	}
}

func TestKYCStepFunction(t *testing.T) {
	for tier, want := range map[int]int64{0: 0, 1: 10, 2: 20, 3: 30} {
		ts := trust.Score("acct", identity.Profile{Tier: tier}, nil, 10000, now)
		if ts.KYC != want {
			t.Fatalf("tier %d: got %d want %d", tier, ts.KYC, want)
		}
	}
}
