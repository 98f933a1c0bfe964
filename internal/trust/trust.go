package trust

import (
	"time"

	"agentmarket/internal/domain"
	"agentmarket/internal/identity"
)

// Component caps. The total is always within [0,100].
const (
	kycCap        = 30
	stakeCap      = 20
	reputationCap = 40
	longevityCap  = 10
)

// RatedFeedback is one feedback score together with the reviewer's
// verification tier, which weights it.
type RatedFeedback struct {
	Score        int64
	ReviewerTier int
}

// Score derives the 0-100 trust number from an account's identity profile,
// stake, feedback history and tenure. Recomputed on every read; each
// component is monotonic in its input.
func Score(account string, p identity.Profile, feedback []RatedFeedback, stakeFull int64, now time.Time) domain.TrustScore {
	ts := domain.TrustScore{Account: account}
	ts.KYC = kycComponent(p.Tier)
	ts.Stake = stakeComponent(p.SystemStake, stakeFull)
	ts.Reputation = reputationComponent(feedback)
	ts.Longevity = longevityComponent(p.RegisteredAt, now)
	ts.Score = ts.KYC + ts.Stake + ts.Reputation + ts.Longevity
	if ts.Score > 100 {
		ts.Score = 100
	}
	if ts.Score < 0 {
		ts.Score = 0
	}
	return ts
}

// kycComponent is a step function of the verification tier (0-3).
func kycComponent(tier int) int64 {
	if tier < 0 {
		tier = 0
	}
	if tier > 3 {
		tier = 3
	}
	return int64(tier) * 10
}

// stakeComponent scales linearly with staked amount up to stakeFull, which
// maps to the full 20 points.
func stakeComponent(stake, stakeFull int64) int64 {
	if stake <= 0 || stakeFull <= 0 {
		return 0
	}
	c := stake * stakeCap / stakeFull
	if c > stakeCap {
		c = stakeCap
	}
	return c
}

// reputationComponent is the reviewer-tier-weighted mean of feedback scores
// (0-100), scaled to 40. A reviewer of tier t carries weight t+1.
func reputationComponent(feedback []RatedFeedback) int64 {
	if len(feedback) == 0 {
		return 0
	}
	var weighted, weights int64
	for _, f := range feedback {
		score := f.Score
		if score < 0 {
			score = 0
		}
		if score > 100 {
			score = 100
		}
		tier := f.ReviewerTier
		if tier < 0 {
			tier = 0
		}
		if tier > 3 {
			tier = 3
		}
		w := int64(tier) + 1
		weighted += score * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	c := weighted * reputationCap / (weights * 100)
	if c > reputationCap {
		c = reputationCap
	}
	return c
}

// longevityComponent awards one point per full month since registration,
// capped at 10.
func longevityComponent(registeredAt, now time.Time) int64 {
	if registeredAt.IsZero() || !now.After(registeredAt) {
		return 0
	}
	months := int64(now.Sub(registeredAt).Hours() / (24 * 30))
	if months > longevityCap {
		months = longevityCap
	}
	return months
}
