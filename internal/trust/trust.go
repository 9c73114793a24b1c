// Package trust implements the behavioral trust, fraud, and restriction
// engines for UniBazaar.
//
// Every function here is a pure computation over counters: no I/O, no hidden
// state. The live request path and the admin drilldown call the exact same
// code paths that the tests do with synthetic inputs.
package trust

import (
	"math"
	"time"
)

// Status is the ordered trust tier of a user.
type Status string

const (
	StatusRestricted Status = "restricted"
	StatusWatched    Status = "watched"
	StatusNew        Status = "new"
	StatusTrusted    Status = "trusted"
)

// Inputs are the behavioral counters the trust score is computed from.
type Inputs struct {
	CompletedExchanges int `json:"completedExchanges"`
	CancelledRequests  int `json:"cancelledRequests"`
	DisputesAgainst    int `json:"disputesAgainst"`
	AdminFlags         int `json:"adminFlags"`
	AccountAgeDays     int `json:"accountAgeDays"`
}

// Score is the result of a trust computation.
type Score struct {
	Status       Status     `json:"status"`
	Score        float64    `json:"score"` // 0-100
	Components   Components `json:"components"`
	Inputs       Inputs     `json:"inputs"`
	CalculatedAt time.Time  `json:"calculatedAt"`
}

// Components breaks down the score for admin drilldowns.
type Components struct {
	Baseline       float64 `json:"baseline"`
	CompletedBonus float64 `json:"completedBonus"`
	AgeBonus       float64 `json:"ageBonus"`
	CancelPenalty  float64 `json:"cancelPenalty"`
	DisputePenalty float64 `json:"disputePenalty"`
	FlagPenalty    float64 `json:"flagPenalty"`
}

// Policy holds the tunable weights and cutoffs. Thresholds are policy, not
// mechanism: they ship as configuration, with DefaultPolicy as the fallback.
type Policy struct {
	Baseline        float64
	CompletedWeight float64 // multiplies log10(completed+1), capped at 100
	AgeWeight       float64 // multiplies log10(ageDays+1), capped at 100
	CancelPenalty   float64 // per cancelled request
	DisputePenalty  float64 // per dispute filed against the user
	FlagPenalty     float64 // per admin flag

	TrustedScore    float64 // >= this: trusted (with enough history)
	WatchedScore    float64 // < this: watched
	RestrictedScore float64 // < this: restricted

	// MinCompletedForTrusted keeps brand-new accounts out of the trusted
	// tier regardless of score.
	MinCompletedForTrusted int
}

// DefaultPolicy mirrors the config defaults.
func DefaultPolicy() Policy {
	return Policy{
		Baseline:               50,
		CompletedWeight:        30,
		AgeWeight:              10,
		CancelPenalty:          4,
		DisputePenalty:         12,
		FlagPenalty:            20,
		TrustedScore:           70,
		WatchedScore:           45,
		RestrictedScore:        25,
		MinCompletedForTrusted: 3,
	}
}

// Compute derives a trust score and status from behavioral counters.
//
// The function is monotonic: holding all else equal, more completed exchanges
// or account age never lowers the result, and more cancellations, disputes,
// or admin flags never raises it.
func Compute(p Policy, in Inputs) Score {
	comp := Components{Baseline: p.Baseline}

	if in.CompletedExchanges > 0 {
		comp.CompletedBonus = math.Min(100, p.CompletedWeight*math.Log10(float64(in.CompletedExchanges)+1))
	}
	if in.AccountAgeDays > 0 {
		comp.AgeBonus = math.Min(100, p.AgeWeight*math.Log10(float64(in.AccountAgeDays)+1))
	}
	comp.CancelPenalty = p.CancelPenalty * float64(in.CancelledRequests)
	comp.DisputePenalty = p.DisputePenalty * float64(in.DisputesAgainst)
	comp.FlagPenalty = p.FlagPenalty * float64(in.AdminFlags)

	score := comp.Baseline + comp.CompletedBonus + comp.AgeBonus -
		comp.CancelPenalty - comp.DisputePenalty - comp.FlagPenalty
	score = math.Max(0, math.Min(100, score))
	score = math.Round(score*10) / 10

	return Score{
		Status:       statusFor(p, score, in),
		Score:        score,
		Components:   comp,
		Inputs:       in,
		CalculatedAt: time.Now(),
	}
}

func statusFor(p Policy, score float64, in Inputs) Status {
	switch {
	case score < p.RestrictedScore:
		return StatusRestricted
	case score < p.WatchedScore:
		return StatusWatched
	case score >= p.TrustedScore && in.CompletedExchanges >= p.MinCompletedForTrusted:
		return StatusTrusted
	default:
		return StatusNew
	}
}

// Rank orders statuses from most to least restricted. Used by tests to
// assert monotonicity and by the admin overview to sort users.
func Rank(s Status) int {
	switch s {
	case StatusRestricted:
		return 0
	case StatusWatched:
		return 1
	case StatusNew:
		return 2
	case StatusTrusted:
		return 3
	default:
		return -1
	}
}
