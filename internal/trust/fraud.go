package trust

// FraudInputs are the recent-activity signals the heuristics run over.
// "Recent" windows are the caller's responsibility (the services count
// activity over their own lookback window before calling in).
type FraudInputs struct {
	RecentListings      int `json:"recentListings"`
	RecentCancellations int `json:"recentCancellations"`
	RecentDisputes      int `json:"recentDisputes"`
	AccountAgeDays      int `json:"accountAgeDays"`
}

// FraudResult is an advisory signal: it never blocks an action by itself,
// it is surfaced to admins on the fraud overview.
type FraudResult struct {
	Flagged bool     `json:"flagged"`
	Reasons []string `json:"reasons,omitempty"`
}

// FraudPolicy holds the heuristic thresholds.
type FraudPolicy struct {
	YoungAccountDays   int // accounts at most this old are "young"
	BurstListings      int // recent listings at or above this trip the burst rule
	BurstCancellations int
	RepeatDisputes     int
}

// DefaultFraudPolicy mirrors the config defaults.
func DefaultFraudPolicy() FraudPolicy {
	return FraudPolicy{
		YoungAccountDays:   7,
		BurstListings:      5,
		BurstCancellations: 3,
		RepeatDisputes:     2,
	}
}

// EvaluateFraud runs the fraud heuristics. Side-effect-free and idempotent:
// identical inputs always produce identical output.
func EvaluateFraud(p FraudPolicy, in FraudInputs) FraudResult {
	var reasons []string
	young := in.AccountAgeDays <= p.YoungAccountDays

	if young && in.RecentListings >= p.BurstListings {
		reasons = append(reasons, "listing burst on a young account")
	}
	if in.RecentCancellations >= p.BurstCancellations {
		reasons = append(reasons, "rapid request cancellations")
	}
	if in.RecentDisputes >= p.RepeatDisputes {
		reasons = append(reasons, "repeat disputes in a short window")
	}
	if young && in.RecentCancellations > 0 && in.RecentDisputes > 0 {
		reasons = append(reasons, "young account with mixed cancellation and dispute activity")
	}

	return FraudResult{Flagged: len(reasons) > 0, Reasons: reasons}
}
