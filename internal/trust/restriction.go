package trust

// Capability names a gated mutating action.
type Capability string

const (
	CapCreateListing Capability = "create_listing"
	CapCreateRequest Capability = "create_request"
	CapApplyEvent    Capability = "apply_event"
	CapFileDispute   Capability = "file_dispute"
)

// allCapabilities is the full mutating surface.
var allCapabilities = []Capability{CapCreateListing, CapCreateRequest, CapApplyEvent, CapFileDispute}

// OverrideState mirrors the admin restriction override on the user row.
type OverrideState string

const (
	OverrideNone     OverrideState = ""
	OverrideRestrict OverrideState = "restrict"
	OverrideClear    OverrideState = "clear"
)

// Restriction is the computed capability mask for a user.
type Restriction struct {
	Restricted         bool                `json:"restricted"`
	Reason             string              `json:"reason,omitempty"`
	DeniedCapabilities map[Capability]bool `json:"deniedCapabilities,omitempty"`
}

// Denies reports whether the given capability is denied.
func (r Restriction) Denies(c Capability) bool {
	return r.DeniedCapabilities[c]
}

// RestrictionPolicy holds the restriction thresholds.
type RestrictionPolicy struct {
	// DisputeLimit is the number of active disputes at which a watched
	// user loses listing/request creation.
	DisputeLimit int
}

// DefaultRestrictionPolicy mirrors the config defaults.
func DefaultRestrictionPolicy() RestrictionPolicy {
	return RestrictionPolicy{DisputeLimit: 2}
}

// ComputeRestriction derives the capability mask from trust status, active
// disputes, and the admin override. The override always wins over the
// computed trust state, in both directions.
func ComputeRestriction(p RestrictionPolicy, status Status, activeDisputes int, override OverrideState) Restriction {
	switch override {
	case OverrideRestrict:
		return Restriction{
			Restricted:         true,
			Reason:             "restricted by administrator",
			DeniedCapabilities: denyAll(),
		}
	case OverrideClear:
		return Restriction{}
	}

	if status == StatusRestricted {
		return Restriction{
			Restricted:         true,
			Reason:             "trust score below the restricted threshold",
			DeniedCapabilities: denyAll(),
		}
	}

	if status == StatusWatched && activeDisputes >= p.DisputeLimit {
		return Restriction{
			Restricted: true,
			Reason:     "watched account with open disputes",
			DeniedCapabilities: map[Capability]bool{
				CapCreateListing: true,
				CapCreateRequest: true,
			},
		}
	}

	return Restriction{}
}

func denyAll() map[Capability]bool {
	m := make(map[Capability]bool, len(allCapabilities))
	for _, c := range allCapabilities {
		m[c] = true
	}
	return m
}
