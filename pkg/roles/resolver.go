package roles

// Role is the logical speaker on an audio track
type Role string

const (
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

// Track is the media-layer label attached to an audio packet
type Track string

const (
	TrackInbound  Track = "inbound"
	TrackOutbound Track = "outbound"
)

// LegAgent is the call leg this deployment records. Both media tracks arrive
// on the agent's leg; the track label distinguishes the two voices.
const LegAgent = "agent"

// Resolve maps (track, leg) to the logical speaker role.
//
// On the agent leg the labels are the reverse of naive telephony intuition:
// the "outbound" track carries the customer's voice and "inbound" carries the
// agent's. This was confirmed empirically against the provider's media
// streams; do not flip it to match their documentation.
//
// Resolve is total: unknown legs use the same mapping as the agent leg, and
// an unrecognized track resolves to the agent so that it can never trigger a
// coaching cycle.
func Resolve(track Track, leg string) Role {
	_ = leg // every leg uses the agent-leg mapping

	switch track {
	case TrackOutbound:
		return RoleCustomer
	case TrackInbound:
		return RoleAgent
	default:
		return RoleAgent
	}
}
