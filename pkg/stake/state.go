package stake

import "time"

// State is the lifecycle state of a challenge.
//
// PENDING and ACTIVE are pure projections of time and participant
// counts; GRACE_PERIOD, FINALIZED, CANCELLED and COMPLETED are sticky
// facts that never un-happen. Only terminal states are authoritative
// in storage; everything else is derived on demand (see
// Ledger.EffectiveState).
type State uint8

const (
	StatePending State = iota
	StateActive
	StateGracePeriod
	StateFinalized
	StateCancelled
	StateCompleted
)

const (
	// EmergencyPeriod is how long after a challenge's end time the
	// attester has exclusive settlement authority. Once it elapses any
	// joined participant may unilaterally recover their stake.
	EmergencyPeriod = 14 * 24 * time.Hour

	// AttestationMaxAge bounds how old an attestation's signing
	// timestamp may be when presented to the ledger.
	AttestationMaxAge = 30 * 24 * time.Hour
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateGracePeriod:
		return "GRACE_PERIOD"
	case StateFinalized:
		return "FINALIZED"
	case StateCancelled:
		return "CANCELLED"
	case StateCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state is sticky in storage: once written
// it is returned as-is regardless of wall-clock time.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateCancelled || s == StateCompleted
}
