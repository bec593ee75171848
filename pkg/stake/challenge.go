package stake

import (
	"time"

	"github.com/milepool/milepool/pkg/identity"
)

// Amount is a stake value in integer minor units. Fund paths never
// touch floating point.
type Amount int64

// IsPositive reports whether the amount is > 0.
func (a Amount) IsPositive() bool { return a > 0 }

// Participant is one identity's relationship to one challenge. The
// record is created exactly once, on join, and persists after its
// stake is zeroed by withdrawal or payout.
type Participant struct {
	Address       identity.Address
	CorrelationID string
	Stake         Amount
	Joined        bool
	JoinIndex     int
}

// challenge is the stored form of a competition instance. Parameters
// are immutable after creation; only join/claim/cancel/withdraw mutate
// the bookkeeping fields. Access is serialized by the owning entry's
// mutex in the Ledger.
type challenge struct {
	id          uint64
	creator     identity.Address
	start       time.Time
	end         time.Time
	stakeAmount Amount
	totalStaked Amount

	// stored is authoritative only once terminal.
	stored State

	winner     identity.Address
	resultHash []byte

	whitelist      map[identity.Address]struct{}
	whitelistOrder []identity.Address // creator first, then the rest as supplied
	participants   map[identity.Address]*Participant
	joinOrder      []identity.Address
}

// deriveState computes the effective lifecycle state from stored data
// and the supplied wall-clock time. It is pure: no writes, no clock
// reads of its own.
func (c *challenge) deriveState(now time.Time) State {
	if c.stored.Terminal() {
		return c.stored
	}
	if c.stored == StatePending && !now.Before(c.start) && len(c.participants) < len(c.whitelist) {
		return StateCancelled
	}
	if !now.Before(c.end) {
		return StateGracePeriod
	}
	if !now.Before(c.start) {
		return StateActive
	}
	return StatePending
}

// ChallengeInfo is the read-model snapshot of a challenge.
type ChallengeInfo struct {
	ID               uint64
	Creator          identity.Address
	Start            time.Time
	End              time.Time
	StakeAmount      Amount
	TotalStaked      Amount
	StoredState      State
	Winner           identity.Address
	ResultHash       []byte
	ParticipantCount int
	Whitelist        []identity.Address
}

func (c *challenge) snapshot() ChallengeInfo {
	wl := append([]identity.Address(nil), c.whitelistOrder...)
	var hash []byte
	if len(c.resultHash) > 0 {
		hash = append([]byte(nil), c.resultHash...)
	}
	return ChallengeInfo{
		ID:               c.id,
		Creator:          c.creator,
		Start:            c.start,
		End:              c.end,
		StakeAmount:      c.stakeAmount,
		TotalStaked:      c.totalStaked,
		StoredState:      c.stored,
		Winner:           c.winner,
		ResultHash:       hash,
		ParticipantCount: len(c.participants),
		Whitelist:        wl,
	}
}

// participantsInJoinOrder returns copies of the participant records in
// the order they joined. The ordering is the tie-break basis for
// winner selection, so it must be stable.
func (c *challenge) participantsInJoinOrder() []Participant {
	out := make([]Participant, 0, len(c.joinOrder))
	for _, addr := range c.joinOrder {
		out = append(out, *c.participants[addr])
	}
	return out
}
