package stake

import (
	"fmt"
	"time"

	"github.com/milepool/milepool/pkg/identity"
)

// Attestation is a signed, time-bounded statement naming a winner and
// a result commitment, produced off-chain by the attester and
// submitted to the ledger by the winner it names.
type Attestation struct {
	ChallengeID uint64
	Winner      identity.Address
	ResultHash  []byte
	SignedAt    time.Time
	Signature   []byte
}

// ClaimWithAttestation finalizes a challenge and pays the full pool to
// the claimant in one atomic step. The attestation signature is the
// authorization: no separate on-ledger finalize exists.
//
// The claim is only open during the grace window: after end, before
// end+EmergencyPeriod. Any failed precondition leaves all state
// untouched.
func (l *Ledger) ClaimWithAttestation(id uint64, claimant identity.Address, att Attestation) error {
	entry, err := l.entry(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	c := entry.c
	now := l.clock()

	switch state := c.deriveState(now); state {
	case StateGracePeriod:
	case StateCompleted, StateFinalized, StateCancelled:
		return fmt.Errorf("%w: challenge %d is %s", ErrChallengeTerminal, id, state)
	default:
		return fmt.Errorf("%w: challenge %d is %s", ErrNotInGracePeriod, id, state)
	}
	if !now.Before(c.end.Add(EmergencyPeriod)) {
		return fmt.Errorf("%w: challenge %d ended %s", ErrClaimWindowClosed, id, c.end.UTC().Format(time.RFC3339))
	}
	if att.ChallengeID != id {
		return fmt.Errorf("%w: attestation names challenge %d", ErrInvalidParameters, att.ChallengeID)
	}
	if claimant != att.Winner {
		return fmt.Errorf("%w: attestation names %s", ErrNotWinner, att.Winner)
	}
	p, joined := c.participants[claimant]
	if !joined || !p.Joined {
		return fmt.Errorf("%w: %s", ErrNotParticipant, claimant)
	}
	if len(att.ResultHash) == 0 {
		return ErrEmptyResultHash
	}
	if att.SignedAt.After(now) {
		return fmt.Errorf("%w: signed at %s", ErrFutureAttestation, att.SignedAt.UTC().Format(time.RFC3339))
	}
	if now.Sub(att.SignedAt) >= AttestationMaxAge {
		return fmt.Errorf("%w: signed at %s", ErrStaleAttestation, att.SignedAt.UTC().Format(time.RFC3339))
	}

	digest := FinalizeDigest(id, att.Winner, att.ResultHash, att.SignedAt)
	signer, err := identity.Recover(digest, att.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	attester, _ := l.Attester()
	if signer != attester {
		return fmt.Errorf("%w: recovered %s, attester is %s", ErrInvalidSignature, signer, attester)
	}

	pool := c.totalStaked
	if err := l.bank.Disburse(claimant, pool); err != nil {
		return fmt.Errorf("disburse pool: %w", err)
	}

	c.stored = StateCompleted
	c.winner = att.Winner
	c.resultHash = append([]byte(nil), att.ResultHash...)
	c.totalStaked = 0
	for _, part := range c.participants {
		part.Stake = 0
	}

	l.emit(Event{Type: EventChallengeCompleted, ChallengeID: id, Actor: claimant, Amount: pool, Winner: att.Winner, ResultHash: c.resultHash, At: now})
	l.logger.Info("challenge settled", "challenge_id", id, "winner", claimant.Hex(), "pool", int64(pool))
	return nil
}
