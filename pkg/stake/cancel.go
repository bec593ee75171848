package stake

import (
	"fmt"
	"time"

	"github.com/milepool/milepool/pkg/identity"
)

// CancelByConsent cancels a challenge given one cancellation signature
// from every currently joined participant, all and only: the set must
// be sized to the joined count, each signature must recover to a
// distinct joined participant.
func (l *Ledger) CancelByConsent(id uint64, signatures [][]byte) error {
	entry, err := l.entry(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	c := entry.c
	now := l.clock()

	switch state := c.deriveState(now); state {
	case StatePending, StateActive, StateGracePeriod:
	default:
		return fmt.Errorf("%w: challenge %d is %s", ErrCannotCancel, id, state)
	}
	if len(signatures) != len(c.participants) {
		return fmt.Errorf("%w: got %d signatures, %d joined", ErrWrongSignatureCount, len(signatures), len(c.participants))
	}

	digest := CancelDigest(id)
	seen := make(map[identity.Address]bool, len(signatures))
	for i, sig := range signatures {
		signer, err := identity.Recover(digest, sig)
		if err != nil {
			return fmt.Errorf("%w: signature %d: %v", ErrInvalidSignature, i, err)
		}
		p, joined := c.participants[signer]
		if !joined || !p.Joined {
			return fmt.Errorf("%w: signature %d recovered to non-participant %s", ErrInvalidSignature, i, signer)
		}
		if seen[signer] {
			return fmt.Errorf("%w: %s", ErrDuplicateSigner, signer)
		}
		seen[signer] = true
	}

	c.stored = StateCancelled
	l.emit(Event{Type: EventChallengeCancelled, ChallengeID: id, At: now})
	l.logger.Info("challenge cancelled by consent", "challenge_id", id, "signers", len(signatures))
	return nil
}

// WithdrawFromCancelled returns the caller's stake from a cancelled
// challenge. If cancellation is so far only an effective (derived)
// fact (an under-subscribed challenge past its start time), the first
// withdrawal materializes it in storage, emitting the cancellation
// event exactly once.
func (l *Ledger) WithdrawFromCancelled(id uint64, caller identity.Address) error {
	entry, err := l.entry(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	c := entry.c
	now := l.clock()

	if state := c.deriveState(now); state != StateCancelled {
		return fmt.Errorf("%w: challenge %d is %s", ErrNotCancelled, id, state)
	}
	p, joined := c.participants[caller]
	if !joined || !p.Stake.IsPositive() {
		return fmt.Errorf("%w: %s", ErrNoStakeToWithdraw, caller)
	}

	refund := p.Stake
	if err := l.bank.Disburse(caller, refund); err != nil {
		return fmt.Errorf("disburse refund: %w", err)
	}

	if c.stored != StateCancelled {
		c.stored = StateCancelled
		l.emit(Event{Type: EventChallengeCancelled, ChallengeID: id, At: now})
	}
	p.Stake = 0
	c.totalStaked -= refund

	l.emit(Event{Type: EventStakeWithdrawn, ChallengeID: id, Actor: caller, Amount: refund, At: now})
	l.logger.Info("stake withdrawn from cancelled challenge", "challenge_id", id, "participant", caller.Hex(), "amount", int64(refund))
	return nil
}

// EmergencyWithdraw is the circuit breaker for attester
// non-responsiveness: once EmergencyPeriod has elapsed past the
// challenge's end, any joined participant with a live stake may
// unilaterally recover it, no attestation or consent required.
func (l *Ledger) EmergencyWithdraw(id uint64, caller identity.Address) error {
	entry, err := l.entry(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	c := entry.c
	now := l.clock()

	if state := c.deriveState(now); state.Terminal() {
		return fmt.Errorf("%w: challenge %d is %s", ErrChallengeTerminal, id, state)
	}
	if now.Before(c.end.Add(EmergencyPeriod)) {
		return fmt.Errorf("%w: opens at %s", ErrEmergencyNotOpen, c.end.Add(EmergencyPeriod).UTC().Format(time.RFC3339))
	}
	p, joined := c.participants[caller]
	if !joined || !p.Stake.IsPositive() {
		return fmt.Errorf("%w: %s", ErrNoStakeToWithdraw, caller)
	}

	refund := p.Stake
	if err := l.bank.Disburse(caller, refund); err != nil {
		return fmt.Errorf("disburse refund: %w", err)
	}
	p.Stake = 0
	c.totalStaked -= refund

	l.emit(Event{Type: EventStakeWithdrawn, ChallengeID: id, Actor: caller, Amount: refund, At: now})
	l.logger.Warn("emergency withdrawal", "challenge_id", id, "participant", caller.Hex(), "amount", int64(refund))
	return nil
}
