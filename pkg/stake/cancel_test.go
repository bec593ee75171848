package stake

import (
	"errors"
	"testing"
	"time"

	"github.com/milepool/milepool/pkg/identity"
)

func (f *fixture) consentSigs(t *testing.T, id uint64, signers ...*identity.Key) [][]byte {
	t.Helper()
	digest := CancelDigest(id)
	sigs := make([][]byte, 0, len(signers))
	for _, key := range signers {
		sig, err := key.Sign(digest)
		if err != nil {
			t.Fatal(err)
		}
		sigs = append(sigs, sig)
	}
	return sigs
}

func TestCancelByConsent(t *testing.T) {
	f := newFixture(t)
	id := f.createJoinable(t)
	f.join(t, id, 0)
	f.join(t, id, 1)

	// Unanimity is sized to joined participants, not the whitelist:
	// two signatures suffice while C has not joined.
	sigs := f.consentSigs(t, id, f.keys[0], f.keys[1])
	if err := f.ledger.CancelByConsent(id, sigs); err != nil {
		t.Fatal(err)
	}

	state, _ := f.ledger.EffectiveState(id)
	if state != StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", state)
	}
	if err := f.ledger.WithdrawFromCancelled(id, f.addrs[0]); err != nil {
		t.Fatal(err)
	}
	if f.bank.Balance(f.addrs[0]) != 1000 {
		t.Fatal("stake not refunded after consent cancellation")
	}
}

func TestCancelByConsentRejections(t *testing.T) {
	f := newFixture(t)
	id := f.createJoinable(t)
	f.join(t, id, 0)
	f.join(t, id, 1)
	f.join(t, id, 2)

	t.Run("missing one signature", func(t *testing.T) {
		sigs := f.consentSigs(t, id, f.keys[0], f.keys[1])
		if err := f.ledger.CancelByConsent(id, sigs); !errors.Is(err, ErrWrongSignatureCount) {
			t.Fatalf("expected ErrWrongSignatureCount, got %v", err)
		}
	})

	t.Run("duplicate signer", func(t *testing.T) {
		sigs := f.consentSigs(t, id, f.keys[0], f.keys[1], f.keys[1])
		if err := f.ledger.CancelByConsent(id, sigs); !errors.Is(err, ErrDuplicateSigner) {
			t.Fatalf("expected ErrDuplicateSigner, got %v", err)
		}
	})

	t.Run("signature from non-participant", func(t *testing.T) {
		outsider, _ := identity.GenerateKey()
		sigs := f.consentSigs(t, id, f.keys[0], f.keys[1], outsider)
		if err := f.ledger.CancelByConsent(id, sigs); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("expected ErrInvalidSignature, got %v", err)
		}
	})

	t.Run("signature for another challenge", func(t *testing.T) {
		other := f.createJoinable(t)
		sigs := f.consentSigs(t, other, f.keys[0], f.keys[1], f.keys[2])
		if err := f.ledger.CancelByConsent(id, sigs); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("expected ErrInvalidSignature, got %v", err)
		}
	})
}

func TestCancelByConsentAfterSettlementFails(t *testing.T) {
	f, id := settledFixture(t)
	att := f.signedAttestation(t, f.attester, id, f.addrs[0])
	if err := f.ledger.ClaimWithAttestation(id, f.addrs[0], att); err != nil {
		t.Fatal(err)
	}
	sigs := f.consentSigs(t, id, f.keys[0], f.keys[1], f.keys[2])
	if err := f.ledger.CancelByConsent(id, sigs); !errors.Is(err, ErrCannotCancel) {
		t.Fatalf("expected ErrCannotCancel, got %v", err)
	}
}

func TestCancelByConsentDuringGracePeriod(t *testing.T) {
	f, id := settledFixture(t) // clock sits at end: GRACE_PERIOD
	sigs := f.consentSigs(t, id, f.keys[0], f.keys[1], f.keys[2])
	if err := f.ledger.CancelByConsent(id, sigs); err != nil {
		t.Fatal(err)
	}
	for i := range f.addrs {
		if err := f.ledger.WithdrawFromCancelled(id, f.addrs[i]); err != nil {
			t.Fatal(err)
		}
		if f.bank.Balance(f.addrs[i]) != 1000 {
			t.Fatalf("participant %d not made whole", i)
		}
	}
}

func TestEmergencyWithdraw(t *testing.T) {
	f, id := settledFixture(t)

	// Not yet: the emergency window opens at end + 14 days.
	if err := f.ledger.EmergencyWithdraw(id, f.addrs[0]); !errors.Is(err, ErrEmergencyNotOpen) {
		t.Fatalf("expected ErrEmergencyNotOpen, got %v", err)
	}
	f.clock.Advance(EmergencyPeriod - time.Second)
	if err := f.ledger.EmergencyWithdraw(id, f.addrs[0]); !errors.Is(err, ErrEmergencyNotOpen) {
		t.Fatalf("one second early must still fail, got %v", err)
	}

	f.clock.Advance(time.Second)
	// Available to every joined participant, no attester involvement.
	for i := range f.addrs {
		if err := f.ledger.EmergencyWithdraw(id, f.addrs[i]); err != nil {
			t.Fatal(err)
		}
		if f.bank.Balance(f.addrs[i]) != 1000 {
			t.Fatalf("participant %d not made whole", i)
		}
	}
	info, _ := f.ledger.Challenge(id)
	if info.TotalStaked != 0 {
		t.Fatalf("totalStaked %d after full emergency drain", info.TotalStaked)
	}

	// Second attempt finds nothing.
	if err := f.ledger.EmergencyWithdraw(id, f.addrs[0]); !errors.Is(err, ErrNoStakeToWithdraw) {
		t.Fatalf("expected ErrNoStakeToWithdraw, got %v", err)
	}
}

func TestEmergencyWithdrawBlockedByTerminalState(t *testing.T) {
	f, id := settledFixture(t)
	att := f.signedAttestation(t, f.attester, id, f.addrs[1])
	if err := f.ledger.ClaimWithAttestation(id, f.addrs[1], att); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(EmergencyPeriod)
	if err := f.ledger.EmergencyWithdraw(id, f.addrs[0]); !errors.Is(err, ErrChallengeTerminal) {
		t.Fatalf("expected ErrChallengeTerminal, got %v", err)
	}
}
