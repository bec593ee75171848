//go:build property
// +build property

// Property-based tests for the settlement ledger's economic invariant:
// totalStaked always equals the sum of live participant stakes, across
// arbitrary operation sequences.
package stake_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/milepool/milepool/pkg/identity"
	"github.com/milepool/milepool/pkg/stake"
)

// op codes applied in sequence against one challenge.
const (
	opJoin0 = iota
	opJoin1
	opJoin2
	opAdvanceHour
	opAdvanceWeek
	opCancelConsent
	opWithdraw0
	opWithdraw1
	opClaim0
	opEmergency1
	opCount
)

func TestTotalStakedInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("totalStaked == sum of live stakes after every operation", prop.ForAll(
		func(ops []int) bool {
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			clock := &now

			bank := stake.NewMemBank()
			attester, err := identity.GenerateKey()
			if err != nil {
				return false
			}
			var keys []*identity.Key
			var addrs []identity.Address
			for i := 0; i < 3; i++ {
				k, err := identity.GenerateKey()
				if err != nil {
					return false
				}
				keys = append(keys, k)
				addrs = append(addrs, k.Address())
				bank.Credit(k.Address(), 1000)
			}

			ledger, err := stake.NewLedger(bank, attester.Address(),
				stake.WithClock(func() time.Time { return *clock }))
			if err != nil {
				return false
			}
			start := now.Add(time.Hour)
			end := start.Add(7 * 24 * time.Hour)
			id, err := ledger.CreateChallenge(addrs[0], start, end, 100, addrs[1:])
			if err != nil {
				return false
			}

			apply := func(op int) {
				switch op {
				case opJoin0, opJoin1, opJoin2:
					_ = ledger.Join(id, addrs[op], "athlete", 100)
				case opAdvanceHour:
					*clock = clock.Add(time.Hour)
				case opAdvanceWeek:
					*clock = clock.Add(7 * 24 * time.Hour)
				case opCancelConsent:
					parts, _ := ledger.Participants(id)
					digest := stake.CancelDigest(id)
					var sigs [][]byte
					for _, p := range parts {
						for i, a := range addrs {
							if a == p.Address {
								s, _ := keys[i].Sign(digest)
								sigs = append(sigs, s)
							}
						}
					}
					_ = ledger.CancelByConsent(id, sigs)
				case opWithdraw0:
					_ = ledger.WithdrawFromCancelled(id, addrs[0])
				case opWithdraw1:
					_ = ledger.WithdrawFromCancelled(id, addrs[1])
				case opClaim0:
					att := stake.Attestation{
						ChallengeID: id,
						Winner:      addrs[0],
						ResultHash:  []byte("hash"),
						SignedAt:    *clock,
					}
					d := stake.FinalizeDigest(id, addrs[0], att.ResultHash, att.SignedAt)
					att.Signature, _ = attester.Sign(d)
					_ = ledger.ClaimWithAttestation(id, addrs[0], att)
				case opEmergency1:
					_ = ledger.EmergencyWithdraw(id, addrs[1])
				}
			}

			check := func() bool {
				info, err := ledger.Challenge(id)
				if err != nil {
					return false
				}
				parts, err := ledger.Participants(id)
				if err != nil {
					return false
				}
				var sum stake.Amount
				for _, p := range parts {
					sum += p.Stake
				}
				if info.TotalStaked != sum {
					return false
				}
				// No fund creation or loss: wallet balances plus escrow
				// always total the initial endowment.
				var wallets stake.Amount
				for _, a := range addrs {
					wallets += bank.Balance(a)
				}
				return wallets+bank.Escrowed() == 3000
			}

			if !check() {
				return false
			}
			for _, op := range ops {
				apply(op)
				if !check() {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, opCount-1)),
	))

	properties.TestingRun(t)
}
