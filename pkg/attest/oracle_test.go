package attest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/milepool/milepool/pkg/identity"
	"github.com/milepool/milepool/pkg/stake"
)

// fakeSource serves mileage from a map and counts fetches.
type fakeSource struct {
	mu      sync.Mutex
	miles   map[string]float64
	samples map[string]int
	fetches int
	fail    bool
}

func (s *fakeSource) FetchMileage(ctx context.Context, correlationID string, _, _ time.Time) (float64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fail {
		return 0, 0, fmt.Errorf("activity service unavailable")
	}
	// Unknown athletes report zero, not an error.
	return s.miles[correlationID], s.samples[correlationID], nil
}

func (s *fakeSource) set(correlationID string, miles float64, samples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.miles == nil {
		s.miles = make(map[string]float64)
		s.samples = make(map[string]int)
	}
	s.miles[correlationID] = miles
	s.samples[correlationID] = samples
}

type oracleFixture struct {
	ledger *stake.Ledger
	bank   *stake.MemBank
	oracle *Oracle
	source *fakeSource
	keys   []*identity.Key
	addrs  []identity.Address
	now    time.Time
	id     uint64
	end    time.Time
}

// newOracleFixture creates a challenge with participants A, B, C all
// joined at stake 100 and the clock advanced to the challenge end.
func newOracleFixture(t *testing.T) *oracleFixture {
	t.Helper()
	f := &oracleFixture{
		bank:   stake.NewMemBank(),
		source: &fakeSource{},
		now:    time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	attester, err := identity.GenerateKey()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		key, err := identity.GenerateKey()
		require.NoError(t, err)
		f.keys = append(f.keys, key)
		f.addrs = append(f.addrs, key.Address())
		f.bank.Credit(key.Address(), 1000)
	}

	f.ledger, err = stake.NewLedger(f.bank, attester.Address(), stake.WithClock(clock))
	require.NoError(t, err)
	f.oracle = NewOracle(f.ledger, f.source, attester, WithClock(clock))

	start := f.now.Add(time.Hour)
	f.end = start.Add(7 * 24 * time.Hour)
	f.id, err = f.ledger.CreateChallenge(f.addrs[0], start, f.end, 100, f.addrs[1:])
	require.NoError(t, err)
	for i, addr := range f.addrs {
		require.NoError(t, f.ledger.Join(f.id, addr, fmt.Sprintf("athlete-%d", i), 100))
	}
	require.NoError(t, f.oracle.Track(f.id))

	f.now = f.end // grace period begins
	return f
}

func (f *oracleFixture) confirm(t *testing.T, i int) {
	t.Helper()
	sig, err := f.keys[i].Sign(ConfirmDigest(f.id))
	require.NoError(t, err)
	require.NoError(t, f.oracle.Confirm(f.id, f.addrs[i], sig))
}

func TestFinalizeFollowsConfirmationRule(t *testing.T) {
	f := newOracleFixture(t)
	f.source.set("athlete-0", 42.5, 10)
	f.source.set("athlete-1", 88.1, 21)
	f.source.set("athlete-2", 60.0, 15)

	// At now == end nothing is confirmed and the grace timer has not
	// expired: a structured refusal, not an error.
	att, notReady, err := f.oracle.Finalize(context.Background(), f.id)
	require.NoError(t, err)
	require.Nil(t, att)
	require.NotNil(t, notReady)
	require.Equal(t, 0, notReady.Confirmed)
	require.Equal(t, 3, notReady.Joined)
	require.Equal(t, GracePeriodLen, notReady.TimeRemaining)

	// Unanimous confirmation short-circuits the timer.
	for i := range f.keys {
		f.confirm(t, i)
	}
	att, notReady, err = f.oracle.Finalize(context.Background(), f.id)
	require.NoError(t, err)
	require.Nil(t, notReady)
	require.NotNil(t, att)
	require.Equal(t, f.addrs[1], att.Winner, "max mileage participant must win")
	require.NotEmpty(t, att.ResultHash)

	// The winner settles on the ledger and receives the full pool.
	require.NoError(t, f.ledger.ClaimWithAttestation(f.id, att.Winner, *att))
	require.Equal(t, stake.Amount(1200), f.bank.Balance(f.addrs[1]))

	err = f.ledger.ClaimWithAttestation(f.id, att.Winner, *att)
	require.ErrorIs(t, err, stake.ErrChallengeTerminal)
}

func TestGraceExpiryAllowsUnconfirmedWinner(t *testing.T) {
	f := newOracleFixture(t)
	f.source.set("athlete-2", 120.0, 30)
	f.confirm(t, 0)
	f.confirm(t, 1)
	// athlete-2 never confirms but has the highest mileage.

	f.now = f.end.Add(GracePeriodLen)
	att, notReady, err := f.oracle.Finalize(context.Background(), f.id)
	require.NoError(t, err)
	require.Nil(t, notReady)
	require.Equal(t, f.addrs[2], att.Winner, "confirmation gates timing, not eligibility")
}

func TestTieBreakGoesToEarliestJoiner(t *testing.T) {
	f := newOracleFixture(t)
	f.source.set("athlete-0", 50.0, 5)
	f.source.set("athlete-1", 50.0, 7)
	f.source.set("athlete-2", 50.0, 9)

	f.now = f.end.Add(GracePeriodLen)
	att, _, err := f.oracle.Finalize(context.Background(), f.id)
	require.NoError(t, err)
	require.Equal(t, f.addrs[0], att.Winner, "equal mileage resolves to the first joiner")
}

func TestFinalizeDeterministicResultHash(t *testing.T) {
	f := newOracleFixture(t)
	f.source.set("athlete-0", 10, 1)
	f.source.set("athlete-1", 20, 2)
	f.source.set("athlete-2", 30, 3)
	f.now = f.end.Add(GracePeriodLen)

	first, _, err := f.oracle.Finalize(context.Background(), f.id)
	require.NoError(t, err)
	second, _, err := f.oracle.Finalize(context.Background(), f.id)
	require.NoError(t, err)
	require.Equal(t, first.ResultHash, second.ResultHash)
	require.Equal(t, first.Winner, second.Winner)
}

func TestFinalizeBeforeEndIsNotSettleable(t *testing.T) {
	f := newOracleFixture(t)
	f.now = f.end.Add(-time.Hour) // back into ACTIVE
	_, _, err := f.oracle.Finalize(context.Background(), f.id)
	require.ErrorIs(t, err, ErrNotSettleable)
}

func TestFinalizeSurfacesFetchFailureAsRetryable(t *testing.T) {
	f := newOracleFixture(t)
	f.source.fail = true
	f.now = f.end.Add(GracePeriodLen)

	_, _, err := f.oracle.Finalize(context.Background(), f.id)
	require.ErrorIs(t, err, ErrFetchFailed)
	require.True(t, Retryable(err))

	// The failure was transient: the same call succeeds on retry.
	f.source.fail = false
	att, _, err := f.oracle.Finalize(context.Background(), f.id)
	require.NoError(t, err)
	require.NotNil(t, att)
}

func TestConfirmRejections(t *testing.T) {
	f := newOracleFixture(t)

	t.Run("before end", func(t *testing.T) {
		f.now = f.end.Add(-time.Minute)
		sig, _ := f.keys[0].Sign(ConfirmDigest(f.id))
		err := f.oracle.Confirm(f.id, f.addrs[0], sig)
		require.ErrorIs(t, err, ErrConfirmTooEarly)
		f.now = f.end
	})

	t.Run("signature by someone else", func(t *testing.T) {
		sig, _ := f.keys[1].Sign(ConfirmDigest(f.id))
		err := f.oracle.Confirm(f.id, f.addrs[0], sig)
		require.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("signature for another challenge", func(t *testing.T) {
		sig, _ := f.keys[0].Sign(ConfirmDigest(f.id + 1))
		err := f.oracle.Confirm(f.id, f.addrs[0], sig)
		require.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("non-participant", func(t *testing.T) {
		outsider, err := identity.GenerateKey()
		require.NoError(t, err)
		sig, _ := outsider.Sign(ConfirmDigest(f.id))
		err = f.oracle.Confirm(f.id, outsider.Address(), sig)
		require.ErrorIs(t, err, ErrUnknownParticipant)
	})

	t.Run("untracked challenge", func(t *testing.T) {
		sig, _ := f.keys[0].Sign(ConfirmDigest(99))
		err := f.oracle.Confirm(99, f.addrs[0], sig)
		require.ErrorIs(t, err, ErrChallengeUnknown)
	})
}

func TestConfirmIsIdempotent(t *testing.T) {
	f := newOracleFixture(t)
	f.confirm(t, 0)
	f.confirm(t, 0)
	status, err := f.oracle.Status(f.id)
	require.NoError(t, err)
	require.Equal(t, 1, status.Confirmed)
	require.Equal(t, 3, status.Joined)
}

func TestOracleTracksLedgerEvents(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	bank := stake.NewMemBank()
	attester, err := identity.GenerateKey()
	require.NoError(t, err)
	creator, err := identity.GenerateKey()
	require.NoError(t, err)
	rival, err := identity.GenerateKey()
	require.NoError(t, err)
	bank.Credit(creator.Address(), 500)

	// Late-bound sink so the ledger can feed the oracle that reads it.
	var oracle *Oracle
	ledger, err := stake.NewLedger(bank, attester.Address(),
		stake.WithClock(func() time.Time { return now }),
		stake.WithEventSink(stake.SinkFunc(func(e stake.Event) { oracle.Record(e) })))
	require.NoError(t, err)
	oracle = NewOracle(ledger, &fakeSource{}, attester, WithClock(func() time.Time { return now }))

	id, err := ledger.CreateChallenge(creator.Address(), now.Add(time.Hour), now.Add(48*time.Hour), 100, []identity.Address{rival.Address()})
	require.NoError(t, err)
	require.Contains(t, oracle.TrackedIDs(), id)

	require.NoError(t, ledger.Join(id, creator.Address(), "athlete-x", 100))
	status, err := oracle.Status(id)
	require.NoError(t, err)
	require.Equal(t, 1, status.Joined)

	// A join on an already-tracked challenge refreshes membership too.
	bank.Credit(rival.Address(), 500)
	require.NoError(t, ledger.Join(id, rival.Address(), "athlete-y", 100))
	status, err = oracle.Status(id)
	require.NoError(t, err)
	require.Equal(t, 2, status.Joined)
	require.Len(t, status.Standings, 2)
}

func TestSweeperRefreshesOpenChallenges(t *testing.T) {
	f := newOracleFixture(t)
	f.now = f.end.Add(-time.Hour) // ACTIVE

	sweeper := NewSweeper(f.oracle, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sweeper.Run(ctx)

	f.source.mu.Lock()
	fetches := f.source.fetches
	f.source.mu.Unlock()
	require.GreaterOrEqual(t, fetches, 3, "each participant fetched at least once per sweep")
}
