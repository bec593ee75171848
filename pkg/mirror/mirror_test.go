package mirror

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/milepool/milepool/pkg/attest"
	"github.com/milepool/milepool/pkg/identity"
	"github.com/milepool/milepool/pkg/stake"
)

type mirrorFixture struct {
	ledger    *stake.Ledger
	projector *Projector
	store     *SQLiteStore
	bank      *stake.MemBank
	addrs     []identity.Address

	mu  sync.Mutex
	now time.Time
}

func (f *mirrorFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *mirrorFixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newMirrorFixture(t *testing.T) *mirrorFixture {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)

	f := &mirrorFixture{
		store: store,
		bank:  stake.NewMemBank(),
		now:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	for i := 0; i < 3; i++ {
		key, err := identity.GenerateKey()
		require.NoError(t, err)
		f.addrs = append(f.addrs, key.Address())
		f.bank.Credit(key.Address(), 1000)
	}
	attesterKey, err := identity.GenerateKey()
	require.NoError(t, err)

	// The projector needs the ledger and the ledger needs the sink,
	// so bind the sink late through a SinkFunc.
	var projector *Projector
	ledger, err := stake.NewLedger(f.bank, attesterKey.Address(),
		stake.WithClock(f.clock),
		stake.WithEventSink(stake.SinkFunc(func(e stake.Event) { projector.Record(e) })),
	)
	require.NoError(t, err)
	projector = NewProjector(ledger, store, nil)

	f.ledger = ledger
	f.projector = projector
	return f
}

func (f *mirrorFixture) createJoined(t *testing.T) uint64 {
	t.Helper()
	id, err := f.ledger.CreateChallenge(f.addrs[0], f.now.Add(time.Hour), f.now.Add(7*24*time.Hour), 100, f.addrs[1:])
	require.NoError(t, err)
	for i, addr := range f.addrs {
		require.NoError(t, f.ledger.Join(id, addr, "athlete-"+string(rune('a'+i)), 100))
	}
	return id
}

func TestProjectorSyncsChallengeAndParticipants(t *testing.T) {
	f := newMirrorFixture(t)
	ctx := context.Background()
	id := f.createJoined(t)

	require.NoError(t, f.projector.Sync(ctx))

	row, err := f.store.Challenge(ctx, id)
	require.NoError(t, err)
	require.Equal(t, f.addrs[0].Hex(), row.Creator)
	require.Equal(t, int64(100), row.StakeAmount)
	require.Equal(t, int64(300), row.TotalStaked)
	require.Equal(t, "PENDING", row.State)
	require.Equal(t, 3, row.ParticipantCount)

	parts, err := f.store.Participants(ctx, id)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	require.Equal(t, f.addrs[0].Hex(), parts[0].Address)
	require.Equal(t, 0, parts[0].JoinIndex)
	require.Equal(t, "athlete-a", parts[0].CorrelationID)
}

func TestProjectorReflectsDerivedState(t *testing.T) {
	f := newMirrorFixture(t)
	ctx := context.Background()
	id := f.createJoined(t)
	require.NoError(t, f.projector.Sync(ctx)) // drain the create/join events

	f.advance(2 * time.Hour) // past start
	require.NoError(t, f.projector.Sync(ctx))
	row, err := f.store.Challenge(ctx, id)
	require.NoError(t, err)
	// No event fired since the first sync, so nothing was reprojected.
	require.Equal(t, "PENDING", row.State)

	// Rebuild reads through regardless of events.
	require.NoError(t, f.projector.Rebuild(ctx))
	row, err = f.store.Challenge(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "ACTIVE", row.State)
}

func TestProjectorSyncSkipsUntouchedChallenges(t *testing.T) {
	f := newMirrorFixture(t)
	ctx := context.Background()
	id := f.createJoined(t)
	require.NoError(t, f.projector.Sync(ctx))

	_, err := f.store.Challenge(ctx, id)
	require.NoError(t, err)

	_, err = f.store.Challenge(ctx, id+1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRebuildMatchesIncrementalProjection(t *testing.T) {
	f := newMirrorFixture(t)
	ctx := context.Background()
	id := f.createJoined(t)
	require.NoError(t, f.projector.Sync(ctx))
	incremental, err := f.store.Challenge(ctx, id)
	require.NoError(t, err)

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	fresh, err := NewSQLiteStore(db)
	require.NoError(t, err)

	rebuilt := NewProjector(f.ledger, fresh, nil)
	require.NoError(t, rebuilt.Rebuild(ctx))

	full, err := fresh.Challenge(ctx, id)
	require.NoError(t, err)
	full.UpdatedAt = incremental.UpdatedAt
	require.Equal(t, incremental, full)

	p1, err := f.store.Participants(ctx, id)
	require.NoError(t, err)
	p2, err := fresh.Participants(ctx, id)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
}

func TestPublishStandingsRanksByMiles(t *testing.T) {
	f := newMirrorFixture(t)
	ctx := context.Background()
	id := f.createJoined(t)

	now := f.clock()
	standings := []attest.Standing{
		{Address: f.addrs[0], CorrelationID: "athlete-a", JoinIndex: 0, Miles: 12.5, Samples: 3, Confirmed: true, UpdatedAt: now},
		{Address: f.addrs[1], CorrelationID: "athlete-b", JoinIndex: 1, Miles: 40.0, Samples: 8, Confirmed: false, UpdatedAt: now},
		{Address: f.addrs[2], CorrelationID: "athlete-c", JoinIndex: 2, Miles: 12.5, Samples: 2, Confirmed: true, UpdatedAt: now},
	}
	require.NoError(t, f.projector.PublishStandings(ctx, id, standings))

	board, err := f.store.Leaderboard(ctx, id)
	require.NoError(t, err)
	require.Len(t, board, 3)
	require.Equal(t, f.addrs[1].Hex(), board[0].Address)
	require.Equal(t, 1, board[0].Rank)
	// Tie on miles keeps the earlier joiner ahead.
	require.Equal(t, f.addrs[0].Hex(), board[1].Address)
	require.Equal(t, f.addrs[2].Hex(), board[2].Address)
	require.True(t, board[1].Confirmed)

	// Re-publishing replaces rather than appends.
	require.NoError(t, f.projector.PublishStandings(ctx, id, standings[:2]))
	board, err = f.store.Leaderboard(ctx, id)
	require.NoError(t, err)
	require.Len(t, board, 2)
}
