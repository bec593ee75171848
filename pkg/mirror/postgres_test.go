package mirror

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &PostgresStore{db: db}, mock
}

func TestPostgresUpsertChallenge(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO mirror_challenges")).
		WithArgs(int64(1), "0xabc", sqlmock.AnyArg(), sqlmock.AnyArg(), int64(100), int64(300),
			"ACTIVE", "", "", 3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.UpsertChallenge(context.Background(), ChallengeRow{
		ID:               1,
		Creator:          "0xabc",
		Start:            time.Now(),
		End:              time.Now().Add(24 * time.Hour),
		StakeAmount:      100,
		TotalStaked:      300,
		State:            "ACTIVE",
		ParticipantCount: 3,
		UpdatedAt:        time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresChallengeNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM mirror_challenges WHERE id = $1")).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "creator", "start_at", "end_at", "stake_amount", "total_staked",
			"state", "winner", "result_hash", "participant_count", "updated_at",
		}))

	_, err := store.Challenge(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReplaceParticipantsIsTransactional(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM mirror_participants WHERE challenge_id = $1")).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO mirror_participants")).
		WithArgs(int64(7), "0xaaa", "athlete-1", int64(100), 0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.ReplaceParticipants(context.Background(), 7, []ParticipantRow{
		{ChallengeID: 7, Address: "0xaaa", CorrelationID: "athlete-1", Stake: 100, JoinIndex: 0},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLeaderboardScan(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM mirror_leaderboard WHERE challenge_id = $1 ORDER BY rank")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{
			"challenge_id", "rank", "address", "correlation_id", "miles", "samples", "confirmed", "updated_at",
		}).
			AddRow(3, 1, "0xaaa", "athlete-1", 42.5, 9, true, now).
			AddRow(3, 2, "0xbbb", "athlete-2", 30.0, 5, false, now))

	board, err := store.Leaderboard(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, board, 2)
	require.Equal(t, 1, board[0].Rank)
	require.Equal(t, 42.5, board[0].Miles)
	require.True(t, board[0].Confirmed)
	require.NoError(t, mock.ExpectationsWereMet())
}
