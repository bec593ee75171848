package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the read model in SQLite. Suitable for a
// single-node oracle deployment.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS mirror_challenges (
		id INTEGER PRIMARY KEY,
		creator TEXT NOT NULL,
		start_at DATETIME NOT NULL,
		end_at DATETIME NOT NULL,
		stake_amount INTEGER NOT NULL,
		total_staked INTEGER NOT NULL,
		state TEXT NOT NULL,
		winner TEXT NOT NULL DEFAULT '',
		result_hash TEXT NOT NULL DEFAULT '',
		participant_count INTEGER NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS mirror_participants (
		challenge_id INTEGER NOT NULL,
		address TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		stake INTEGER NOT NULL,
		join_index INTEGER NOT NULL,
		PRIMARY KEY (challenge_id, address)
	);
	CREATE TABLE IF NOT EXISTS mirror_leaderboard (
		challenge_id INTEGER NOT NULL,
		rank INTEGER NOT NULL,
		address TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		miles REAL NOT NULL,
		samples INTEGER NOT NULL,
		confirmed INTEGER NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (challenge_id, rank)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) UpsertChallenge(ctx context.Context, row ChallengeRow) error {
	query := `INSERT INTO mirror_challenges (
		id, creator, start_at, end_at, stake_amount, total_staked, state, winner, result_hash, participant_count, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		total_staked = excluded.total_staked,
		state = excluded.state,
		winner = excluded.winner,
		result_hash = excluded.result_hash,
		participant_count = excluded.participant_count,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		row.ID, row.Creator,
		row.Start.UTC().Format(time.RFC3339Nano), row.End.UTC().Format(time.RFC3339Nano),
		row.StakeAmount, row.TotalStaked, row.State, row.Winner, row.ResultHash,
		row.ParticipantCount, row.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert mirror challenge: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReplaceParticipants(ctx context.Context, challengeID uint64, rows []ParticipantRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mirror_participants WHERE challenge_id = ?`, challengeID); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	for _, r := range rows {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO mirror_participants (challenge_id, address, correlation_id, stake, join_index) VALUES (?, ?, ?, ?, ?)`,
			challengeID, r.Address, r.CorrelationID, r.Stake, r.JoinIndex,
		)
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ReplaceLeaderboard(ctx context.Context, challengeID uint64, rows []LeaderboardRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mirror_leaderboard WHERE challenge_id = ?`, challengeID); err != nil {
		return fmt.Errorf("clear leaderboard: %w", err)
	}
	for _, r := range rows {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO mirror_leaderboard (challenge_id, rank, address, correlation_id, miles, samples, confirmed, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			challengeID, r.Rank, r.Address, r.CorrelationID, r.Miles, r.Samples, boolToInt(r.Confirmed),
			r.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert leaderboard row: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Challenge(ctx context.Context, id uint64) (ChallengeRow, error) {
	query := `SELECT id, creator, start_at, end_at, stake_amount, total_staked, state, winner, result_hash, participant_count, updated_at
		FROM mirror_challenges WHERE id = ?`
	return scanChallenge(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStore) Challenges(ctx context.Context, limit int) ([]ChallengeRow, error) {
	query := `SELECT id, creator, start_at, end_at, stake_amount, total_staked, state, winner, result_hash, participant_count, updated_at
		FROM mirror_challenges ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ChallengeRow
	for rows.Next() {
		row, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Participants(ctx context.Context, challengeID uint64) ([]ParticipantRow, error) {
	query := `SELECT challenge_id, address, correlation_id, stake, join_index
		FROM mirror_participants WHERE challenge_id = ? ORDER BY join_index`
	rows, err := s.db.QueryContext(ctx, query, challengeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ParticipantRow
	for rows.Next() {
		var r ParticipantRow
		if err := rows.Scan(&r.ChallengeID, &r.Address, &r.CorrelationID, &r.Stake, &r.JoinIndex); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Leaderboard(ctx context.Context, challengeID uint64) ([]LeaderboardRow, error) {
	query := `SELECT challenge_id, rank, address, correlation_id, miles, samples, confirmed, updated_at
		FROM mirror_leaderboard WHERE challenge_id = ? ORDER BY rank`
	rows, err := s.db.QueryContext(ctx, query, challengeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []LeaderboardRow
	for rows.Next() {
		var (
			r         LeaderboardRow
			confirmed int
			updated   string
		)
		if err := rows.Scan(&r.ChallengeID, &r.Rank, &r.Address, &r.CorrelationID, &r.Miles, &r.Samples, &confirmed, &updated); err != nil {
			return nil, err
		}
		r.Confirmed = confirmed != 0
		r.UpdatedAt = parseStoredTime(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (ChallengeRow, error) {
	var (
		r                  ChallengeRow
		start, end, update string
	)
	err := row.Scan(&r.ID, &r.Creator, &start, &end, &r.StakeAmount, &r.TotalStaked, &r.State, &r.Winner, &r.ResultHash, &r.ParticipantCount, &update)
	if err != nil {
		if err == sql.ErrNoRows {
			return ChallengeRow{}, ErrNotFound
		}
		return ChallengeRow{}, err
	}
	r.Start = parseStoredTime(start)
	r.End = parseStoredTime(end)
	r.UpdatedAt = parseStoredTime(update)
	return r, nil
}

func parseStoredTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
