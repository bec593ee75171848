package mirror

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists the read model in PostgreSQL for deployments
// where the leaderboard is served by more than one front end.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS mirror_challenges (
		id BIGINT PRIMARY KEY,
		creator TEXT NOT NULL,
		start_at TIMESTAMPTZ NOT NULL,
		end_at TIMESTAMPTZ NOT NULL,
		stake_amount BIGINT NOT NULL,
		total_staked BIGINT NOT NULL,
		state TEXT NOT NULL,
		winner TEXT NOT NULL DEFAULT '',
		result_hash TEXT NOT NULL DEFAULT '',
		participant_count INTEGER NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS mirror_participants (
		challenge_id BIGINT NOT NULL,
		address TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		stake BIGINT NOT NULL,
		join_index INTEGER NOT NULL,
		PRIMARY KEY (challenge_id, address)
	);
	CREATE TABLE IF NOT EXISTS mirror_leaderboard (
		challenge_id BIGINT NOT NULL,
		rank INTEGER NOT NULL,
		address TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		miles DOUBLE PRECISION NOT NULL,
		samples INTEGER NOT NULL,
		confirmed BOOLEAN NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (challenge_id, rank)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) UpsertChallenge(ctx context.Context, row ChallengeRow) error {
	query := `INSERT INTO mirror_challenges (
		id, creator, start_at, end_at, stake_amount, total_staked, state, winner, result_hash, participant_count, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		total_staked = EXCLUDED.total_staked,
		state = EXCLUDED.state,
		winner = EXCLUDED.winner,
		result_hash = EXCLUDED.result_hash,
		participant_count = EXCLUDED.participant_count,
		updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		int64(row.ID), row.Creator, row.Start.UTC(), row.End.UTC(),
		row.StakeAmount, row.TotalStaked, row.State, row.Winner, row.ResultHash,
		row.ParticipantCount, row.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert mirror challenge: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReplaceParticipants(ctx context.Context, challengeID uint64, rows []ParticipantRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mirror_participants WHERE challenge_id = $1`, int64(challengeID)); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	for _, r := range rows {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO mirror_participants (challenge_id, address, correlation_id, stake, join_index) VALUES ($1, $2, $3, $4, $5)`,
			int64(challengeID), r.Address, r.CorrelationID, r.Stake, r.JoinIndex,
		)
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ReplaceLeaderboard(ctx context.Context, challengeID uint64, rows []LeaderboardRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mirror_leaderboard WHERE challenge_id = $1`, int64(challengeID)); err != nil {
		return fmt.Errorf("clear leaderboard: %w", err)
	}
	for _, r := range rows {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO mirror_leaderboard (challenge_id, rank, address, correlation_id, miles, samples, confirmed, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			int64(challengeID), r.Rank, r.Address, r.CorrelationID, r.Miles, r.Samples, r.Confirmed, r.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert leaderboard row: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Challenge(ctx context.Context, id uint64) (ChallengeRow, error) {
	query := `SELECT id, creator, start_at, end_at, stake_amount, total_staked, state, winner, result_hash, participant_count, updated_at
		FROM mirror_challenges WHERE id = $1`
	var r ChallengeRow
	err := s.db.QueryRowContext(ctx, query, int64(id)).Scan(
		&r.ID, &r.Creator, &r.Start, &r.End, &r.StakeAmount, &r.TotalStaked,
		&r.State, &r.Winner, &r.ResultHash, &r.ParticipantCount, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return ChallengeRow{}, ErrNotFound
	}
	if err != nil {
		return ChallengeRow{}, err
	}
	return r, nil
}

func (s *PostgresStore) Challenges(ctx context.Context, limit int) ([]ChallengeRow, error) {
	query := `SELECT id, creator, start_at, end_at, stake_amount, total_staked, state, winner, result_hash, participant_count, updated_at
		FROM mirror_challenges ORDER BY id DESC LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ChallengeRow
	for rows.Next() {
		var r ChallengeRow
		if err := rows.Scan(&r.ID, &r.Creator, &r.Start, &r.End, &r.StakeAmount, &r.TotalStaked,
			&r.State, &r.Winner, &r.ResultHash, &r.ParticipantCount, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Participants(ctx context.Context, challengeID uint64) ([]ParticipantRow, error) {
	query := `SELECT challenge_id, address, correlation_id, stake, join_index
		FROM mirror_participants WHERE challenge_id = $1 ORDER BY join_index`
	rows, err := s.db.QueryContext(ctx, query, int64(challengeID))
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

func (s *PostgresStore) Leaderboard(ctx context.Context, challengeID uint64) ([]LeaderboardRow, error) {
	query := `SELECT challenge_id, rank, address, correlation_id, miles, samples, confirmed, updated_at
		FROM mirror_leaderboard WHERE challenge_id = $1 ORDER BY rank`
	rows, err := s.db.QueryContext(ctx, query, int64(challengeID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []LeaderboardRow
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.ChallengeID, &r.Rank, &r.Address, &r.CorrelationID, &r.Miles, &r.Samples, &r.Confirmed, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
