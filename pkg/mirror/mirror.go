// Package mirror maintains a queryable read model of the escrow ledger.
// The mirror is strictly derivative: it is rebuilt from the ledger at
// any time and nothing in settlement depends on it being fresh.
package mirror

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/milepool/milepool/pkg/attest"
	"github.com/milepool/milepool/pkg/stake"
)

// ErrNotFound is returned when the mirror has no row for the query.
var ErrNotFound = errors.New("mirror: not found")

// ChallengeRow is the display projection of one challenge.
type ChallengeRow struct {
	ID               uint64
	Creator          string
	Start            time.Time
	End              time.Time
	StakeAmount      int64
	TotalStaked      int64
	State            string
	Winner           string
	ResultHash       string
	ParticipantCount int
	UpdatedAt        time.Time
}

// ParticipantRow is the display projection of one participant record.
type ParticipantRow struct {
	ChallengeID   uint64
	Address       string
	CorrelationID string
	Stake         int64
	JoinIndex     int
}

// LeaderboardRow is one ranked standings line published by the oracle.
type LeaderboardRow struct {
	ChallengeID   uint64
	Rank          int
	Address       string
	CorrelationID string
	Miles         float64
	Samples       int
	Confirmed     bool
	UpdatedAt     time.Time
}

// Store persists the read model. Implementations are free to be
// eventually consistent; the projector always writes whole snapshots.
type Store interface {
	UpsertChallenge(ctx context.Context, row ChallengeRow) error
	ReplaceParticipants(ctx context.Context, challengeID uint64, rows []ParticipantRow) error
	ReplaceLeaderboard(ctx context.Context, challengeID uint64, rows []LeaderboardRow) error

	Challenge(ctx context.Context, id uint64) (ChallengeRow, error)
	Challenges(ctx context.Context, limit int) ([]ChallengeRow, error)
	Participants(ctx context.Context, challengeID uint64) ([]ParticipantRow, error)
	Leaderboard(ctx context.Context, challengeID uint64) ([]LeaderboardRow, error)
}

// Projector keeps a Store in step with the ledger. It satisfies
// stake.EventSink: Record only marks the touched challenge dirty, and
// the actual read-through happens later in Sync, outside the ledger's
// locks.
type Projector struct {
	ledger *stake.Ledger
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	dirty map[uint64]struct{}
}

func NewProjector(ledger *stake.Ledger, store Store, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{
		ledger: ledger,
		store:  store,
		logger: logger.With("component", "mirror"),
		dirty:  make(map[uint64]struct{}),
	}
}

// Record implements stake.EventSink.
func (p *Projector) Record(e stake.Event) {
	if e.Type == stake.EventAttesterRotated {
		return
	}
	p.mu.Lock()
	p.dirty[e.ChallengeID] = struct{}{}
	p.mu.Unlock()
}

// Sync projects every challenge touched since the previous Sync.
func (p *Projector) Sync(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]uint64, 0, len(p.dirty))
	for id := range p.dirty {
		ids = append(ids, id)
	}
	p.dirty = make(map[uint64]struct{})
	p.mu.Unlock()

	return p.project(ctx, ids)
}

// Rebuild reprojects the entire ledger, replacing whatever the store
// holds. Used at startup and by the rebuild-mirror command.
func (p *Projector) Rebuild(ctx context.Context) error {
	return p.project(ctx, p.ledger.ChallengeIDs())
}

func (p *Projector) project(ctx context.Context, ids []uint64) error {
	var firstErr error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.projectChallenge(ctx, id); err != nil {
			p.logger.Warn("mirror projection failed", "challenge_id", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Projector) projectChallenge(ctx context.Context, id uint64) error {
	info, err := p.ledger.Challenge(id)
	if err != nil {
		return fmt.Errorf("read challenge %d: %w", id, err)
	}
	state, err := p.ledger.EffectiveState(id)
	if err != nil {
		return fmt.Errorf("derive state for %d: %w", id, err)
	}
	participants, err := p.ledger.Participants(id)
	if err != nil {
		return fmt.Errorf("read participants for %d: %w", id, err)
	}

	row := ChallengeRow{
		ID:               info.ID,
		Creator:          info.Creator.Hex(),
		Start:            info.Start,
		End:              info.End,
		StakeAmount:      int64(info.StakeAmount),
		TotalStaked:      int64(info.TotalStaked),
		State:            state.String(),
		ParticipantCount: info.ParticipantCount,
		UpdatedAt:        time.Now().UTC(),
	}
	if !info.Winner.IsZero() {
		row.Winner = info.Winner.Hex()
	}
	if len(info.ResultHash) > 0 {
		row.ResultHash = hex.EncodeToString(info.ResultHash)
	}
	if err := p.store.UpsertChallenge(ctx, row); err != nil {
		return fmt.Errorf("upsert challenge %d: %w", id, err)
	}

	prows := make([]ParticipantRow, 0, len(participants))
	for _, part := range participants {
		prows = append(prows, ParticipantRow{
			ChallengeID:   id,
			Address:       part.Address.Hex(),
			CorrelationID: part.CorrelationID,
			Stake:         int64(part.Stake),
			JoinIndex:     part.JoinIndex,
		})
	}
	if err := p.store.ReplaceParticipants(ctx, id, prows); err != nil {
		return fmt.Errorf("replace participants for %d: %w", id, err)
	}
	return nil
}

// PublishStandings writes the oracle's current standings for a
// challenge, ranked by mileage with the earlier joiner first on ties.
func (p *Projector) PublishStandings(ctx context.Context, challengeID uint64, standings []attest.Standing) error {
	ranked := make([]LeaderboardRow, 0, len(standings))
	for _, s := range standings {
		ranked = append(ranked, LeaderboardRow{
			ChallengeID:   challengeID,
			Address:       s.Address.Hex(),
			CorrelationID: s.CorrelationID,
			Miles:         s.Miles,
			Samples:       s.Samples,
			Confirmed:     s.Confirmed,
			UpdatedAt:     s.UpdatedAt,
		})
	}
	// Standings arrive in join order; a stable sort on miles keeps
	// that order as the tie-break, matching settlement.
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Miles > ranked[j].Miles })
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	if err := p.store.ReplaceLeaderboard(ctx, challengeID, ranked); err != nil {
		return fmt.Errorf("replace leaderboard for %d: %w", challengeID, err)
	}
	return nil
}
