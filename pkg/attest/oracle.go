// Package attest implements the off-chain attestation protocol: it
// tracks mileage and confirmations per challenge, decides when a result
// may be attested, and produces the signed attestation the settlement
// ledger verifies.
package attest

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/milepool/milepool/pkg/identity"
	"github.com/milepool/milepool/pkg/stake"
)

// LedgerReader is the read-only surface of the settlement ledger the
// oracle depends on. The oracle never mutates ledger state; the signed
// attestation it hands out is the winner's to submit.
type LedgerReader interface {
	Challenge(id uint64) (stake.ChallengeInfo, error)
	Participants(id uint64) ([]stake.Participant, error)
	EffectiveState(id uint64) (stake.State, error)
}

// MileageSource fetches a participant's recorded mileage over a time
// window. Implementations must bound their own timeouts; a "nothing
// found" result is zero miles, not an error.
type MileageSource interface {
	FetchMileage(ctx context.Context, correlationID string, windowStart, windowEnd time.Time) (miles float64, samples int, err error)
}

// NotReady is the structured refusal returned when a challenge is not
// yet eligible for attestation. It is a query result, not an error:
// callers poll again later.
type NotReady struct {
	TimeRemaining time.Duration `json:"time_remaining"`
	Confirmed     int           `json:"confirmed"`
	Joined        int           `json:"joined"`
}

// Status summarizes the oracle's view of a challenge.
type Status struct {
	ChallengeID uint64     `json:"challenge_id"`
	State       string     `json:"state"`
	Confirmed   int        `json:"confirmed"`
	Joined      int        `json:"joined"`
	Standings   []Standing `json:"standings"`
}

// Oracle holds the attester key and the per-challenge trackers.
type Oracle struct {
	ledger LedgerReader
	source MileageSource
	key    *identity.Key

	mu       sync.Mutex
	trackers map[uint64]*tracker
	signMu   map[uint64]*sync.Mutex
	pending  map[uint64]struct{}

	fetchTimeout time.Duration
	clock        func() time.Time
	logger       *slog.Logger
}

// OracleOption configures an Oracle.
type OracleOption func(*Oracle)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) OracleOption {
	return func(o *Oracle) { o.clock = clock }
}

// WithFetchTimeout bounds each individual mileage fetch.
func WithFetchTimeout(d time.Duration) OracleOption {
	return func(o *Oracle) { o.fetchTimeout = d }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) OracleOption {
	return func(o *Oracle) { o.logger = logger }
}

// NewOracle creates an oracle signing with key against ledger state and
// mileage from source.
func NewOracle(ledger LedgerReader, source MileageSource, key *identity.Key, opts ...OracleOption) *Oracle {
	o := &Oracle{
		ledger:       ledger,
		source:       source,
		key:          key,
		trackers:     make(map[uint64]*tracker),
		signMu:       make(map[uint64]*sync.Mutex),
		pending:      make(map[uint64]struct{}),
		fetchTimeout: 15 * time.Second,
		clock:        time.Now,
		logger:       slog.Default().With("component", "attest-oracle"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AttesterAddress returns the address of the oracle's signing key.
func (o *Oracle) AttesterAddress() identity.Address {
	return o.key.Address()
}

// Track registers a challenge for mileage tracking. Registering twice
// is harmless.
func (o *Oracle) Track(id uint64) error {
	if _, err := o.ledger.Challenge(id); err != nil {
		return err
	}
	o.mu.Lock()
	if _, ok := o.trackers[id]; !ok {
		o.trackers[id] = newTracker()
		o.signMu[id] = &sync.Mutex{}
	}
	o.mu.Unlock()
	return o.syncTracker(id)
}

// TrackedIDs returns the ids of all tracked challenges.
func (o *Oracle) TrackedIDs() []uint64 {
	o.reconcile()
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]uint64, 0, len(o.trackers))
	for id := range o.trackers {
		ids = append(ids, id)
	}
	return ids
}

// Record implements stake.EventSink: the oracle tracks challenges as
// they are created and keeps membership in sync as participants join.
//
// The ledger invokes sinks while holding the challenge lock, so Record
// must never read the ledger back. It only notes the id; the tracker is
// materialized by reconcile on the next oracle call.
func (o *Oracle) Record(e stake.Event) {
	switch e.Type {
	case stake.EventChallengeCreated, stake.EventParticipantJoined:
		o.mu.Lock()
		o.pending[e.ChallengeID] = struct{}{}
		o.mu.Unlock()
	}
}

// reconcile drains the ids noted by Record into live trackers.
func (o *Oracle) reconcile() {
	o.mu.Lock()
	if len(o.pending) == 0 {
		o.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(o.pending))
	for id := range o.pending {
		ids = append(ids, id)
	}
	o.pending = make(map[uint64]struct{})
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.Track(id); err != nil {
			o.logger.Warn("tracking failed", "challenge_id", id, "err", err)
		}
	}
}

// Confirm records a participant's signed confirmation that the result
// window is over. Confirmations are only accepted once the challenge
// has ended; the signature must recover to a joined participant.
func (o *Oracle) Confirm(id uint64, participant identity.Address, sig []byte) error {
	tr, err := o.tracked(id)
	if err != nil {
		return err
	}
	info, err := o.ledger.Challenge(id)
	if err != nil {
		return err
	}
	if o.clock().Before(info.End) {
		return fmt.Errorf("%w: challenge %d ends %s", ErrConfirmTooEarly, id, info.End.UTC().Format(time.RFC3339))
	}

	signer, err := identity.Recover(ConfirmDigest(id), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != participant {
		return fmt.Errorf("%w: recovered %s", ErrBadSignature, signer)
	}
	if !tr.confirm(signer) {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, signer)
	}

	confirmed, joined := tr.confirmedCount()
	o.logger.Info("confirmation recorded", "challenge_id", id, "participant", participant.Hex(), "confirmed", confirmed, "joined", joined)
	return nil
}

// RefreshMileage re-fetches every tracked participant's mileage over
// the challenge window. No tracker lock is held across fetches; the
// snapshot write is last-write-wins.
func (o *Oracle) RefreshMileage(ctx context.Context, id uint64) error {
	tr, err := o.tracked(id)
	if err != nil {
		return err
	}
	info, err := o.ledger.Challenge(id)
	if err != nil {
		return err
	}

	var failed int
	for _, row := range tr.standings() {
		fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
		miles, samples, err := o.source.FetchMileage(fetchCtx, row.CorrelationID, info.Start, info.End)
		cancel()
		if err != nil {
			failed++
			o.logger.Warn("mileage fetch failed", "challenge_id", id, "correlation_id", row.CorrelationID, "err", err)
			continue
		}
		tr.setMileage(row.Address, miles, samples, o.clock())
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d participants", ErrFetchFailed, failed, len(tr.standings()))
	}
	return nil
}

// Status reports the oracle's current view of a challenge.
func (o *Oracle) Status(id uint64) (Status, error) {
	tr, err := o.tracked(id)
	if err != nil {
		return Status{}, err
	}
	state, err := o.ledger.EffectiveState(id)
	if err != nil {
		return Status{}, err
	}
	confirmed, joined := tr.confirmedCount()
	return Status{
		ChallengeID: id,
		State:       state.String(),
		Confirmed:   confirmed,
		Joined:      joined,
		Standings:   tr.standings(),
	}, nil
}

// Finalize decides whether the challenge may be attested now and, if
// so, refreshes mileage and returns a signed attestation naming the
// winner. If the decision rule is not yet satisfied it returns a
// NotReady refusal instead, which is idempotent and retryable.
//
// Signing is serialized per challenge: concurrent calls may each get a
// freshly timestamped attestation, but never different winners.
func (o *Oracle) Finalize(ctx context.Context, id uint64) (*stake.Attestation, *NotReady, error) {
	tr, err := o.tracked(id)
	if err != nil {
		return nil, nil, err
	}
	o.mu.Lock()
	signMu := o.signMu[id]
	o.mu.Unlock()

	signMu.Lock()
	defer signMu.Unlock()

	info, err := o.ledger.Challenge(id)
	if err != nil {
		return nil, nil, err
	}
	state, err := o.ledger.EffectiveState(id)
	if err != nil {
		return nil, nil, err
	}
	if state != stake.StateGracePeriod {
		return nil, nil, fmt.Errorf("%w: challenge %d is %s", ErrNotSettleable, id, state)
	}

	now := o.clock()
	confirmed, joined := tr.confirmedCount()
	if now.Sub(info.End) < GracePeriodLen && confirmed != joined {
		return nil, &NotReady{
			TimeRemaining: info.End.Add(GracePeriodLen).Sub(now),
			Confirmed:     confirmed,
			Joined:        joined,
		}, nil
	}

	if err := o.RefreshMileage(ctx, id); err != nil {
		return nil, nil, err
	}

	standings := tr.standings()
	winner, err := pickWinner(standings)
	if err != nil {
		return nil, nil, err
	}
	resultHash, err := resultCommitment(standings)
	if err != nil {
		return nil, nil, err
	}

	att := &stake.Attestation{
		ChallengeID: id,
		Winner:      winner,
		ResultHash:  resultHash,
		SignedAt:    now,
	}
	digest := stake.FinalizeDigest(att.ChallengeID, att.Winner, att.ResultHash, att.SignedAt)
	att.Signature, err = o.key.Sign(digest)
	if err != nil {
		return nil, nil, fmt.Errorf("sign attestation: %w", err)
	}

	o.logger.Info("attestation signed", "challenge_id", id, "winner", winner.Hex(), "confirmed", confirmed, "joined", joined)
	return att, nil, nil
}

// pickWinner selects the participant with the maximum mileage. Ties go
// to the earliest joiner: standings are in join order and only a
// strictly greater figure displaces the current best. Confirmation
// affects when attestation happens, never who wins.
func pickWinner(standings []Standing) (identity.Address, error) {
	if len(standings) == 0 {
		return identity.ZeroAddress, fmt.Errorf("%w: no participants", ErrNotSettleable)
	}
	best := standings[0]
	for _, s := range standings[1:] {
		if s.Miles > best.Miles {
			best = s
		}
	}
	return best.Address, nil
}

type resultRow struct {
	Identity      string  `json:"identity"`
	CorrelationID string  `json:"correlation_id"`
	Miles         float64 `json:"miles"`
	Confirmed     bool    `json:"confirmed"`
}

// resultCommitment hashes the canonical (RFC 8785) serialization of all
// participant rows in join order.
func resultCommitment(standings []Standing) ([]byte, error) {
	rows := make([]resultRow, 0, len(standings))
	for _, s := range standings {
		rows = append(rows, resultRow{
			Identity:      s.Address.Hex(),
			CorrelationID: s.CorrelationID,
			Miles:         s.Miles,
			Confirmed:     s.Confirmed,
		})
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("marshal result rows: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize result rows: %w", err)
	}
	digest := sha256.Sum256(canonical)
	return digest[:], nil
}

func (o *Oracle) tracked(id uint64) (*tracker, error) {
	o.reconcile()
	o.mu.Lock()
	tr, ok := o.trackers[id]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChallengeUnknown, id)
	}
	if err := o.syncTracker(id); err != nil {
		return nil, err
	}
	return tr, nil
}

func (o *Oracle) syncTracker(id uint64) error {
	o.mu.Lock()
	tr, ok := o.trackers[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrChallengeUnknown, id)
	}
	parts, err := o.ledger.Participants(id)
	if err != nil {
		return err
	}
	tr.syncParticipants(parts)
	return nil
}
