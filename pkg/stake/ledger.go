// Package stake implements the settlement ledger: escrowed challenge
// stakes, the lazily-derived lifecycle state machine and the
// signature-authorized settlement, consent-cancellation and emergency
// recovery paths.
package stake

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milepool/milepool/pkg/identity"
)

// Ledger owns challenge records and participant stake bookkeeping.
//
// Each challenge is guarded by its own mutex, reproducing the
// one-operation-at-a-time execution model of the chain the engine was
// ported from: no two mutating operations interleave against the same
// challenge. The outer mutex only guards the challenge map and the
// attester slot.
type Ledger struct {
	mu         sync.RWMutex
	challenges map[uint64]*challengeEntry
	nextID     uint64

	attester        identity.Address
	attesterVersion uint64

	bank   Bank
	sink   EventSink
	clock  func() time.Time
	logger *slog.Logger
}

type challengeEntry struct {
	mu sync.Mutex
	c  *challenge
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithEventSink attaches a sink for ledger events.
func WithEventSink(sink EventSink) Option {
	return func(l *Ledger) { l.sink = sink }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates a ledger whose settlements are authorized by the
// holder of attester.
func NewLedger(bank Bank, attester identity.Address, opts ...Option) (*Ledger, error) {
	if bank == nil {
		return nil, fmt.Errorf("%w: bank must not be nil", ErrInvalidParameters)
	}
	if attester.IsZero() {
		return nil, fmt.Errorf("%w: attester key must not be zero", ErrInvalidParameters)
	}
	l := &Ledger{
		challenges:      make(map[uint64]*challengeEntry),
		attester:        attester,
		attesterVersion: 1,
		bank:            bank,
		clock:           time.Now,
		logger:          slog.Default().With("component", "stake-ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// CreateChallenge allocates a new challenge in PENDING state.
//
// start must be strictly in the future, end after start, the stake
// amount positive, and the whitelist (creator plus otherEligible) free
// of zero addresses and duplicates with at least one co-competitor.
func (l *Ledger) CreateChallenge(creator identity.Address, start, end time.Time, stakeAmount Amount, otherEligible []identity.Address) (uint64, error) {
	now := l.clock()
	if creator.IsZero() {
		return 0, fmt.Errorf("%w: creator must not be zero", ErrInvalidParameters)
	}
	if !start.After(now) {
		return 0, fmt.Errorf("%w: start time must be in the future", ErrInvalidParameters)
	}
	if !end.After(start) {
		return 0, fmt.Errorf("%w: end time must be after start time", ErrInvalidParameters)
	}
	if !stakeAmount.IsPositive() {
		return 0, fmt.Errorf("%w: stake amount must be positive", ErrInvalidParameters)
	}
	if len(otherEligible) == 0 {
		return 0, fmt.Errorf("%w: at least one other eligible identity required", ErrInvalidParameters)
	}

	whitelist := map[identity.Address]struct{}{creator: {}}
	order := []identity.Address{creator}
	for _, addr := range otherEligible {
		if addr.IsZero() {
			return 0, fmt.Errorf("%w: whitelist entry must not be zero", ErrInvalidParameters)
		}
		if _, dup := whitelist[addr]; dup {
			return 0, fmt.Errorf("%w: duplicate whitelist entry %s", ErrInvalidParameters, addr)
		}
		whitelist[addr] = struct{}{}
		order = append(order, addr)
	}

	l.mu.Lock()
	l.nextID++
	id := l.nextID
	c := &challenge{
		id:             id,
		creator:        creator,
		start:          start,
		end:            end,
		stakeAmount:    stakeAmount,
		stored:         StatePending,
		whitelist:      whitelist,
		whitelistOrder: order,
		participants:   make(map[identity.Address]*Participant),
	}
	l.challenges[id] = &challengeEntry{c: c}
	l.mu.Unlock()

	l.emit(Event{Type: EventChallengeCreated, ChallengeID: id, Actor: creator, Amount: stakeAmount, At: now})
	l.logger.Info("challenge created", "challenge_id", id, "creator", creator.Hex(), "stake", int64(stakeAmount), "eligible", len(whitelist))
	return id, nil
}

// Join stakes the caller into a pending challenge. The stake value
// must equal the challenge's fixed amount exactly, and a given
// identity can join at most once, ever.
func (l *Ledger) Join(id uint64, caller identity.Address, correlationID string, stakeValue Amount) error {
	entry, err := l.entry(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	c := entry.c
	now := l.clock()

	if _, ok := c.whitelist[caller]; !ok {
		return fmt.Errorf("%w: %s", ErrNotEligible, caller)
	}
	if c.deriveState(now) != StatePending {
		return fmt.Errorf("%w: challenge %d is %s", ErrNotAcceptingParticipants, id, c.deriveState(now))
	}
	if !now.Before(c.start) {
		return fmt.Errorf("%w: challenge %d started at %s", ErrRegistrationClosed, id, c.start.UTC().Format(time.RFC3339))
	}
	if stakeValue != c.stakeAmount {
		return fmt.Errorf("%w: got %d, want %d", ErrWrongStakeAmount, stakeValue, c.stakeAmount)
	}
	if _, joined := c.participants[caller]; joined {
		return fmt.Errorf("%w: %s", ErrAlreadyJoined, caller)
	}
	if correlationID == "" {
		return ErrInvalidCorrelationID
	}

	if err := l.bank.Collect(caller, stakeValue); err != nil {
		return fmt.Errorf("collect stake: %w", err)
	}

	c.participants[caller] = &Participant{
		Address:       caller,
		CorrelationID: correlationID,
		Stake:         stakeValue,
		Joined:        true,
		JoinIndex:     len(c.joinOrder),
	}
	c.joinOrder = append(c.joinOrder, caller)
	c.totalStaked += stakeValue

	l.emit(Event{Type: EventParticipantJoined, ChallengeID: id, Actor: caller, Amount: stakeValue, At: now})
	l.logger.Info("participant joined", "challenge_id", id, "participant", caller.Hex(), "joined", len(c.joinOrder))
	return nil
}

// EffectiveState derives the challenge's lifecycle state from stored
// data and the current time. Two calls at the same instant with no
// intervening writes return the same value.
func (l *Ledger) EffectiveState(id uint64) (State, error) {
	entry, err := l.entry(id)
	if err != nil {
		return 0, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.c.deriveState(l.clock()), nil
}

// Challenge returns a snapshot of the challenge's stored fields.
func (l *Ledger) Challenge(id uint64) (ChallengeInfo, error) {
	entry, err := l.entry(id)
	if err != nil {
		return ChallengeInfo{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.c.snapshot(), nil
}

// Participant returns the caller's participant record, if any.
func (l *Ledger) Participant(id uint64, addr identity.Address) (Participant, bool, error) {
	entry, err := l.entry(id)
	if err != nil {
		return Participant{}, false, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	p, ok := entry.c.participants[addr]
	if !ok {
		return Participant{}, false, nil
	}
	return *p, true, nil
}

// Participants returns all participant records in join order.
func (l *Ledger) Participants(id uint64) ([]Participant, error) {
	entry, err := l.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.c.participantsInJoinOrder(), nil
}

// ChallengeIDs returns the ids of all challenges, ascending.
func (l *Ledger) ChallengeIDs() []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]uint64, 0, len(l.challenges))
	for i := uint64(1); i <= l.nextID; i++ {
		if _, ok := l.challenges[i]; ok {
			ids = append(ids, i)
		}
	}
	return ids
}

// Attester returns the current attester key and its version.
func (l *Ledger) Attester() (identity.Address, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.attester, l.attesterVersion
}

// UpdateAttesterKey rotates the attester key. Only the holder of the
// current key may rotate, and the new key must be non-zero.
func (l *Ledger) UpdateAttesterKey(caller, newKey identity.Address) error {
	l.mu.Lock()
	if caller != l.attester {
		l.mu.Unlock()
		return ErrNotAttester
	}
	if newKey.IsZero() {
		l.mu.Unlock()
		return fmt.Errorf("%w: new attester key must not be zero", ErrInvalidParameters)
	}
	l.attester = newKey
	l.attesterVersion++
	version := l.attesterVersion
	l.mu.Unlock()

	l.emit(Event{Type: EventAttesterRotated, Actor: newKey, At: l.clock()})
	l.logger.Info("attester key rotated", "new_key", newKey.Hex(), "version", version)
	return nil
}

func (l *Ledger) entry(id uint64) (*challengeEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.challenges[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChallengeNotFound, id)
	}
	return entry, nil
}

func (l *Ledger) emit(e Event) {
	if l.sink == nil {
		return
	}
	e.ID = uuid.New()
	l.sink.Record(e)
}
