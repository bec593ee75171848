package stake

import (
	"time"

	"github.com/google/uuid"

	"github.com/milepool/milepool/pkg/identity"
)

// EventType categorizes ledger events.
type EventType string

const (
	EventChallengeCreated   EventType = "CHALLENGE_CREATED"
	EventParticipantJoined  EventType = "PARTICIPANT_JOINED"
	EventChallengeCancelled EventType = "CHALLENGE_CANCELLED"
	EventChallengeCompleted EventType = "CHALLENGE_COMPLETED"
	EventStakeWithdrawn     EventType = "STAKE_WITHDRAWN"
	EventAttesterRotated    EventType = "ATTESTER_ROTATED"
)

// Event records one successful ledger mutation. Events are strictly
// derivative: the journal and the display mirror consume them, but the
// ledger's correctness never depends on a sink being attached.
type Event struct {
	ID          uuid.UUID
	Type        EventType
	ChallengeID uint64
	Actor       identity.Address
	Amount      Amount
	Winner      identity.Address
	ResultHash  []byte
	At          time.Time
}

// EventSink receives ledger events. Record is called synchronously
// while the challenge lock is held, after the mutation has been
// applied; implementations must not call back into the ledger.
type EventSink interface {
	Record(Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(Event)

func (f SinkFunc) Record(e Event) { f(e) }

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Record(e Event) {
	for _, s := range m {
		s.Record(e)
	}
}
