package attest

import (
	"sync"
	"time"

	"github.com/milepool/milepool/pkg/identity"
	"github.com/milepool/milepool/pkg/stake"
)

// Standing is the oracle's view of one participant: the latest mileage
// snapshot and whether the participant has confirmed the result window.
type Standing struct {
	Address       identity.Address
	CorrelationID string
	JoinIndex     int
	Miles         float64
	Samples       int
	Confirmed     bool
	UpdatedAt     time.Time
}

// tracker holds per-challenge oracle state. Its mutex serializes
// confirmation writes, mileage snapshot writes and, critically, the
// decision+signing step, so two concurrent finalization calls can
// never observe different winners for the same challenge.
type tracker struct {
	mu    sync.Mutex
	rows  map[identity.Address]*Standing
	order []identity.Address // join order
}

func newTracker() *tracker {
	return &tracker{rows: make(map[identity.Address]*Standing)}
}

// syncParticipants reconciles the tracker's membership with the
// ledger's participant set. Joins only ever add, so reconciliation
// never drops recorded mileage or confirmations.
func (tr *tracker) syncParticipants(parts []stake.Participant) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, p := range parts {
		if _, ok := tr.rows[p.Address]; ok {
			continue
		}
		tr.rows[p.Address] = &Standing{
			Address:       p.Address,
			CorrelationID: p.CorrelationID,
			JoinIndex:     p.JoinIndex,
		}
		tr.order = append(tr.order, p.Address)
	}
}

// standings returns copies of all rows in join order.
func (tr *tracker) standings() []Standing {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]Standing, 0, len(tr.order))
	for _, addr := range tr.order {
		out = append(out, *tr.rows[addr])
	}
	return out
}

// confirm marks a participant confirmed. Idempotent.
func (tr *tracker) confirm(addr identity.Address) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	row, ok := tr.rows[addr]
	if !ok {
		return false
	}
	row.Confirmed = true
	return true
}

// confirmedCount returns (confirmed, joined).
func (tr *tracker) confirmedCount() (int, int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	confirmed := 0
	for _, row := range tr.rows {
		if row.Confirmed {
			confirmed++
		}
	}
	return confirmed, len(tr.rows)
}

// setMileage records a mileage snapshot, last write wins.
func (tr *tracker) setMileage(addr identity.Address, miles float64, samples int, at time.Time) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	row, ok := tr.rows[addr]
	if !ok {
		return
	}
	row.Miles = miles
	row.Samples = samples
	row.UpdatedAt = at
}
