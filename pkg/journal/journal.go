// Package journal keeps an append-only, hash-chained record of every
// ledger mutation. Each entry commits to its predecessor, so any
// retroactive edit breaks the chain and is caught by Verify.
package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/milepool/milepool/pkg/stake"
)

const genesisHash = "genesis"

// Entry is one immutable journal record.
type Entry struct {
	Sequence    uint64    `json:"sequence"`
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	ChallengeID uint64    `json:"challenge_id"`
	Actor       string    `json:"actor,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	Winner      string    `json:"winner,omitempty"`
	ResultHash  string    `json:"result_hash,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	ContentHash string    `json:"content_hash"`
	PrevHash    string    `json:"prev_hash"`
}

// Journal is an in-memory hash-chained event log. It satisfies
// stake.EventSink so it can be attached directly to the ledger.
type Journal struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
}

func New() *Journal {
	return &Journal{headHash: genesisHash}
}

// Record appends the event to the chain. Append failures are not
// surfaced to the ledger; the chain simply stops growing and Verify
// reports the gap.
func (j *Journal) Record(e stake.Event) {
	_, _ = j.Append(e)
}

// Append adds an event entry and returns its sequence number.
func (j *Journal) Append(e stake.Event) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	seq := uint64(len(j.entries)) + 1
	entry := Entry{
		Sequence:    seq,
		EventID:     e.ID.String(),
		EventType:   string(e.Type),
		ChallengeID: e.ChallengeID,
		OccurredAt:  e.At.UTC(),
		PrevHash:    j.headHash,
	}
	if !e.Actor.IsZero() {
		entry.Actor = e.Actor.Hex()
	}
	if e.Amount != 0 {
		entry.Amount = int64(e.Amount)
	}
	if !e.Winner.IsZero() {
		entry.Winner = e.Winner.Hex()
	}
	if len(e.ResultHash) > 0 {
		entry.ResultHash = hex.EncodeToString(e.ResultHash)
	}

	hash, err := contentHash(entry)
	if err != nil {
		return 0, err
	}
	entry.ContentHash = hash

	j.entries = append(j.entries, entry)
	j.headHash = hash
	return seq, nil
}

// Entry retrieves a journal record by sequence number.
func (j *Journal) Entry(seq uint64) (Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if seq == 0 || seq > uint64(len(j.entries)) {
		return Entry{}, fmt.Errorf("journal entry %d not found", seq)
	}
	return j.entries[seq-1], nil
}

// Entries returns a copy of the chain in append order.
func (j *Journal) Entries() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Head returns the current head hash.
func (j *Journal) Head() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.headHash
}

// Length returns the number of entries.
func (j *Journal) Length() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Verify walks the whole chain, recomputing every content hash and
// checking each link against its predecessor.
func (j *Journal) Verify() (bool, string) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	prev := genesisHash
	for i, entry := range j.entries {
		if entry.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prev, entry.PrevHash)
		}
		computed, err := contentHash(entry)
		if err != nil {
			return false, fmt.Sprintf("cannot rehash entry %d: %v", i+1, err)
		}
		if computed != entry.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prev = entry.ContentHash
	}
	return true, "chain verified"
}

// contentHash commits to every field except ContentHash itself,
// over the JCS canonical form so the hash is byte-stable.
func contentHash(entry Entry) (string, error) {
	entry.ContentHash = ""
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal journal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize journal entry: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}
