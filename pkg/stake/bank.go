package stake

import (
	"fmt"
	"sync"

	"github.com/milepool/milepool/pkg/identity"
)

// Bank moves funds between participant accounts and the ledger's
// escrow. The ledger calls Collect before recording a stake and
// Disburse before zeroing one; a Bank error aborts the operation with
// no ledger state change.
type Bank interface {
	// Collect pulls amount from the holder's account into escrow.
	Collect(from identity.Address, amount Amount) error
	// Disburse pays amount out of escrow to the holder's account.
	Disburse(to identity.Address, amount Amount) error
}

// MemBank is an in-memory Bank with per-address balances. It backs
// tests and single-node deployments; production custody sits behind
// the same interface.
type MemBank struct {
	mu       sync.Mutex
	balances map[identity.Address]Amount
	escrowed Amount
}

// NewMemBank creates an empty in-memory bank.
func NewMemBank() *MemBank {
	return &MemBank{balances: make(map[identity.Address]Amount)}
}

// Credit adds funds to an account.
func (b *MemBank) Credit(addr identity.Address, amount Amount) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] += amount
}

// Balance returns an account's current balance.
func (b *MemBank) Balance(addr identity.Address) Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[addr]
}

// Escrowed returns the total amount currently held in escrow.
func (b *MemBank) Escrowed() Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.escrowed
}

func (b *MemBank) Collect(from identity.Address, amount Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balances[from] < amount {
		return fmt.Errorf("insufficient funds for %s: have %d, need %d", from, b.balances[from], amount)
	}
	b.balances[from] -= amount
	b.escrowed += amount
	return nil
}

func (b *MemBank) Disburse(to identity.Address, amount Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.escrowed < amount {
		return fmt.Errorf("escrow underflow: have %d, need %d", b.escrowed, amount)
	}
	b.escrowed -= amount
	b.balances[to] += amount
	return nil
}
