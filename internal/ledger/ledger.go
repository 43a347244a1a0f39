// Package ledger tracks per-trader collateral as available/locked/total
// buckets. The invariant total == available + locked holds after every
// mutation; every operation is atomic and individually reversible so
// compound operations can undo partial work on later failure.
package ledger

import (
	"errors"
	"fmt"

	"CipherSettle/internal/intent"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient total balance")
	ErrInsufficientAvailable = errors.New("insufficient available balance")
	ErrInsufficientLocked    = errors.New("insufficient locked balance")
)

// Balance is one trader's collateral accounting.
type Balance struct {
	Available int64
	Locked    int64
	Total     int64
}

// Ledger maps traders to balances. Accounts are created lazily with zero
// values and never deleted. The engine serializes all mutation (submission
// locks and settlement runs) behind one mutex; no internal locking here.
type Ledger struct {
	balances map[intent.Address]*Balance
}

func New() *Ledger {
	return &Ledger{
		balances: make(map[intent.Address]*Balance),
	}
}

func (l *Ledger) account(trader intent.Address) *Balance {
	b := l.balances[trader]
	if b == nil {
		b = &Balance{}
		l.balances[trader] = b
	}
	return b
}

// Get returns a copy of the trader's balance (zero values if never seen).
func (l *Ledger) Get(trader intent.Address) Balance {
	if b := l.balances[trader]; b != nil {
		return *b
	}
	return Balance{}
}

// Credit adds amount to available and total. Never fails.
func (l *Ledger) Credit(trader intent.Address, amount int64) {
	b := l.account(trader)
	b.Available += amount
	b.Total += amount
}

// DebitReceipt records exactly where a debit was taken from, so the
// operation can be reversed precisely (available and locked restored
// separately, not merged back into available).
type DebitReceipt struct {
	Trader        intent.Address
	FromAvailable int64
	FromLocked    int64
}

// Debit removes amount from the trader, taking available funds first and
// then locked funds. Fails with ErrInsufficientBalance when total < amount.
func (l *Ledger) Debit(trader intent.Address, amount int64) (DebitReceipt, error) {
	b := l.account(trader)
	if b.Total < amount {
		return DebitReceipt{}, fmt.Errorf("debit %d from %s: %w (total=%d)",
			amount, trader.Hex(), ErrInsufficientBalance, b.Total)
	}

	rcpt := DebitReceipt{Trader: trader}
	if b.Available >= amount {
		rcpt.FromAvailable = amount
	} else {
		rcpt.FromAvailable = b.Available
		rcpt.FromLocked = amount - b.Available
	}

	b.Available -= rcpt.FromAvailable
	b.Locked -= rcpt.FromLocked
	b.Total -= amount
	return rcpt, nil
}

// UndoDebit restores a prior debit exactly as it was taken.
func (l *Ledger) UndoDebit(rcpt DebitReceipt) {
	b := l.account(rcpt.Trader)
	b.Available += rcpt.FromAvailable
	b.Locked += rcpt.FromLocked
	b.Total += rcpt.FromAvailable + rcpt.FromLocked
}

// Lock moves amount from available to locked.
func (l *Ledger) Lock(trader intent.Address, amount int64) error {
	b := l.account(trader)
	if b.Available < amount {
		return fmt.Errorf("lock %d for %s: %w (available=%d)",
			amount, trader.Hex(), ErrInsufficientAvailable, b.Available)
	}
	b.Available -= amount
	b.Locked += amount
	return nil
}

// Unlock moves amount from locked back to available.
func (l *Ledger) Unlock(trader intent.Address, amount int64) error {
	b := l.account(trader)
	if b.Locked < amount {
		return fmt.Errorf("unlock %d for %s: %w (locked=%d)",
			amount, trader.Hex(), ErrInsufficientLocked, b.Locked)
	}
	b.Locked -= amount
	b.Available += amount
	return nil
}

// SettleFee converts amount of the trader's locked margin into a collected
// fee: unlock then debit, undoing the unlock if the debit fails. This is the
// compound operation used by the settlement step that deducts fees from
// margin already reserved at submission time.
func (l *Ledger) SettleFee(trader intent.Address, amount int64) (DebitReceipt, error) {
	if err := l.Unlock(trader, amount); err != nil {
		return DebitReceipt{}, err
	}
	rcpt, err := l.Debit(trader, amount)
	if err != nil {
		// Undo the unlock so the ledger is exactly as before the call.
		if lockErr := l.Lock(trader, amount); lockErr != nil {
			panic(fmt.Sprintf("FATAL: fee settle undo failed for %s: %v", trader.Hex(), lockErr))
		}
		return DebitReceipt{}, err
	}
	return rcpt, nil
}

// UndoSettleFee reverses a prior SettleFee exactly: the debit is restored
// from its receipt, then the amount is re-locked.
func (l *Ledger) UndoSettleFee(rcpt DebitReceipt, amount int64) {
	l.UndoDebit(rcpt)
	if err := l.Lock(rcpt.Trader, amount); err != nil {
		panic(fmt.Sprintf("FATAL: fee settle undo failed for %s: %v", rcpt.Trader.Hex(), err))
	}
}

// ValidateInvariant checks total == available + locked for one trader.
func (l *Ledger) ValidateInvariant(trader intent.Address) error {
	b := l.Get(trader)
	if b.Total != b.Available+b.Locked {
		return fmt.Errorf("ledger invariant violated for %s: total=%d available=%d locked=%d",
			trader.Hex(), b.Total, b.Available, b.Locked)
	}
	return nil
}

// ValidateAllInvariants checks every account.
func (l *Ledger) ValidateAllInvariants() error {
	for trader := range l.balances {
		if err := l.ValidateInvariant(trader); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a deep copy of all balances, used for batch rollback and
// snapshot persistence.
func (l *Ledger) Snapshot() map[intent.Address]Balance {
	snap := make(map[intent.Address]Balance, len(l.balances))
	for k, v := range l.balances {
		snap[k] = *v
	}
	return snap
}

// Restore replaces the ledger contents with a prior snapshot.
func (l *Ledger) Restore(snap map[intent.Address]Balance) {
	l.balances = make(map[intent.Address]*Balance, len(snap))
	for k, v := range snap {
		b := v
		l.balances[k] = &b
	}
}
