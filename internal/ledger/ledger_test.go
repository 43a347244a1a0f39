package ledger

import (
	"errors"
	"testing"

	"CipherSettle/internal/intent"
)

func addr(b byte) intent.Address {
	var a intent.Address
	a[19] = b
	return a
}

func checkBalance(t *testing.T, l *Ledger, trader intent.Address, available, locked int64) {
	t.Helper()
	b := l.Get(trader)
	if b.Available != available || b.Locked != locked {
		t.Fatalf("balance = {available=%d locked=%d total=%d}, want available=%d locked=%d",
			b.Available, b.Locked, b.Total, available, locked)
	}
	if err := l.ValidateInvariant(trader); err != nil {
		t.Fatal(err)
	}
}

func TestCreditDebit(t *testing.T) {
	l := New()
	alice := addr(1)

	l.Credit(alice, 1000)
	checkBalance(t, l, alice, 1000, 0)

	rcpt, err := l.Debit(alice, 400)
	if err != nil {
		t.Fatal(err)
	}
	if rcpt.FromAvailable != 400 || rcpt.FromLocked != 0 {
		t.Fatalf("receipt = %+v, want 400 from available", rcpt)
	}
	checkBalance(t, l, alice, 600, 0)

	if _, err := l.Debit(alice, 601); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("over-debit error = %v, want ErrInsufficientBalance", err)
	}
	checkBalance(t, l, alice, 600, 0)
}

func TestDebitSpillsIntoLocked(t *testing.T) {
	l := New()
	alice := addr(1)
	l.Credit(alice, 1000)
	if err := l.Lock(alice, 700); err != nil {
		t.Fatal(err)
	}
	checkBalance(t, l, alice, 300, 700)

	// 500 > 300 available: the remainder comes from locked.
	rcpt, err := l.Debit(alice, 500)
	if err != nil {
		t.Fatal(err)
	}
	if rcpt.FromAvailable != 300 || rcpt.FromLocked != 200 {
		t.Fatalf("receipt = %+v, want 300 available + 200 locked", rcpt)
	}
	checkBalance(t, l, alice, 0, 500)

	// Undo restores both buckets exactly, not merged into available.
	l.UndoDebit(rcpt)
	checkBalance(t, l, alice, 300, 700)
}

func TestLockUnlock(t *testing.T) {
	l := New()
	alice := addr(1)
	l.Credit(alice, 100)

	if err := l.Lock(alice, 101); !errors.Is(err, ErrInsufficientAvailable) {
		t.Fatalf("over-lock error = %v, want ErrInsufficientAvailable", err)
	}
	if err := l.Lock(alice, 100); err != nil {
		t.Fatal(err)
	}
	checkBalance(t, l, alice, 0, 100)

	if err := l.Unlock(alice, 101); !errors.Is(err, ErrInsufficientLocked) {
		t.Fatalf("over-unlock error = %v, want ErrInsufficientLocked", err)
	}
	if err := l.Unlock(alice, 100); err != nil {
		t.Fatal(err)
	}
	checkBalance(t, l, alice, 100, 0)
}

func TestSettleFeeAndUndo(t *testing.T) {
	l := New()
	alice := addr(1)
	l.Credit(alice, 1000)
	if err := l.Lock(alice, 1000); err != nil {
		t.Fatal(err)
	}

	rcpt, err := l.SettleFee(alice, 30)
	if err != nil {
		t.Fatal(err)
	}
	// 30 left the ledger entirely; 970 stays locked.
	checkBalance(t, l, alice, 0, 970)

	l.UndoSettleFee(rcpt, 30)
	checkBalance(t, l, alice, 0, 1000)
}

func TestSettleFeeFailsWithoutLocked(t *testing.T) {
	l := New()
	alice := addr(1)
	l.Credit(alice, 50)

	if _, err := l.SettleFee(alice, 30); !errors.Is(err, ErrInsufficientLocked) {
		t.Fatalf("error = %v, want ErrInsufficientLocked", err)
	}
	checkBalance(t, l, alice, 50, 0)
}

func TestUnknownTraderIsZero(t *testing.T) {
	l := New()
	checkBalance(t, l, addr(9), 0, 0)
	if _, err := l.Debit(addr(9), 1); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("debit from empty account error = %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	l := New()
	alice, bob := addr(1), addr(2)
	l.Credit(alice, 1000)
	l.Credit(bob, 500)
	if err := l.Lock(alice, 300); err != nil {
		t.Fatal(err)
	}

	snap := l.Snapshot()

	// Mutate heavily after the snapshot.
	l.Credit(alice, 9999)
	if _, err := l.Debit(bob, 500); err != nil {
		t.Fatal(err)
	}
	l.Credit(addr(3), 42)

	l.Restore(snap)
	checkBalance(t, l, alice, 700, 300)
	checkBalance(t, l, bob, 500, 0)
	checkBalance(t, l, addr(3), 0, 0)
	if err := l.ValidateAllInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	l := New()
	alice := addr(1)
	l.Credit(alice, 100)

	snap := l.Snapshot()
	l.Credit(alice, 900)

	if snap[alice].Total != 100 {
		t.Fatalf("snapshot mutated by later credit: total = %d", snap[alice].Total)
	}
}
