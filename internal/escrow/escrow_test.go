package escrow_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"bountyline/internal/escrow"
	"bountyline/internal/token"
)

// memLedger is a trivial in-memory funds ledger for driving the manager.
type memLedger struct {
	balances map[string]uint64
	receipts int64
	fail     bool
}

func newMemLedger() *memLedger {
	return &memLedger{balances: make(map[string]uint64)}
}

func (l *memLedger) Mint(_ context.Context, account string, amount uint64) error {
	l.balances[account] += amount
	return nil
}

func (l *memLedger) Approve(context.Context, string, string, uint64) error { return nil }

func (l *memLedger) Allowance(context.Context, string, string) (uint64, error) { return 0, nil }

func (l *memLedger) TransferFrom(ctx context.Context, _, from, to string, amount uint64) (int64, error) {
	return l.Transfer(ctx, from, to, amount)
}

func (l *memLedger) Transfer(_ context.Context, from, to string, amount uint64) (int64, error) {
	if l.fail {
		return 0, fmt.Errorf("ledger offline")
	}
	if l.balances[from] < amount {
		return 0, token.ErrInsufficientFunds
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	l.receipts++
	return l.receipts, nil
}

func (l *memLedger) BalanceOf(_ context.Context, account string) (uint64, error) {
	return l.balances[account], nil
}

func TestReserveAndReleaseOnce(t *testing.T) {
	ctx := context.Background()
	led := newMemLedger()
	led.balances["alice"] = 1000
	m := escrow.NewManager(led, "escrow")

	if err := m.Reserve(ctx, 1, "alice", 600); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if led.balances["alice"] != 400 || led.balances["escrow"] != 600 {
		t.Fatalf("funds not moved: %+v", led.balances)
	}
	if held, ok := m.Held(1); !ok || held != 600 {
		t.Fatalf("hold: %d %v", held, ok)
	}

	amount, receipt, err := m.Release(ctx, 1, "bob")
	if err != nil || amount != 600 || receipt == 0 {
		t.Fatalf("release: %d %d %v", amount, receipt, err)
	}
	if led.balances["bob"] != 600 {
		t.Fatalf("recipient not paid: %+v", led.balances)
	}
	// the hold is one-shot
	if _, _, err := m.Release(ctx, 1, "bob"); !errors.Is(err, escrow.ErrNoHold) {
		t.Fatalf("expected ErrNoHold, got %v", err)
	}
	if _, _, err := m.Refund(ctx, 1); !errors.Is(err, escrow.ErrNoHold) {
		t.Fatalf("expected ErrNoHold after release, got %v", err)
	}
}

func TestReserveShortfall(t *testing.T) {
	ctx := context.Background()
	led := newMemLedger()
	led.balances["alice"] = 100
	m := escrow.NewManager(led, "escrow")

	err := m.Reserve(ctx, 1, "alice", 600)
	if !errors.Is(err, escrow.ErrReservationFailed) {
		t.Fatalf("expected ErrReservationFailed, got %v", err)
	}
	if _, ok := m.Held(1); ok {
		t.Fatalf("failed reservation must leave no hold")
	}
	if led.balances["alice"] != 100 {
		t.Fatalf("failed reservation must move no funds")
	}
}

func TestFailedTransferKeepsHold(t *testing.T) {
	ctx := context.Background()
	led := newMemLedger()
	led.balances["alice"] = 1000
	m := escrow.NewManager(led, "escrow")
	if err := m.Reserve(ctx, 1, "alice", 600); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	led.fail = true
	if _, _, err := m.Release(ctx, 1, "bob"); !errors.Is(err, escrow.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if _, ok := m.Held(1); !ok {
		t.Fatalf("failed release must keep the hold")
	}

	// release succeeds on retry once the ledger recovers
	led.fail = false
	if _, _, err := m.Release(ctx, 1, "bob"); err != nil {
		t.Fatalf("retry release: %v", err)
	}
	if led.balances["bob"] != 600 {
		t.Fatalf("retry must pay: %+v", led.balances)
	}
}

func TestRefundReturnsToCreator(t *testing.T) {
	ctx := context.Background()
	led := newMemLedger()
	led.balances["alice"] = 1000
	m := escrow.NewManager(led, "escrow")
	if err := m.Reserve(ctx, 7, "alice", 1000); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	amount, _, err := m.Refund(ctx, 7)
	if err != nil || amount != 1000 {
		t.Fatalf("refund: %d %v", amount, err)
	}
	if led.balances["alice"] != 1000 || led.balances["escrow"] != 0 {
		t.Fatalf("refund balances: %+v", led.balances)
	}
}

func TestRegisterRehydratesWithoutMovingFunds(t *testing.T) {
	ctx := context.Background()
	led := newMemLedger()
	led.balances["escrow"] = 500 // funds already in custody from before a restart
	m := escrow.NewManager(led, "escrow")

	m.Register(3, "alice", 500)
	if held, ok := m.Held(3); !ok || held != 500 {
		t.Fatalf("registered hold: %d %v", held, ok)
	}
	if led.balances["escrow"] != 500 {
		t.Fatalf("register must not move funds")
	}
	if _, _, err := m.Refund(ctx, 3); err != nil {
		t.Fatalf("refund after register: %v", err)
	}
	if led.balances["alice"] != 500 {
		t.Fatalf("refund target: %+v", led.balances)
	}
}
