package token_test

import (
	"context"
	"errors"
	"testing"

	"bountyline/internal/db"
	"bountyline/internal/migrate"
	"bountyline/internal/token"
)

func newLedger(t *testing.T) (*token.SQLLedger, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return token.NewSQLLedger(conn), context.Background()
}

func TestMintAndBalance(t *testing.T) {
	l, ctx := newLedger(t)
	if err := l.Mint(ctx, "alice", 1000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Mint(ctx, "alice", 500); err != nil {
		t.Fatalf("mint again: %v", err)
	}
	balance, err := l.BalanceOf(ctx, "alice")
	if err != nil || balance != 1500 {
		t.Fatalf("balance: %d %v", balance, err)
	}
	// unknown accounts read as zero
	balance, err = l.BalanceOf(ctx, "nobody")
	if err != nil || balance != 0 {
		t.Fatalf("zero balance: %d %v", balance, err)
	}
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	l, ctx := newLedger(t)
	if err := l.Mint(ctx, "alice", 1000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Approve(ctx, "alice", "escrow", 600); err != nil {
		t.Fatalf("approve: %v", err)
	}

	receipt, err := l.TransferFrom(ctx, "escrow", "alice", "escrow", 400)
	if err != nil || receipt == 0 {
		t.Fatalf("transfer_from: %d %v", receipt, err)
	}
	remaining, err := l.Allowance(ctx, "alice", "escrow")
	if err != nil || remaining != 200 {
		t.Fatalf("allowance after spend: %d %v", remaining, err)
	}
	// the rest of the allowance does not cover another 400
	_, err = l.TransferFrom(ctx, "escrow", "alice", "escrow", 400)
	if !errors.Is(err, token.ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	balance, _ := l.BalanceOf(ctx, "alice")
	if balance != 600 {
		t.Fatalf("failed transfer must not move funds, balance %d", balance)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	l, ctx := newLedger(t)
	if err := l.Mint(ctx, "alice", 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	_, err := l.Transfer(ctx, "alice", "bob", 500)
	if !errors.Is(err, token.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	balance, _ := l.BalanceOf(ctx, "bob")
	if balance != 0 {
		t.Fatalf("failed transfer must not credit, balance %d", balance)
	}
}

func TestReceiptsAreMonotonic(t *testing.T) {
	l, ctx := newLedger(t)
	if err := l.Mint(ctx, "alice", 1000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	r1, err := l.Transfer(ctx, "alice", "bob", 100)
	if err != nil {
		t.Fatalf("transfer 1: %v", err)
	}
	r2, err := l.Transfer(ctx, "alice", "bob", 100)
	if err != nil {
		t.Fatalf("transfer 2: %v", err)
	}
	if r2 <= r1 {
		t.Fatalf("receipts must increase: %d then %d", r1, r2)
	}
}
