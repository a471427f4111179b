// Package token defines the funds-transfer collaborator consumed by the
// escrow manager. The engine only needs an approved reserve-and-move
// primitive and an atomic payout; the accounting itself lives behind the
// Ledger interface so an external token ledger can substitute for the
// bundled SQL implementation.
package token

import (
	"context"
	"errors"
)

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// Ledger is the minimal ICRC-1/2 style surface the engine relies on.
// TransferFrom and Transfer return a receipt id referencing the transfer in
// the ledger's own log.
type Ledger interface {
	Mint(ctx context.Context, account string, amount uint64) error
	Approve(ctx context.Context, owner, spender string, amount uint64) error
	Allowance(ctx context.Context, owner, spender string) (uint64, error)
	TransferFrom(ctx context.Context, spender, from, to string, amount uint64) (int64, error)
	Transfer(ctx context.Context, from, to string, amount uint64) (int64, error)
	BalanceOf(ctx context.Context, account string) (uint64, error)
}
