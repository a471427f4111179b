// Package escrow reserves a bounty's reward at creation and releases it
// exactly once: to the winning claimant, or back to the creator on
// expiration. The manager is a stateless orchestrator over the funds ledger;
// holds are transient bookkeeping re-registered from bounty rows at startup.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bountyline/internal/token"
)

var (
	// ErrReservationFailed wraps a creation-time funds shortfall.
	ErrReservationFailed = errors.New("escrow reservation failed")
	// ErrTransferFailed marks a retryable external transfer error; the hold
	// stays open and the bounty keeps its prior state.
	ErrTransferFailed = errors.New("escrow transfer failed")
	// ErrNoHold means release/refund was asked for a bounty with no hold.
	ErrNoHold = errors.New("no escrow hold for bounty")
)

type hold struct {
	creator string
	amount  uint64
}

// Manager moves reward funds between the creator, the escrow account and the
// winning claimant.
type Manager struct {
	Ledger  token.Ledger
	Account string // escrow custody account

	mu    sync.Mutex
	holds map[int64]hold
}

func NewManager(ledger token.Ledger, account string) *Manager {
	return &Manager{
		Ledger:  ledger,
		Account: account,
		holds:   make(map[int64]hold),
	}
}

// Reserve moves amount from the creator's approved balance into escrow
// custody and opens the per-bounty hold. On failure no hold exists and no
// funds moved.
func (m *Manager) Reserve(ctx context.Context, bountyID int64, creator string, amount uint64) error {
	if _, err := m.Ledger.TransferFrom(ctx, m.Account, creator, m.Account, amount); err != nil {
		if errors.Is(err, token.ErrInsufficientFunds) || errors.Is(err, token.ErrInsufficientAllowance) {
			return fmt.Errorf("%w: %v", ErrReservationFailed, err)
		}
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	m.mu.Lock()
	m.holds[bountyID] = hold{creator: creator, amount: amount}
	m.mu.Unlock()
	return nil
}

// Register re-opens a hold without moving funds, used at startup for
// bounties whose reward already sits in the escrow account.
func (m *Manager) Register(bountyID int64, creator string, amount uint64) {
	m.mu.Lock()
	m.holds[bountyID] = hold{creator: creator, amount: amount}
	m.mu.Unlock()
}

// Release pays the held amount to recipient and closes the hold, returning
// the transfer receipt id. A failed transfer keeps the hold open.
func (m *Manager) Release(ctx context.Context, bountyID int64, recipient string) (uint64, int64, error) {
	h, ok := m.lookup(bountyID)
	if !ok {
		return 0, 0, ErrNoHold
	}
	receipt, err := m.Ledger.Transfer(ctx, m.Account, recipient, h.amount)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	m.close(bountyID)
	return h.amount, receipt, nil
}

// Refund returns the held amount to the original creator and closes the
// hold. A failed transfer keeps the hold open.
func (m *Manager) Refund(ctx context.Context, bountyID int64) (uint64, int64, error) {
	h, ok := m.lookup(bountyID)
	if !ok {
		return 0, 0, ErrNoHold
	}
	receipt, err := m.Ledger.Transfer(ctx, m.Account, h.creator, h.amount)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	m.close(bountyID)
	return h.amount, receipt, nil
}

// Held returns the amount currently held for a bounty.
func (m *Manager) Held(bountyID int64) (uint64, bool) {
	h, ok := m.lookup(bountyID)
	return h.amount, ok
}

func (m *Manager) lookup(bountyID int64) (hold, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[bountyID]
	return h, ok
}

func (m *Manager) close(bountyID int64) {
	m.mu.Lock()
	delete(m.holds, bountyID)
	m.mu.Unlock()
}
