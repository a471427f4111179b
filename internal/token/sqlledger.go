package token

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLLedger is the bundled dev/test implementation of Ledger over the
// accounts, allowances and transfers tables. Each operation is one write
// transaction, so balance and allowance checks are atomic with the move.
type SQLLedger struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{DB: db, Now: time.Now}
}

func (l *SQLLedger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *SQLLedger) Mint(ctx context.Context, account string, amount uint64) error {
	_, err := l.DB.ExecContext(ctx, `INSERT INTO accounts(owner, balance) VALUES (?,?)
ON CONFLICT(owner) DO UPDATE SET balance = balance + excluded.balance`, account, amount)
	return err
}

func (l *SQLLedger) Approve(ctx context.Context, owner, spender string, amount uint64) error {
	_, err := l.DB.ExecContext(ctx, `INSERT INTO allowances(owner, spender, amount) VALUES (?,?,?)
ON CONFLICT(owner, spender) DO UPDATE SET amount = excluded.amount`, owner, spender, amount)
	return err
}

func (l *SQLLedger) Allowance(ctx context.Context, owner, spender string) (uint64, error) {
	var amount uint64
	err := l.DB.QueryRowContext(ctx, `SELECT amount FROM allowances WHERE owner=? AND spender=?`, owner, spender).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return amount, err
}

func (l *SQLLedger) BalanceOf(ctx context.Context, account string) (uint64, error) {
	var balance uint64
	err := l.DB.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE owner=?`, account).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

// TransferFrom moves amount from `from` to `to` on behalf of `spender`,
// consuming allowance. Balance and allowance checks happen inside the same
// transaction as the move.
func (l *SQLLedger) TransferFrom(ctx context.Context, spender, from, to string, amount uint64) (int64, error) {
	return l.move(ctx, from, to, amount, &spender)
}

// Transfer moves amount directly between accounts.
func (l *SQLLedger) Transfer(ctx context.Context, from, to string, amount uint64) (int64, error) {
	return l.move(ctx, from, to, amount, nil)
}

func (l *SQLLedger) move(ctx context.Context, from, to string, amount uint64, spender *string) (int64, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if spender != nil && *spender != from {
		var allowance uint64
		err := tx.QueryRowContext(ctx, `SELECT amount FROM allowances WHERE owner=? AND spender=?`, from, *spender).Scan(&allowance)
		if err == sql.ErrNoRows || (err == nil && allowance < amount) {
			return 0, ErrInsufficientAllowance
		}
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE allowances SET amount = amount - ? WHERE owner=? AND spender=?`, amount, from, *spender); err != nil {
			return 0, err
		}
	}

	var balance uint64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE owner=?`, from).Scan(&balance)
	if err == sql.ErrNoRows || (err == nil && balance < amount) {
		return 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = balance - ? WHERE owner=?`, amount, from); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO accounts(owner, balance) VALUES (?,?)
ON CONFLICT(owner) DO UPDATE SET balance = balance + excluded.balance`, to, amount); err != nil {
		return 0, err
	}
	var spenderVal any
	if spender != nil {
		spenderVal = *spender
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO transfers(from_owner, to_owner, amount, spender, ts) VALUES (?,?,?,?,?)`,
		from, to, amount, spenderVal, l.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	receipt, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("transfer receipt: %w", err)
	}
	return receipt, tx.Commit()
}
