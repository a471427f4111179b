package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"bountyline/internal/candy"
	"bountyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const bountyColumns = `id, creator, validation_canister, challenge_params, metadata,
timeout_date, start_date, status, claimed_claim_id, created_at`

func scanBounty(scan func(dest ...any) error) (domain.Bounty, error) {
	var (
		b         domain.Bounty
		challenge string
		metadata  string
		start     sql.NullInt64
		claimed   sql.NullString
	)
	err := scan(&b.ID, &b.Creator, &b.ValidationCanister, &challenge, &metadata,
		&b.TimeoutDate, &start, &b.Status, &claimed, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if b.ChallengeParams, err = candy.Decode(challenge); err != nil {
		return b, fmt.Errorf("bounty %d challenge: %w", b.ID, err)
	}
	if b.Metadata, err = candy.Decode(metadata); err != nil {
		return b, fmt.Errorf("bounty %d metadata: %w", b.ID, err)
	}
	if start.Valid {
		b.StartDate = &start.Int64
	}
	if claimed.Valid {
		b.ClaimedID = &claimed.String
	}
	return b, nil
}

// InsertBounty stores a new bounty row with an explicit id.
func (r Repo) InsertBounty(ctx context.Context, tx *sql.Tx, b domain.Bounty, rewardCanister string, rewardAmount uint64) error {
	challenge, err := b.ChallengeParams.Encode()
	if err != nil {
		return err
	}
	metadata, err := b.Metadata.Encode()
	if err != nil {
		return err
	}
	var start any
	if b.StartDate != nil {
		start = *b.StartDate
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO bounties(id, creator, validation_canister, challenge_params, metadata,
reward_canister, reward_amount, timeout_date, start_date, status, created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Creator, b.ValidationCanister, challenge, metadata,
		rewardCanister, rewardAmount, b.TimeoutDate, start, b.Status, b.CreatedAt)
	return err
}

// NextBountyID hands out the next monotonic bounty identifier. Removed
// bounties never free their ids; the counter only moves forward.
func (r Repo) NextBountyID(ctx context.Context, tx *sql.Tx) (int64, error) {
	var next int64
	err := tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE name='bounty_id'`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("bounty id counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE counters SET value=? WHERE name='bounty_id'`, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

// ClaimBountyID reserves a caller-chosen id, bumping the counter past it.
// Fails when the id was already handed out.
func (r Repo) ClaimBountyID(ctx context.Context, tx *sql.Tx, id int64) error {
	var next int64
	err := tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE name='bounty_id'`).Scan(&next)
	if err != nil {
		return fmt.Errorf("bounty id counter: %w", err)
	}
	if id < next {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bounties WHERE id=?`, id).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("bounty id %d already in use", id)
		}
		var m int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM claims WHERE bounty_id=?`, id).Scan(&m); err != nil {
			return err
		}
		if m > 0 {
			return fmt.Errorf("bounty id %d already in use", id)
		}
		return nil
	}
	_, err = tx.ExecContext(ctx, `UPDATE counters SET value=? WHERE name='bounty_id'`, id+1)
	return err
}

// GetBounty loads a bounty with its claim attempts, oldest first.
func (r Repo) GetBounty(ctx context.Context, id int64) (domain.Bounty, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE id=?`, id)
	b, err := scanBounty(row.Scan)
	if err != nil {
		return b, err
	}
	b.Claims, err = r.ListClaims(ctx, id)
	return b, err
}

// BountyStatus returns the current status of a bounty row.
func (r Repo) BountyStatus(ctx context.Context, id int64) (string, error) {
	var status string
	err := r.DB.QueryRowContext(ctx, `SELECT status FROM bounties WHERE id=?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return status, err
}

// CASStatus transitions a bounty's status only when the expected prior status
// still holds. Returns false when the row is gone or the status changed, which
// is how a lost settle/expire race is observed.
func (r Repo) CASStatus(ctx context.Context, id int64, from, to string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE bounties SET status=? WHERE id=? AND status=?`, to, id, from)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

// MarkClaimed finalizes settlement: sets the claimed marker and terminal status.
func (r Repo) MarkClaimed(ctx context.Context, tx *sql.Tx, id int64, claimID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE bounties SET status=?, claimed_claim_id=? WHERE id=? AND status=?`,
		domain.StatusClaimed, claimID, id, domain.StatusSettling)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("bounty %d not in settling state", id)
	}
	return nil
}

// DeleteBounty removes an expired bounty row. Claim history is kept.
func (r Repo) DeleteBounty(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM bounties WHERE id=? AND status=?`, id, domain.StatusExpiring)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("bounty %d not in expiring state", id)
	}
	return nil
}

// InsertClaim appends a claim attempt; seq preserves submission order.
func (r Repo) InsertClaim(ctx context.Context, tx *sql.Tx, c domain.ClaimAttempt) error {
	submission, err := c.Submission.Encode()
	if err != nil {
		return err
	}
	metadata, err := c.Metadata.Encode()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO claims(id, bounty_id, caller, submission, result, metadata, ts, seq)
VALUES (?,?,?,?,?,?,?, COALESCE((SELECT MAX(seq) FROM claims WHERE bounty_id=?),0)+1)`,
		c.ID, c.BountyID, c.Caller, submission, c.Result, metadata, c.TS, c.BountyID)
	return err
}

// ListClaims returns the claim attempts for a bounty, oldest first.
func (r Repo) ListClaims(ctx context.Context, bountyID int64) ([]domain.ClaimAttempt, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, bounty_id, caller, submission, result, metadata, ts FROM claims WHERE bounty_id=? ORDER BY seq`, bountyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var claims []domain.ClaimAttempt
	for rows.Next() {
		var (
			c          domain.ClaimAttempt
			submission string
			metadata   string
		)
		if err := rows.Scan(&c.ID, &c.BountyID, &c.Caller, &submission, &c.Result, &metadata, &c.TS); err != nil {
			return nil, err
		}
		if c.Submission, err = candy.Decode(submission); err != nil {
			return nil, err
		}
		if c.Metadata, err = candy.Decode(metadata); err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// GetClaim returns one claim attempt by id.
func (r Repo) GetClaim(ctx context.Context, id string) (domain.ClaimAttempt, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, bounty_id, caller, submission, result, metadata, ts FROM claims WHERE id=?`, id)
	var (
		c          domain.ClaimAttempt
		submission string
		metadata   string
	)
	err := row.Scan(&c.ID, &c.BountyID, &c.Caller, &submission, &c.Result, &metadata, &c.TS)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if c.Submission, err = candy.Decode(submission); err != nil {
		return c, err
	}
	c.Metadata, err = candy.Decode(metadata)
	return c, err
}

// RewardDescriptor returns the reserved reward for a bounty.
func (r Repo) RewardDescriptor(ctx context.Context, id int64) (creator, canister string, amount uint64, err error) {
	row := r.DB.QueryRowContext(ctx, `SELECT creator, reward_canister, reward_amount FROM bounties WHERE id=?`, id)
	err = row.Scan(&creator, &canister, &amount)
	if err == sql.ErrNoRows {
		err = ErrNotFound
	}
	return
}

// ListBounties applies the filter conjunction, then windows the result to the
// ids strictly after prev, capped at take. Ordering is ascending by id.
func (r Repo) ListBounties(ctx context.Context, filter domain.BountyFilter, prev int64, take int) ([]domain.Bounty, error) {
	query := `SELECT ` + qualify(bountyColumns, "b") + ` FROM bounties b`
	var (
		conds []string
		args  []any
	)
	if filter.ClaimedBy != "" {
		query += ` JOIN claims c ON c.id = b.claimed_claim_id`
		conds = append(conds, "c.caller = ?")
		args = append(args, filter.ClaimedBy)
	}
	if filter.Claimed != nil {
		if *filter.Claimed {
			conds = append(conds, "b.claimed_claim_id IS NOT NULL")
		} else {
			conds = append(conds, "b.claimed_claim_id IS NULL")
		}
	}
	if filter.ValidationCanister != "" {
		conds = append(conds, "b.validation_canister = ?")
		args = append(args, filter.ValidationCanister)
	}
	conds = append(conds, "b.id > ?")
	args = append(args, prev)
	query += ` WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY b.id`

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bounty
	for rows.Next() {
		b, err := scanBounty(rows.Scan)
		if err != nil {
			return nil, err
		}
		if !metadataContains(b.Metadata, filter.Metadata) {
			continue
		}
		res = append(res, b)
		if len(res) == take {
			break
		}
	}
	return res, rows.Err()
}

// metadataContains reports whether the bounty metadata map holds every
// required key/value pair.
func metadataContains(metadata candy.Value, required []candy.Entry) bool {
	for _, want := range required {
		got, ok := metadata.Get(want.Key)
		if !ok || !got.Equal(want.Value) {
			return false
		}
	}
	return true
}

// ListBountiesByStatus returns bounty ids in a given status, used to
// rehydrate timers and escrow holds at startup.
func (r Repo) ListBountiesByStatus(ctx context.Context, statuses ...string) ([]domain.Bounty, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+bountyColumns+` FROM bounties WHERE status IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bounty
	for rows.Next() {
		b, err := scanBounty(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// ResetTransientStatuses reverts settling/expiring rows to open. Run once at
// startup: a transient status cannot outlive the process that set it.
func (r Repo) ResetTransientStatuses(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE bounties SET status=? WHERE status IN (?,?)`,
		domain.StatusOpen, domain.StatusSettling, domain.StatusExpiring)
	return err
}

func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
