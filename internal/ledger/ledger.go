// Package ledger is the append-only, hash-chained audit log. Every
// state-changing engine operation journals a block here inside its own write
// transaction; the engine never reads the log back for decisions. Blocks are
// immutable and never deleted, so external observers can reconstruct a
// bounty's full history from the chain alone.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"bountyline/internal/candy"
	"bountyline/internal/domain"
)

// Block type tags, carried over from the ICRC-127 block vocabulary.
const (
	BTypeCreated = "127bounty"
	BTypeSubmit  = "127submit_bounty"
	BTypeRun     = "127bounty_run"
	BTypeExpired = "127bounty_expired"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append assigns the next monotonic index, links the block to its
// predecessor's digest and stores it. It runs inside the caller's write
// transaction and never touches external collaborators, so appends are
// total-ordered by the single-writer database connection.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, btype string, body candy.Value) (int64, error) {
	var (
		lastIdx  sql.NullInt64
		lastHash sql.NullString
	)
	err := tx.QueryRowContext(ctx, `SELECT idx, hash FROM blocks ORDER BY idx DESC LIMIT 1`).Scan(&lastIdx, &lastHash)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("read chain head: %w", err)
	}
	idx := int64(0)
	block := candy.MapValue(
		candy.Entry{Key: "btype", Value: candy.TextValue(btype)},
		candy.Entry{Key: "ts", Value: candy.NatValue(uint64(w.now().UTC().UnixNano()))},
	)
	if err != sql.ErrNoRows {
		idx = lastIdx.Int64 + 1
		block = block.Set("phash", candy.TextValue(lastHash.String))
	}
	block = block.Set("tx", body)

	encoded, err := block.Encode()
	if err != nil {
		return 0, err
	}
	sum := sha256.Sum256([]byte(encoded))
	hash := hex.EncodeToString(sum[:])

	_, err = tx.ExecContext(ctx, `INSERT INTO blocks(idx, btype, phash, hash, body, ts) VALUES (?,?,?,?,?,?)`,
		idx, btype, nullable(prevHash(block)), hash, encoded, w.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("append block: %w", err)
	}
	return idx, nil
}

func prevHash(block candy.Value) string {
	p, _ := block.TextOf("phash")
	return p
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Store answers audit queries over the chain.
type Store struct {
	DB *sql.DB
}

// Length returns the number of blocks in the chain.
func (s Store) Length(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&n)
	return n, err
}

// Query returns up to length blocks per range starting at each start index,
// in index order. A range reaching past the chain returns the available
// suffix without error.
func (s Store) Query(ctx context.Context, ranges []domain.BlockRange) ([]domain.Block, error) {
	var res []domain.Block
	for _, rng := range ranges {
		if rng.Start < 0 || rng.Length < 0 {
			return nil, fmt.Errorf("invalid block range {%d %d}", rng.Start, rng.Length)
		}
		if rng.Length == 0 {
			continue
		}
		rows, err := s.DB.QueryContext(ctx,
			`SELECT idx, btype, body FROM blocks WHERE idx >= ? ORDER BY idx LIMIT ?`, rng.Start, rng.Length)
		if err != nil {
			return nil, err
		}
		blocks, err := scanBlocks(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, blocks...)
	}
	return res, nil
}

// Tail returns the newest n blocks in index order.
func (s Store) Tail(ctx context.Context, n int64) ([]domain.Block, error) {
	length, err := s.Length(ctx)
	if err != nil {
		return nil, err
	}
	start := length - n
	if start < 0 {
		start = 0
	}
	return s.Query(ctx, []domain.BlockRange{{Start: start, Length: n}})
}

// Verify walks the whole chain and recomputes every digest and predecessor
// link. Any mutation of a stored block breaks the walk.
func (s Store) Verify(ctx context.Context) error {
	rows, err := s.DB.QueryContext(ctx, `SELECT idx, phash, hash, body FROM blocks ORDER BY idx`)
	if err != nil {
		return err
	}
	defer rows.Close()
	var (
		expectIdx int64
		prev      string
	)
	for rows.Next() {
		var (
			idx   int64
			phash sql.NullString
			hash  string
			body  string
		)
		if err := rows.Scan(&idx, &phash, &hash, &body); err != nil {
			return err
		}
		if idx != expectIdx {
			return fmt.Errorf("block %d: index gap, expected %d", idx, expectIdx)
		}
		if idx > 0 && phash.String != prev {
			return fmt.Errorf("block %d: predecessor hash mismatch", idx)
		}
		sum := sha256.Sum256([]byte(body))
		if hex.EncodeToString(sum[:]) != hash {
			return fmt.Errorf("block %d: digest mismatch", idx)
		}
		prev = hash
		expectIdx++
	}
	return rows.Err()
}

func scanBlocks(rows *sql.Rows) ([]domain.Block, error) {
	defer rows.Close()
	var blocks []domain.Block
	for rows.Next() {
		var (
			b    domain.Block
			body string
		)
		if err := rows.Scan(&b.Index, &b.BType, &body); err != nil {
			return nil, err
		}
		val, err := candy.Decode(body)
		if err != nil {
			return nil, fmt.Errorf("block %d body: %w", b.Index, err)
		}
		b.Body = val
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// Transaction body builders for the fixed tag vocabulary.

func CreatedTx(caller string, bountyID int64, challenge candy.Value, timeoutDate int64) candy.Value {
	return candy.MapValue(
		candy.Entry{Key: "caller", Value: candy.TextValue(caller)},
		candy.Entry{Key: "bounty_id", Value: candy.NatValue(uint64(bountyID))},
		candy.Entry{Key: "challenge_params", Value: challenge},
		candy.Entry{Key: "timeout_date", Value: candy.NatValue(uint64(timeoutDate))},
	)
}

func SubmitTx(caller string, bountyID int64, submission candy.Value) candy.Value {
	return candy.MapValue(
		candy.Entry{Key: "caller", Value: candy.TextValue(caller)},
		candy.Entry{Key: "bounty_id", Value: candy.NatValue(uint64(bountyID))},
		candy.Entry{Key: "submission", Value: submission},
	)
}

func RunTx(bountyID int64, result string) candy.Value {
	return candy.MapValue(
		candy.Entry{Key: "bounty_id", Value: candy.NatValue(uint64(bountyID))},
		candy.Entry{Key: "result", Value: candy.TextValue(result)},
	)
}

func ExpiredTx(bountyID int64) candy.Value {
	return candy.MapValue(
		candy.Entry{Key: "bounty_id", Value: candy.NatValue(uint64(bountyID))},
	)
}
