// Package engine owns the canonical bounty records and their lifecycle:
// open bounties settle to a winning claim or expire to a refund, never both.
// Transitions are check-and-set on the bounty's own status row, so a submit
// racing an expiration resolves to exactly one transfer.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"bountyline/internal/candy"
	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/escrow"
	"bountyline/internal/ledger"
	"bountyline/internal/repo"
	"bountyline/internal/sched"
	"bountyline/internal/token"
	"bountyline/internal/validate"
)

var (
	ErrNotFound          = repo.ErrNotFound
	ErrNotStarted        = errors.New("bounty not started")
	ErrInsufficientFunds = escrow.ErrReservationFailed
	ErrTransferFailed    = escrow.ErrTransferFailed
	ErrInvalidRequest    = errors.New("invalid request")
	ErrValidationHook    = errors.New("validation hook failed")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Writer
	Blocks ledger.Store
	Escrow *escrow.Manager
	Sched  *sched.Scheduler
	Token  token.Ledger
	Hook   validate.Hook
	Config *config.Config
	Now    func() time.Time
}

// New wires the engine over an open database. The validation hook is an
// injected capability; pass nil to use the config-selected default.
func New(db *sql.DB, cfg *config.Config, tok token.Ledger, hook validate.Hook) *Engine {
	if hook == nil {
		hook = hookFromConfig(cfg)
	}
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.Writer{DB: db},
		Blocks: ledger.Store{DB: db},
		Escrow: escrow.NewManager(tok, cfg.Engine.EscrowAccount),
		Token:  tok,
		Hook:   hook,
		Config: cfg,
		Now:    time.Now,
	}
	e.Sched = sched.New(e.fireExpiration)
	return e
}

func hookFromConfig(cfg *config.Config) validate.Hook {
	if cfg.Validation.Mode == "webhook" {
		return validate.NewWebhookHook(cfg.Validation.Webhook.URL, cfg.Validation.Webhook.Secret,
			time.Duration(cfg.Validation.Webhook.TimeoutSeconds)*time.Second)
	}
	return validate.ChallengeMatch()
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Start rehydrates state after a restart: transient statuses revert to open,
// escrow holds are re-registered from bounty rows and expiration timers are
// re-armed. Past deadlines fire promptly.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Repo.ResetTransientStatuses(ctx); err != nil {
		return fmt.Errorf("reset transient statuses: %w", err)
	}
	open, err := e.Repo.ListBountiesByStatus(ctx, domain.StatusOpen)
	if err != nil {
		return fmt.Errorf("list open bounties: %w", err)
	}
	for _, b := range open {
		creator, _, amount, err := e.Repo.RewardDescriptor(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("reward descriptor for bounty %d: %w", b.ID, err)
		}
		e.Escrow.Register(b.ID, creator, amount)
		e.Sched.Arm(b.ID, time.Unix(0, b.TimeoutDate))
	}
	return nil
}

// Stop cancels pending expiration timers.
func (e *Engine) Stop() {
	e.Sched.Stop()
}

// CreateOptions are parameters for creating a bounty.
type CreateOptions struct {
	BountyID           *int64 // optional caller-chosen id
	Creator            string
	ValidationCanister string
	Challenge          candy.Value
	Metadata           []candy.Entry
	TimeoutDate        time.Time
	StartDate          *time.Time
}

// CreateBounty reserves the reward from the creator's approved balance, then
// stores the bounty, arms its expiration timer and journals a created block.
// A failed reservation leaves no bounty and no ledger entry.
func (e *Engine) CreateBounty(ctx context.Context, opts CreateOptions) (domain.Bounty, error) {
	if opts.Creator == "" {
		return domain.Bounty{}, fmt.Errorf("%w: creator required", ErrInvalidRequest)
	}
	if opts.Challenge.IsZero() {
		return domain.Bounty{}, fmt.Errorf("%w: challenge parameters required", ErrInvalidRequest)
	}
	if opts.TimeoutDate.IsZero() {
		return domain.Bounty{}, fmt.Errorf("%w: timeout date required", ErrInvalidRequest)
	}
	metadata, err := metadataMap(opts.Metadata)
	if err != nil {
		return domain.Bounty{}, err
	}
	amount, ok := metadata.NatOf(domain.MetaRewardAmount)
	if !ok || amount == 0 {
		return domain.Bounty{}, fmt.Errorf("%w: metadata %s must be a positive Nat", ErrInvalidRequest, domain.MetaRewardAmount)
	}
	rewardCanister, ok := metadata.PrincipalOf(domain.MetaRewardCanister)
	if !ok {
		if rewardCanister, ok = metadata.TextOf(domain.MetaRewardCanister); !ok {
			return domain.Bounty{}, fmt.Errorf("%w: metadata %s required", ErrInvalidRequest, domain.MetaRewardCanister)
		}
	}

	id, err := e.allocateBountyID(ctx, opts.BountyID)
	if err != nil {
		return domain.Bounty{}, err
	}

	// The external transfer happens before the row exists so a shortfall
	// leaves nothing behind.
	if err := e.Escrow.Reserve(ctx, id, opts.Creator, amount); err != nil {
		return domain.Bounty{}, err
	}

	b := domain.Bounty{
		ID:                 id,
		Creator:            opts.Creator,
		ValidationCanister: opts.ValidationCanister,
		ChallengeParams:    opts.Challenge,
		Metadata:           metadata,
		TimeoutDate:        opts.TimeoutDate.UnixNano(),
		Status:             domain.StatusOpen,
		CreatedAt:          e.now().UTC().Format(time.RFC3339),
	}
	if opts.StartDate != nil {
		start := opts.StartDate.UnixNano()
		b.StartDate = &start
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bounty{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBounty(ctx, tx, b, rewardCanister, amount); err != nil {
		return domain.Bounty{}, fmt.Errorf("insert bounty: %w", err)
	}
	if _, err := e.Ledger.Append(ctx, tx, ledger.BTypeCreated,
		ledger.CreatedTx(opts.Creator, id, opts.Challenge, b.TimeoutDate)); err != nil {
		return domain.Bounty{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bounty{}, err
	}
	e.Sched.Arm(id, opts.TimeoutDate)
	return b, nil
}

func (e *Engine) allocateBountyID(ctx context.Context, requested *int64) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	var id int64
	if requested != nil {
		if *requested <= 0 {
			return 0, fmt.Errorf("%w: bounty id must be positive", ErrInvalidRequest)
		}
		if err := e.Repo.ClaimBountyID(ctx, tx, *requested); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		id = *requested
	} else {
		if id, err = e.Repo.NextBountyID(ctx, tx); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

// SubmitOptions are parameters for a claim attempt.
type SubmitOptions struct {
	BountyID   int64
	Caller     string
	Submission candy.Value
	Account    string // optional payout account, defaults to the caller
}

// SubmitBounty records a claim attempt. The submission block is journaled
// unconditionally; the claim joins the bounty's history whatever the
// outcome. A Valid outcome settles the bounty and pays the claimant unless
// an expiration won the race first, in which case the outcome is recorded
// without a payout.
func (e *Engine) SubmitBounty(ctx context.Context, opts SubmitOptions) (domain.ClaimAttempt, error) {
	if opts.Caller == "" {
		return domain.ClaimAttempt{}, fmt.Errorf("%w: caller required", ErrInvalidRequest)
	}
	if opts.Submission.IsZero() {
		return domain.ClaimAttempt{}, fmt.Errorf("%w: submission required", ErrInvalidRequest)
	}
	b, err := e.Repo.GetBounty(ctx, opts.BountyID)
	if err != nil {
		return domain.ClaimAttempt{}, err
	}
	if b.Status == domain.StatusClaimed {
		return domain.ClaimAttempt{}, ErrNotFound
	}
	now := e.now()
	if b.StartDate != nil && now.UnixNano() < *b.StartDate {
		return domain.ClaimAttempt{}, ErrNotStarted
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ClaimAttempt{}, err
	}
	defer tx.Rollback()
	if _, err := e.Ledger.Append(ctx, tx, ledger.BTypeSubmit,
		ledger.SubmitTx(opts.Caller, b.ID, opts.Submission)); err != nil {
		return domain.ClaimAttempt{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ClaimAttempt{}, err
	}

	// The hook call may suspend; other bounties' operations and this
	// bounty's expiration can interleave here.
	outcome, err := e.Hook.Validate(ctx, b.ChallengeParams, opts.Submission)
	if err != nil {
		return domain.ClaimAttempt{}, fmt.Errorf("%w: %v", ErrValidationHook, err)
	}

	claim := domain.ClaimAttempt{
		ID:         uuid.New().String(),
		BountyID:   b.ID,
		Caller:     opts.Caller,
		Submission: opts.Submission,
		Result:     string(outcome),
		Metadata:   candy.MapValue(),
		TS:         e.now().UTC().Format(time.RFC3339),
	}

	if outcome == validate.Invalid {
		if err := e.recordClaim(ctx, claim, false); err != nil {
			return domain.ClaimAttempt{}, err
		}
		return claim, nil
	}

	won, err := e.Repo.CASStatus(ctx, b.ID, domain.StatusOpen, domain.StatusSettling)
	if err != nil {
		return domain.ClaimAttempt{}, err
	}
	if !won {
		// Lost the race with an expiration or an earlier settlement: the
		// Valid outcome still joins history, but no second transfer runs.
		if err := e.recordClaim(ctx, claim, false); err != nil {
			return domain.ClaimAttempt{}, err
		}
		return claim, nil
	}

	recipient := opts.Account
	if recipient == "" {
		recipient = opts.Caller
	}
	// The release transfer and the recordClaim commit are separate steps: a
	// crash in between re-opens the bounty at the next Start without checking
	// transfer receipts. Recovery from that window is operator-driven.
	amount, receipt, err := e.Escrow.Release(ctx, b.ID, recipient)
	if err != nil {
		if reverted, revertErr := e.Repo.CASStatus(ctx, b.ID, domain.StatusSettling, domain.StatusOpen); revertErr != nil || !reverted {
			log.Printf("engine: bounty %d stuck in settling after failed release: %v", b.ID, revertErr)
		}
		return domain.ClaimAttempt{}, err
	}
	claim.Metadata = candy.MapValue(
		candy.Entry{Key: domain.MetaRewardAmount, Value: candy.NatValue(amount)},
		candy.Entry{Key: domain.MetaRewardCanister, Value: candy.PrincipalValue(e.Config.Engine.TokenCanisterID)},
		candy.Entry{Key: domain.MetaTransferID, Value: candy.NatValue(uint64(receipt))},
	)
	if err := e.recordClaim(ctx, claim, true); err != nil {
		return domain.ClaimAttempt{}, err
	}
	e.Sched.Cancel(b.ID)
	return claim, nil
}

// recordClaim appends the claim attempt and its run-result block; when
// settled is set it also finalizes the claimed marker.
func (e *Engine) recordClaim(ctx context.Context, claim domain.ClaimAttempt, settled bool) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertClaim(ctx, tx, claim); err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	if settled {
		if err := e.Repo.MarkClaimed(ctx, tx, claim.BountyID, claim.ID); err != nil {
			return err
		}
	}
	if _, err := e.Ledger.Append(ctx, tx, ledger.BTypeRun, ledger.RunTx(claim.BountyID, claim.Result)); err != nil {
		return err
	}
	return tx.Commit()
}

// fireExpiration is the scheduler callback; errors only get logged because
// no caller is waiting.
func (e *Engine) fireExpiration(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.expire(ctx, id); err != nil {
		log.Printf("engine: expire bounty %d: %v", id, err)
	}
}

// expire refunds an unclaimed bounty and removes it. A no-op when the bounty
// settled first: cancellation is advisory and this status check is the
// authoritative guard.
func (e *Engine) expire(ctx context.Context, id int64) error {
	won, err := e.Repo.CASStatus(ctx, id, domain.StatusOpen, domain.StatusExpiring)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	if _, _, err := e.Escrow.Refund(ctx, id); err != nil {
		if reverted, revertErr := e.Repo.CASStatus(ctx, id, domain.StatusExpiring, domain.StatusOpen); revertErr != nil || !reverted {
			log.Printf("engine: bounty %d stuck in expiring after failed refund: %v", id, revertErr)
		}
		retry := time.Duration(e.Config.Engine.RefundRetrySecs) * time.Second
		e.Sched.Arm(id, e.now().Add(retry))
		return fmt.Errorf("refund: %w (retrying in %s)", err, retry)
	}
	// The refund and the removal commit separately. A failure here leaves the
	// row in expiring until the next Start resets it; see the matching note on
	// the settlement path about receipts.
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteBounty(ctx, tx, id); err != nil {
		return err
	}
	if _, err := e.Ledger.Append(ctx, tx, ledger.BTypeExpired, ledger.ExpiredTx(id)); err != nil {
		return err
	}
	return tx.Commit()
}

// GetBounty returns a bounty with its claim history, or ErrNotFound for
// unknown and removed ids. Transient statuses read as open.
func (e *Engine) GetBounty(ctx context.Context, id int64) (domain.Bounty, error) {
	b, err := e.Repo.GetBounty(ctx, id)
	if err != nil {
		return b, err
	}
	if b.Status == domain.StatusSettling || b.Status == domain.StatusExpiring {
		b.Status = domain.StatusOpen
	}
	return b, nil
}

// ListBounties filters then paginates: the predicate conjunction applies
// before the prev/take window. Ordering is ascending by creation order.
func (e *Engine) ListBounties(ctx context.Context, filter domain.BountyFilter, prev int64, take int) ([]domain.Bounty, error) {
	if prev < 0 || take < 0 {
		return nil, fmt.Errorf("%w: prev and take must be non-negative", ErrInvalidRequest)
	}
	if take == 0 {
		take = e.Config.Engine.DefaultTake
	}
	if max := e.Config.Engine.MaxTake; max > 0 && take > max {
		take = max
	}
	bounties, err := e.Repo.ListBounties(ctx, filter, prev, take)
	if err != nil {
		return nil, err
	}
	for i := range bounties {
		if bounties[i].Status == domain.StatusSettling || bounties[i].Status == domain.StatusExpiring {
			bounties[i].Status = domain.StatusOpen
		}
	}
	return bounties, nil
}

// GetBlocks answers the audit query surface.
func (e *Engine) GetBlocks(ctx context.Context, ranges []domain.BlockRange) ([]domain.Block, int64, error) {
	for _, r := range ranges {
		if r.Start < 0 || r.Length < 0 {
			return nil, 0, fmt.Errorf("%w: block ranges must be non-negative", ErrInvalidRequest)
		}
	}
	blocks, err := e.Blocks.Query(ctx, ranges)
	if err != nil {
		return nil, 0, err
	}
	length, err := e.Blocks.Length(ctx)
	if err != nil {
		return nil, 0, err
	}
	return blocks, length, nil
}

// Metadata describes the engine's fixed operating parameters.
func (e *Engine) Metadata() candy.Value {
	return candy.MapValue(
		candy.Entry{Key: "icrc127:escrow_account", Value: candy.TextValue(e.Config.Engine.EscrowAccount)},
		candy.Entry{Key: "icrc127:default_take", Value: candy.NatValue(uint64(e.Config.Engine.DefaultTake))},
		candy.Entry{Key: "icrc127:max_take", Value: candy.NatValue(uint64(e.Config.Engine.MaxTake))},
		candy.Entry{Key: "icrc127:token_canister_id", Value: candy.PrincipalValue(e.Config.Engine.TokenCanisterID)},
	)
}

func metadataMap(entries []candy.Entry) (candy.Value, error) {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.Key]; dup {
			return candy.Value{}, fmt.Errorf("%w: duplicate metadata key %s", ErrInvalidRequest, e.Key)
		}
		seen[e.Key] = struct{}{}
	}
	return candy.MapValue(entries...), nil
}
