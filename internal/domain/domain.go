package domain

import "bountyline/internal/candy"

// Metadata keys of the reward descriptor and of claim annotations.
const (
	MetaRewardCanister = "icrc127:reward_canister"
	MetaRewardAmount   = "icrc127:reward_amount"
	MetaTransferID     = "icrc127:transfer_id"
)

// Bounty statuses. Settling and expiring fence an in-flight transfer; they are
// never observable across API calls because the owning operation either
// finishes the transition or reverts to open before returning.
const (
	StatusOpen     = "open"
	StatusSettling = "settling"
	StatusClaimed  = "claimed"
	StatusExpiring = "expiring"
)

type Bounty struct {
	ID                 int64          `json:"bounty_id"`
	Creator            string         `json:"creator"`
	ValidationCanister string         `json:"validation_canister_id"`
	ChallengeParams    candy.Value    `json:"challenge_parameters"`
	Metadata           candy.Value    `json:"bounty_metadata"`
	TimeoutDate        int64          `json:"timeout_date"`         // unix nanoseconds
	StartDate          *int64         `json:"start_date,omitempty"` // unix nanoseconds
	Status             string         `json:"status" enum:"open,claimed"`
	ClaimedID          *string        `json:"claimed,omitempty"`
	Claims             []ClaimAttempt `json:"claims,omitempty"`
	CreatedAt          string         `json:"created_at" format:"date-time"`
}

// Claimed reports whether the winning claim marker is set.
func (b Bounty) Claimed() bool { return b.ClaimedID != nil }

type ClaimAttempt struct {
	ID         string      `json:"claim_id"`
	BountyID   int64       `json:"bounty_id"`
	Caller     string      `json:"caller"`
	Submission candy.Value `json:"submission"`
	Result     string      `json:"result" enum:"Valid,Invalid"`
	Metadata   candy.Value `json:"claim_metadata,omitempty"`
	TS         string      `json:"ts" format:"date-time"`
}

// Block is one audit ledger entry. Body holds the full block map including
// btype, ts, phash and the tx payload.
type Block struct {
	Index int64       `json:"id"`
	BType string      `json:"btype"`
	Body  candy.Value `json:"block"`
}

// BlockRange selects ledger blocks by index.
type BlockRange struct {
	Start  int64 `json:"start" minimum:"0"`
	Length int64 `json:"length" minimum:"0"`
}

// BountyFilter is the conjunction of list predicates; nil fields match all.
type BountyFilter struct {
	Claimed            *bool
	ClaimedBy          string
	ValidationCanister string
	Metadata           []candy.Entry
}

type Account struct {
	Owner   string `json:"owner"`
	Balance uint64 `json:"balance"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
