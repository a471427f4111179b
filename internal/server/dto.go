package server

import (
	"encoding/json"
	"fmt"
	"time"

	"bountyline/internal/candy"
	"bountyline/internal/domain"
)

// Request payloads

type CreateBountyRequest struct {
	BountyID            *int64        `json:"bounty_id,omitempty"`
	ValidationCanister  string        `json:"validation_canister_id"`
	TimeoutDate         string        `json:"timeout_date" format:"date-time"`
	StartDate           *string       `json:"start_date,omitempty" format:"date-time"`
	ChallengeParameters candy.Value   `json:"challenge_parameters"`
	BountyMetadata      []candy.Entry `json:"bounty_metadata"`
}

type SubmitBountyRequest struct {
	Submission candy.Value `json:"submission"`
	Account    *string     `json:"account,omitempty"`
}

type MintRequest struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount" minimum:"1"`
}

type ApproveRequest struct {
	Spender string `json:"spender"`
	Amount  uint64 `json:"amount"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type BountyResponse struct {
	BountyID            int64           `json:"bounty_id"`
	Creator             string          `json:"creator"`
	ValidationCanister  string          `json:"validation_canister_id"`
	ChallengeParameters candy.Value     `json:"challenge_parameters"`
	BountyMetadata      candy.Value     `json:"bounty_metadata"`
	TimeoutDate         string          `json:"timeout_date" format:"date-time"`
	StartDate           *string         `json:"start_date,omitempty" format:"date-time"`
	Status              string          `json:"status" enum:"open,claimed"`
	Claimed             *string         `json:"claimed,omitempty"`
	Claims              []ClaimResponse `json:"claims,omitempty"`
	CreatedAt           string          `json:"created_at" format:"date-time"`
}

type ClaimResponse struct {
	ClaimID       string      `json:"claim_id"`
	BountyID      int64       `json:"bounty_id"`
	Caller        string      `json:"caller"`
	Submission    candy.Value `json:"submission"`
	Result        string      `json:"result" enum:"Valid,Invalid"`
	ClaimMetadata candy.Value `json:"claim_metadata"`
	TS            string      `json:"ts" format:"date-time"`
}

type BlockResponse struct {
	ID    int64       `json:"id"`
	BType string      `json:"btype"`
	Block candy.Value `json:"block"`
}

type GetBlocksResponse struct {
	LogLength int64           `json:"log_length"`
	Blocks    []BlockResponse `json:"blocks"`
}

func toBountyResponse(b domain.Bounty) BountyResponse {
	res := BountyResponse{
		BountyID:            b.ID,
		Creator:             b.Creator,
		ValidationCanister:  b.ValidationCanister,
		ChallengeParameters: b.ChallengeParams,
		BountyMetadata:      b.Metadata,
		TimeoutDate:         time.Unix(0, b.TimeoutDate).UTC().Format(time.RFC3339Nano),
		Status:              b.Status,
		Claimed:             b.ClaimedID,
		CreatedAt:           b.CreatedAt,
	}
	if b.StartDate != nil {
		s := time.Unix(0, *b.StartDate).UTC().Format(time.RFC3339Nano)
		res.StartDate = &s
	}
	for _, c := range b.Claims {
		res.Claims = append(res.Claims, toClaimResponse(c))
	}
	return res
}

func toClaimResponse(c domain.ClaimAttempt) ClaimResponse {
	return ClaimResponse{
		ClaimID:       c.ID,
		BountyID:      c.BountyID,
		Caller:        c.Caller,
		Submission:    c.Submission,
		Result:        c.Result,
		ClaimMetadata: c.Metadata,
		TS:            c.TS,
	}
}

func toBlockResponse(b domain.Block) BlockResponse {
	return BlockResponse{ID: b.Index, BType: b.BType, Block: b.Body}
}

// parseMetadataFilter decodes the metadata query parameter, a JSON array of
// {"key":..., "value":...} pairs that listed bounties must all contain.
func parseMetadataFilter(raw string) ([]candy.Entry, error) {
	if raw == "" {
		return nil, nil
	}
	var entries []candy.Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("metadata filter: %w", err)
	}
	return entries, nil
}
