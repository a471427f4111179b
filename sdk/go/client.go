package bountylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bountyline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Value is the variant value used for challenge parameters, submissions and
// metadata. Exactly one arm is set, e.g. {"Text":"hello"} or {"Nat":500000}.
type Value struct {
	Text      *string `json:"Text,omitempty"`
	Nat       *uint64 `json:"Nat,omitempty"`
	Int       *int64  `json:"Int,omitempty"`
	Principal *string `json:"Principal,omitempty"`
	Blob      []byte  `json:"Blob,omitempty"`
	Map       []Entry `json:"Map,omitempty"`
	Array     []Value `json:"Array,omitempty"`
}

// Entry is one key/value pair of a Map value.
type Entry struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

// MarshalJSON emits the single set arm by name so empty Map, Array and Blob
// arms survive the wire instead of collapsing to {} under omitempty.
func (v Value) MarshalJSON() ([]byte, error) {
	var kind string
	var arm any
	switch {
	case v.Text != nil:
		kind, arm = "Text", v.Text
	case v.Nat != nil:
		kind, arm = "Nat", v.Nat
	case v.Int != nil:
		kind, arm = "Int", v.Int
	case v.Principal != nil:
		kind, arm = "Principal", v.Principal
	case v.Blob != nil:
		kind, arm = "Blob", v.Blob
	case v.Map != nil:
		kind, arm = "Map", v.Map
	case v.Array != nil:
		kind, arm = "Array", v.Array
	default:
		return []byte("{}"), nil
	}
	b, err := json.Marshal(arm)
	if err != nil {
		return nil, err
	}
	return []byte(`{"` + kind + `":` + string(b) + `}`), nil
}

// Text returns a text Value.
func Text(s string) Value { return Value{Text: &s} }

// Nat returns a natural-number Value.
func Nat(n uint64) Value { return Value{Nat: &n} }

// Bounty represents the API bounty model.
type Bounty struct {
	BountyID            int64   `json:"bounty_id"`
	Creator             string  `json:"creator"`
	ValidationCanister  string  `json:"validation_canister_id"`
	ChallengeParameters Value   `json:"challenge_parameters"`
	BountyMetadata      Value   `json:"bounty_metadata"`
	TimeoutDate         string  `json:"timeout_date"`
	StartDate           *string `json:"start_date,omitempty"`
	Status              string  `json:"status"`
	Claimed             *string `json:"claimed,omitempty"`
	Claims              []Claim `json:"claims,omitempty"`
	CreatedAt           string  `json:"created_at"`
}

// Claim represents one adjudicated submission.
type Claim struct {
	ClaimID       string `json:"claim_id"`
	BountyID      int64  `json:"bounty_id"`
	Caller        string `json:"caller"`
	Submission    Value  `json:"submission"`
	Result        string `json:"result"`
	ClaimMetadata Value  `json:"claim_metadata"`
	TS            string `json:"ts"`
}

// Block is one audit log entry.
type Block struct {
	ID    int64  `json:"id"`
	BType string `json:"btype"`
	Block Value  `json:"block"`
}

// BlocksPage wraps a block query response.
type BlocksPage struct {
	LogLength int64   `json:"log_length"`
	Blocks    []Block `json:"blocks"`
}

// Balance is a token account balance.
type Balance struct {
	Owner   string `json:"owner"`
	Balance uint64 `json:"balance"`
}

// CreateBountyRequest holds the create parameters.
type CreateBountyRequest struct {
	BountyID            *int64  `json:"bounty_id,omitempty"`
	ValidationCanister  string  `json:"validation_canister_id"`
	TimeoutDate         string  `json:"timeout_date"`
	StartDate           *string `json:"start_date,omitempty"`
	ChallengeParameters Value   `json:"challenge_parameters"`
	BountyMetadata      []Entry `json:"bounty_metadata"`
}

// ListFilter narrows ListBounties results. Zero fields are ignored.
type ListFilter struct {
	Claimed            *bool
	ClaimedBy          string
	ValidationCanister string
	Metadata           []Entry
	Prev               int64
	Take               int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateBounty posts a bounty; the reward named in the metadata is escrowed.
func (c *Client) CreateBounty(ctx context.Context, req CreateBountyRequest) (Bounty, error) {
	var resp Bounty
	err := c.do(ctx, http.MethodPost, "v0/bounties", req, &resp)
	return resp, err
}

// GetBounty fetches a bounty with its claim history.
func (c *Client) GetBounty(ctx context.Context, bountyID int64) (Bounty, error) {
	var resp Bounty
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/bounties/%d", bountyID), nil, &resp)
	return resp, err
}

// ListBounties returns bounties matching the filter.
func (c *Client) ListBounties(ctx context.Context, filter ListFilter) ([]Bounty, error) {
	q := url.Values{}
	if filter.Claimed != nil {
		q.Set("claimed", fmt.Sprint(*filter.Claimed))
	}
	if filter.ClaimedBy != "" {
		q.Set("claimed_by", filter.ClaimedBy)
	}
	if filter.ValidationCanister != "" {
		q.Set("validation_canister", filter.ValidationCanister)
	}
	if len(filter.Metadata) > 0 {
		b, err := json.Marshal(filter.Metadata)
		if err != nil {
			return nil, err
		}
		q.Set("metadata", string(b))
	}
	if filter.Prev > 0 {
		q.Set("prev", fmt.Sprint(filter.Prev))
	}
	if filter.Take > 0 {
		q.Set("take", fmt.Sprint(filter.Take))
	}
	endpoint := "v0/bounties"
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []Bounty
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitBounty submits a solution; account optionally overrides the payout
// destination.
func (c *Client) SubmitBounty(ctx context.Context, bountyID int64, submission Value, account string) (Claim, error) {
	body := map[string]any{"submission": submission}
	if account != "" {
		body["account"] = account
	}
	var resp Claim
	endpoint := fmt.Sprintf("v0/bounties/%d/submissions", bountyID)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetBlocks reads one audit log range.
func (c *Client) GetBlocks(ctx context.Context, start, length int64) (BlocksPage, error) {
	var resp BlocksPage
	endpoint := fmt.Sprintf("v0/blocks?start=%d&length=%d", start, length)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Balance returns a token account balance.
func (c *Client) Balance(ctx context.Context, account string) (Balance, error) {
	var resp Balance
	endpoint := fmt.Sprintf("v0/token/balance/%s", url.PathEscape(account))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
