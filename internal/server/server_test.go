package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
	"bountyline/internal/token"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Auth.AllowLegacyActorHeader = true
	cfg.Auth.AdminActors = []string{"admin"}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, token.NewSQLLedger(conn), nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:              "test-secret",
		AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
		AdminActors:            cfg.Auth.AdminActors,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			e.Stop()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func TestBountyLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/token/mint", map[string]any{
		"account": "alice",
		"amount":  1_000_000,
	}, asActor("admin"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("mint status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/token/approve", map[string]any{
		"spender": "bounty-escrow",
		"amount":  1_000_000,
	}, asActor("alice"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}

	timeout := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bounties", map[string]any{
		"validation_canister_id": "validator-1",
		"timeout_date":           timeout,
		"challenge_parameters":   map[string]any{"Text": "secret_code_123"},
		"bounty_metadata": []map[string]any{
			{"key": "icrc127:reward_canister", "value": map[string]any{"Principal": "bountyline-token"}},
			{"key": "icrc127:reward_amount", "value": map[string]any{"Nat": 500000}},
		},
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create bounty status %d: %s", res.StatusCode, string(data))
	}
	var created BountyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal bounty: %v", err)
	}
	if created.Status != "open" || created.Creator != "alice" {
		t.Fatalf("unexpected bounty: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/bounties/%d/submissions", srv.URL, created.BountyID), map[string]any{
		"submission": map[string]any{"Text": "wrong_code"},
	}, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("invalid submit status %d: %s", res.StatusCode, string(data))
	}
	var claim ClaimResponse
	_ = json.Unmarshal(data, &claim)
	if claim.Result != "Invalid" {
		t.Fatalf("expected Invalid, got %s", claim.Result)
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/bounties/%d/submissions", srv.URL, created.BountyID), map[string]any{
		"submission": map[string]any{"Text": "secret_code_123"},
	}, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("valid submit status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &claim)
	if claim.Result != "Valid" {
		t.Fatalf("expected Valid, got %s", claim.Result)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/token/balance/bob", nil, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("balance status %d: %s", res.StatusCode, string(data))
	}
	var balance struct {
		Balance uint64 `json:"balance"`
	}
	_ = json.Unmarshal(data, &balance)
	if balance.Balance != 500000 {
		t.Fatalf("expected reward of 500000, got %d", balance.Balance)
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/bounties/%d", srv.URL, created.BountyID), nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get bounty status %d: %s", res.StatusCode, string(data))
	}
	var fetched BountyResponse
	_ = json.Unmarshal(data, &fetched)
	if fetched.Status != "claimed" || fetched.Claimed == nil {
		t.Fatalf("expected claimed bounty, got %+v", fetched)
	}
	if len(fetched.Claims) != 2 {
		t.Fatalf("expected 2 claim attempts, got %d", len(fetched.Claims))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/blocks?start=0&length=100", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("blocks status %d: %s", res.StatusCode, string(data))
	}
	var blocks GetBlocksResponse
	_ = json.Unmarshal(data, &blocks)
	if blocks.LogLength != 5 || len(blocks.Blocks) != 5 {
		t.Fatalf("expected 5 blocks, got length=%d n=%d", blocks.LogLength, len(blocks.Blocks))
	}
	if blocks.Blocks[0].BType != "127bounty" {
		t.Fatalf("first block type %s", blocks.Blocks[0].BType)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/bounties", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", envelope.Error.Code)
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestMintRequiresAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/token/mint", map[string]any{
		"account": "mallory",
		"amount":  1,
	}, asActor("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
}

func TestUnknownBountyIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/bounties/999", nil, asActor("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %q", envelope.Error.Code)
	}
}

func TestMetadataEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/metadata", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metadata status %d: %s", res.StatusCode, string(data))
	}
	var meta struct {
		Map []struct {
			Key string `json:"key"`
		} `json:"Map"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if len(meta.Map) == 0 {
		t.Fatalf("expected metadata entries: %s", string(data))
	}
}
