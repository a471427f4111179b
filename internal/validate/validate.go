// Package validate defines the pluggable submission-validation contract.
// The engine depends only on the Hook interface; challenge matching is one
// shipped policy, not the contract.
package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bountyline/internal/candy"
)

// Outcome of a validation run.
type Outcome string

const (
	Valid   Outcome = "Valid"
	Invalid Outcome = "Invalid"
)

// Hook decides whether a submission solves a bounty's challenge. A returned
// error means the hook itself failed and no definitive outcome exists; the
// engine surfaces that distinctly from Invalid.
type Hook interface {
	Validate(ctx context.Context, challenge, submission candy.Value) (Outcome, error)
}

// HookFunc adapts a function to the Hook interface.
type HookFunc func(ctx context.Context, challenge, submission candy.Value) (Outcome, error)

func (f HookFunc) Validate(ctx context.Context, challenge, submission candy.Value) (Outcome, error) {
	return f(ctx, challenge, submission)
}

// ChallengeMatch accepts a submission equal to the challenge parameters.
func ChallengeMatch() Hook {
	return HookFunc(func(_ context.Context, challenge, submission candy.Value) (Outcome, error) {
		if submission.Equal(challenge) {
			return Valid, nil
		}
		return Invalid, nil
	})
}

// WebhookHook delegates validation to an external HTTP service. The service
// receives the challenge parameters and the submission and answers with
// {"result": "Valid"} or {"result": "Invalid"}.
type WebhookHook struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhookHook(url, secret string, timeout time.Duration) *WebhookHook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookHook{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: timeout},
	}
}

type webhookRequest struct {
	ChallengeParameters candy.Value `json:"challenge_parameters"`
	Submission          candy.Value `json:"submission"`
}

type webhookResponse struct {
	Result string `json:"result"`
}

func (h *WebhookHook) Validate(ctx context.Context, challenge, submission candy.Value) (Outcome, error) {
	data, err := json.Marshal(webhookRequest{ChallengeParameters: challenge, Submission: submission})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(h.Secret) != "" {
		req.Header.Set("X-Bountyline-Secret", h.Secret)
	}
	res, err := h.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("validator %s: %w", h.URL, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("validator %s: status %d: %s", h.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out webhookResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("validator %s: decode: %w", h.URL, err)
	}
	switch Outcome(out.Result) {
	case Valid:
		return Valid, nil
	case Invalid:
		return Invalid, nil
	default:
		return "", fmt.Errorf("validator %s: unknown result %q", h.URL, out.Result)
	}
}
