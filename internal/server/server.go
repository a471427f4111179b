package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bountyline/internal/candy"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"bounty not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Bountyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Bountyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMetadata(group, cfg.Engine)
	registerBounties(group, cfg.Engine)
	registerBlocks(group, cfg.Engine)
	registerToken(group, cfg.Engine, cfg.Auth)
	registerAPIKeys(group, cfg.Engine, cfg.Auth)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrNotStarted):
		return newAPIError(http.StatusConflict, "not_started", err.Error(), nil)
	case errors.Is(err, engine.ErrInsufficientFunds):
		return newAPIError(http.StatusConflict, "insufficient_funds", err.Error(), nil)
	case errors.Is(err, engine.ErrTransferFailed):
		return newAPIError(http.StatusBadGateway, "transfer_failed", err.Error(), nil)
	case errors.Is(err, engine.ErrValidationHook):
		return newAPIError(http.StatusBadGateway, "validation_hook_failed", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidRequest):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadGateway:
		return "transfer_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Bountyline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMetadata(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-metadata",
		Method:      http.MethodGet,
		Path:        "/metadata",
		Summary:     "Engine operating parameters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body candy.Value `json:"body"`
	}, error) {
		return &struct {
			Body candy.Value `json:"body"`
		}{Body: e.Metadata()}, nil
	})
}

func registerBounties(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-bounty",
		Method:        http.MethodPost,
		Path:          "/bounties",
		Summary:       "Create a bounty and escrow its reward",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body CreateBountyRequest
	}) (*struct {
		Body BountyResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		timeout, err := time.Parse(time.RFC3339, input.Body.TimeoutDate)
		if err != nil {
			return nil, handleError(fmt.Errorf("%w: timeout_date: %v", engine.ErrInvalidRequest, err))
		}
		opts := engine.CreateOptions{
			BountyID:           input.Body.BountyID,
			Creator:            caller,
			ValidationCanister: input.Body.ValidationCanister,
			Challenge:          input.Body.ChallengeParameters,
			Metadata:           input.Body.BountyMetadata,
			TimeoutDate:        timeout,
		}
		if input.Body.StartDate != nil {
			start, err := time.Parse(time.RFC3339, *input.Body.StartDate)
			if err != nil {
				return nil, handleError(fmt.Errorf("%w: start_date: %v", engine.ErrInvalidRequest, err))
			}
			opts.StartDate = &start
		}
		b, err := e.CreateBounty(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BountyResponse `json:"body"`
		}{Body: toBountyResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bounty",
		Method:      http.MethodGet,
		Path:        "/bounties/{bounty_id}",
		Summary:     "Fetch a bounty with its claim history",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		BountyID int64 `path:"bounty_id"`
	}) (*struct {
		Body BountyResponse `json:"body"`
	}, error) {
		b, err := e.GetBounty(ctx, input.BountyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BountyResponse `json:"body"`
		}{Body: toBountyResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bounties",
		Method:      http.MethodGet,
		Path:        "/bounties",
		Summary:     "List bounties with filters and cursor pagination",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Claimed            *bool  `query:"claimed"`
		ClaimedBy          string `query:"claimed_by"`
		ValidationCanister string `query:"validation_canister"`
		Metadata           string `query:"metadata" doc:"JSON array of {key,value} pairs the metadata map must contain"`
		Prev               int64  `query:"prev" minimum:"0"`
		Take               int    `query:"take" minimum:"0"`
	}) (*struct {
		Body []BountyResponse `json:"body"`
	}, error) {
		metaFilter, err := parseMetadataFilter(input.Metadata)
		if err != nil {
			return nil, handleError(fmt.Errorf("%w: %v", engine.ErrInvalidRequest, err))
		}
		filter := domain.BountyFilter{
			Claimed:            input.Claimed,
			ClaimedBy:          input.ClaimedBy,
			ValidationCanister: input.ValidationCanister,
			Metadata:           metaFilter,
		}
		bounties, err := e.ListBounties(ctx, filter, input.Prev, input.Take)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]BountyResponse, 0, len(bounties))
		for _, b := range bounties {
			res = append(res, toBountyResponse(b))
		}
		return &struct {
			Body []BountyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-bounty",
		Method:      http.MethodPost,
		Path:        "/bounties/{bounty_id}/submissions",
		Summary:     "Submit a candidate solution",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		BountyID int64 `path:"bounty_id"`
		Body     SubmitBountyRequest
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SubmitOptions{
			BountyID:   input.BountyID,
			Caller:     caller,
			Submission: input.Body.Submission,
		}
		if input.Body.Account != nil {
			opts.Account = *input.Body.Account
		}
		claim, err := e.SubmitBounty(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: toClaimResponse(claim)}, nil
	})
}

func registerBlocks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-blocks",
		Method:      http.MethodGet,
		Path:        "/blocks",
		Summary:     "Read audit blocks from one index range",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Start  int64 `query:"start" minimum:"0"`
		Length int64 `query:"length" minimum:"0"`
	}) (*struct {
		Body GetBlocksResponse `json:"body"`
	}, error) {
		length := input.Length
		if length == 0 {
			length = 100
		}
		blocks, logLength, err := e.GetBlocks(ctx, []domain.BlockRange{{Start: input.Start, Length: length}})
		if err != nil {
			return nil, handleError(err)
		}
		return blocksResponse(blocks, logLength), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "query-blocks",
		Method:      http.MethodPost,
		Path:        "/blocks/query",
		Summary:     "Read audit blocks from multiple index ranges",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Ranges []domain.BlockRange `json:"ranges"`
		}
	}) (*struct {
		Body GetBlocksResponse `json:"body"`
	}, error) {
		blocks, logLength, err := e.GetBlocks(ctx, input.Body.Ranges)
		if err != nil {
			return nil, handleError(err)
		}
		return blocksResponse(blocks, logLength), nil
	})
}

func blocksResponse(blocks []domain.Block, logLength int64) *struct {
	Body GetBlocksResponse `json:"body"`
} {
	res := GetBlocksResponse{LogLength: logLength, Blocks: make([]BlockResponse, 0, len(blocks))}
	for _, b := range blocks {
		res.Blocks = append(res.Blocks, toBlockResponse(b))
	}
	return &struct {
		Body GetBlocksResponse `json:"body"`
	}{Body: res}
}

func registerToken(api huma.API, e *engine.Engine, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "token-mint",
		Method:        http.MethodPost,
		Path:          "/token/mint",
		Summary:       "Mint funds into an account (admin)",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body MintRequest
	}) (*struct{}, error) {
		if err := requireAdmin(ctx, auth); err != nil {
			return nil, err
		}
		if err := e.Token.Mint(ctx, input.Body.Account, input.Body.Amount); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "token-approve",
		Method:        http.MethodPost,
		Path:          "/token/approve",
		Summary:       "Let a spender move the caller's funds",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body ApproveRequest
	}) (*struct{}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Token.Approve(ctx, caller, input.Body.Spender, input.Body.Amount); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "token-balance",
		Method:      http.MethodGet,
		Path:        "/token/balance/{account}",
		Summary:     "Account balance",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
	}) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		balance, err := e.Token.BalanceOf(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: domain.Account{Owner: input.Account, Balance: balance}}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key for an actor (admin)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body struct {
			ID  string `json:"id"`
			Key string `json:"key"`
		} `json:"body"`
	}, error) {
		if err := requireAdmin(ctx, auth); err != nil {
			return nil, err
		}
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id required", nil)
		}
		rawKey := uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(rawKey),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				ID  string `json:"id"`
				Key string `json:"key"`
			} `json:"body"`
		}{}
		out.Body.ID = key.ID
		out.Body.Key = rawKey
		return out, nil
	})
}
