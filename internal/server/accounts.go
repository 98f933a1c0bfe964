package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"agentmarket/internal/domain"
	"agentmarket/internal/engine"
	"agentmarket/internal/repo"
)

type accountPath struct {
	Account string `path:"account"`
}

func registerAccounts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}",
		Summary:     "Get account",
	}, func(ctx context.Context, input *accountPath) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		a, err := e.Repo.GetAccount(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-balance",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/balance",
		Summary:     "Get account balance",
	}, func(ctx context.Context, input *accountPath) (*struct {
		Body struct {
			Account string `json:"account"`
			Balance int64  `json:"balance"`
		} `json:"body"`
	}, error) {
		balance, err := e.Ledger.Balance(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Account string `json:"account"`
				Balance int64  `json:"balance"`
			} `json:"body"`
		}{}
		out.Body.Account = input.Account
		out.Body.Balance = balance
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transfers",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/transfers",
		Summary:     "List transfers touching an account",
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []domain.Transfer `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Ledger.ListTransfers(ctx, input.Account, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Transfer `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-trust-score",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/trust",
		Summary:     "Compute the account's trust score",
	}, func(ctx context.Context, input *accountPath) (*struct {
		Body domain.TrustScore `json:"body"`
	}, error) {
		ts, err := e.TrustScore(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TrustScore `json:"body"`
		}{Body: ts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-account-feedback",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/feedback",
		Summary:     "List feedback received by an account",
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []domain.Feedback `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.ListFeedback(ctx, input.Account, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Feedback `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "credit-account",
		Method:      http.MethodPost,
		Path:        "/accounts/credit",
		Summary:     "Mint balance for an account (dev faucet)",
	}, func(ctx context.Context, input *struct {
		Body CreditRequest `json:"body"`
	}) (*struct {
		Body struct {
			Account string `json:"account"`
			Balance int64  `json:"balance"`
		} `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Credit(ctx, input.Body.Account, input.Body.Amount, caller); err != nil {
			return nil, handleError(err)
		}
		balance, err := e.Ledger.Balance(ctx, input.Body.Account)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Account string `json:"account"`
				Balance int64  `json:"balance"`
			} `json:"body"`
		}{}
		out.Body.Account = input.Body.Account
		out.Body.Balance = balance
		return out, nil
	})

	registerAPIKeys(api, e)
}

type createAPIKeyResponse struct {
	ID      string `json:"id"`
	Account string `json:"account"`
	Name    string `json:"name,omitempty"`
	// Key is returned once at creation; only its hash is stored.
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key for the caller",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name string `json:"name,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body createAPIKeyResponse `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plaintext := "am_" + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			Account:   caller,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(plaintext),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body createAPIKeyResponse `json:"body"`
		}{Body: createAPIKeyResponse{
			ID:        key.ID,
			Account:   key.Account,
			Name:      key.Name,
			Key:       plaintext,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, caller)
		if err != nil {
			return nil, handleError(err)
		}
		for i := range items {
			items[i].KeyHash = ""
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{key_id}",
		Summary:       "Delete an API key",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, caller)
		if err != nil {
			return nil, handleError(err)
		}
		for _, k := range keys {
			if k.ID == input.KeyID {
				if err := e.Repo.DeleteAPIKey(ctx, k.ID); err != nil {
					return nil, handleError(err)
				}
				return &struct{}{}, nil
			}
		}
		return nil, newAPIError(http.StatusNotFound, "not_found", "api key not found", nil)
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event log",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		After      int64  `query:"after" doc:"Return events with id greater than this cursor, oldest first"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		var items []domain.Event
		var err error
		if input.After > 0 {
			items, err = e.Repo.EventsAfter(ctx, limit, input.After, "")
		} else {
			items, err = e.Repo.LatestEvents(ctx, limit, "", input.Type, input.EntityKind, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
