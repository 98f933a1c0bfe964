package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agentmarket/internal/domain"
	"agentmarket/internal/engine"
)

func registerValidators(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-validator",
		Method:        http.MethodPost,
		Path:          "/validators",
		Summary:       "Register as a validator",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body RegisterValidatorRequest `json:"body"`
	}) (*struct {
		Body domain.Validator `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.RegisterValidator(ctx, engine.ValidatorRegisterOptions{
			Account:         caller,
			Method:          input.Body.Method,
			Specializations: input.Body.Specializations,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Validator `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-validators",
		Method:      http.MethodGet,
		Path:        "/validators",
		Summary:     "List validators",
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active" doc:"Only active validators"`
	}) (*struct {
		Body []domain.Validator `json:"body"`
	}, error) {
		items, err := e.Repo.ListValidators(ctx, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Validator `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-validator",
		Method:      http.MethodGet,
		Path:        "/validators/{account}",
		Summary:     "Get validator",
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
	}) (*struct {
		Body domain.Validator `json:"body"`
	}, error) {
		v, err := e.Repo.GetValidator(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Validator `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stake-validator",
		Method:      http.MethodPost,
		Path:        "/validators/stake",
		Summary:     "Stake into the validator pool",
	}, func(ctx context.Context, input *struct {
		Body StakeRequest `json:"body"`
	}) (*struct {
		Body domain.Validator `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.StakeValidator(ctx, caller, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Validator `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unstake-validator",
		Method:      http.MethodPost,
		Path:        "/validators/unstake",
		Summary:     "Request withdrawal of validator stake",
	}, func(ctx context.Context, input *struct {
		Body UnstakeValidatorRequest `json:"body"`
	}) (*struct {
		Body domain.UnstakeRequest `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.UnstakeValidator(ctx, caller, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UnstakeRequest `json:"body"`
		}{Body: u}, nil
	})

	registerUnstakeSettlement(api, "withdraw-unstake", "/unstakes/{unstake_id}/withdraw",
		"Withdraw a matured unstake request", e.WithdrawUnstake)
	registerUnstakeSettlement(api, "cancel-unstake", "/unstakes/{unstake_id}/cancel",
		"Cancel a pending validator unstake request", e.CancelUnstake)

	huma.Register(api, huma.Operation{
		OperationID: "list-unstakes",
		Method:      http.MethodGet,
		Path:        "/unstakes",
		Summary:     "List the caller's unstake requests",
	}, func(ctx context.Context, input *struct {
		Role string `query:"role" enum:",arbitrator,validator"`
	}) (*struct {
		Body []domain.UnstakeRequest `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListUnstakeRequests(ctx, caller, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.UnstakeRequest `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-validation",
		Method:        http.MethodPost,
		Path:          "/validations",
		Summary:       "Submit a validation verdict on an agent's work",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body SubmitValidationRequest `json:"body"`
	}) (*struct {
		Body domain.Validation `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.SubmitValidation(ctx, engine.ValidationOptions{
			Validator:   caller,
			Agent:       input.Body.Agent,
			JobHash:     input.Body.JobHash,
			Result:      input.Body.Result,
			Confidence:  input.Body.Confidence,
			EvidenceURI: deref(input.Body.EvidenceURI),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Validation `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-validations",
		Method:      http.MethodGet,
		Path:        "/validations",
		Summary:     "List validations",
	}, func(ctx context.Context, input *struct {
		Validator string `query:"validator"`
		Agent     string `query:"agent"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.Validation `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		items, err := e.Repo.ListValidations(ctx, input.Validator, input.Agent, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Validation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-validation",
		Method:      http.MethodGet,
		Path:        "/validations/{validation_id}",
		Summary:     "Get validation",
	}, func(ctx context.Context, input *struct {
		ValidationID int64 `path:"validation_id"`
	}) (*struct {
		Body domain.Validation `json:"body"`
	}, error) {
		v, err := e.Repo.GetValidation(ctx, input.ValidationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Validation `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "challenge-validation",
		Method:        http.MethodPost,
		Path:          "/validations/{validation_id}/challenge",
		Summary:       "Challenge a validation verdict with a stake",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ValidationID int64                      `path:"validation_id"`
		Body         ChallengeValidationRequest `json:"body"`
	}) (*struct {
		Body domain.Challenge `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ChallengeValidation(ctx, engine.ChallengeOptions{
			ValidationID: input.ValidationID,
			Challenger:   caller,
			Reason:       input.Body.Reason,
			EvidenceURI:  deref(input.Body.EvidenceURI),
			StakeAmount:  input.Body.StakeAmount,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Challenge `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-challenge",
		Method:      http.MethodGet,
		Path:        "/challenges/{challenge_id}",
		Summary:     "Get challenge",
	}, func(ctx context.Context, input *struct {
		ChallengeID int64 `path:"challenge_id"`
	}) (*struct {
		Body domain.Challenge `json:"body"`
	}, error) {
		c, err := e.Repo.GetChallenge(ctx, input.ChallengeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Challenge `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-challenge",
		Method:      http.MethodPost,
		Path:        "/challenges/{challenge_id}/resolve",
		Summary:     "Resolve a challenge as the platform owner",
	}, func(ctx context.Context, input *struct {
		ChallengeID int64                   `path:"challenge_id"`
		Body        ResolveChallengeRequest `json:"body"`
	}) (*struct {
		Body domain.Challenge `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ResolveChallenge(ctx, input.ChallengeID, input.Body.Upheld, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Challenge `json:"body"`
		}{Body: c}, nil
	})
}

func registerUnstakeSettlement(api huma.API, opID, path, summary string, fn func(context.Context, int64, string) (domain.UnstakeRequest, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        path,
		Summary:     summary,
	}, func(ctx context.Context, input *struct {
		UnstakeID int64 `path:"unstake_id"`
	}) (*struct {
		Body domain.UnstakeRequest `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := fn(ctx, input.UnstakeID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UnstakeRequest `json:"body"`
		}{Body: u}, nil
	})
}
