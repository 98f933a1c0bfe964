package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agentmarket/internal/domain"
	"agentmarket/internal/engine"
)

func registerDisputes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "raise-dispute",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/disputes",
		Summary:       "Raise a dispute on an active job",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		JobID int64               `path:"job_id"`
		Body  RaiseDisputeRequest `json:"body"`
	}) (*struct {
		Body domain.Dispute `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.RaiseDispute(ctx, engine.DisputeOptions{
			JobID:       input.JobID,
			RaisedBy:    caller,
			Reason:      input.Body.Reason,
			EvidenceURI: deref(input.Body.EvidenceURI),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dispute `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dispute",
		Method:      http.MethodGet,
		Path:        "/disputes/{dispute_id}",
		Summary:     "Get dispute",
	}, func(ctx context.Context, input *struct {
		DisputeID int64 `path:"dispute_id"`
	}) (*struct {
		Body domain.Dispute `json:"body"`
	}, error) {
		d, err := e.Repo.GetDispute(ctx, input.DisputeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dispute `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-disputes",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/disputes",
		Summary:     "List disputes for a job",
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body []domain.Dispute `json:"body"`
	}, error) {
		items, err := e.Repo.ListDisputes(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Dispute `json:"body"`
		}{Body: items}, nil
	})

	registerDisputeResolution(api, "arbitrate-dispute", "/disputes/{dispute_id}/arbitrate",
		"Resolve a dispute as the designated arbitrator", e.Arbitrate)
	registerDisputeResolution(api, "resolve-dispute-timeout", "/disputes/{dispute_id}/resolve-timeout",
		"Resolve a stale dispute as the platform owner", e.ResolveTimeout)
}

func registerDisputeResolution(api huma.API, opID, path, summary string, fn func(context.Context, int64, int64, string, string) (domain.Dispute, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        path,
		Summary:     summary,
	}, func(ctx context.Context, input *struct {
		DisputeID int64                 `path:"dispute_id"`
		Body      ResolveDisputeRequest `json:"body"`
	}) (*struct {
		Body domain.Dispute `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := fn(ctx, input.DisputeID, input.Body.ClientPercent, deref(input.Body.Notes), caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dispute `json:"body"`
		}{Body: d}, nil
	})
}

func registerArbitrators(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-arbitrator",
		Method:        http.MethodPost,
		Path:          "/arbitrators",
		Summary:       "Register as an arbitrator",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body RegisterArbitratorRequest `json:"body"`
	}) (*struct {
		Body domain.Arbitrator `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RegisterArbitrator(ctx, caller, input.Body.FeePercent)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Arbitrator `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-arbitrators",
		Method:      http.MethodGet,
		Path:        "/arbitrators",
		Summary:     "List arbitrators",
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active" doc:"Only active arbitrators"`
	}) (*struct {
		Body []domain.Arbitrator `json:"body"`
	}, error) {
		items, err := e.Repo.ListArbitrators(ctx, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Arbitrator `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-arbitrator",
		Method:      http.MethodGet,
		Path:        "/arbitrators/{account}",
		Summary:     "Get arbitrator",
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
	}) (*struct {
		Body domain.Arbitrator `json:"body"`
	}, error) {
		a, err := e.Repo.GetArbitrator(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Arbitrator `json:"body"`
		}{Body: a}, nil
	})

	registerArbitratorAction := func(opID, path, summary string, fn func(context.Context, string) (domain.Arbitrator, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        path,
			Summary:     summary,
		}, func(ctx context.Context, _ *struct{}) (*struct {
			Body domain.Arbitrator `json:"body"`
		}, error) {
			caller, authErr := accountFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			a, err := fn(ctx, caller)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Arbitrator `json:"body"`
			}{Body: a}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "stake-arbitrator",
		Method:      http.MethodPost,
		Path:        "/arbitrators/stake",
		Summary:     "Stake into the arbitrator pool",
	}, func(ctx context.Context, input *struct {
		Body StakeRequest `json:"body"`
	}) (*struct {
		Body domain.Arbitrator `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.StakeArbitrator(ctx, caller, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Arbitrator `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unstake-arbitrator",
		Method:      http.MethodPost,
		Path:        "/arbitrators/unstake",
		Summary:     "Request withdrawal of the full arbitrator stake",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.UnstakeRequest `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.UnstakeArbitrator(ctx, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UnstakeRequest `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-arbitrator-unstake",
		Method:      http.MethodPost,
		Path:        "/arbitrators/unstake/withdraw",
		Summary:     "Withdraw a matured arbitrator unstake request",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.UnstakeRequest `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.WithdrawArbitratorUnstake(ctx, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UnstakeRequest `json:"body"`
		}{Body: u}, nil
	})

	registerArbitratorAction("cancel-arbitrator-unstake", "/arbitrators/unstake/cancel",
		"Cancel a pending arbitrator unstake request", e.CancelArbitratorUnstake)

	huma.Register(api, huma.Operation{
		OperationID: "set-arbitrator-active",
		Method:      http.MethodPost,
		Path:        "/arbitrators/active",
		Summary:     "Toggle arbitrator availability",
	}, func(ctx context.Context, input *struct {
		Body SetActiveRequest `json:"body"`
	}) (*struct {
		Body domain.Arbitrator `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SetArbitratorActive(ctx, caller, input.Body.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Arbitrator `json:"body"`
		}{Body: a}, nil
	})
}
