package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"agentmarket/internal/domain"
	"agentmarket/internal/engine"
	"agentmarket/internal/repo"
)

type jobPath struct {
	JobID int64 `path:"job_id"`
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create job",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		client, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.CreateJob(ctx, engine.JobCreateOptions{
			Client:       client,
			Agent:        deref(input.Body.Agent),
			Title:        input.Body.Title,
			Description:  deref(input.Body.Description),
			Deliverables: input.Body.Deliverables,
			Amount:       input.Body.Amount,
			Deadline:     derefInt(input.Body.Deadline),
			Arbitrator:   deref(input.Body.Arbitrator),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job",
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		j, err := e.Repo.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	type jobListOutput struct {
		Body struct {
			Items      []domain.Job `json:"items"`
			NextCursor string       `json:"next_cursor,omitempty"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, input *struct {
		Client string `query:"client"`
		Agent  string `query:"agent"`
		State  string `query:"state"`
		Open   bool   `query:"open" doc:"Only unassigned jobs open for bidding"`
		Limit  int    `query:"limit"`
		Cursor string `query:"cursor"`
	}) (*jobListOutput, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		f := repo.JobFilters{
			Client:   input.Client,
			Agent:    input.Agent,
			State:    input.State,
			OpenOnly: input.Open,
			Limit:    limit,
		}
		if input.Cursor != "" {
			createdAt, id, err := parseCursor(input.Cursor)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			f.CursorCreatedAt = createdAt
			f.CursorID = id
		}
		items, err := e.Repo.ListJobs(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		out := &jobListOutput{}
		out.Body.Items = items
		if len(items) == limit {
			last := items[len(items)-1]
			out.Body.NextCursor = fmt.Sprintf("%s,%d", last.CreatedAt, last.ID)
		}
		return out, nil
	})

	registerJobAction(api, "fund-job", "/jobs/{job_id}/fund", "Fund job escrow",
		func(ctx context.Context, jobID int64, body FundJobRequest, caller string) (domain.Job, error) {
			return e.FundJob(ctx, jobID, body.Amount, caller)
		})
	registerSimpleJobAction(api, "accept-job", "/jobs/{job_id}/accept", "Accept job", e.AcceptJob)
	registerSimpleJobAction(api, "start-job", "/jobs/{job_id}/start", "Start job", e.StartJob)
	registerSimpleJobAction(api, "approve-delivery", "/jobs/{job_id}/approve", "Approve delivery and release escrow", e.ApproveDelivery)
	registerSimpleJobAction(api, "cancel-job", "/jobs/{job_id}/cancel", "Cancel job and refund escrow", e.CancelJob)

	huma.Register(api, huma.Operation{
		OperationID: "deliver-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/deliver",
		Summary:     "Deliver job evidence",
	}, func(ctx context.Context, input *struct {
		JobID int64             `path:"job_id"`
		Body  DeliverJobRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.DeliverJob(ctx, input.JobID, input.Body.EvidenceURI, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "leave-feedback",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/feedback",
		Summary:       "Leave feedback on a settled job",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		JobID int64           `path:"job_id"`
		Body  FeedbackRequest `json:"body"`
	}) (*struct {
		Body domain.Feedback `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.LeaveFeedback(ctx, input.JobID, caller, input.Body.Score, deref(input.Body.Comment))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Feedback `json:"body"`
		}{Body: f}, nil
	})
}

func registerSimpleJobAction(api huma.API, opID, path, summary string, fn func(context.Context, int64, string) (domain.Job, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        path,
		Summary:     summary,
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := fn(ctx, input.JobID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})
}

func registerJobAction(api huma.API, opID, path, summary string, fn func(context.Context, int64, FundJobRequest, string) (domain.Job, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        path,
		Summary:     summary,
	}, func(ctx context.Context, input *struct {
		JobID int64          `path:"job_id"`
		Body  FundJobRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := fn(ctx, input.JobID, input.Body, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})
}

func registerBids(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-bid",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/bids",
		Summary:       "Submit bid on an open job",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		JobID int64            `path:"job_id"`
		Body  SubmitBidRequest `json:"body"`
	}) (*struct {
		Body domain.Bid `json:"body"`
	}, error) {
		agent, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.SubmitBid(ctx, engine.BidOptions{
			JobID:    input.JobID,
			Agent:    agent,
			Amount:   input.Body.Amount,
			Timeline: input.Body.Timeline,
			Proposal: deref(input.Body.Proposal),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bid `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bids",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/bids",
		Summary:     "List bids for a job",
	}, func(ctx context.Context, input *struct {
		JobID  int64 `path:"job_id"`
		Active bool  `query:"active" doc:"Only active bids"`
	}) (*struct {
		Body []domain.Bid `json:"body"`
	}, error) {
		items, err := e.Repo.ListBids(ctx, input.JobID, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Bid `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-bid",
		Method:      http.MethodPost,
		Path:        "/bids/{bid_id}/select",
		Summary:     "Select bid, assigning the agent and funding escrow",
	}, func(ctx context.Context, input *struct {
		BidID int64 `path:"bid_id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.SelectBid(ctx, input.BidID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-bid",
		Method:      http.MethodPost,
		Path:        "/bids/{bid_id}/withdraw",
		Summary:     "Withdraw an unselected bid",
	}, func(ctx context.Context, input *struct {
		BidID int64 `path:"bid_id"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		caller, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.WithdrawBid(ctx, input.BidID, caller); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"withdrawn": true}}, nil
	})
}

// parseCursor splits a "created_at,id" composite list cursor.
func parseCursor(cursor string) (string, int64, error) {
	idx := strings.LastIndex(cursor, ",")
	if idx <= 0 || idx == len(cursor)-1 {
		return "", 0, fmt.Errorf("invalid cursor")
	}
	id, err := strconv.ParseInt(cursor[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid cursor")
	}
	return cursor[:idx], id, nil
}
