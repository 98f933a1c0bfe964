package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agentmarket/internal/config"
	"agentmarket/internal/domain"
	"agentmarket/internal/events"
	"agentmarket/internal/identity"
	"agentmarket/internal/ledger"
	"agentmarket/internal/repo"
	"agentmarket/internal/trust"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Ledger   ledger.Ledger
	Identity identity.Oracle
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Ledger:   ledger.Ledger{DB: db},
		Identity: identity.Store{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) marketID() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Market.ID
}

// InitMarket initializes a new market with migrations already run.
func (e Engine) InitMarket(ctx context.Context, marketID, description, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Repo.InsertMarket(ctx, tx, marketID, "agent-marketplace", "active", description, now); err != nil {
		return fmt.Errorf("insert market: %w", err)
	}
	if err := e.Repo.UpsertMarketConfigTx(ctx, tx, marketID, config.Default(marketID)); err != nil {
		return fmt.Errorf("insert market config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "market.init", marketID, "market", marketID, actorID, events.EventPayload{"status": "active"}); err != nil {
		return err
	}
	return tx.Commit()
}

// JobCreateOptions are parameters for creating a job. Agent set means
// direct-hire; unset means an open job eligible for bidding.
type JobCreateOptions struct {
	Client       string
	Agent        string
	Title        string
	Description  string
	Deliverables []string
	Amount       int64
	Deadline     int64
	Arbitrator   string
}

func (e Engine) CreateJob(ctx context.Context, opts JobCreateOptions) (domain.Job, error) {
	if e.Config == nil {
		return domain.Job{}, errors.New("config not loaded")
	}
	if opts.Client == "" {
		return domain.Job{}, errors.New("client is required")
	}
	if opts.Title == "" {
		return domain.Job{}, errors.New("title is required")
	}
	if opts.Amount <= 0 {
		return domain.Job{}, errors.New("amount must be positive")
	}
	if opts.Agent == opts.Client && opts.Agent != "" {
		return domain.Job{}, errors.New("client cannot hire itself")
	}
	now := e.nowStr()
	j := domain.Job{
		Client:       opts.Client,
		Agent:        optionalString(opts.Agent),
		Title:        opts.Title,
		Description:  opts.Description,
		Deliverables: opts.Deliverables,
		Amount:       opts.Amount,
		Deadline:     opts.Deadline,
		Arbitrator:   optionalString(opts.Arbitrator),
		State:        domain.JobCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return j, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertJob(ctx, tx, e.marketID(), j)
	if err != nil {
		return j, err
	}
	j.ID = id
	if err := e.Ledger.EnsureAccountTx(ctx, tx, j.Client, now); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, tx, "job.created", e.marketID(), "job", idStr(id), opts.Client, events.EventPayload{
		"title": j.Title, "amount": j.Amount, "open": j.Unassigned(),
	}); err != nil {
		return j, err
	}
	if err := tx.Commit(); err != nil {
		return j, err
	}
	return j, nil
}

// BidOptions are parameters for submitting a bid on an open job.
type BidOptions struct {
	JobID    int64
	Agent    string
	Amount   int64
	Timeline int64
	Proposal string
}

func (e Engine) SubmitBid(ctx context.Context, opts BidOptions) (domain.Bid, error) {
	if e.Config == nil {
		return domain.Bid{}, errors.New("config not loaded")
	}
	if opts.Agent == "" {
		return domain.Bid{}, errors.New("agent is required")
	}
	if opts.Amount <= 0 {
		return domain.Bid{}, errors.New("amount must be positive")
	}
	j, err := e.Repo.GetJob(ctx, opts.JobID)
	if err != nil {
		return domain.Bid{}, err
	}
	if j.State != domain.JobCreated || !j.Unassigned() {
		return domain.Bid{}, domain.InvalidTransitionError{State: j.State, Command: "submit_bid"}
	}
	if opts.Agent == j.Client {
		return domain.Bid{}, domain.UnauthorizedError{Account: opts.Agent, Role: "bidder"}
	}
	if min := e.Config.Bidding.MinTrustScore; min > 0 {
		ts, err := e.TrustScore(ctx, opts.Agent)
		if err != nil {
			return domain.Bid{}, err
		}
		if ts.Score < min {
			return domain.Bid{}, domain.UnauthorizedError{Account: opts.Agent, Role: "trusted bidder"}
		}
	}
	now := e.nowStr()
	b := domain.Bid{
		JobID:     opts.JobID,
		Agent:     opts.Agent,
		Amount:    opts.Amount,
		Timeline:  opts.Timeline,
		Proposal:  opts.Proposal,
		Active:    true,
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()

	dup, err := e.Repo.HasActiveBid(ctx, tx, opts.JobID, opts.Agent)
	if err != nil {
		return b, err
	}
	if dup {
		return b, domain.DuplicateActiveError{Kind: "bid"}
	}
	id, err := e.Repo.InsertBid(ctx, tx, b)
	if err != nil {
		return b, err
	}
	b.ID = id
	if err := e.Events.Append(ctx, tx, "bid.submitted", e.marketID(), "bid", idStr(id), opts.Agent, events.EventPayload{
		"job_id": opts.JobID, "amount": opts.Amount,
	}); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}
	return b, nil
}

// SelectBid assigns the bid's agent to the job, re-prices the job to the bid
// amount, moves the client's funds into escrow and deactivates every other
// bid, all in one transaction. The job lands in FUNDED once escrow covers the
// full amount.
func (e Engine) SelectBid(ctx context.Context, bidID int64, caller string) (domain.Job, error) {
	if e.Config == nil {
		return domain.Job{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	b, err := e.Repo.GetBidTx(ctx, tx, bidID)
	if err != nil {
		return domain.Job{}, err
	}
	j, err := e.Repo.GetJobTx(ctx, tx, b.JobID)
	if err != nil {
		return j, err
	}
	if caller != j.Client {
		return j, domain.UnauthorizedError{Account: caller, Role: "client"}
	}
	if j.State != domain.JobCreated || !j.Unassigned() {
		return j, domain.InvalidTransitionError{State: j.State, Command: "select_bid"}
	}
	if !b.Active {
		return j, fmt.Errorf("bid %d is no longer active", bidID)
	}
	now := e.nowStr()
	j.Agent = &b.Agent
	j.Amount = b.Amount
	if shortfall := j.Amount - j.FundedAmount; shortfall > 0 {
		if err := e.Ledger.TransferTx(ctx, tx, j.Client, ledger.EscrowAccount(j.ID), shortfall, fmt.Sprintf("escrow job %d", j.ID), now); err != nil {
			return j, err
		}
		j.FundedAmount += shortfall
	}
	if j.FundedAmount == j.Amount {
		j.State = domain.JobFunded
	}
	j.UpdatedAt = now
	if err := e.Repo.SelectBid(ctx, tx, j.ID, bidID); err != nil {
		return j, err
	}
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, tx, "bid.selected", e.marketID(), "job", idStr(j.ID), caller, events.EventPayload{
		"bid_id": bidID, "agent": b.Agent, "amount": b.Amount,
	}); err != nil {
		return j, err
	}
	if err := tx.Commit(); err != nil {
		return j, err
	}
	return j, nil
}

func (e Engine) WithdrawBid(ctx context.Context, bidID int64, caller string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	b, err := e.Repo.GetBidTx(ctx, tx, bidID)
	if err != nil {
		return err
	}
	if b.Agent != caller {
		return domain.UnauthorizedError{Account: caller, Role: "bid owner"}
	}
	if b.Selected {
		return domain.InvalidTransitionError{State: "selected", Command: "withdraw_bid"}
	}
	if !b.Active {
		return domain.InvalidTransitionError{State: "withdrawn", Command: "withdraw_bid"}
	}
	if err := e.Repo.DeactivateBid(ctx, tx, bidID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "bid.withdrawn", e.marketID(), "bid", idStr(bidID), caller, events.EventPayload{"job_id": b.JobID}); err != nil {
		return err
	}
	return tx.Commit()
}

// FundJob moves amount from the caller into the job's escrow. Funding is
// monotonic; overshooting the remaining balance is rejected rather than
// clamped.
func (e Engine) FundJob(ctx context.Context, jobID, amount int64, caller string) (domain.Job, error) {
	if amount <= 0 {
		return domain.Job{}, errors.New("amount must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return j, err
	}
	if (j.State != domain.JobCreated && j.State != domain.JobFunded) || j.Unassigned() {
		return j, domain.InvalidTransitionError{State: j.State, Command: "fund_job"}
	}
	remaining := j.Amount - j.FundedAmount
	if amount > remaining {
		return j, domain.InsufficientFundsError{Need: remaining, Have: amount}
	}
	now := e.nowStr()
	if err := e.Ledger.TransferTx(ctx, tx, caller, ledger.EscrowAccount(j.ID), amount, fmt.Sprintf("escrow job %d", j.ID), now); err != nil {
		return j, err
	}
	j.FundedAmount += amount
	if j.FundedAmount == j.Amount {
		j.State = domain.JobFunded
	}
	j.UpdatedAt = now
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, tx, "job.funded", e.marketID(), "job", idStr(j.ID), caller, events.EventPayload{
		"amount": amount, "funded_amount": j.FundedAmount, "state": j.State,
	}); err != nil {
		return j, err
	}
	if err := tx.Commit(); err != nil {
		return j, err
	}
	return j, nil
}

func (e Engine) AcceptJob(ctx context.Context, jobID int64, caller string) (domain.Job, error) {
	return e.agentTransition(ctx, jobID, caller, "accept_job", "job.accepted", []string{domain.JobFunded}, domain.JobAccepted, nil)
}

func (e Engine) StartJob(ctx context.Context, jobID int64, caller string) (domain.Job, error) {
	return e.agentTransition(ctx, jobID, caller, "start_job", "job.started", []string{domain.JobAccepted}, domain.JobInProgress, nil)
}

func (e Engine) DeliverJob(ctx context.Context, jobID int64, evidenceURI, caller string) (domain.Job, error) {
	if evidenceURI == "" {
		return domain.Job{}, errors.New("evidence_uri is required")
	}
	return e.agentTransition(ctx, jobID, caller, "deliver_job", "job.delivered",
		[]string{domain.JobAccepted, domain.JobInProgress}, domain.JobDelivered, &evidenceURI)
}

func (e Engine) agentTransition(ctx context.Context, jobID int64, caller, command, evtType string, from []string, to string, evidence *string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return j, err
	}
	if j.Unassigned() || caller != *j.Agent {
		return j, domain.UnauthorizedError{Account: caller, Role: "agent"}
	}
	allowed := false
	for _, s := range from {
		if j.State == s {
			allowed = true
		}
	}
	if !allowed {
		return j, domain.InvalidTransitionError{State: j.State, Command: command}
	}
	j.State = to
	if evidence != nil {
		j.EvidenceURI = evidence
	}
	j.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, tx, evtType, e.marketID(), "job", idStr(j.ID), caller, events.EventPayload{"state": j.State}); err != nil {
		return j, err
	}
	if err := tx.Commit(); err != nil {
		return j, err
	}
	return j, nil
}

// ApproveDelivery releases the escrowed amount to the agent and completes
// the job.
func (e Engine) ApproveDelivery(ctx context.Context, jobID int64, caller string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return j, err
	}
	if caller != j.Client {
		return j, domain.UnauthorizedError{Account: caller, Role: "client"}
	}
	if j.State != domain.JobDelivered {
		return j, domain.InvalidTransitionError{State: j.State, Command: "approve_delivery"}
	}
	now := e.nowStr()
	if j.FundedAmount > 0 {
		if err := e.Ledger.TransferTx(ctx, tx, ledger.EscrowAccount(j.ID), *j.Agent, j.FundedAmount, fmt.Sprintf("release job %d", j.ID), now); err != nil {
			return j, err
		}
	}
	j.State = domain.JobCompleted
	j.UpdatedAt = now
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, tx, "job.approved", e.marketID(), "job", idStr(j.ID), caller, events.EventPayload{
		"released": j.FundedAmount, "agent": *j.Agent,
	}); err != nil {
		return j, err
	}
	if err := tx.Commit(); err != nil {
		return j, err
	}
	return j, nil
}

// CancelJob refunds escrow to the client and terminates the job.
func (e Engine) CancelJob(ctx context.Context, jobID int64, caller string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return j, err
	}
	if caller != j.Client {
		return j, domain.UnauthorizedError{Account: caller, Role: "client"}
	}
	if j.State != domain.JobCreated && j.State != domain.JobFunded {
		return j, domain.InvalidTransitionError{State: j.State, Command: "cancel_job"}
	}
	now := e.nowStr()
	if j.FundedAmount > 0 {
		if err := e.Ledger.TransferTx(ctx, tx, ledger.EscrowAccount(j.ID), j.Client, j.FundedAmount, fmt.Sprintf("refund job %d", j.ID), now); err != nil {
			return j, err
		}
	}
	j.State = domain.JobRefunded
	j.UpdatedAt = now
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, tx, "job.cancelled", e.marketID(), "job", idStr(j.ID), caller, events.EventPayload{
		"refunded": j.FundedAmount,
	}); err != nil {
		return j, err
	}
	if err := tx.Commit(); err != nil {
		return j, err
	}
	return j, nil
}

// LeaveFeedback records the client's score for a completed job. One feedback
// per (job, reviewer); the schema enforces it.
func (e Engine) LeaveFeedback(ctx context.Context, jobID int64, reviewer string, score int64, comment string) (domain.Feedback, error) {
	if score < 0 || score > 100 {
		return domain.Feedback{}, errors.New("score must be in [0,100]")
	}
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Feedback{}, err
	}
	if j.State != domain.JobCompleted && j.State != domain.JobArbitrated {
		return domain.Feedback{}, domain.InvalidTransitionError{State: j.State, Command: "leave_feedback"}
	}
	if reviewer != j.Client {
		return domain.Feedback{}, domain.UnauthorizedError{Account: reviewer, Role: "client"}
	}
	if j.Unassigned() {
		return domain.Feedback{}, errors.New("job has no agent to review")
	}
	f := domain.Feedback{
		JobID:     jobID,
		Agent:     *j.Agent,
		Reviewer:  reviewer,
		Score:     score,
		Comment:   comment,
		CreatedAt: e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return f, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertFeedback(ctx, tx, f)
	if err != nil {
		return f, err
	}
	f.ID = id
	if err := e.Events.Append(ctx, tx, "feedback.left", e.marketID(), "job", idStr(jobID), reviewer, events.EventPayload{
		"score": score, "agent": f.Agent,
	}); err != nil {
		return f, err
	}
	if err := tx.Commit(); err != nil {
		return f, err
	}
	return f, nil
}

// Credit mints balance for an account. Dev and test faucet.
func (e Engine) Credit(ctx context.Context, account string, amount int64, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowStr()
	if err := e.Ledger.MintTx(ctx, tx, account, amount, "faucet credit", now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "account.credited", e.marketID(), "account", account, actorID, events.EventPayload{"amount": amount}); err != nil {
		return err
	}
	return tx.Commit()
}

// TrustScore recomputes the derived 0-100 score for an account from the
// identity oracle, system stake and feedback history.
func (e Engine) TrustScore(ctx context.Context, account string) (domain.TrustScore, error) {
	if e.Config == nil {
		return domain.TrustScore{}, errors.New("config not loaded")
	}
	p, err := e.Identity.Profile(ctx, account)
	if err != nil {
		return domain.TrustScore{}, err
	}
	rows, err := e.Repo.FeedbackWithReviewerTier(ctx, account)
	if err != nil {
		return domain.TrustScore{}, err
	}
	feedback := make([]trust.RatedFeedback, 0, len(rows))
	for _, row := range rows {
		feedback = append(feedback, trust.RatedFeedback{Score: row.Score, ReviewerTier: row.ReviewerTier})
	}
	return trust.Score(account, p, feedback, e.Config.Trust.StakeCap, e.now()), nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func idStr(id int64) string {
	return fmt.Sprintf("%d", id)
}
