package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentmarket/internal/domain"
	"agentmarket/internal/events"
	"agentmarket/internal/ledger"
)

// Authority identifies who is resolving a dispute and under which rules.
// Arbitrator resolutions charge the arbitrator's fee; the owner-timeout
// fallback charges none and is gated on the elapsed dispute window.
type Authority struct {
	Kind string // "arbitrator" or "owner_timeout"
}

var (
	AuthorityArbitrator   = Authority{Kind: "arbitrator"}
	AuthorityOwnerTimeout = Authority{Kind: "owner_timeout"}
)

// DisputeOptions are parameters for raising a dispute.
type DisputeOptions struct {
	JobID       int64
	RaisedBy    string
	Reason      string
	EvidenceURI string
}

func (e Engine) RaiseDispute(ctx context.Context, opts DisputeOptions) (domain.Dispute, error) {
	if opts.Reason == "" {
		return domain.Dispute{}, errors.New("reason is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, opts.JobID)
	if err != nil {
		return domain.Dispute{}, err
	}
	party := opts.RaisedBy == j.Client || (!j.Unassigned() && opts.RaisedBy == *j.Agent)
	if !party {
		return domain.Dispute{}, domain.UnauthorizedError{Account: opts.RaisedBy, Role: "client or agent"}
	}
	switch j.State {
	case domain.JobAccepted, domain.JobInProgress, domain.JobDelivered:
	default:
		return domain.Dispute{}, domain.InvalidTransitionError{State: j.State, Command: "raise_dispute"}
	}
	if _, err := e.Repo.PendingDisputeForJobTx(ctx, tx, opts.JobID); err == nil {
		return domain.Dispute{}, domain.DuplicateActiveError{Kind: "dispute"}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Dispute{}, err
	}
	now := e.nowStr()
	d := domain.Dispute{
		JobID:       opts.JobID,
		RaisedBy:    opts.RaisedBy,
		Reason:      opts.Reason,
		EvidenceURI: optionalString(opts.EvidenceURI),
		Resolution:  domain.ResolutionPending,
		CreatedAt:   now,
	}
	id, err := e.Repo.InsertDispute(ctx, tx, d)
	if err != nil {
		return d, err
	}
	d.ID = id
	j.State = domain.JobDisputed
	j.UpdatedAt = now
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, "dispute.raised", e.marketID(), "dispute", idStr(id), opts.RaisedBy, events.EventPayload{
		"job_id": opts.JobID, "reason": opts.Reason,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// Arbitrate resolves a dispute as the job's designated arbitrator.
// clientPercent is in [0,100].
func (e Engine) Arbitrate(ctx context.Context, disputeID int64, clientPercent int64, notes, caller string) (domain.Dispute, error) {
	return e.resolveDispute(ctx, disputeID, clientPercent, notes, AuthorityArbitrator, caller)
}

// ResolveTimeout resolves a dispute as the platform owner once the dispute
// window has elapsed. No arbitrator fee applies.
func (e Engine) ResolveTimeout(ctx context.Context, disputeID int64, clientPercent int64, notes, caller string) (domain.Dispute, error) {
	return e.resolveDispute(ctx, disputeID, clientPercent, notes, AuthorityOwnerTimeout, caller)
}

func (e Engine) resolveDispute(ctx context.Context, disputeID int64, clientPercent int64, notes string, auth Authority, caller string) (domain.Dispute, error) {
	if e.Config == nil {
		return domain.Dispute{}, errors.New("config not loaded")
	}
	if clientPercent < 0 || clientPercent > 100 {
		return domain.Dispute{}, errors.New("client_percent must be in [0,100]")
	}
	clientBP := clientPercent * 100

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDisputeTx(ctx, tx, disputeID)
	if err != nil {
		return d, err
	}
	if d.Resolution != domain.ResolutionPending {
		return d, domain.AlreadyResolvedError{Kind: "dispute", ID: d.ID}
	}
	j, err := e.Repo.GetJobTx(ctx, tx, d.JobID)
	if err != nil {
		return d, err
	}
	if j.State != domain.JobDisputed {
		return d, domain.InvalidTransitionError{State: j.State, Command: "arbitrate"}
	}

	arbitrator := e.Config.Platform.DefaultArbitrator
	if j.Arbitrator != nil && *j.Arbitrator != "" {
		arbitrator = *j.Arbitrator
	}
	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)

	var fee int64
	switch auth.Kind {
	case AuthorityArbitrator.Kind:
		if caller != arbitrator {
			return d, domain.UnauthorizedError{Account: caller, Role: "arbitrator"}
		}
		if reg, err := e.Repo.GetArbitratorTx(ctx, tx, caller); err == nil {
			fee = j.FundedAmount * reg.FeeBP / 10000
		} else if !errors.Is(err, domain.ErrNotFound) {
			return d, err
		}
		d.Resolution = domain.ResolutionArbitrated
	case AuthorityOwnerTimeout.Kind:
		if caller != e.Config.Platform.Owner {
			return d, domain.UnauthorizedError{Account: caller, Role: "platform owner"}
		}
		created, perr := time.Parse(time.RFC3339, d.CreatedAt)
		if perr != nil {
			return d, fmt.Errorf("parse dispute created_at: %w", perr)
		}
		eligible := created.Add(time.Duration(e.Config.Arbitration.DisputeTimeoutSeconds) * time.Second)
		if now.Before(eligible) {
			return d, domain.NotYetEligibleError{EligibleAt: eligible.UTC().Format(time.RFC3339)}
		}
		d.Resolution = domain.ResolutionOwnerTimeout
	default:
		return d, fmt.Errorf("unknown authority %q", auth.Kind)
	}

	// Fee off the top, then split the remainder; the agent takes the
	// integer-division remainder so the amounts sum exactly.
	remainder := j.FundedAmount - fee
	clientAmount := remainder * clientBP / 10000
	agentAmount := remainder - clientAmount

	escrow := ledger.EscrowAccount(j.ID)
	if fee > 0 {
		if err := e.Ledger.TransferTx(ctx, tx, escrow, arbitrator, fee, fmt.Sprintf("arbitration fee dispute %d", d.ID), nowStr); err != nil {
			return d, err
		}
	}
	if clientAmount > 0 {
		if err := e.Ledger.TransferTx(ctx, tx, escrow, j.Client, clientAmount, fmt.Sprintf("dispute %d client split", d.ID), nowStr); err != nil {
			return d, err
		}
	}
	if agentAmount > 0 && !j.Unassigned() {
		if err := e.Ledger.TransferTx(ctx, tx, escrow, *j.Agent, agentAmount, fmt.Sprintf("dispute %d agent split", d.ID), nowStr); err != nil {
			return d, err
		}
	}

	d.Resolver = &caller
	d.ClientAmount = clientAmount
	d.AgentAmount = agentAmount
	d.ResolutionNotes = notes
	d.ResolvedAt = &nowStr
	if err := e.Repo.ResolveDispute(ctx, tx, d); err != nil {
		return d, err
	}
	j.State = domain.JobArbitrated
	j.UpdatedAt = nowStr
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return d, err
	}

	// Case counters are a display-only heuristic: every resolution counts
	// against the designated arbitrator, but only their own resolutions
	// count as successful.
	if reg, err := e.Repo.GetArbitratorTx(ctx, tx, arbitrator); err == nil {
		reg.TotalCases++
		if auth.Kind == AuthorityArbitrator.Kind {
			reg.SuccessfulCases++
		}
		if err := e.Repo.UpdateArbitrator(ctx, tx, reg); err != nil {
			return d, err
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return d, err
	}

	if err := e.Events.Append(ctx, tx, "dispute.resolved", e.marketID(), "dispute", idStr(d.ID), caller, events.EventPayload{
		"job_id": j.ID, "resolution": d.Resolution, "client_amount": clientAmount, "agent_amount": agentAmount, "fee": fee,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// --- arbitrator registry ---

// RegisterArbitrator registers an account as a dispute resolver. feePercent
// is in [0,100] and is stored in basis points, bounded by the configured
// maximum. Registration alone does not activate; stake does.
func (e Engine) RegisterArbitrator(ctx context.Context, account string, feePercent int64) (domain.Arbitrator, error) {
	if e.Config == nil {
		return domain.Arbitrator{}, errors.New("config not loaded")
	}
	if account == "" {
		return domain.Arbitrator{}, errors.New("account is required")
	}
	if feePercent < 0 || feePercent > 100 {
		return domain.Arbitrator{}, errors.New("fee_percent must be in [0,100]")
	}
	feeBP := feePercent * 100
	if feeBP > e.Config.Arbitration.MaxFeeBP {
		return domain.Arbitrator{}, fmt.Errorf("fee %d bp above market maximum %d bp", feeBP, e.Config.Arbitration.MaxFeeBP)
	}
	a := domain.Arbitrator{
		Account:   account,
		FeeBP:     feeBP,
		CreatedAt: e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertArbitrator(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "arbitrator.registered", e.marketID(), "arbitrator", account, account, events.EventPayload{"fee_bp": feeBP}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (e Engine) StakeArbitrator(ctx context.Context, account string, amount int64) (domain.Arbitrator, error) {
	if e.Config == nil {
		return domain.Arbitrator{}, errors.New("config not loaded")
	}
	if amount <= 0 {
		return domain.Arbitrator{}, errors.New("amount must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Arbitrator{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetArbitratorTx(ctx, tx, account)
	if err != nil {
		return a, err
	}
	now := e.nowStr()
	if err := e.Ledger.TransferTx(ctx, tx, account, ledger.StakeAccount(domain.RoleArbitrator), amount, "arbitrator stake", now); err != nil {
		return a, err
	}
	a.Stake += amount
	if a.Stake >= e.Config.Arbitration.MinStake {
		a.Active = true
	}
	if err := e.Repo.UpdateArbitrator(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "arbitrator.staked", e.marketID(), "arbitrator", account, account, events.EventPayload{
		"amount": amount, "stake": a.Stake, "active": a.Active,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// UnstakeArbitrator opens a delayed withdrawal of the arbitrator's full
// stake. The stake leaves the active balance immediately; funds stay in the
// pool until the cooldown elapses.
func (e Engine) UnstakeArbitrator(ctx context.Context, account string) (domain.UnstakeRequest, error) {
	if e.Config == nil {
		return domain.UnstakeRequest{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.UnstakeRequest{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetArbitratorTx(ctx, tx, account)
	if err != nil {
		return domain.UnstakeRequest{}, err
	}
	if a.Stake <= 0 {
		return domain.UnstakeRequest{}, domain.BelowMinimumStakeError{Minimum: 1, Staked: a.Stake}
	}
	if _, err := e.Repo.PendingUnstakeTx(ctx, tx, account, domain.RoleArbitrator); err == nil {
		return domain.UnstakeRequest{}, domain.DuplicateActiveError{Kind: "unstake request"}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.UnstakeRequest{}, err
	}
	now := e.now()
	release := now.Add(time.Duration(e.Config.Arbitration.UnstakeCooldownSeconds) * time.Second)
	u := domain.UnstakeRequest{
		Account:   account,
		Role:      domain.RoleArbitrator,
		Amount:    a.Stake,
		ReleaseAt: release.UTC().Format(time.RFC3339),
		Status:    domain.UnstakePending,
		CreatedAt: now.UTC().Format(time.RFC3339),
	}
	id, err := e.Repo.InsertUnstakeRequest(ctx, tx, u)
	if err != nil {
		return u, err
	}
	u.ID = id
	a.Stake = 0
	a.Active = false
	if err := e.Repo.UpdateArbitrator(ctx, tx, a); err != nil {
		return u, err
	}
	if err := e.Events.Append(ctx, tx, "arbitrator.unstake.requested", e.marketID(), "arbitrator", account, account, events.EventPayload{
		"amount": u.Amount, "release_at": u.ReleaseAt,
	}); err != nil {
		return u, err
	}
	if err := tx.Commit(); err != nil {
		return u, err
	}
	return u, nil
}

func (e Engine) WithdrawArbitratorUnstake(ctx context.Context, account string) (domain.UnstakeRequest, error) {
	return e.withdrawUnstakeByAccount(ctx, account, domain.RoleArbitrator)
}

func (e Engine) CancelArbitratorUnstake(ctx context.Context, account string) (domain.Arbitrator, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Arbitrator{}, err
	}
	defer tx.Rollback()

	u, err := e.Repo.PendingUnstakeTx(ctx, tx, account, domain.RoleArbitrator)
	if err != nil {
		return domain.Arbitrator{}, err
	}
	a, err := e.Repo.GetArbitratorTx(ctx, tx, account)
	if err != nil {
		return a, err
	}
	u.Status = domain.UnstakeCancelled
	if err := e.Repo.UpdateUnstakeRequest(ctx, tx, u); err != nil {
		return a, err
	}
	a.Stake += u.Amount
	if a.Stake >= e.Config.Arbitration.MinStake {
		a.Active = true
	}
	if err := e.Repo.UpdateArbitrator(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "arbitrator.unstake.cancelled", e.marketID(), "arbitrator", account, account, events.EventPayload{
		"amount": u.Amount, "stake": a.Stake,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// SetArbitratorActive toggles availability. Activating requires the minimum
// stake; deactivating is always allowed.
func (e Engine) SetArbitratorActive(ctx context.Context, account string, active bool) (domain.Arbitrator, error) {
	if e.Config == nil {
		return domain.Arbitrator{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Arbitrator{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetArbitratorTx(ctx, tx, account)
	if err != nil {
		return a, err
	}
	if active && a.Stake < e.Config.Arbitration.MinStake {
		return a, domain.BelowMinimumStakeError{Minimum: e.Config.Arbitration.MinStake, Staked: a.Stake}
	}
	a.Active = active
	if err := e.Repo.UpdateArbitrator(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "arbitrator.active", e.marketID(), "arbitrator", account, account, events.EventPayload{"active": active}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (e Engine) withdrawUnstakeByAccount(ctx context.Context, account, role string) (domain.UnstakeRequest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.UnstakeRequest{}, err
	}
	defer tx.Rollback()

	u, err := e.Repo.PendingUnstakeTx(ctx, tx, account, role)
	if err != nil {
		return domain.UnstakeRequest{}, err
	}
	u, err = e.settleUnstakeTx(ctx, tx, u)
	if err != nil {
		return u, err
	}
	if err := tx.Commit(); err != nil {
		return u, err
	}
	return u, nil
}
