package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agentmarket/internal/domain"
	"agentmarket/internal/events"
	"agentmarket/internal/ledger"
)

// ValidatorRegisterOptions are parameters for registering a validator.
type ValidatorRegisterOptions struct {
	Account         string
	Method          string
	Specializations []string
}

// RegisterValidator records a validator. It starts inactive with zero stake;
// StakeValidator activates it once the minimum is met.
func (e Engine) RegisterValidator(ctx context.Context, opts ValidatorRegisterOptions) (domain.Validator, error) {
	if opts.Account == "" {
		return domain.Validator{}, errors.New("account is required")
	}
	if opts.Method == "" {
		return domain.Validator{}, errors.New("method is required")
	}
	v := domain.Validator{
		Account:         opts.Account,
		Method:          opts.Method,
		Specializations: opts.Specializations,
		AccuracyBP:      10000,
		CreatedAt:       e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return v, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertValidator(ctx, tx, v); err != nil {
		return v, err
	}
	if err := e.Events.Append(ctx, tx, "validator.registered", e.marketID(), "validator", opts.Account, opts.Account, events.EventPayload{
		"method": opts.Method,
	}); err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}
	return v, nil
}

func (e Engine) StakeValidator(ctx context.Context, account string, amount int64) (domain.Validator, error) {
	if e.Config == nil {
		return domain.Validator{}, errors.New("config not loaded")
	}
	if amount <= 0 {
		return domain.Validator{}, errors.New("amount must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Validator{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetValidatorTx(ctx, tx, account)
	if err != nil {
		return v, err
	}
	now := e.nowStr()
	if err := e.Ledger.TransferTx(ctx, tx, account, ledger.StakeAccount(domain.RoleValidator), amount, "validator stake", now); err != nil {
		return v, err
	}
	v.Stake += amount
	v.Active = v.Stake >= e.Config.Validation.MinStake
	if err := e.Repo.UpdateValidator(ctx, tx, v); err != nil {
		return v, err
	}
	if err := e.Events.Append(ctx, tx, "validator.staked", e.marketID(), "validator", account, account, events.EventPayload{
		"amount": amount, "stake": v.Stake, "active": v.Active,
	}); err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}
	return v, nil
}

// UnstakeValidator opens a delayed withdrawal of up to the validator's full
// stake. The validator deactivates if the remaining stake drops below the
// minimum.
func (e Engine) UnstakeValidator(ctx context.Context, account string, amount int64) (domain.UnstakeRequest, error) {
	if e.Config == nil {
		return domain.UnstakeRequest{}, errors.New("config not loaded")
	}
	if amount <= 0 {
		return domain.UnstakeRequest{}, errors.New("amount must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.UnstakeRequest{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetValidatorTx(ctx, tx, account)
	if err != nil {
		return domain.UnstakeRequest{}, err
	}
	if amount > v.Stake {
		return domain.UnstakeRequest{}, domain.InsufficientFundsError{Need: amount, Have: v.Stake}
	}
	if _, err := e.Repo.PendingUnstakeTx(ctx, tx, account, domain.RoleValidator); err == nil {
		return domain.UnstakeRequest{}, domain.DuplicateActiveError{Kind: "unstake request"}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.UnstakeRequest{}, err
	}
	now := e.now()
	release := now.Add(time.Duration(e.Config.Validation.UnstakeCooldownSeconds) * time.Second)
	u := domain.UnstakeRequest{
		Account:   account,
		Role:      domain.RoleValidator,
		Amount:    amount,
		ReleaseAt: release.UTC().Format(time.RFC3339),
		Status:    domain.UnstakePending,
		CreatedAt: now.UTC().Format(time.RFC3339),
	}
	id, err := e.Repo.InsertUnstakeRequest(ctx, tx, u)
	if err != nil {
		return u, err
	}
	u.ID = id
	v.Stake -= amount
	v.Active = v.Stake >= e.Config.Validation.MinStake
	if err := e.Repo.UpdateValidator(ctx, tx, v); err != nil {
		return u, err
	}
	if err := e.Events.Append(ctx, tx, "validator.unstake.requested", e.marketID(), "validator", account, account, events.EventPayload{
		"amount": amount, "release_at": u.ReleaseAt, "active": v.Active,
	}); err != nil {
		return u, err
	}
	if err := tx.Commit(); err != nil {
		return u, err
	}
	return u, nil
}

// WithdrawUnstake completes a pending unstake request once its release time
// has passed. The caller must own the request.
func (e Engine) WithdrawUnstake(ctx context.Context, id int64, caller string) (domain.UnstakeRequest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.UnstakeRequest{}, err
	}
	defer tx.Rollback()

	u, err := e.Repo.GetUnstakeRequestTx(ctx, tx, id)
	if err != nil {
		return domain.UnstakeRequest{}, err
	}
	if u.Account != caller {
		return u, domain.UnauthorizedError{Account: caller, Role: "unstake owner"}
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

// CancelUnstake cancels a pending unstake request and restores the stake to
// the validator's active balance.
func (e Engine) CancelUnstake(ctx context.Context, id int64, caller string) (domain.UnstakeRequest, error) {
	if e.Config == nil {
		return domain.UnstakeRequest{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.UnstakeRequest{}, err
	}
	defer tx.Rollback()

	u, err := e.Repo.GetUnstakeRequestTx(ctx, tx, id)
	if err != nil {
		return domain.UnstakeRequest{}, err
	}
	if u.Account != caller {
		return u, domain.UnauthorizedError{Account: caller, Role: "unstake owner"}
	}
	if u.Status != domain.UnstakePending {
		return u, domain.AlreadyResolvedError{Kind: "unstake request", ID: u.ID}
	}
	if u.Role != domain.RoleValidator {
		return u, fmt.Errorf("use the arbitrator cancel flow for role %s", u.Role)
	}
	v, err := e.Repo.GetValidatorTx(ctx, tx, u.Account)
	if err != nil {
		return u, err
	}
	u.Status = domain.UnstakeCancelled
	if err := e.Repo.UpdateUnstakeRequest(ctx, tx, u); err != nil {
		return u, err
	}
	v.Stake += u.Amount
	v.Active = v.Stake >= e.Config.Validation.MinStake
	if err := e.Repo.UpdateValidator(ctx, tx, v); err != nil {
		return u, err
	}
	if err := e.Events.Append(ctx, tx, "validator.unstake.cancelled", e.marketID(), "validator", u.Account, caller, events.EventPayload{
		"amount": u.Amount, "stake": v.Stake,
	}); err != nil {
		return u, err
	}
	if err := tx.Commit(); err != nil {
		return u, err
	}
	return u, nil
}

// settleUnstakeTx pays out a pending request after its release time. Shared
// by the validator and arbitrator withdrawal paths.
func (e Engine) settleUnstakeTx(ctx context.Context, tx *sql.Tx, u domain.UnstakeRequest) (domain.UnstakeRequest, error) {
	if u.Status != domain.UnstakePending {
		return u, domain.AlreadyResolvedError{Kind: "unstake request", ID: u.ID}
	}
	release, err := time.Parse(time.RFC3339, u.ReleaseAt)
	if err != nil {
		return u, fmt.Errorf("parse release_at: %w", err)
	}
	now := e.now()
	if now.Before(release) {
		return u, domain.NotYetEligibleError{EligibleAt: u.ReleaseAt}
	}
	nowStr := now.UTC().Format(time.RFC3339)
	if err := e.Ledger.TransferTx(ctx, tx, ledger.StakeAccount(u.Role), u.Account, u.Amount, fmt.Sprintf("unstake %d", u.ID), nowStr); err != nil {
		return u, err
	}
	u.Status = domain.UnstakeWithdrawn
	if err := e.Repo.UpdateUnstakeRequest(ctx, tx, u); err != nil {
		return u, err
	}
	if err := e.Events.Append(ctx, tx, u.Role+".unstake.withdrawn", e.marketID(), u.Role, u.Account, u.Account, events.EventPayload{
		"amount": u.Amount,
	}); err != nil {
		return u, err
	}
	return u, nil
}

// ValidationOptions are parameters for submitting a validation verdict.
type ValidationOptions struct {
	Validator   string
	Agent       string
	JobHash     string
	Result      string
	Confidence  int64
	EvidenceURI string
}

// SubmitValidation appends a verdict. It is reputation input only and never
// moves a job's state.
func (e Engine) SubmitValidation(ctx context.Context, opts ValidationOptions) (domain.Validation, error) {
	if e.Config == nil {
		return domain.Validation{}, errors.New("config not loaded")
	}
	switch opts.Result {
	case domain.VerdictFail, domain.VerdictPass, domain.VerdictPartial:
	default:
		return domain.Validation{}, fmt.Errorf("result must be one of fail, pass, partial")
	}
	if opts.Confidence < 0 || opts.Confidence > 100 {
		return domain.Validation{}, errors.New("confidence must be in [0,100]")
	}
	if opts.Agent == "" || opts.JobHash == "" {
		return domain.Validation{}, errors.New("agent and job_hash are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Validation{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetValidatorTx(ctx, tx, opts.Validator)
	if err != nil {
		return domain.Validation{}, err
	}
	if !v.Active || v.Stake < e.Config.Validation.MinStake {
		return domain.Validation{}, domain.BelowMinimumStakeError{Minimum: e.Config.Validation.MinStake, Staked: v.Stake}
	}
	val := domain.Validation{
		Validator:   opts.Validator,
		Agent:       opts.Agent,
		JobHash:     opts.JobHash,
		Result:      opts.Result,
		Confidence:  opts.Confidence,
		EvidenceURI: optionalString(opts.EvidenceURI),
		CreatedAt:   e.nowStr(),
	}
	id, err := e.Repo.InsertValidation(ctx, tx, val)
	if err != nil {
		return val, err
	}
	val.ID = id
	v.TotalValidations++
	v.AccuracyBP = accuracyBP(v.TotalValidations, v.IncorrectValidations)
	if err := e.Repo.UpdateValidator(ctx, tx, v); err != nil {
		return val, err
	}
	if err := e.Events.Append(ctx, tx, "validation.submitted", e.marketID(), "validation", idStr(id), opts.Validator, events.EventPayload{
		"agent": opts.Agent, "result": opts.Result, "confidence": opts.Confidence,
	}); err != nil {
		return val, err
	}
	if err := tx.Commit(); err != nil {
		return val, err
	}
	return val, nil
}

// ChallengeOptions are parameters for disputing a validation verdict.
type ChallengeOptions struct {
	ValidationID int64
	Challenger   string
	Reason       string
	EvidenceURI  string
	StakeAmount  int64
}

// ChallengeValidation opens a funded challenge. The challenger's stake moves
// into a per-challenge escrow in the same transaction; a validation can be
// challenged at most once.
func (e Engine) ChallengeValidation(ctx context.Context, opts ChallengeOptions) (domain.Challenge, error) {
	if e.Config == nil {
		return domain.Challenge{}, errors.New("config not loaded")
	}
	if opts.Reason == "" {
		return domain.Challenge{}, errors.New("reason is required")
	}
	if opts.StakeAmount < e.Config.Validation.MinChallengeStake {
		return domain.Challenge{}, domain.BelowMinimumStakeError{Minimum: e.Config.Validation.MinChallengeStake, Staked: opts.StakeAmount}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Challenge{}, err
	}
	defer tx.Rollback()

	val, err := e.Repo.GetValidationTx(ctx, tx, opts.ValidationID)
	if err != nil {
		return domain.Challenge{}, err
	}
	if val.Challenged {
		return domain.Challenge{}, domain.DuplicateActiveError{Kind: "challenge"}
	}
	now := e.nowStr()
	c := domain.Challenge{
		ValidationID: opts.ValidationID,
		Challenger:   opts.Challenger,
		Reason:       opts.Reason,
		EvidenceURI:  optionalString(opts.EvidenceURI),
		Status:       domain.ChallengePending,
		StakeAmount:  opts.StakeAmount,
		CreatedAt:    now,
	}
	id, err := e.Repo.InsertChallenge(ctx, tx, c)
	if err != nil {
		return c, err
	}
	c.ID = id
	if err := e.Ledger.TransferTx(ctx, tx, opts.Challenger, ledger.ChallengeEscrowAccount(id), opts.StakeAmount, fmt.Sprintf("challenge %d stake", id), now); err != nil {
		return c, err
	}
	if err := e.Repo.MarkValidationChallenged(ctx, tx, opts.ValidationID); err != nil {
		return c, err
	}
	v, err := e.Repo.GetValidatorTx(ctx, tx, val.Validator)
	if err != nil {
		return c, err
	}
	v.PendingChallenges++
	if err := e.Repo.UpdateValidator(ctx, tx, v); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "validation.challenged", e.marketID(), "challenge", idStr(id), opts.Challenger, events.EventPayload{
		"validation_id": opts.ValidationID, "stake": opts.StakeAmount,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// ResolveChallenge settles a pending challenge. Upheld slashes the
// validator's stake toward the challenger and returns the challenge escrow;
// rejected forfeits the escrow to the validator's stake. Platform owner only.
func (e Engine) ResolveChallenge(ctx context.Context, challengeID int64, upheld bool, caller string) (domain.Challenge, error) {
	if e.Config == nil {
		return domain.Challenge{}, errors.New("config not loaded")
	}
	if caller != e.Config.Platform.Owner {
		return domain.Challenge{}, domain.UnauthorizedError{Account: caller, Role: "platform owner"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Challenge{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetChallengeTx(ctx, tx, challengeID)
	if err != nil {
		return c, err
	}
	if c.Status != domain.ChallengePending {
		return c, domain.AlreadyResolvedError{Kind: "challenge", ID: c.ID}
	}
	val, err := e.Repo.GetValidationTx(ctx, tx, c.ValidationID)
	if err != nil {
		return c, err
	}
	v, err := e.Repo.GetValidatorTx(ctx, tx, val.Validator)
	if err != nil {
		return c, err
	}
	now := e.nowStr()
	escrow := ledger.ChallengeEscrowAccount(c.ID)
	if upheld {
		slash := c.StakeAmount
		if slash > v.Stake {
			slash = v.Stake
		}
		if slash > 0 {
			if err := e.Ledger.TransferTx(ctx, tx, ledger.StakeAccount(domain.RoleValidator), c.Challenger, slash, fmt.Sprintf("challenge %d slash", c.ID), now); err != nil {
				return c, err
			}
			v.Stake -= slash
		}
		if err := e.Ledger.TransferTx(ctx, tx, escrow, c.Challenger, c.StakeAmount, fmt.Sprintf("challenge %d stake return", c.ID), now); err != nil {
			return c, err
		}
		v.IncorrectValidations++
		c.Status = domain.ChallengeUpheld
	} else {
		if err := e.Ledger.TransferTx(ctx, tx, escrow, ledger.StakeAccount(domain.RoleValidator), c.StakeAmount, fmt.Sprintf("challenge %d forfeit", c.ID), now); err != nil {
			return c, err
		}
		v.Stake += c.StakeAmount
		c.Status = domain.ChallengeRejected
	}
	v.PendingChallenges--
	if v.PendingChallenges < 0 {
		v.PendingChallenges = 0
	}
	v.AccuracyBP = accuracyBP(v.TotalValidations, v.IncorrectValidations)
	v.Active = v.Stake >= e.Config.Validation.MinStake
	if err := e.Repo.UpdateValidator(ctx, tx, v); err != nil {
		return c, err
	}
	c.ResolvedAt = &now
	if err := e.Repo.ResolveChallenge(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "challenge.resolved", e.marketID(), "challenge", idStr(c.ID), caller, events.EventPayload{
		"status": c.Status, "validator": v.Account, "accuracy_bp": v.AccuracyBP,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// accuracyBP is 1 - incorrect/total in basis points; full accuracy with no
// history.
func accuracyBP(total, incorrect int64) int64 {
	if total <= 0 {
		return 10000
	}
	if incorrect >= total {
		return 0
	}
	return (total - incorrect) * 10000 / total
}
