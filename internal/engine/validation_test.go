package engine_test

import (
	"errors"
	"testing"
	"time"

	"agentmarket/internal/domain"
	"agentmarket/internal/engine"
)

func activeValidator(t *testing.T, env testEnv, account string, stake int64) domain.Validator {
	t.Helper()
	env.credit(t, account, stake)
	if _, err := env.Engine.RegisterValidator(env.Ctx, engine.ValidatorRegisterOptions{
		Account: account, Method: "manual review", Specializations: []string{"go", "security"},
	}); err != nil {
		t.Fatal(err)
	}
	v, err := env.Engine.StakeValidator(env.Ctx, account, stake)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestSubmitValidationRequiresStake(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RegisterValidator(env.Ctx, engine.ValidatorRegisterOptions{
		Account: "val", Method: "automated",
	}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.SubmitValidation(env.Ctx, engine.ValidationOptions{
		Validator: "val", Agent: "agent", JobHash: "abc123", Result: domain.VerdictPass, Confidence: 90,
	})
	var below domain.BelowMinimumStakeError
	if !errors.As(err, &below) {
		t.Fatalf("expected BelowMinimumStakeError, got %v", err)
	}

	env.credit(t, "val", 1000)
	if v, err := env.Engine.StakeValidator(env.Ctx, "val", 1000); err != nil || !v.Active {
		t.Fatalf("stake to minimum: %v %+v", err, v)
	}
	val, err := env.Engine.SubmitValidation(env.Ctx, engine.ValidationOptions{
		Validator: "val", Agent: "agent", JobHash: "abc123", Result: domain.VerdictPass, Confidence: 90,
	})
	if err != nil {
		t.Fatalf("submit after staking: %v", err)
	}
	if val.Challenged {
		t.Fatalf("fresh validation must be unchallenged")
	}
	v, _ := env.Engine.Repo.GetValidator(env.Ctx, "val")
	if v.TotalValidations != 1 || v.AccuracyBP != 10000 {
		t.Fatalf("bookkeeping: %+v", v)
	}
}

func TestChallengeOncePerValidation(t *testing.T) {
	env := newTestEnv(t)
	activeValidator(t, env, "val", 1000)
	env.credit(t, "challenger", 500)
	val, err := env.Engine.SubmitValidation(env.Ctx, engine.ValidationOptions{
		Validator: "val", Agent: "agent", JobHash: "h1", Result: domain.VerdictFail, Confidence: 60,
	})
	if err != nil {
		t.Fatal(err)
	}

	// stake below the challenge minimum is rejected
	_, err = env.Engine.ChallengeValidation(env.Ctx, engine.ChallengeOptions{
		ValidationID: val.ID, Challenger: "challenger", Reason: "wrong verdict", StakeAmount: 50,
	})
	var below domain.BelowMinimumStakeError
	if !errors.As(err, &below) {
		t.Fatalf("expected BelowMinimumStakeError, got %v", err)
	}

	c, err := env.Engine.ChallengeValidation(env.Ctx, engine.ChallengeOptions{
		ValidationID: val.ID, Challenger: "challenger", Reason: "wrong verdict", StakeAmount: 200,
	})
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if c.Status != domain.ChallengePending {
		t.Fatalf("status: %s", c.Status)
	}
	if got := env.balance(t, "challenger"); got != 300 {
		t.Fatalf("challenge stake escrowed: got %d want 300", got)
	}

	_, err = env.Engine.ChallengeValidation(env.Ctx, engine.ChallengeOptions{
		ValidationID: val.ID, Challenger: "other", Reason: "me too", StakeAmount: 200,
	})
	var dup domain.DuplicateActiveError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateActiveError, got %v", err)
	}
}

func TestChallengeUpheldSlashesValidator(t *testing.T) {
	env := newTestEnv(t)
	activeValidator(t, env, "val", 1000)
	env.credit(t, "challenger", 200)
	owner := env.Engine.Config.Platform.Owner

	val, err := env.Engine.SubmitValidation(env.Ctx, engine.ValidationOptions{
		Validator: "val", Agent: "agent", JobHash: "h1", Result: domain.VerdictPass, Confidence: 95,
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err := env.Engine.ChallengeValidation(env.Ctx, engine.ChallengeOptions{
		ValidationID: val.ID, Challenger: "challenger", Reason: "output was broken", StakeAmount: 200,
	})
	if err != nil {
		t.Fatal(err)
	}

	// only the platform owner settles challenges
	_, err = env.Engine.ResolveChallenge(env.Ctx, c.ID, true, "challenger")
	var unauth domain.UnauthorizedError
	if !errors.As(err, &unauth) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}

	c, err = env.Engine.ResolveChallenge(env.Ctx, c.ID, true, owner)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.Status != domain.ChallengeUpheld {
		t.Fatalf("status: %s", c.Status)
	}
	// challenger gets the stake back plus the slashed amount
	if got := env.balance(t, "challenger"); got != 400 {
		t.Fatalf("challenger payout: got %d want 400", got)
	}
	v, _ := env.Engine.Repo.GetValidator(env.Ctx, "val")
	if v.Stake != 800 {
		t.Fatalf("slashed stake: got %d want 800", v.Stake)
	}
	if v.IncorrectValidations != 1 || v.AccuracyBP != 0 {
		t.Fatalf("accuracy after single incorrect validation: %+v", v)
	}
	if v.PendingChallenges != 0 {
		t.Fatalf("pending challenges not cleared: %+v", v)
	}

	_, err = env.Engine.ResolveChallenge(env.Ctx, c.ID, true, owner)
	var already domain.AlreadyResolvedError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyResolvedError, got %v", err)
	}
}

func TestChallengeRejectedForfeitsStake(t *testing.T) {
	env := newTestEnv(t)
	activeValidator(t, env, "val", 1000)
	env.credit(t, "challenger", 300)
	owner := env.Engine.Config.Platform.Owner

	val, err := env.Engine.SubmitValidation(env.Ctx, engine.ValidationOptions{
		Validator: "val", Agent: "agent", JobHash: "h2", Result: domain.VerdictPartial, Confidence: 70,
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err := env.Engine.ChallengeValidation(env.Ctx, engine.ChallengeOptions{
		ValidationID: val.ID, Challenger: "challenger", Reason: "disagree", StakeAmount: 300,
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err = env.Engine.ResolveChallenge(env.Ctx, c.ID, false, owner)
	if err != nil || c.Status != domain.ChallengeRejected {
		t.Fatalf("resolve rejected: %v %+v", err, c)
	}
	if got := env.balance(t, "challenger"); got != 0 {
		t.Fatalf("forfeited stake: challenger has %d", got)
	}
	v, _ := env.Engine.Repo.GetValidator(env.Ctx, "val")
	if v.Stake != 1300 {
		t.Fatalf("validator stake after forfeit: got %d want 1300", v.Stake)
	}
	if v.IncorrectValidations != 0 || v.AccuracyBP != 10000 {
		t.Fatalf("rejected challenge must not dent accuracy: %+v", v)
	}
}

func TestListUnstakeRequestsAcrossRoles(t *testing.T) {
	env := newTestEnv(t)
	activeValidator(t, env, "dual", 1500)
	env.credit(t, "dual", 5000)
	if _, err := env.Engine.RegisterArbitrator(env.Ctx, "dual", 5); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StakeArbitrator(env.Ctx, "dual", 5000); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UnstakeValidator(env.Ctx, "dual", 400); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UnstakeArbitrator(env.Ctx, "dual"); err != nil {
		t.Fatal(err)
	}

	// no role filter: both requests
	all, err := env.Engine.Repo.ListUnstakeRequests(env.Ctx, "dual", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both requests without a role filter, got %d", len(all))
	}
	byRole, err := env.Engine.Repo.ListUnstakeRequests(env.Ctx, "dual", domain.RoleValidator)
	if err != nil {
		t.Fatalf("list validator: %v", err)
	}
	if len(byRole) != 1 || byRole[0].Role != domain.RoleValidator || byRole[0].Amount != 400 {
		t.Fatalf("validator filter: got %+v", byRole)
	}
}

func TestValidatorUnstakeCooldown(t *testing.T) {
	env := newTestEnv(t)
	activeValidator(t, env, "val", 1500)

	// more than staked
	_, err := env.Engine.UnstakeValidator(env.Ctx, "val", 2000)
	var insuf domain.InsufficientFundsError
	if !errors.As(err, &insuf) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}

	u, err := env.Engine.UnstakeValidator(env.Ctx, "val", 600)
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	v, _ := env.Engine.Repo.GetValidator(env.Ctx, "val")
	if v.Stake != 900 || v.Active {
		t.Fatalf("stake below minimum should deactivate: %+v", v)
	}

	// second pending request rejected
	_, err = env.Engine.UnstakeValidator(env.Ctx, "val", 100)
	var dup domain.DuplicateActiveError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateActiveError, got %v", err)
	}

	// cancel restores stake and the active flag
	if _, err = env.Engine.CancelUnstake(env.Ctx, u.ID, "val"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	v, _ = env.Engine.Repo.GetValidator(env.Ctx, "val")
	if v.Stake != 1500 || !v.Active {
		t.Fatalf("cancel should restore: %+v", v)
	}

	u, err = env.Engine.UnstakeValidator(env.Ctx, "val", 500)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.WithdrawUnstake(env.Ctx, u.ID, "val")
	var early domain.NotYetEligibleError
	if !errors.As(err, &early) {
		t.Fatalf("expected NotYetEligibleError, got %v", err)
	}
	*env.Now = env.Now.Add(8 * 24 * time.Hour)
	u, err = env.Engine.WithdrawUnstake(env.Ctx, u.ID, "val")
	if err != nil || u.Status != domain.UnstakeWithdrawn {
		t.Fatalf("withdraw after cooldown: %v %+v", err, u)
	}
	if got := env.balance(t, "val"); got != 500 {
		t.Fatalf("released stake: got %d want 500", got)
	}
}
