package engine_test

import (
	"errors"
	"testing"
	"time"

	"agentmarket/internal/domain"
	"agentmarket/internal/engine"
)

// disputedJob walks a job into DISPUTED with the given funded amount and
// designated arbitrator.
func disputedJob(t *testing.T, env testEnv, amount int64, arbitrator string) domain.Job {
	t.Helper()
	env.credit(t, "client", amount)
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		Client: "client", Agent: "agent", Title: "disputed work", Amount: amount, Arbitrator: arbitrator,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.FundJob(env.Ctx, job.ID, amount, "client"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.AcceptJob(env.Ctx, job.ID, "agent"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.DeliverJob(env.Ctx, job.ID, "ipfs://evidence", "agent"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.RaiseDispute(env.Ctx, engine.DisputeOptions{
		JobID: job.ID, RaisedBy: "client", Reason: "not as described",
	}); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	job, err = env.Engine.Repo.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != domain.JobDisputed {
		t.Fatalf("expected disputed, got %s", job.State)
	}
	return job
}

func pendingDispute(t *testing.T, env testEnv, jobID int64) domain.Dispute {
	t.Helper()
	disputes, err := env.Engine.Repo.ListDisputes(env.Ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range disputes {
		if d.Resolution == domain.ResolutionPending {
			return d
		}
	}
	t.Fatalf("no pending dispute for job %d", jobID)
	return domain.Dispute{}
}

func TestArbitrateSplitsExactly(t *testing.T) {
	env := newTestEnv(t)
	job := disputedJob(t, env, 500, "arb")

	d := pendingDispute(t, env, job.ID)
	d, err := env.Engine.Arbitrate(env.Ctx, d.ID, 70, "client mostly right", "arb")
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if d.ClientAmount != 350 || d.AgentAmount != 150 {
		t.Fatalf("split: got %d/%d want 350/150", d.ClientAmount, d.AgentAmount)
	}
	if d.ClientAmount+d.AgentAmount != 500 {
		t.Fatalf("rounding leakage: %d", d.ClientAmount+d.AgentAmount)
	}
	if got := env.balance(t, "client"); got != 350 {
		t.Fatalf("client payout: got %d", got)
	}
	if got := env.balance(t, "agent"); got != 150 {
		t.Fatalf("agent payout: got %d", got)
	}
	job, _ = env.Engine.Repo.GetJob(env.Ctx, job.ID)
	if job.State != domain.JobArbitrated {
		t.Fatalf("expected arbitrated, got %s", job.State)
	}

	// second resolution fails
	_, err = env.Engine.Arbitrate(env.Ctx, d.ID, 50, "again", "arb")
	var already domain.AlreadyResolvedError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyResolvedError, got %v", err)
	}
}

func TestArbitrateDeductsRegisteredFee(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, "arb", 5000)
	if _, err := env.Engine.RegisterArbitrator(env.Ctx, "arb", 10); err != nil { // 1000 bp
		t.Fatal(err)
	}
	if _, err := env.Engine.StakeArbitrator(env.Ctx, "arb", 5000); err != nil {
		t.Fatal(err)
	}
	job := disputedJob(t, env, 1000, "arb")
	d := pendingDispute(t, env, job.ID)
	d, err := env.Engine.Arbitrate(env.Ctx, d.ID, 50, "even split after fee", "arb")
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	// fee 100 off the top, remainder 900 split 450/450
	if d.ClientAmount != 450 || d.AgentAmount != 450 {
		t.Fatalf("split after fee: got %d/%d", d.ClientAmount, d.AgentAmount)
	}
	if got := env.balance(t, "arb"); got != 100 {
		t.Fatalf("fee payout: got %d want 100", got)
	}
	arb, _ := env.Engine.Repo.GetArbitrator(env.Ctx, "arb")
	if arb.TotalCases != 1 || arb.SuccessfulCases != 1 {
		t.Fatalf("case counters: %+v", arb)
	}
}

func TestResolveTimeoutWindowAndFee(t *testing.T) {
	env := newTestEnv(t)
	job := disputedJob(t, env, 400, "unresponsive-arb")
	d := pendingDispute(t, env, job.ID)
	owner := env.Engine.Config.Platform.Owner

	// wrong caller
	_, err := env.Engine.ResolveTimeout(env.Ctx, d.ID, 100, "", "someone")
	var unauth domain.UnauthorizedError
	if !errors.As(err, &unauth) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}

	// window not elapsed
	_, err = env.Engine.ResolveTimeout(env.Ctx, d.ID, 100, "frozen funds", owner)
	var early domain.NotYetEligibleError
	if !errors.As(err, &early) {
		t.Fatalf("expected NotYetEligibleError, got %v", err)
	}

	*env.Now = env.Now.Add(15 * 24 * time.Hour)
	d, err = env.Engine.ResolveTimeout(env.Ctx, d.ID, 100, "frozen funds", owner)
	if err != nil {
		t.Fatalf("resolve timeout: %v", err)
	}
	if d.Resolution != domain.ResolutionOwnerTimeout {
		t.Fatalf("resolution kind: %s", d.Resolution)
	}
	// zero fee on the fallback path: full amount to client
	if d.ClientAmount != 400 || d.AgentAmount != 0 {
		t.Fatalf("timeout split: got %d/%d", d.ClientAmount, d.AgentAmount)
	}
	if got := env.balance(t, "client"); got != 400 {
		t.Fatalf("client refund: got %d", got)
	}
}

func TestSecondPendingDisputeRejected(t *testing.T) {
	env := newTestEnv(t)
	job := disputedJob(t, env, 100, "arb")
	_, err := env.Engine.RaiseDispute(env.Ctx, engine.DisputeOptions{
		JobID: job.ID, RaisedBy: "agent", Reason: "counter dispute",
	})
	// job already left the disputable states, so the guard trips first
	var inv domain.InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
}

func TestArbitratorStakeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, "arb", 6000)
	a, err := env.Engine.RegisterArbitrator(env.Ctx, "arb", 5)
	if err != nil {
		t.Fatal(err)
	}
	if a.Active {
		t.Fatalf("registration alone must not activate")
	}
	if a, err = env.Engine.StakeArbitrator(env.Ctx, "arb", 4000); err != nil || a.Active {
		t.Fatalf("below minimum stake should stay inactive: %v %+v", err, a)
	}
	if a, err = env.Engine.StakeArbitrator(env.Ctx, "arb", 1000); err != nil || !a.Active {
		t.Fatalf("minimum reached should activate: %v %+v", err, a)
	}

	u, err := env.Engine.UnstakeArbitrator(env.Ctx, "arb")
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	if u.Amount != 5000 {
		t.Fatalf("full-stake unstake: got %d", u.Amount)
	}
	a, _ = env.Engine.Repo.GetArbitrator(env.Ctx, "arb")
	if a.Active || a.Stake != 0 {
		t.Fatalf("unstake should zero and deactivate: %+v", a)
	}

	// withdrawal before cooldown fails
	_, err = env.Engine.WithdrawArbitratorUnstake(env.Ctx, "arb")
	var early domain.NotYetEligibleError
	if !errors.As(err, &early) {
		t.Fatalf("expected NotYetEligibleError, got %v", err)
	}

	// cancel restores stake and activity
	if a, err = env.Engine.CancelArbitratorUnstake(env.Ctx, "arb"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !a.Active || a.Stake != 5000 {
		t.Fatalf("cancel should restore: %+v", a)
	}

	// a second full round, this time riding out the cooldown
	if _, err = env.Engine.UnstakeArbitrator(env.Ctx, "arb"); err != nil {
		t.Fatal(err)
	}
	*env.Now = env.Now.Add(8 * 24 * time.Hour)
	u, err = env.Engine.WithdrawArbitratorUnstake(env.Ctx, "arb")
	if err != nil || u.Status != domain.UnstakeWithdrawn {
		t.Fatalf("withdraw after cooldown: %v %+v", err, u)
	}
	if got := env.balance(t, "arb"); got != 6000 {
		t.Fatalf("stake returned: got %d want 6000", got)
	}
}

func TestSetArbitratorActiveRequiresStake(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RegisterArbitrator(env.Ctx, "arb", 0); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.SetArbitratorActive(env.Ctx, "arb", true)
	var below domain.BelowMinimumStakeError
	if !errors.As(err, &below) {
		t.Fatalf("expected BelowMinimumStakeError, got %v", err)
	}
}
