package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"agentmarket/internal/config"
	"agentmarket/internal/db"
	"agentmarket/internal/domain"
	"agentmarket/internal/engine"
	"agentmarket/internal/identity"
	"agentmarket/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Now    *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("market-1")
	eng := engine.New(conn, cfg)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	ctx := context.Background()
	if err := eng.InitMarket(ctx, "market-1", "test", "tester"); err != nil {
		t.Fatalf("init market: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Now: &now}
}

func (env testEnv) credit(t *testing.T, account string, amount int64) {
	t.Helper()
	if err := env.Engine.Credit(env.Ctx, account, amount, "tester"); err != nil {
		t.Fatalf("credit %s: %v", account, err)
	}
}

func (env testEnv) balance(t *testing.T, account string) int64 {
	t.Helper()
	b, err := env.Engine.Ledger.Balance(env.Ctx, account)
	if err != nil {
		t.Fatalf("balance %s: %v", account, err)
	}
	return b
}

func TestSelectBidFundsAndAssigns(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, "client", 1000)

	job, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		Client: "client", Title: "build a parser", Amount: 1000,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.State != domain.JobCreated || !job.Unassigned() {
		t.Fatalf("expected open created job, got %+v", job)
	}

	bid, err := env.Engine.SubmitBid(env.Ctx, engine.BidOptions{
		JobID: job.ID, Agent: "agent-a", Amount: 900, Timeline: 604800, Proposal: "two sprints",
	})
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	if _, err := env.Engine.SubmitBid(env.Ctx, engine.BidOptions{
		JobID: job.ID, Agent: "agent-b", Amount: 950, Timeline: 302400,
	}); err != nil {
		t.Fatalf("second bid: %v", err)
	}

	job, err = env.Engine.SelectBid(env.Ctx, bid.ID, "client")
	if err != nil {
		t.Fatalf("select bid: %v", err)
	}
	if job.State != domain.JobFunded {
		t.Fatalf("expected funded after select, got %s", job.State)
	}
	if job.Agent == nil || *job.Agent != "agent-a" {
		t.Fatalf("expected agent-a assigned")
	}
	if job.Amount != 900 || job.FundedAmount != 900 {
		t.Fatalf("expected job re-priced to 900/900, got %d/%d", job.Amount, job.FundedAmount)
	}
	if got := env.balance(t, "client"); got != 100 {
		t.Fatalf("client balance after escrow: got %d want 100", got)
	}

	bids, err := env.Engine.Repo.ListBids(env.Ctx, job.ID, true)
	if err != nil {
		t.Fatalf("list bids: %v", err)
	}
	if len(bids) != 1 || bids[0].Agent != "agent-a" || !bids[0].Selected {
		t.Fatalf("expected only the selected bid active, got %+v", bids)
	}
}

func TestDuplicateActiveBidRejected(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{Client: "client", Title: "job", Amount: 100})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitBid(env.Ctx, engine.BidOptions{JobID: job.ID, Agent: "agent-a", Amount: 90}); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.SubmitBid(env.Ctx, engine.BidOptions{JobID: job.ID, Agent: "agent-a", Amount: 80})
	var dup domain.DuplicateActiveError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateActiveError, got %v", err)
	}
	// withdrawing frees the slot
	bids, _ := env.Engine.Repo.ListBids(env.Ctx, job.ID, true)
	if err := env.Engine.WithdrawBid(env.Ctx, bids[0].ID, "agent-a"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := env.Engine.SubmitBid(env.Ctx, engine.BidOptions{JobID: job.ID, Agent: "agent-a", Amount: 80}); err != nil {
		t.Fatalf("rebid after withdraw: %v", err)
	}
}

func TestJobLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, "client", 500)
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		Client: "client", Agent: "agent", Title: "direct hire", Amount: 500,
	})
	if err != nil {
		t.Fatal(err)
	}
	job, err = env.Engine.FundJob(env.Ctx, job.ID, 500, "client")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if job.State != domain.JobFunded {
		t.Fatalf("expected funded, got %s", job.State)
	}
	if job, err = env.Engine.AcceptJob(env.Ctx, job.ID, "agent"); err != nil || job.State != domain.JobAccepted {
		t.Fatalf("accept: %v state=%s", err, job.State)
	}
	if job, err = env.Engine.StartJob(env.Ctx, job.ID, "agent"); err != nil || job.State != domain.JobInProgress {
		t.Fatalf("start: %v state=%s", err, job.State)
	}
	if job, err = env.Engine.DeliverJob(env.Ctx, job.ID, "ipfs://deliverable", "agent"); err != nil || job.State != domain.JobDelivered {
		t.Fatalf("deliver: %v state=%s", err, job.State)
	}
	if job.EvidenceURI == nil || *job.EvidenceURI != "ipfs://deliverable" {
		t.Fatalf("evidence not recorded")
	}
	if job, err = env.Engine.ApproveDelivery(env.Ctx, job.ID, "client"); err != nil || job.State != domain.JobCompleted {
		t.Fatalf("approve: %v state=%s", err, job.State)
	}
	if got := env.balance(t, "agent"); got != 500 {
		t.Fatalf("agent payout: got %d want 500", got)
	}
}

func TestGuardsRejectSkippedStates(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, "client", 500)
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{Client: "client", Agent: "agent", Title: "guards", Amount: 500})
	if err != nil {
		t.Fatal(err)
	}
	// deliver straight from created
	_, err = env.Engine.DeliverJob(env.Ctx, job.ID, "ipfs://x", "agent")
	var inv domain.InvalidTransitionError
	if !errors.As(err, &inv) || inv.State != domain.JobCreated {
		t.Fatalf("expected InvalidTransition from created, got %v", err)
	}
	// approve before delivery
	_, err = env.Engine.ApproveDelivery(env.Ctx, job.ID, "client")
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
	// wrong caller
	if _, err = env.Engine.FundJob(env.Ctx, job.ID, 500, "client"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.AcceptJob(env.Ctx, job.ID, "intruder")
	var unauth domain.UnauthorizedError
	if !errors.As(err, &unauth) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
}

func TestFundingMonotonicAndBounded(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, "client", 1000)
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{Client: "client", Agent: "agent", Title: "partial", Amount: 600})
	if err != nil {
		t.Fatal(err)
	}
	if job, err = env.Engine.FundJob(env.Ctx, job.ID, 200, "client"); err != nil {
		t.Fatal(err)
	}
	if job.State != domain.JobCreated || job.FundedAmount != 200 {
		t.Fatalf("partial funding should stay created, got %s/%d", job.State, job.FundedAmount)
	}
	// overshoot is rejected, not clamped
	_, err = env.Engine.FundJob(env.Ctx, job.ID, 500, "client")
	var insuf domain.InsufficientFundsError
	if !errors.As(err, &insuf) || insuf.Need != 400 {
		t.Fatalf("expected InsufficientFunds need=400, got %v", err)
	}
	if job, err = env.Engine.FundJob(env.Ctx, job.ID, 400, "client"); err != nil || job.State != domain.JobFunded {
		t.Fatalf("complete funding: %v state=%s", err, job.State)
	}
	if job.FundedAmount != job.Amount {
		t.Fatalf("funded %d != amount %d", job.FundedAmount, job.Amount)
	}
}

func TestCancelRefundsEscrow(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, "client", 300)
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{Client: "client", Agent: "agent", Title: "cancel", Amount: 300})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.FundJob(env.Ctx, job.ID, 300, "client"); err != nil {
		t.Fatal(err)
	}
	if got := env.balance(t, "client"); got != 0 {
		t.Fatalf("escrowed balance: got %d want 0", got)
	}
	job, err = env.Engine.CancelJob(env.Ctx, job.ID, "client")
	if err != nil || job.State != domain.JobRefunded {
		t.Fatalf("cancel: %v state=%s", err, job.State)
	}
	if got := env.balance(t, "client"); got != 300 {
		t.Fatalf("refund: got %d want 300", got)
	}
	// terminal: no further transitions
	_, err = env.Engine.FundJob(env.Ctx, job.ID, 1, "client")
	var inv domain.InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidTransition on refunded job, got %v", err)
	}
}

func TestFeedbackAndTrustScore(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, "client", 100)
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{Client: "client", Agent: "agent", Title: "fb", Amount: 100})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.FundJob(env.Ctx, job.ID, 100, "client"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.AcceptJob(env.Ctx, job.ID, "agent"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.DeliverJob(env.Ctx, job.ID, "ipfs://done", "agent"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.ApproveDelivery(env.Ctx, job.ID, "client"); err != nil {
		t.Fatal(err)
	}
	// feedback before completion is already impossible here; duplicate reviewer is
	if _, err = env.Engine.LeaveFeedback(env.Ctx, job.ID, "agent", 90, "self praise"); err == nil {
		t.Fatalf("expected non-client feedback rejected")
	}
	if _, err = env.Engine.LeaveFeedback(env.Ctx, job.ID, "client", 80, "solid work"); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	ts, err := env.Engine.TrustScore(env.Ctx, "agent")
	if err != nil {
		t.Fatalf("trust: %v", err)
	}
	if ts.Score < 0 || ts.Score > 100 {
		t.Fatalf("trust out of range: %d", ts.Score)
	}
	if ts.Reputation == 0 {
		t.Fatalf("expected reputation component after feedback, got %+v", ts)
	}
}

func TestTrustScoreWithFixedOracle(t *testing.T) {
	env := newTestEnv(t)
	registered := env.Now.AddDate(0, 0, -90)
	env.Engine.Identity = identity.Fixed{Profiles: map[string]identity.Profile{
		"agent": {Tier: 2, SystemStake: 5000, RegisteredAt: registered},
	}}
	ts, err := env.Engine.TrustScore(env.Ctx, "agent")
	if err != nil {
		t.Fatalf("trust: %v", err)
	}
	// tier 2 -> 20, half the stake cap -> 10, 90 days -> 3 months
	if ts.KYC != 20 || ts.Stake != 10 || ts.Longevity != 3 {
		t.Fatalf("components: got %+v", ts)
	}
	if ts.Score != 33 {
		t.Fatalf("score: got %d want 33", ts.Score)
	}
	// unknown accounts score zero everywhere
	ts, err = env.Engine.TrustScore(env.Ctx, "stranger")
	if err != nil {
		t.Fatalf("trust stranger: %v", err)
	}
	if ts.Score != 0 {
		t.Fatalf("stranger score: got %d want 0", ts.Score)
	}
}

func TestEventJournalCoversLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, "client", 100)
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{Client: "client", Agent: "agent", Title: "evented", Amount: 100})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = env.Engine.FundJob(env.Ctx, job.ID, 100, "client")
	_, _ = env.Engine.AcceptJob(env.Ctx, job.ID, "agent")
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE entity_kind='job'`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count < 3 {
		t.Fatalf("expected job events, got %d", count)
	}
}
