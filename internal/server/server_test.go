package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"agentmarket/internal/config"
	"agentmarket/internal/db"
	"agentmarket/internal/domain"
	"agentmarket/internal/engine"
	"agentmarket/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("market-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.InitMarket(context.Background(), cfg.Market.ID, "", "tester"); err != nil {
		t.Fatalf("init market: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyAccountHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func asAccount(account string) map[string]string {
	return map[string]string{"X-Account-Id": account}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func creditAccount(t *testing.T, srv *testServer, account string, amount int64) {
	t.Helper()
	if err := srv.Engine.Credit(context.Background(), account, amount, "tester"); err != nil {
		t.Fatalf("credit %s: %v", account, err)
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	creditAccount(t, srv, "client", 1000)

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{
		"title":  "build a parser",
		"amount": 1000,
	}, asAccount("client"))
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create job status %d: %s", createRes.StatusCode, string(data))
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	jobID := jobURL(srv, job.ID)

	bidRes, bidBody := doJSON(t, client, http.MethodPost, jobID+"/bids", map[string]any{
		"amount":   900,
		"timeline": 604800,
		"proposal": "two sprints",
	}, asAccount("agent-a"))
	if bidRes.StatusCode != http.StatusCreated {
		t.Fatalf("submit bid status %d: %s", bidRes.StatusCode, string(bidBody))
	}
	var bid domain.Bid
	_ = json.Unmarshal(bidBody, &bid)

	selRes, selBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/bids/"+itoa(bid.ID)+"/select", nil, asAccount("client"))
	if selRes.StatusCode != http.StatusOK {
		t.Fatalf("select bid status %d: %s", selRes.StatusCode, string(selBody))
	}
	var funded domain.Job
	if err := json.Unmarshal(selBody, &funded); err != nil {
		t.Fatalf("unmarshal funded job: %v", err)
	}
	if funded.State != domain.JobFunded || funded.FundedAmount != 900 {
		t.Fatalf("expected funded job at 900, got %s/%d", funded.State, funded.FundedAmount)
	}

	for _, step := range []string{"/accept", "/start"} {
		res, body := doJSON(t, client, http.MethodPost, jobID+step, nil, asAccount("agent-a"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", step, res.StatusCode, string(body))
		}
	}
	delRes, delBody := doJSON(t, client, http.MethodPost, jobID+"/deliver", map[string]any{
		"evidence_uri": "ipfs://deliverable",
	}, asAccount("agent-a"))
	if delRes.StatusCode != http.StatusOK {
		t.Fatalf("deliver status %d: %s", delRes.StatusCode, string(delBody))
	}
	appRes, appBody := doJSON(t, client, http.MethodPost, jobID+"/approve", nil, asAccount("client"))
	if appRes.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", appRes.StatusCode, string(appBody))
	}
	var done domain.Job
	_ = json.Unmarshal(appBody, &done)
	if done.State != domain.JobCompleted {
		t.Fatalf("expected completed, got %s", done.State)
	}

	balRes, balBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/accounts/agent-a/balance", nil, asAccount("agent-a"))
	if balRes.StatusCode != http.StatusOK {
		t.Fatalf("balance status %d: %s", balRes.StatusCode, string(balBody))
	}
	var bal struct {
		Balance int64 `json:"balance"`
	}
	_ = json.Unmarshal(balBody, &bal)
	if bal.Balance != 900 {
		t.Fatalf("agent balance after approval: got %d want 900", bal.Balance)
	}
}

func TestInvalidTransitionEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{
		"title":  "early approval",
		"agent":  "agent-a",
		"amount": 100,
	}, asAccount("client"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job status %d: %s", res.StatusCode, string(data))
	}
	var job domain.Job
	_ = json.Unmarshal(data, &job)

	appRes, appBody := doJSON(t, client, http.MethodPost, jobURL(srv, job.ID)+"/approve", nil, asAccount("client"))
	if appRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d: %s", appRes.StatusCode, string(appBody))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(appBody, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition code, got %q", envelope.Error.Code)
	}
	if envelope.Error.Message == "" {
		t.Fatalf("expected message in envelope, got %s", string(appBody))
	}
	if envelope.Error.Details["state"] != string(domain.JobCreated) {
		t.Fatalf("expected state detail %q, got %v", domain.JobCreated, envelope.Error.Details["state"])
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{
		"title":  "no auth",
		"amount": 100,
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	healthRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", healthRes.StatusCode)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/api-keys", map[string]any{
		"name": "ci",
	}, asAccount("client"))
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", createRes.StatusCode, string(data))
	}
	var created createAPIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal api key: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("expected plaintext key in creation response")
	}

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{
		"title":  "keyed job",
		"amount": 100,
	}, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job with api key status %d: %s", res.StatusCode, string(body))
	}
	var job domain.Job
	_ = json.Unmarshal(body, &job)
	if job.Client != "client" {
		t.Fatalf("expected key to resolve to client account, got %q", job.Client)
	}
}

func TestDisputeOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	creditAccount(t, srv, "client", 1000)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{
		"title":      "disputed work",
		"agent":      "agent-a",
		"amount":     1000,
		"arbitrator": "arb-1",
	}, asAccount("client"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job status %d: %s", res.StatusCode, string(data))
	}
	var job domain.Job
	_ = json.Unmarshal(data, &job)
	jobID := jobURL(srv, job.ID)

	fundRes, fundBody := doJSON(t, client, http.MethodPost, jobID+"/fund", map[string]any{"amount": 1000}, asAccount("client"))
	if fundRes.StatusCode != http.StatusOK {
		t.Fatalf("fund status %d: %s", fundRes.StatusCode, string(fundBody))
	}
	if res, body := doJSON(t, client, http.MethodPost, jobID+"/accept", nil, asAccount("agent-a")); res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(body))
	}

	dispRes, dispBody := doJSON(t, client, http.MethodPost, jobID+"/disputes", map[string]any{
		"reason": "scope disagreement",
	}, asAccount("client"))
	if dispRes.StatusCode != http.StatusCreated {
		t.Fatalf("raise dispute status %d: %s", dispRes.StatusCode, string(dispBody))
	}
	var dispute domain.Dispute
	_ = json.Unmarshal(dispBody, &dispute)

	arbRes, arbBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/disputes/"+itoa(dispute.ID)+"/arbitrate", map[string]any{
		"client_percent": 60,
	}, asAccount("arb-1"))
	if arbRes.StatusCode != http.StatusOK {
		t.Fatalf("arbitrate status %d: %s", arbRes.StatusCode, string(arbBody))
	}
	var resolved domain.Dispute
	_ = json.Unmarshal(arbBody, &resolved)
	if resolved.ClientAmount != 600 || resolved.AgentAmount != 400 {
		t.Fatalf("expected 600/400 split, got %d/%d", resolved.ClientAmount, resolved.AgentAmount)
	}
}

func TestWebhookDispatcherStopsOnCancel(t *testing.T) {
	d := &webhookDispatcher{
		client:  &http.Client{},
		cursors: make(map[int]int64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher kept running after cancel")
	}
}

func jobURL(srv *testServer, id int64) string {
	return srv.URL + "/v1/jobs/" + itoa(id)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
