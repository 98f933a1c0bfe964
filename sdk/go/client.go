package agentmarketsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Agentmarket HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// Account sets the legacy X-Account-Id header, for servers running with
	// --allow-legacy-header.
	Account    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Job represents the API job model.
type Job struct {
	ID           int64    `json:"id"`
	Client       string   `json:"client"`
	Agent        *string  `json:"agent,omitempty"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Deliverables []string `json:"deliverables,omitempty"`
	Amount       int64    `json:"amount"`
	FundedAmount int64    `json:"funded_amount"`
	Deadline     int64    `json:"deadline,omitempty"`
	Arbitrator   *string  `json:"arbitrator,omitempty"`
	EvidenceURI  *string  `json:"evidence_uri,omitempty"`
	State        string   `json:"state"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

// Bid represents a competing offer on an open job.
type Bid struct {
	ID        int64  `json:"id"`
	JobID     int64  `json:"job_id"`
	Agent     string `json:"agent"`
	Amount    int64  `json:"amount"`
	Timeline  int64  `json:"timeline"`
	Proposal  string `json:"proposal,omitempty"`
	Active    bool   `json:"active"`
	Selected  bool   `json:"selected"`
	CreatedAt string `json:"created_at"`
}

// Dispute represents an escrow dispute.
type Dispute struct {
	ID              int64   `json:"id"`
	JobID           int64   `json:"job_id"`
	RaisedBy        string  `json:"raised_by"`
	Reason          string  `json:"reason"`
	Resolution      string  `json:"resolution"`
	Resolver        *string `json:"resolver,omitempty"`
	ClientAmount    int64   `json:"client_amount"`
	AgentAmount     int64   `json:"agent_amount"`
	ResolutionNotes string  `json:"resolution_notes,omitempty"`
	CreatedAt       string  `json:"created_at"`
	ResolvedAt      *string `json:"resolved_at,omitempty"`
}

// TrustScore is the derived 0-100 reputation breakdown.
type TrustScore struct {
	Account    string `json:"account"`
	Score      int64  `json:"score"`
	KYC        int64  `json:"kyc"`
	Stake      int64  `json:"stake"`
	Reputation int64  `json:"reputation"`
	Longevity  int64  `json:"longevity"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	MarketID   string         `json:"market_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// JobList is a paginated job listing.
type JobList struct {
	Items      []Job  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// CreateJob creates a job owned by the authenticated account.
func (c *Client) CreateJob(ctx context.Context, title string, amount int64, opts map[string]any) (Job, error) {
	body := map[string]any{
		"title":  title,
		"amount": amount,
	}
	for k, v := range opts {
		body[k] = v
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "v1/jobs", body, &resp)
	return resp, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id int64) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/jobs/%d", id), nil, &resp)
	return resp, err
}

// ListOpenJobs returns unassigned jobs open for bidding.
func (c *Client) ListOpenJobs(ctx context.Context, limit int) (JobList, error) {
	endpoint := "v1/jobs?open=true"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp JobList
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitBid bids on an open job as the authenticated account.
func (c *Client) SubmitBid(ctx context.Context, jobID, amount, timeline int64, proposal string) (Bid, error) {
	body := map[string]any{
		"amount":   amount,
		"timeline": timeline,
		"proposal": proposal,
	}
	var resp Bid
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%d/bids", jobID), body, &resp)
	return resp, err
}

// SelectBid accepts a bid, assigning the agent and funding the escrow.
func (c *Client) SelectBid(ctx context.Context, bidID int64) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/bids/%d/select", bidID), nil, &resp)
	return resp, err
}

// FundJob moves the caller's funds into the job escrow.
func (c *Client) FundJob(ctx context.Context, jobID, amount int64) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%d/fund", jobID), map[string]any{"amount": amount}, &resp)
	return resp, err
}

// AcceptJob marks the assignment accepted by the agent.
func (c *Client) AcceptJob(ctx context.Context, jobID int64) (Job, error) {
	return c.jobAction(ctx, jobID, "accept")
}

// StartJob marks work started.
func (c *Client) StartJob(ctx context.Context, jobID int64) (Job, error) {
	return c.jobAction(ctx, jobID, "start")
}

// DeliverJob submits delivery evidence.
func (c *Client) DeliverJob(ctx context.Context, jobID int64, evidenceURI string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%d/deliver", jobID), map[string]any{"evidence_uri": evidenceURI}, &resp)
	return resp, err
}

// ApproveDelivery releases the escrow to the agent.
func (c *Client) ApproveDelivery(ctx context.Context, jobID int64) (Job, error) {
	return c.jobAction(ctx, jobID, "approve")
}

// CancelJob refunds the escrow to the client.
func (c *Client) CancelJob(ctx context.Context, jobID int64) (Job, error) {
	return c.jobAction(ctx, jobID, "cancel")
}

// RaiseDispute escalates an active job.
func (c *Client) RaiseDispute(ctx context.Context, jobID int64, reason string) (Dispute, error) {
	var resp Dispute
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%d/disputes", jobID), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Arbitrate resolves a dispute with a client percentage split.
func (c *Client) Arbitrate(ctx context.Context, disputeID, clientPercent int64, notes string) (Dispute, error) {
	body := map[string]any{
		"client_percent": clientPercent,
		"notes":          notes,
	}
	var resp Dispute
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/disputes/%d/arbitrate", disputeID), body, &resp)
	return resp, err
}

// TrustScore returns the derived reputation for an account.
func (c *Client) TrustScore(ctx context.Context, account string) (TrustScore, error) {
	var resp TrustScore
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/accounts/%s/trust", account), nil, &resp)
	return resp, err
}

// Events returns recent events, oldest first when a cursor is given.
func (c *Client) Events(ctx context.Context, limit int, after int64) ([]Event, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if after > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%safter=%d", endpoint, sep, after)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) jobAction(ctx context.Context, jobID int64, action string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%d/%s", jobID, action), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.Account != "":
		req.Header.Set("X-Account-Id", c.Account)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
