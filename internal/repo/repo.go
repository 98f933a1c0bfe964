package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentmarket/internal/config"
	"agentmarket/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

func (r Repo) InsertMarket(ctx context.Context, tx *sql.Tx, id, kind, status, description, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO markets(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		id, kind, status, nullable(description), createdAt)
	return err
}

func (r Repo) GetMarket(ctx context.Context, id string) (string, error) {
	var status string
	err := r.DB.QueryRowContext(ctx, `SELECT status FROM markets WHERE id=?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return status, err
}

func (r Repo) SingleMarket(ctx context.Context) (string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM markets`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "", ErrNotFound
	}
	if len(ids) > 1 {
		return "", fmt.Errorf("multiple markets exist; specify --market")
	}
	return ids[0], nil
}

func (r Repo) UpsertMarketConfig(ctx context.Context, marketID string, cfg *config.Config) error {
	return upsertMarketConfig(ctx, r.DB, nil, marketID, cfg)
}

func (r Repo) UpsertMarketConfigTx(ctx context.Context, tx *sql.Tx, marketID string, cfg *config.Config) error {
	return upsertMarketConfig(ctx, nil, tx, marketID, cfg)
}

func upsertMarketConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, marketID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Market.ID = marketID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO market_configs(market_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(market_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, marketID, string(payload), now, now)
	return err
}

func (r Repo) GetMarketConfig(ctx context.Context, marketID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM market_configs WHERE market_id=?`, marketID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Market.ID == "" {
		cfg.Market.ID = marketID
	}
	return &cfg, cfg.Validate()
}

// --- jobs ---

const jobColumns = `id,client,agent,title,description,deliverables_json,amount,funded_amount,deadline,arbitrator,evidence_uri,state,created_at,updated_at`

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, marketID string, j domain.Job) (int64, error) {
	deliverables, err := marshalStringSlice(j.Deliverables)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO jobs(market_id,client,agent,title,description,deliverables_json,amount,funded_amount,deadline,arbitrator,evidence_uri,state,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		marketID, j.Client, nullableStringPtr(j.Agent), j.Title, nullable(j.Description), nullableStringPtr(deliverables),
		j.Amount, j.FundedAmount, j.Deadline, nullableStringPtr(j.Arbitrator), nullableStringPtr(j.EvidenceURI),
		j.State, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) UpdateJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET agent=?, amount=?, funded_amount=?, evidence_uri=?, state=?, updated_at=? WHERE id=?`,
		nullableStringPtr(j.Agent), j.Amount, j.FundedAmount, nullableStringPtr(j.EvidenceURI), j.State, j.UpdatedAt, j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var agent, description, deliverables, arbitrator, evidence sql.NullString
	err := scan(&j.ID, &j.Client, &agent, &j.Title, &description, &deliverables, &j.Amount, &j.FundedAmount,
		&j.Deadline, &arbitrator, &evidence, &j.State, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if description.Valid {
		j.Description = description.String
	}
	if agent.Valid {
		j.Agent = &agent.String
	}
	if arbitrator.Valid {
		j.Arbitrator = &arbitrator.String
	}
	if evidence.Valid {
		j.EvidenceURI = &evidence.String
	}
	if deliverables.Valid && deliverables.String != "" {
		_ = json.Unmarshal([]byte(deliverables.String), &j.Deliverables)
	}
	return j, nil
}

func (r Repo) GetJob(ctx context.Context, id int64) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

type JobFilters struct {
	Client          string
	Agent           string
	State           string
	OpenOnly        bool
	Limit           int
	CursorCreatedAt string
	CursorID        int64
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.Client != "" {
		clauses = append(clauses, "client=?")
		args = append(args, f.Client)
	}
	if f.Agent != "" {
		clauses = append(clauses, "agent=?")
		args = append(args, f.Agent)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.OpenOnly {
		clauses = append(clauses, "state=? AND agent IS NULL")
		args = append(args, domain.JobCreated)
	}
	if f.CursorCreatedAt != "" && f.CursorID > 0 {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// --- bids ---

const bidColumns = `id,job_id,agent,amount,timeline,proposal,active,selected,created_at`

func (r Repo) InsertBid(ctx context.Context, tx *sql.Tx, b domain.Bid) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO bids(job_id,agent,amount,timeline,proposal,active,selected,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		b.JobID, b.Agent, b.Amount, b.Timeline, nullable(b.Proposal), b.Active, b.Selected, b.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanBid(scan func(dest ...any) error) (domain.Bid, error) {
	var b domain.Bid
	var proposal sql.NullString
	err := scan(&b.ID, &b.JobID, &b.Agent, &b.Amount, &b.Timeline, &proposal, &b.Active, &b.Selected, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if proposal.Valid {
		b.Proposal = proposal.String
	}
	return b, err
}

func (r Repo) GetBid(ctx context.Context, id int64) (domain.Bid, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id=?`, id)
	return scanBid(row.Scan)
}

func (r Repo) GetBidTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Bid, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id=?`, id)
	return scanBid(row.Scan)
}

func (r Repo) HasActiveBid(ctx context.Context, tx *sql.Tx, jobID int64, agent string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM bids WHERE job_id=? AND agent=? AND active=1 LIMIT 1`, jobID, agent)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) DeactivateBid(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE bids SET active=0 WHERE id=?`, id)
	return err
}

// SelectBid marks one bid selected and deactivates every other bid on the
// same job in the same statement pair.
func (r Repo) SelectBid(ctx context.Context, tx *sql.Tx, jobID, bidID int64) error {
	if _, err := tx.ExecContext(ctx, `UPDATE bids SET active=0 WHERE job_id=? AND id<>?`, jobID, bidID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE bids SET selected=1 WHERE id=?`, bidID)
	return err
}

func (r Repo) ListBids(ctx context.Context, jobID int64, activeOnly bool) ([]domain.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE job_id=?`
	if activeOnly {
		query += ` AND active=1`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// --- accounts ---

func (r Repo) GetAccount(ctx context.Context, account string) (domain.Account, error) {
	var a domain.Account
	err := r.DB.QueryRowContext(ctx, `SELECT account,kyc_tier,balance,system_stake,created_at FROM accounts WHERE account=?`, account).
		Scan(&a.Account, &a.KYCTier, &a.Balance, &a.SystemStake, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, marketID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if marketID != "" {
		clauses = append(clauses, "market_id=?")
		args = append(args, marketID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(market_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.MarketID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, marketID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if marketID != "" {
		clauses = append(clauses, "market_id=?")
		args = append(args, marketID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(market_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.MarketID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a market.
func (r Repo) LatestEventID(ctx context.Context, marketID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE market_id=?`, marketID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
